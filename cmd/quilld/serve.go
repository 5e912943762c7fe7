package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/openrecords/quill/agent"
	"github.com/openrecords/quill/agent/llm"
	"github.com/openrecords/quill/caselock"
	"github.com/openrecords/quill/config"
	"github.com/openrecords/quill/engine"
	"github.com/openrecords/quill/graph/checkpoint"
	"github.com/openrecords/quill/graph/emit"
	"github.com/openrecords/quill/queue"
	"github.com/openrecords/quill/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run queue workers, the reaper, and the follow-up dispatcher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var emitter emit.Emitter = emit.NewLogEmitter(os.Stdout, true)
	if cfg.HTTP.Tracing {
		emitter = emit.NewMultiEmitter(emitter, emit.NewOTelEmitter(otel.Tracer("quilld")))
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ckptPath := cfg.Store.CheckpointPath
	if ckptPath == "" {
		ckptPath = cfg.Store.Path
	}
	saver, err := checkpoint.NewSQLiteSaver(ckptPath)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer saver.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
	}

	sink := &queue.StoreSink{
		Store: st,
		Notify: func(entry *store.DeadLetterEntry) {
			emitter.Emit(emit.Event{
				CaseID: entry.CaseID,
				Msg:    emit.MsgJobMovedToDLQ,
				Meta:   map[string]interface{}{"queue": entry.Queue, "job": entry.JobName, "error": entry.Error},
			})
		},
	}
	q := queue.New(rdb, sink, queue.WithPrefix(cfg.Redis.Prefix))

	locks := caselock.NewManager(st, emitter)
	locks.LockTTL = cfg.Engine.LockTTL
	locks.HeartbeatEvery = cfg.Engine.HeartbeatEvery

	notify := agent.NullNotifier{}
	deps := agent.Deps{
		Store:   st,
		LLM:     llmClient(cfg),
		Bodies:  agent.NewMemBodyStore(),
		Email:   &agent.DryRunEmailExecutor{},
		Portal:  &agent.ManualPortalRunner{Notify: notify},
		Notify:  notify,
		Emitter: emitter,
	}
	graphs, err := agent.Build(deps, saver, emitter)
	if err != nil {
		return fmt.Errorf("failed to build case graphs: %w", err)
	}

	reg := prometheus.NewRegistry()
	queueMetrics := queue.NewMetrics(reg)
	eng := engine.New(st, q, locks, graphs, emitter,
		engine.WithMetrics(engine.NewMetrics(reg)))
	eng.RunTimeout = cfg.Engine.RunTimeout

	reaper := caselock.NewReaper(st, emitter)
	reaper.Every = cfg.Engine.ReapEvery
	reaper.OnReaped = func(ctx context.Context, run *store.Run) {
		if err := eng.Recover(ctx, run); err != nil {
			emitter.Emit(emit.Event{
				RunID:  run.ID,
				CaseID: run.CaseID,
				Msg:    emit.MsgRunFailed,
				Meta:   map[string]interface{}{"component": "recovery", "error": err.Error()},
			})
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Engine.Workers; i++ {
		w := queue.NewWorker(q, queue.QueueAgent, queueMetrics)
		eng.Register(w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Run(ctx)
		}()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = reaper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		eng.RunFollowupDispatcher(ctx, cfg.Engine.FollowupEvery)
	}()

	var metricsSrv *http.Server
	if cfg.HTTP.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.HTTP.MetricsAddr, Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				emitter.Emit(emit.Event{
					Msg:  emit.MsgRunFailed,
					Meta: map[string]interface{}{"component": "metrics", "error": err.Error()},
				})
			}
		}()
	}

	<-ctx.Done()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	wg.Wait()
	return nil
}

func llmClient(cfg *config.Config) llm.Client {
	switch cfg.LLM.Provider {
	case "openai":
		key := cfg.LLM.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return llm.NewOpenAIClient(key, cfg.LLM.Model)
	case "mock":
		return llm.NewMock()
	default:
		key := cfg.LLM.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		return llm.NewAnthropicClient(key, cfg.LLM.Model)
	}
}
