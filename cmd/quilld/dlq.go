package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/openrecords/quill/config"
	"github.com/openrecords/quill/queue"
	"github.com/openrecords/quill/store"
)

func newDLQCmd() *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered jobs",
	}
	dlq.AddCommand(newDLQListCmd(), newDLQRetryCmd(), newDLQDiscardCmd())
	return dlq
}

func newDLQListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()

			status := store.DeadLetterPending
			if all {
				status = ""
			}
			entries, err := st.ListDeadLetters(cmd.Context(), status)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tQUEUE\tJOB\tCASE\tATTEMPTS\tSTATUS\tERROR")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					e.ID, e.Queue, e.JobName, e.CaseID, e.Attempts, e.Status, e.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include retried and discarded entries")
	return cmd
}

func newDLQRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <entry-id>",
		Short: "Re-enqueue a dead-lettered job with a fresh attempt counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()

			entry, err := st.GetDeadLetter(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to load entry: %w", err)
			}

			q, closeQ, err := openQueue(cfg, st)
			if err != nil {
				return err
			}
			defer closeQ()

			job := &queue.Job{
				ID:      entry.JobID,
				Queue:   entry.Queue,
				Name:    entry.JobName,
				Payload: json.RawMessage(entry.Payload),
				CaseID:  entry.CaseID,
			}
			if err := q.Requeue(cmd.Context(), job); err != nil {
				return fmt.Errorf("failed to requeue: %w", err)
			}
			if err := st.ResolveDeadLetter(cmd.Context(), entry.ID, store.DeadLetterRetried); err != nil {
				return fmt.Errorf("failed to mark entry retried: %w", err)
			}
			fmt.Printf("requeued %s on %s\n", entry.JobID, entry.Queue)
			return nil
		},
	}
}

func newDLQDiscardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard <entry-id>",
		Short: "Discard a dead-lettered job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()

			if err := st.ResolveDeadLetter(cmd.Context(), args[0], store.DeadLetterDiscarded); err != nil {
				return fmt.Errorf("failed to discard entry: %w", err)
			}
			fmt.Printf("discarded %s\n", args[0])
			return nil
		},
	}
}

func openQueue(cfg *config.Config, st *store.Store) (*queue.Queue, func(), error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	q := queue.New(rdb, &queue.StoreSink{Store: st}, queue.WithPrefix(cfg.Redis.Prefix))
	return q, func() { _ = rdb.Close() }, nil
}
