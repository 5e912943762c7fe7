package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openrecords/quill/graph/checkpoint"
	"github.com/openrecords/quill/graph/emit"
)

// testState is a minimal state record for runtime tests.
type testState struct {
	Value   string   `json:"value"`
	Counter int      `json:"counter"`
	Log     []string `json:"log"`
}

func testReducer(prev, delta testState) testState {
	prev.Value = OverwriteIfSet(prev.Value, delta.Value)
	prev.Counter += delta.Counter
	prev.Log = AppendIfNew(prev.Log, delta.Log)
	return prev
}

func appendNode(name string, route Next) NodeFunc[testState] {
	return func(ctx context.Context, s testState) NodeResult[testState] {
		return NodeResult[testState]{
			Delta: testState{Counter: 1, Log: []string{name}},
			Route: route,
		}
	}
}

func TestEngine_LinearExecution(t *testing.T) {
	eng := New(testReducer, checkpoint.NewMemSaver(), nil, Options{})

	if err := eng.Add("a", appendNode("a", Next{})); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := eng.Add("b", appendNode("b", Next{})); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := eng.Add("c", appendNode("c", Stop())); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := eng.StartAt("a"); err != nil {
		t.Fatalf("startAt failed: %v", err)
	}
	if err := eng.Connect("a", "b"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := eng.Connect("b", "c"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	res, err := eng.Invoke(context.Background(), "t1", testState{})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", res.Status)
	}
	if res.State.Counter != 3 {
		t.Errorf("expected 3 node executions, got %d", res.State.Counter)
	}
	want := []string{"a", "b", "c"}
	for i, node := range want {
		if res.Trace[i] != node {
			t.Errorf("trace[%d] = %q, want %q", i, res.Trace[i], node)
		}
	}
}

func TestEngine_RouterValidDestination(t *testing.T) {
	eng := New(testReducer, checkpoint.NewMemSaver(), nil, Options{})

	_ = eng.Add("router", appendNode("router", Next{}))
	_ = eng.Add("left", appendNode("left", Stop()))
	_ = eng.Add("right", appendNode("right", Stop()))
	_ = eng.StartAt("router")

	err := eng.AddRouter("router", func(s testState) string {
		return "right"
	}, []string{"left", "right"}, "left")
	if err != nil {
		t.Fatalf("addRouter failed: %v", err)
	}

	res, err := eng.Invoke(context.Background(), "t2", testState{})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if got := res.Trace[len(res.Trace)-1]; got != "right" {
		t.Errorf("expected router to pick right, got %q", got)
	}
}

func TestEngine_RouterInvalidLabelFallsBack(t *testing.T) {
	buf := emit.NewBufferedEmitter()
	eng := New(testReducer, checkpoint.NewMemSaver(), buf, Options{})

	_ = eng.Add("router", appendNode("router", Next{}))
	_ = eng.Add("left", appendNode("left", Stop()))
	_ = eng.Add("right", appendNode("right", Stop()))
	_ = eng.StartAt("router")

	// Router returns a label outside its declared destination set.
	_ = eng.AddRouter("router", func(s testState) string {
		return "nowhere"
	}, []string{"left", "right"}, "left")

	res, err := eng.Invoke(context.Background(), "t3", testState{})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if got := res.Trace[len(res.Trace)-1]; got != "left" {
		t.Errorf("expected fallback to left, got %q", got)
	}
	if events := buf.HistoryByMsg("t3", emit.MsgInvalidRoute); len(events) != 1 {
		t.Errorf("expected one invalid_route_hint event, got %d", len(events))
	}
}

func TestEngine_RouterRejectsBadFallback(t *testing.T) {
	eng := New(testReducer, checkpoint.NewMemSaver(), nil, Options{})
	_ = eng.Add("a", appendNode("a", Next{}))

	err := eng.AddRouter("a", func(s testState) string { return "x" }, []string{"x"}, "not-declared")
	if err == nil {
		t.Fatal("expected error for fallback outside destination set")
	}
}

func TestEngine_ExplicitHintValidatedAgainstDestinations(t *testing.T) {
	buf := emit.NewBufferedEmitter()
	eng := New(testReducer, checkpoint.NewMemSaver(), buf, Options{})

	// Node emits an explicit hint that is not in its declared set.
	_ = eng.Add("a", appendNode("a", Goto("rogue")))
	_ = eng.Add("b", appendNode("b", Stop()))
	_ = eng.Add("rogue", appendNode("rogue", Stop()))
	_ = eng.StartAt("a")
	_ = eng.AddRouter("a", func(s testState) string { return "b" }, []string{"b"}, "b")

	res, err := eng.Invoke(context.Background(), "t4", testState{})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if got := res.Trace[len(res.Trace)-1]; got != "b" {
		t.Errorf("invalid hint should be ignored; ended at %q", got)
	}
	if events := buf.HistoryByMsg("t4", emit.MsgInvalidRoute); len(events) != 1 {
		t.Errorf("expected invalid_route_hint event, got %d", len(events))
	}
}

// gateNode suspends with an interrupt, then routes based on the decision it
// receives on resume.
type gateNode struct{}

func (g *gateNode) Run(ctx context.Context, s testState) NodeResult[testState] {
	return NodeResult[testState]{
		Delta:     testState{Log: []string{"gate"}},
		Interrupt: &Interrupt{Value: map[string]any{"pause_reason": "FEE_QUOTE"}},
	}
}

func (g *gateNode) Resume(ctx context.Context, s testState, decision any) NodeResult[testState] {
	if decision == "approve" {
		return NodeResult[testState]{Delta: testState{Log: []string{"approved"}}, Route: Goto("execute")}
	}
	return NodeResult[testState]{Delta: testState{Log: []string{"dismissed"}}, Route: Stop()}
}

func buildGateGraph(t *testing.T, saver checkpoint.Saver) *Engine[testState] {
	t.Helper()
	eng := New(testReducer, saver, nil, Options{})
	if err := eng.Add("start", appendNode("start", Goto("gate"))); err != nil {
		t.Fatal(err)
	}
	if err := eng.Add("gate", &gateNode{}); err != nil {
		t.Fatal(err)
	}
	if err := eng.Add("execute", appendNode("execute", Stop())); err != nil {
		t.Fatal(err)
	}
	if err := eng.StartAt("start"); err != nil {
		t.Fatal(err)
	}
	return eng
}

func TestEngine_InterruptAndResume(t *testing.T) {
	saver := checkpoint.NewMemSaver()
	eng := buildGateGraph(t, saver)
	ctx := context.Background()

	res, err := eng.Invoke(ctx, "case:1", testState{})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if res.Status != StatusInterrupted {
		t.Fatalf("expected interrupted, got %s", res.Status)
	}
	iv, ok := res.InterruptValue.(map[string]any)
	if !ok || iv["pause_reason"] != "FEE_QUOTE" {
		t.Errorf("unexpected interrupt value: %v", res.InterruptValue)
	}

	resumed, err := eng.Resume(ctx, "case:1", "approve")
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if resumed.Status != StatusCompleted {
		t.Fatalf("expected completed after resume, got %s", resumed.Status)
	}
	last := resumed.Trace[len(resumed.Trace)-1]
	if last != "execute" {
		t.Errorf("expected resume to continue to execute, got %q", last)
	}
	found := false
	for _, entry := range resumed.State.Log {
		if entry == "approved" {
			found = true
		}
	}
	if !found {
		t.Errorf("decision result missing from state: %v", resumed.State.Log)
	}
}

func TestEngine_ResumeSurvivesProcessRestart(t *testing.T) {
	// Same saver, new engine instance: simulates a crash between the
	// interrupt and the human decision.
	saver := checkpoint.NewMemSaver()
	ctx := context.Background()

	first := buildGateGraph(t, saver)
	if _, err := first.Invoke(ctx, "case:9", testState{}); err != nil {
		t.Fatalf("invoke failed: %v", err)
	}

	second := buildGateGraph(t, saver)
	res, err := second.Resume(ctx, "case:9", "dismiss")
	if err != nil {
		t.Fatalf("resume on fresh engine failed: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", res.Status)
	}
	last := res.State.Log[len(res.State.Log)-1]
	if last != "dismissed" {
		t.Errorf("expected dismissed entry, got %v", res.State.Log)
	}
}

func TestEngine_ResumeWithoutInterrupt(t *testing.T) {
	saver := checkpoint.NewMemSaver()
	eng := New(testReducer, saver, nil, Options{})
	_ = eng.Add("only", appendNode("only", Stop()))
	_ = eng.StartAt("only")

	ctx := context.Background()
	if _, err := eng.Invoke(ctx, "t", testState{}); err != nil {
		t.Fatalf("invoke failed: %v", err)
	}

	_, err := eng.Resume(ctx, "t", "approve")
	if !errors.Is(err, ErrNotInterrupted) {
		t.Errorf("expected ErrNotInterrupted, got %v", err)
	}

	_, err = eng.Resume(ctx, "never-ran", "approve")
	if !errors.Is(err, ErrNotInterrupted) {
		t.Errorf("expected ErrNotInterrupted for unknown thread, got %v", err)
	}
}

func TestEngine_MaxIterationsBoundsCycles(t *testing.T) {
	eng := New(testReducer, checkpoint.NewMemSaver(), nil, Options{MaxIterations: 3})

	// a -> a forever.
	_ = eng.Add("a", appendNode("a", Goto("a")))
	_ = eng.StartAt("a")

	_, err := eng.Invoke(context.Background(), "loop", testState{})
	if !errors.Is(err, ErrMaxIterations) {
		t.Errorf("expected ErrMaxIterations, got %v", err)
	}
}

func TestEngine_ContextCancellation(t *testing.T) {
	eng := New(testReducer, checkpoint.NewMemSaver(), nil, Options{})

	blocker := NodeFunc[testState](func(ctx context.Context, s testState) NodeResult[testState] {
		select {
		case <-ctx.Done():
			return NodeResult[testState]{Err: ctx.Err()}
		case <-time.After(5 * time.Second):
			return NodeResult[testState]{Route: Stop()}
		}
	})
	_ = eng.Add("block", blocker)
	_ = eng.StartAt("block")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := eng.Invoke(ctx, "t", testState{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestEngine_NodeErrorHaltsGraph(t *testing.T) {
	eng := New(testReducer, checkpoint.NewMemSaver(), nil, Options{})

	boom := errors.New("classifier unavailable")
	_ = eng.Add("fail", NodeFunc[testState](func(ctx context.Context, s testState) NodeResult[testState] {
		return NodeResult[testState]{Err: boom}
	}))
	_ = eng.StartAt("fail")

	_, err := eng.Invoke(context.Background(), "t", testState{})
	if !errors.Is(err, boom) {
		t.Errorf("expected node error surfaced, got %v", err)
	}
}

func TestEngine_ThreadHistoryAccumulates(t *testing.T) {
	saver := checkpoint.NewMemSaver()
	eng := New(testReducer, saver, nil, Options{})
	_ = eng.Add("only", appendNode("only", Stop()))
	_ = eng.StartAt("only")

	ctx := context.Background()
	if _, err := eng.Invoke(ctx, "shared", testState{}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Invoke(ctx, "shared", testState{}); err != nil {
		t.Fatal(err)
	}

	list, err := saver.List(ctx, "shared")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 checkpoints across invocations, got %d", len(list))
	}
	if list[1].Index <= list[0].Index {
		t.Errorf("indexes must be monotonic: %d then %d", list[0].Index, list[1].Index)
	}
}

func TestEngine_ValidationErrors(t *testing.T) {
	t.Run("missing start node", func(t *testing.T) {
		eng := New(testReducer, checkpoint.NewMemSaver(), nil, Options{})
		_, err := eng.Invoke(context.Background(), "t", testState{})
		var ge *GraphError
		if !errors.As(err, &ge) || ge.Code != "NO_START_NODE" {
			t.Errorf("expected NO_START_NODE, got %v", err)
		}
	})

	t.Run("duplicate node", func(t *testing.T) {
		eng := New(testReducer, checkpoint.NewMemSaver(), nil, Options{})
		_ = eng.Add("a", appendNode("a", Stop()))
		err := eng.Add("a", appendNode("a", Stop()))
		var ge *GraphError
		if !errors.As(err, &ge) || ge.Code != "DUPLICATE_NODE" {
			t.Errorf("expected DUPLICATE_NODE, got %v", err)
		}
	})

	t.Run("no route", func(t *testing.T) {
		eng := New(testReducer, checkpoint.NewMemSaver(), nil, Options{})
		_ = eng.Add("a", appendNode("a", Next{}))
		_ = eng.StartAt("a")
		_, err := eng.Invoke(context.Background(), "t", testState{})
		var ge *GraphError
		if !errors.As(err, &ge) || ge.Code != "NO_ROUTE" {
			t.Errorf("expected NO_ROUTE, got %v", err)
		}
	})
}
