package batch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vornlabs/grokgate/internal/config"
	"github.com/vornlabs/grokgate/internal/pool"
	"github.com/vornlabs/grokgate/internal/pool/store"
)

// fakeRunner completes every item, after delay when one is set — tests
// drive cancellation via the Engine, the delay just gives items enough
// duration to observe it.
type fakeRunner struct {
	delay time.Duration
}

func (f *fakeRunner) RunItem(ctx context.Context, kind Kind, tokenID string, params map[string]any) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return nil
}

func newTestEngine(t *testing.T, runner ItemRunner, n int) (*Engine, []string) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	mgr := pool.NewManager(config.PoolConfig{FailThreshold: 5, SaveDelayMS: 1}, st, nil, nil)
	ids := make([]string, n)
	records := make([]*pool.Record, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("tok-%03d", i)
		records[i] = &pool.Record{ID: ids[i], Class: pool.Basic}
	}
	if err := mgr.Import(records); err != nil {
		t.Fatalf("import: %v", err)
	}
	return New(mgr, runner, 10, 10, 10, nil), ids
}

func TestSubmitCompletesAllItems(t *testing.T) {
	e, ids := newTestEngine(t, &fakeRunner{}, 20)
	taskID, err := e.Submit(context.Background(), KindRefreshUsage, ids, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ch, cancel, err := e.Stream(taskID)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer cancel()

	var final Event
	for ev := range ch {
		final = ev
	}
	if final.Type != EventDone {
		t.Fatalf("expected done event, got %v", final.Type)
	}
	if len(final.Results) != 20 {
		t.Fatalf("expected 20 results, got %d", len(final.Results))
	}
	for id, res := range final.Results {
		if res.Status != ItemCompleted {
			t.Fatalf("item %s: expected completed, got %s", id, res.Status)
		}
	}
}

func TestCancelStopsUnstartedItems(t *testing.T) {
	e, ids := newTestEngine(t, &fakeRunner{delay: 50 * time.Millisecond}, 100)
	taskID, err := e.Submit(context.Background(), KindRefreshUsage, ids, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Let a handful of items complete, then cancel.
	time.Sleep(120 * time.Millisecond)
	if err := e.Cancel(taskID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	ch, cancelSub, err := e.Stream(taskID)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer cancelSub()

	var final Event
	for ev := range ch {
		final = ev
	}
	if final.Type != EventCancelled {
		t.Fatalf("expected cancelled event, got %v", final.Type)
	}
	if len(final.Results) != 100 {
		t.Fatalf("expected every item accounted for, got %d", len(final.Results))
	}
	var completed, cancelled int
	for _, res := range final.Results {
		switch res.Status {
		case ItemCompleted:
			completed++
		case ItemCancelled:
			cancelled++
		}
	}
	if completed == 0 || cancelled == 0 {
		t.Fatalf("expected a mix of completed and cancelled, got completed=%d cancelled=%d", completed, cancelled)
	}
	if completed+cancelled != 100 {
		t.Fatalf("expected all 100 accounted for, got completed=%d cancelled=%d", completed, cancelled)
	}
}

func TestResultReturnsCurrentSnapshot(t *testing.T) {
	e, ids := newTestEngine(t, &fakeRunner{}, 5)
	taskID, err := e.Submit(context.Background(), KindEnableContentMode, ids, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ch, cancel, err := e.Stream(taskID)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	for range ch {
	}
	cancel()

	results, err := e.Result(taskID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
}
