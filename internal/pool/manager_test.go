package pool

import (
	"context"
	"testing"
	"time"

	"github.com/vornlabs/grokgate/internal/config"
	"github.com/vornlabs/grokgate/internal/pool/store"
)

func newTestManager(t *testing.T) (*Manager, *store.FileStore) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	m := NewManager(config.PoolConfig{FailThreshold: 3, SaveDelayMS: 1}, st, nil, nil)
	return m, st
}

func TestAcquirePrefersOldestLastUsed(t *testing.T) {
	m, _ := newTestManager(t)
	now := time.Now()
	_ = m.Import([]*Record{
		{ID: "a", Class: Basic, LastUsedAt: now.Add(-time.Hour)},
		{ID: "b", Class: Basic, LastUsedAt: now.Add(-time.Minute)},
	})

	lease, err := m.Acquire(Basic, "chat")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.Record.ID != "a" {
		t.Fatalf("expected a (oldest last used), got %s", lease.Record.ID)
	}
}

func TestAcquireSuperPreferredFallsBackToBasic(t *testing.T) {
	m, _ := newTestManager(t)
	_ = m.Import([]*Record{{ID: "basic-1", Class: Basic}})

	lease, err := m.Acquire(SuperPreferred, "chat")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.Record.ID != "basic-1" {
		t.Fatalf("expected fallback to basic-1, got %s", lease.Record.ID)
	}
}

func TestAcquireNoTokenWhenNoneSelectable(t *testing.T) {
	m, _ := newTestManager(t)
	_ = m.Import([]*Record{{ID: "a", Class: Basic, Disabled: true}})

	if _, err := m.Acquire(Basic, "chat"); err != NoToken {
		t.Fatalf("expected NoToken, got %v", err)
	}
}

func TestReleaseDisablesAfterFailThreshold(t *testing.T) {
	m, _ := newTestManager(t)
	_ = m.Import([]*Record{{ID: "a", Class: Basic}})

	for i := 0; i < 3; i++ {
		lease, err := m.Acquire(Basic, "chat")
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		m.Release(lease, TransientFailureOutcome(429))
	}

	if _, err := m.Acquire(Basic, "chat"); err != NoToken {
		t.Fatalf("expected token disabled after fail threshold, got err=%v", err)
	}
}

func TestReleaseQuotaExhaustedCoolsOff(t *testing.T) {
	m, _ := newTestManager(t)
	_ = m.Import([]*Record{{ID: "a", Class: Basic}})

	lease, _ := m.Acquire(Basic, "chat")
	m.Release(lease, QuotaExhaustedOutcome(time.Now().Add(time.Hour)))

	if _, err := m.Acquire(Basic, "chat"); err != NoToken {
		t.Fatalf("expected cooling-off token to be unselectable, got err=%v", err)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st, err := store.NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	m := NewManager(config.PoolConfig{FailThreshold: 3, SaveDelayMS: 1}, st, nil, nil)
	if err := m.Import([]*Record{{ID: "a", Class: Basic}}); err != nil {
		t.Fatalf("import: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the debounced flush fire

	st2, err := store.NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen file store: %v", err)
	}
	m2 := NewManager(config.PoolConfig{FailThreshold: 3}, st2, nil, nil)
	if err := m2.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	all := m2.ListAll()
	if len(all) != 1 || all[0].ID != "a" {
		t.Fatalf("expected record 'a' to survive round trip, got %+v", all)
	}
}
