package pool

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/vornlabs/grokgate/internal/config"
	"github.com/vornlabs/grokgate/internal/pool/store"
)

// Refresher probes an upstream for a record's current quota. Manager calls it
// from the background refresh scheduler; the upstream package supplies the
// concrete implementation so this package stays free of HTTP/WS concerns.
type Refresher interface {
	RefreshQuota(ctx context.Context, r *Record) (QuotaSnapshot, error)
}

// Lease is a single checked-out Record, returned by Acquire. Callers must
// eventually call Manager.Release exactly once per lease.
type Lease struct {
	Record     *Record
	acquiredAt time.Time
}

// EventType tags a change notification delivered to SubscribeChanges.
type EventType string

const (
	EventUpserted EventType = "upserted"
	EventRemoved  EventType = "removed"
)

// Event is one change notification.
type Event struct {
	Type   EventType
	Record *Record // nil when Type == EventRemoved
	ID     string
}

// NoToken is returned by Acquire when no selectable record exists for the
// requested class (spec.md §4.1).
var NoToken = fmt.Errorf("pool: no selectable token")

// Manager owns the in-memory registry of Records, their per-class selection
// heaps, persistence, and the background refresh/reload jobs. Grounded on
// sdk/cliproxy's pool-of-auths orchestration in the teacher, generalized from
// pure round robin to the heap-ordered selection spec.md §4.1 requires.
type Manager struct {
	cfg   config.PoolConfig
	store store.Store
	log   *logrus.Entry

	mu      sync.RWMutex
	records map[string]*Record
	heaps   map[Class]*classHeap

	locks sync.Map // id -> *sync.Mutex, serializes per-record mutation

	dirtyMu sync.Mutex
	dirty   map[string]struct{}
	flushAt *time.Timer

	subMu sync.Mutex
	subs  map[int]chan Event
	subID int

	refresher Refresher
	cronJob   *cron.Cron

	reloadStop chan struct{}
}

// NewManager builds a Manager over the given store. Call Load then Start
// before serving traffic.
func NewManager(cfg config.PoolConfig, st store.Store, refresher Refresher, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		cfg:       cfg,
		store:     st,
		log:       log.WithField("component", "pool"),
		records:   make(map[string]*Record),
		refresher: refresher,
		heaps: map[Class]*classHeap{
			Basic: newClassHeap(),
			Super: newClassHeap(),
		},
		dirty: make(map[string]struct{}),
		subs:  make(map[int]chan Event),
	}
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Load reads every record from the store into memory and rebuilds the
// selection heaps. Call once before Start.
func (m *Manager) Load(ctx context.Context) error {
	stored, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("pool: load: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range stored {
		var r Record
		if err := json.Unmarshal(s.Data, &r); err != nil {
			m.log.WithError(err).WithField("id", s.ID).Warn("pool: skipping corrupt record")
			continue
		}
		r.Version = s.Version
		m.records[r.ID] = &r
		if h, ok := m.heaps[r.Class]; ok {
			h.upsert(&r)
		}
	}
	m.log.WithField("count", len(m.records)).Info("pool: loaded records")
	return nil
}

// Start launches the background refresh scheduler and the cross-worker
// reload poller. Cancel ctx to stop both.
func (m *Manager) Start(ctx context.Context) error {
	m.cronJob = cron.New()
	basicSpec := fmt.Sprintf("@every %s", durationFromHours(m.cfg.RefreshIntervalHours))
	superSpec := fmt.Sprintf("@every %s", durationFromHours(m.cfg.SuperRefreshIntervalHours))
	if _, err := m.cronJob.AddFunc(basicSpec, func() { m.refreshClass(ctx, Basic) }); err != nil {
		return fmt.Errorf("pool: schedule basic refresh: %w", err)
	}
	if _, err := m.cronJob.AddFunc(superSpec, func() { m.refreshClass(ctx, Super) }); err != nil {
		return fmt.Errorf("pool: schedule super refresh: %w", err)
	}
	m.cronJob.Start()

	m.reloadStop = make(chan struct{})
	go m.reloadLoop(ctx)

	go func() {
		<-ctx.Done()
		m.Stop()
	}()
	return nil
}

// Stop halts the scheduler and reload poller. Safe to call more than once.
func (m *Manager) Stop() {
	if m.cronJob != nil {
		m.cronJob.Stop()
	}
	if m.reloadStop != nil {
		select {
		case <-m.reloadStop:
		default:
			close(m.reloadStop)
		}
	}
}

func durationFromHours(h float64) time.Duration {
	if h <= 0 {
		h = 24
	}
	return time.Duration(h * float64(time.Hour))
}

// Acquire picks the best selectable record for classHint (spec.md §4.1): the
// oldest last-used, highest remaining quota, fewest consecutive failures.
// SuperPreferred falls back to Basic, with a logged warning, when no Super
// token is selectable.
func (m *Manager) Acquire(classHint Class, purpose string) (*Lease, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	try := func(c Class) *Record {
		h := m.heaps[c]
		if h == nil || h.Len() == 0 {
			return nil
		}
		// Pop in true priority order (spec.md §4.1's heap-keyed tuple),
		// skipping disabled/cooling-off records, and restore every popped
		// record (including the chosen one, by the caller) so the heap
		// keeps exactly the set it started with.
		var skipped []*Record
		var chosen *Record
		for h.Len() > 0 {
			r := heap.Pop(h).(*Record)
			if r.Selectable(now) {
				chosen = r
				break
			}
			skipped = append(skipped, r)
		}
		for _, r := range skipped {
			heap.Push(h, r)
		}
		return chosen
	}

	var chosenClass Class
	var r *Record
	switch classHint {
	case SuperPreferred:
		if r = try(Super); r == nil {
			m.log.WithField("purpose", purpose).Warn("pool: no super token selectable, falling back to basic")
			r = try(Basic)
			chosenClass = Basic
		} else {
			chosenClass = Super
		}
	default:
		r = try(classHint)
		chosenClass = classHint
	}
	if r == nil {
		return nil, NoToken
	}

	r.LastUsedAt = now
	heap.Push(m.heaps[chosenClass], r)
	m.markDirty(r.ID)

	return &Lease{Record: r.Clone(), acquiredAt: now}, nil
}

// Release reports the outcome of one attempt made with lease's record,
// updating failure/quota/cool-off state accordingly.
func (m *Manager) Release(lease *Lease, outcome Outcome) {
	if lease == nil || lease.Record == nil {
		return
	}
	id := lease.Record.ID
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	r, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return
	}

	switch outcome.Kind {
	case Success:
		r.ConsecutiveFailures = 0
		r.CoolOffUntil = time.Time{}
		if outcome.QuotaHint != nil {
			if r.QuotaSnapshot == nil {
				r.QuotaSnapshot = make(map[Class]QuotaSnapshot)
			}
			r.QuotaSnapshot[r.Class] = *outcome.QuotaHint
		}
	case TransientFailure:
		r.ConsecutiveFailures++
		if r.ConsecutiveFailures >= m.cfg.FailThreshold {
			r.Disabled = true
			m.log.WithFields(logrus.Fields{"id": id, "status": outcome.RetryableStatus}).
				Warn("pool: disabling token after repeated transient failures")
		}
	case TerminalFailure:
		r.Disabled = true
		m.log.WithFields(logrus.Fields{"id": id, "reason": outcome.Reason}).
			Warn("pool: disabling token after terminal failure")
	case QuotaExhausted:
		r.CoolOffUntil = outcome.ResetAt
	}

	if h := m.heaps[r.Class]; h != nil {
		if r.Disabled {
			h.remove(id)
		} else {
			h.fix(id)
		}
	}
	m.mu.Unlock()
	m.markDirty(id)
}

// ListAll returns a snapshot of every record, sorted by ID for stable output.
func (m *Manager) ListAll() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReplaceRecord applies patch to the record identified by id under its
// per-record lock, then persists and re-indexes it.
func (m *Manager) ReplaceRecord(id string, patch func(*Record)) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	r, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return store.ErrNotFound
	}
	oldClass := r.Class
	patch(r)
	if r.Class != oldClass {
		if h := m.heaps[oldClass]; h != nil {
			h.remove(id)
		}
		if h := m.heaps[r.Class]; h != nil {
			h.upsert(r)
		}
	} else if h := m.heaps[r.Class]; h != nil {
		h.fix(id)
	}
	m.mu.Unlock()

	m.markDirty(id)
	m.publish(Event{Type: EventUpserted, Record: r.Clone(), ID: id})
	return nil
}

// Import inserts or overwrites records in bulk, e.g. from an admin upload.
func (m *Manager) Import(records []*Record) error {
	m.mu.Lock()
	for _, in := range records {
		r := in.Clone()
		m.records[r.ID] = r
		if h, ok := m.heaps[r.Class]; ok {
			h.upsert(r)
		}
	}
	m.mu.Unlock()
	for _, in := range records {
		m.markDirty(in.ID)
		m.publish(Event{Type: EventUpserted, Record: in.Clone(), ID: in.ID})
	}
	return nil
}

// Remove deletes the given record ids from memory, the heaps, and the store.
func (m *Manager) Remove(ids []string) error {
	m.mu.Lock()
	for _, id := range ids {
		if r, ok := m.records[id]; ok {
			if h := m.heaps[r.Class]; h != nil {
				h.remove(id)
			}
		}
		delete(m.records, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.store.Delete(context.Background(), id); err != nil && firstErr == nil {
			firstErr = err
		}
		m.publish(Event{Type: EventRemoved, ID: id})
	}
	return firstErr
}

// SubscribeChanges returns a channel of change events and an unsubscribe
// func. The channel is buffered; slow consumers drop events rather than
// blocking the pool.
func (m *Manager) SubscribeChanges() (<-chan Event, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.subID
	m.subID++
	ch := make(chan Event, 32)
	m.subs[id] = ch
	cancel := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (m *Manager) publish(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// markDirty schedules a debounced flush of id to the store.
func (m *Manager) markDirty(id string) {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	m.dirty[id] = struct{}{}
	if m.flushAt != nil {
		return
	}
	m.flushAt = time.AfterFunc(m.cfg.SaveDelay(), m.flush)
}

func (m *Manager) flush() {
	m.dirtyMu.Lock()
	ids := make([]string, 0, len(m.dirty))
	for id := range m.dirty {
		ids = append(ids, id)
	}
	m.dirty = make(map[string]struct{})
	m.flushAt = nil
	m.dirtyMu.Unlock()

	ctx := context.Background()
	for _, id := range ids {
		m.mu.RLock()
		r, ok := m.records[id]
		if ok {
			r = r.Clone()
		}
		m.mu.RUnlock()
		if !ok {
			continue
		}
		data, err := json.Marshal(r)
		if err != nil {
			m.log.WithError(err).WithField("id", id).Error("pool: marshal record for flush")
			continue
		}
		newVersion, err := m.store.Put(ctx, id, data, r.Version)
		if err != nil {
			m.log.WithError(err).WithField("id", id).Warn("pool: flush conflict or failure")
			continue
		}
		m.mu.Lock()
		if live, ok := m.records[id]; ok {
			live.Version = newVersion
		}
		m.mu.Unlock()
	}
}

// refreshClass probes quota for every record in the given class's selection
// heap, cooling-off records included. Probes run one at a time; they are not
// spread over concurrent workers.
func (m *Manager) refreshClass(ctx context.Context, class Class) {
	if m.refresher == nil {
		return
	}
	m.mu.RLock()
	targets := make([]*Record, 0)
	if h, ok := m.heaps[class]; ok {
		for _, r := range h.items {
			targets = append(targets, r)
		}
	}
	m.mu.RUnlock()

	for _, r := range targets {
		lease := &Lease{Record: r.Clone()}
		snap, err := m.refresher.RefreshQuota(ctx, lease.Record)
		if err != nil {
			m.log.WithError(err).WithField("id", r.ID).Debug("pool: refresh probe failed")
			continue
		}
		id := r.ID
		lock := m.lockFor(id)
		lock.Lock()
		m.mu.Lock()
		if live, ok := m.records[id]; ok {
			if live.QuotaSnapshot == nil {
				live.QuotaSnapshot = make(map[Class]QuotaSnapshot)
			}
			live.QuotaSnapshot[class] = snap
			live.LastRefreshedAt = time.Now()
			if h := m.heaps[class]; h != nil {
				h.fix(id)
			}
		}
		m.mu.Unlock()
		lock.Unlock()
		m.markDirty(id)
	}
}

// reloadLoop polls the store every ReloadIntervalSec and pulls in any record
// whose on-disk version is newer than the in-memory copy, giving multiple
// worker processes sharing one store eventual consistency (spec.md §9).
func (m *Manager) reloadLoop(ctx context.Context) {
	interval := time.Duration(m.cfg.ReloadIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.reloadStop:
			return
		case <-ticker.C:
			m.reloadOnce(ctx)
		}
	}
}

func (m *Manager) reloadOnce(ctx context.Context) {
	stored, err := m.store.List(ctx)
	if err != nil {
		m.log.WithError(err).Warn("pool: reload list failed")
		return
	}
	for _, s := range stored {
		m.mu.RLock()
		live, ok := m.records[s.ID]
		stale := !ok || live.Version < s.Version
		m.mu.RUnlock()
		if !stale {
			continue
		}
		var r Record
		if err := json.Unmarshal(s.Data, &r); err != nil {
			continue
		}
		r.Version = s.Version
		m.mu.Lock()
		old, existed := m.records[s.ID]
		m.records[s.ID] = &r
		if existed {
			if h := m.heaps[old.Class]; h != nil && old.Class != r.Class {
				h.remove(s.ID)
			}
		}
		if h, ok := m.heaps[r.Class]; ok {
			h.upsert(&r)
		}
		m.mu.Unlock()
		m.publish(Event{Type: EventUpserted, Record: r.Clone(), ID: s.ID})
	}
}
