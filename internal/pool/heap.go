package pool

import "container/heap"

// classHeap orders candidate records by the tuple from spec.md §4.1's
// selection algorithm: oldest last-used first, then highest remaining quota,
// then lowest consecutive failures. It implements container/heap.Interface
// so Manager.acquire runs in O(log N) as specified.
type classHeap struct {
	items []*Record
	index map[string]int // record id -> position, for heap.Fix after mutation
}

func newClassHeap() *classHeap {
	return &classHeap{index: make(map[string]int)}
}

func (h *classHeap) Len() int { return len(h.items) }

func (h *classHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if !a.LastUsedAt.Equal(b.LastUsedAt) {
		return a.LastUsedAt.Before(b.LastUsedAt)
	}
	aq, bq := a.quotaRemaining(), b.quotaRemaining()
	if aq != bq {
		return aq > bq
	}
	return a.ConsecutiveFailures < b.ConsecutiveFailures
}

func (h *classHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.index[h.items[i].ID] = i
	h.index[h.items[j].ID] = j
}

func (h *classHeap) Push(x any) {
	r := x.(*Record)
	h.index[r.ID] = len(h.items)
	h.items = append(h.items, r)
}

func (h *classHeap) Pop() any {
	n := len(h.items)
	r := h.items[n-1]
	h.items = h.items[:n-1]
	delete(h.index, r.ID)
	return r
}

// upsert inserts r if unseen, or fixes its position if already present.
func (h *classHeap) upsert(r *Record) {
	if idx, ok := h.index[r.ID]; ok {
		h.items[idx] = r
		heap.Fix(h, idx)
		return
	}
	heap.Push(h, r)
}

// remove drops the record with the given id, if present.
func (h *classHeap) remove(id string) {
	idx, ok := h.index[id]
	if !ok {
		return
	}
	heap.Remove(h, idx)
}

// fix re-establishes heap order for id after an in-place field mutation.
func (h *classHeap) fix(id string) {
	if idx, ok := h.index[id]; ok {
		heap.Fix(h, idx)
	}
}
