// Package searcher implements reusable search execution state: bounded
// candidate heaps and pooled scratch buffers shared by the segment
// executors and index providers.
package searcher

import "sync"

// Candidate is a lightweight per-segment search result used during
// ranking. Row is segment-local.
type Candidate struct {
	Row      uint32
	Distance float32
}

// Better reports whether a ranks strictly better than b.
// Tie-breaker is Row ascending for determinism.
func Better(a, b Candidate, descending bool) bool {
	if a.Distance != b.Distance {
		if descending {
			return a.Distance > b.Distance
		}
		return a.Distance < b.Distance
	}
	return a.Row < b.Row
}

// Worse reports whether a ranks strictly worse than b. The tie-breaker
// is Row descending so a bounded heap evicts higher rows first.
func Worse(a, b Candidate, descending bool) bool {
	if a.Distance != b.Distance {
		if descending {
			return a.Distance < b.Distance
		}
		return a.Distance > b.Distance
	}
	return a.Row > b.Row
}

// Heap is a bounded candidate heap ordered worst-first, so the top
// element is the eviction candidate. descending=true keeps the largest
// distances (IP/Cosine), false the smallest (L2/Hamming/Jaccard).
type Heap struct {
	items      []Candidate
	descending bool
}

// NewHeap creates a heap with the given capacity hint.
func NewHeap(capacity int, descending bool) *Heap {
	return &Heap{
		items:      make([]Candidate, 0, capacity),
		descending: descending,
	}
}

// Reset clears the heap for reuse.
func (h *Heap) Reset(descending bool) {
	h.items = h.items[:0]
	h.descending = descending
}

func (h *Heap) Len() int { return len(h.items) }

// Peek returns the worst element currently held.
func (h *Heap) Peek() Candidate { return h.items[0] }

// PushBounded inserts c, evicting the worst element when the heap holds
// capacity items and c ranks better.
func (h *Heap) PushBounded(c Candidate, capacity int) {
	if len(h.items) < capacity {
		h.push(c)
		return
	}
	if Better(c, h.items[0], h.descending) {
		h.items[0] = c
		h.down(0, len(h.items))
	}
}

func (h *Heap) push(c Candidate) {
	h.items = append(h.items, c)
	h.up(len(h.items) - 1)
}

// Pop removes and returns the worst element.
func (h *Heap) Pop() Candidate {
	n := len(h.items) - 1
	h.items[0], h.items[n] = h.items[n], h.items[0]
	h.down(0, n)
	c := h.items[n]
	h.items = h.items[:n]
	return c
}

// Drain empties the heap into a best-first ordered slice appended to dst.
func (h *Heap) Drain(dst []Candidate) []Candidate {
	start := len(dst)
	for h.Len() > 0 {
		dst = append(dst, h.Pop())
	}
	// Popped worst-first; reverse to best-first.
	for i, j := start, len(dst)-1; i < j; i, j = i+1, j-1 {
		dst[i], dst[j] = dst[j], dst[i]
	}
	return dst
}

func (h *Heap) less(i, j int) bool {
	return Worse(h.items[i], h.items[j], h.descending)
}

func (h *Heap) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(i, parent) {
			break
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *Heap) down(i, n int) {
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		child := left
		if right := left + 1; right < n && h.less(right, left) {
			child = right
		}
		if !h.less(child, i) {
			break
		}
		h.items[i], h.items[child] = h.items[child], h.items[i]
		i = child
	}
}

// Searcher is a reusable execution context for one segment search. It is
// not safe for concurrent use; acquire one per goroutine via Get.
type Searcher struct {
	// Heap collects the segment-local top-k.
	Heap *Heap

	// Results is a reusable buffer for drained candidates.
	Results []Candidate
}

var pool = sync.Pool{
	New: func() any {
		return &Searcher{
			Heap:    NewHeap(128, false),
			Results: make([]Candidate, 0, 128),
		}
	},
}

// Get acquires a Searcher from the pool.
func Get() *Searcher {
	return pool.Get().(*Searcher)
}

// Put returns a Searcher to the pool.
func Put(s *Searcher) {
	s.Results = s.Results[:0]
	pool.Put(s)
}
