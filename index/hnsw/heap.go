package hnsw

import "sort"

// minHeap is the exploration frontier: pop returns the closest node.
type minHeap struct {
	items []scored
}

func (h *minHeap) len() int { return len(h.items) }

func (h *minHeap) push(s scored) {
	h.items = append(h.items, s)
	i := len(h.items) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if h.items[i].key >= h.items[parent].key {
			break
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *minHeap) pop() scored {
	top := h.items[0]
	n := len(h.items) - 1
	h.items[0] = h.items[n]
	h.items = h.items[:n]
	i := 0
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		child := left
		if right := left + 1; right < n && h.items[right].key < h.items[left].key {
			child = right
		}
		if h.items[i].key <= h.items[child].key {
			break
		}
		h.items[i], h.items[child] = h.items[child], h.items[i]
		i = child
	}
	return top
}

// maxHeap is the bounded result set: top is the farthest kept node.
type maxHeap struct {
	items []scored
}

func (h *maxHeap) len() int     { return len(h.items) }
func (h *maxHeap) top() scored  { return h.items[0] }

// push inserts s, evicting the farthest element when the heap is full.
func (h *maxHeap) push(s scored, capacity int) {
	if len(h.items) >= capacity {
		if s.key >= h.items[0].key {
			return
		}
		h.items[0] = s
		h.down(0)
		return
	}
	h.items = append(h.items, s)
	i := len(h.items) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if h.items[i].key <= h.items[parent].key {
			break
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *maxHeap) down(i int) {
	n := len(h.items)
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		child := left
		if right := left + 1; right < n && h.items[right].key > h.items[left].key {
			child = right
		}
		if h.items[i].key >= h.items[child].key {
			break
		}
		h.items[i], h.items[child] = h.items[child], h.items[i]
		i = child
	}
}

// sorted drains into an ascending-by-key slice.
func (h *maxHeap) sorted() []scored {
	out := append([]scored(nil), h.items...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].key != out[j].key {
			return out[i].key < out[j].key
		}
		return out[i].row < out[j].row
	})
	return out
}
