package scheduler

import "container/heap"

// item is one armed callback. Beat items carry their bar/beat position;
// generic items carry a caller-supplied fn.
type item struct {
	at     float64 // target device time, seconds
	gen    uint64  // scheduler generation at arm time
	isBeat bool
	bar    int
	beat   int
	fn     func()
}

// itemHeap is a min-heap of armed callbacks ordered by target time.
type itemHeap struct {
	items []item
}

func newItemHeap() *itemHeap {
	h := &itemHeap{}
	heap.Init(h)
	return h
}

func (h *itemHeap) Len() int { return len(h.items) }

func (h *itemHeap) Less(i, j int) bool { return h.items[i].at < h.items[j].at }

func (h *itemHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *itemHeap) Push(x any) { h.items = append(h.items, x.(item)) }

func (h *itemHeap) Pop() any {
	n := len(h.items)
	it := h.items[n-1]
	h.items[n-1] = item{} // release fn for GC
	h.items = h.items[:n-1]
	return it
}

func (h *itemHeap) peek() (item, bool) {
	if len(h.items) == 0 {
		return item{}, false
	}
	return h.items[0], true
}

func (h *itemHeap) push(it item) { heap.Push(h, it) }

func (h *itemHeap) pop() item { return heap.Pop(h).(item) }

func (h *itemHeap) clear() { h.items = h.items[:0] }
