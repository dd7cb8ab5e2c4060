package crawler

import "container/heap"

// FrontierEntry is one pending page in the traversal, ordered by priority.
type FrontierEntry struct {
	Priority    float64
	URL         string
	Depth       int
	FoundOnPage string
	LinkText    string

	seq int
}

// Frontier is an array-backed max-heap of FrontierEntry values. Ties on
// priority pop in insertion order so traversal is deterministic.
type Frontier struct {
	entries frontierHeap
	nextSeq int
}

// NewFrontier returns an empty frontier.
func NewFrontier() *Frontier {
	return &Frontier{}
}

// Push inserts an entry.
func (f *Frontier) Push(entry FrontierEntry) {
	entry.seq = f.nextSeq
	f.nextSeq++
	heap.Push(&f.entries, entry)
}

// Pop removes and returns the highest-priority entry.
func (f *Frontier) Pop() (FrontierEntry, bool) {
	if f.entries.Len() == 0 {
		return FrontierEntry{}, false
	}
	return heap.Pop(&f.entries).(FrontierEntry), true
}

// Len reports the number of pending entries.
func (f *Frontier) Len() int {
	return f.entries.Len()
}

type frontierHeap []FrontierEntry

func (h frontierHeap) Len() int { return len(h) }

func (h frontierHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h frontierHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *frontierHeap) Push(x any) {
	*h = append(*h, x.(FrontierEntry))
}

func (h *frontierHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
