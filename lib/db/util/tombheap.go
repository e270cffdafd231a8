package util

import "container/heap"

type tomb struct {
	key string
	due uint64 // write stamp from which the tombstone may be collected
}

// tombs implements heap.Interface and keeps index in sync with the positions
type tombs struct {
	items []tomb
	index map[string]int
}

func (t *tombs) Len() int           { return len(t.items) }
func (t *tombs) Less(i, j int) bool { return t.items[i].due < t.items[j].due }
func (t *tombs) Swap(i, j int) {
	t.items[i], t.items[j] = t.items[j], t.items[i]
	t.index[t.items[i].key] = i
	t.index[t.items[j].key] = j
}
func (t *tombs) Push(x any) {
	it := x.(tomb)
	t.index[it.key] = len(t.items)
	t.items = append(t.items, it)
}
func (t *tombs) Pop() any {
	last := t.items[len(t.items)-1]
	t.items = t.items[:len(t.items)-1]
	delete(t.index, last.key)
	return last
}

// TombHeap orders the tombstones of a shard by the stamp at which they may be collected.
// Every key is in the heap at most once.
//
// Thread-safety: TombHeap is not safe for concurrent use. Each shard's gc goroutine owns its heap.
type TombHeap struct {
	t tombs
}

// NewTombHeap creates an empty heap.
func NewTombHeap() *TombHeap {
	return &TombHeap{t: tombs{index: make(map[string]int)}}
}

// Len returns the number of tombstones.
func (h *TombHeap) Len() int { return h.t.Len() }

// Push adds the tombstone of key or moves it to due if it is already present.
func (h *TombHeap) Push(key string, due uint64) {
	if i, ok := h.t.index[key]; ok {
		h.t.items[i].due = due
		heap.Fix(&h.t, i)
		return
	}
	heap.Push(&h.t, tomb{key: key, due: due})
}

// Remove drops the tombstone of key. It returns false if key was not in the heap.
func (h *TombHeap) Remove(key string) bool {
	i, ok := h.t.index[key]
	if !ok {
		return false
	}
	heap.Remove(&h.t, i)
	return true
}

// Peek returns the tombstone that is due first.
func (h *TombHeap) Peek() (key string, due uint64, ok bool) {
	if h.t.Len() == 0 {
		return "", 0, false
	}
	return h.t.items[0].key, h.t.items[0].due, true
}

// Due returns the stamp key's tombstone may be collected at.
func (h *TombHeap) Due(key string) (uint64, bool) {
	i, ok := h.t.index[key]
	if !ok {
		return 0, false
	}
	return h.t.items[i].due, true
}
