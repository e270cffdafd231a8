package util

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashStringSeeds(t *testing.T) {
	require.Equal(t, HashString("vec:a", 1), HashString("vec:a", 1))
	require.NotEqual(t, HashString("vec:a", 1), HashString("vec:a", 2))
	require.NotEqual(t, HashString("vec:a", 1), HashString("vec:b", 1))
}

func TestQueueDrainsInPushOrder(t *testing.T) {
	q := NewQueue[int]()
	for i := 0; i < 5; i++ {
		require.True(t, q.Push(i))
	}
	require.Equal(t, 5, q.Len())

	select {
	case <-q.Ready():
	default:
		t.Fatal("no ready signal after push")
	}

	var got []int
	require.Equal(t, 5, q.Drain(func(v int) { got = append(got, v) }))
	require.Equal(t, []int{0, 1, 2, 3, 4}, got)
	require.Equal(t, 0, q.Len())
	require.Equal(t, 0, q.Drain(func(int) { t.Fatal("queue should be empty") }))
}

func TestQueueConcurrentProducers(t *testing.T) {
	const producers, perProducer = 8, 1000
	q := NewQueue[int]()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(p*perProducer + i)
			}
		}(p)
	}

	// consume while producing
	seen := make(map[int]bool)
	last := make(map[int]int)
	consume := func(v int) {
		require.False(t, seen[v], "duplicate %d", v)
		seen[v] = true
		// items of one producer keep their order
		p := v / perProducer
		if prev, ok := last[p]; ok {
			require.Greater(t, v, prev)
		}
		last[p] = v
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for running := true; running; {
		select {
		case <-q.Ready():
			q.Drain(consume)
		case <-done:
			running = false
		}
	}
	q.Drain(consume)
	require.Len(t, seen, producers*perProducer)
}

func TestQueueClose(t *testing.T) {
	q := NewQueue[string]()
	require.True(t, q.Push("a"))
	q.Close()
	q.Close()
	require.True(t, q.Closed())
	require.False(t, q.Push("b"))

	select {
	case <-q.Done():
	default:
		t.Fatal("done not closed")
	}
	var got []string
	q.Drain(func(s string) { got = append(got, s) })
	require.Equal(t, []string{"a"}, got)
}

func TestTombHeap(t *testing.T) {
	h := NewTombHeap()
	_, _, ok := h.Peek()
	require.False(t, ok)

	h.Push("c", 30)
	h.Push("a", 10)
	h.Push("b", 20)
	require.Equal(t, 3, h.Len())

	key, due, ok := h.Peek()
	require.True(t, ok)
	require.Equal(t, "a", key)
	require.Equal(t, uint64(10), due)

	// pushing a key again moves it
	h.Push("a", 40)
	require.Equal(t, 3, h.Len())
	key, _, _ = h.Peek()
	require.Equal(t, "b", key)
	due, ok = h.Due("a")
	require.True(t, ok)
	require.Equal(t, uint64(40), due)

	require.True(t, h.Remove("b"))
	require.False(t, h.Remove("b"))

	var order []string
	for h.Len() > 0 {
		key, _, _ := h.Peek()
		order = append(order, key)
		h.Remove(key)
	}
	require.Equal(t, []string{"c", "a"}, order)
	_, ok = h.Due("a")
	require.False(t, ok)
}

func TestSizeSampler(t *testing.T) {
	s := NewSizeSampler()
	require.Equal(t, 0, s.Estimate())

	for i := 0; i < 100; i++ {
		s.Add(100)
	}
	require.Equal(t, int64(100), s.Count())
	require.Equal(t, 100, s.Estimate())
	require.InDelta(t, 100, s.Percentile(0.99), 0.001)
}

func TestShardBalance(t *testing.T) {
	even := NewShardBalance([]int64{10, 10, 10, 10})
	require.Equal(t, 1.0, even.Quality)
	require.Equal(t, 1.0, even.MinMaxRatio)
	require.Equal(t, 10.0, even.Mean)

	skewed := NewShardBalance([]int64{0, 0, 0, 40})
	require.Less(t, skewed.Quality, 0.5)
	require.Equal(t, int64(40), skewed.Max)

	require.Equal(t, ShardBalance{}, NewShardBalance(nil))
}
