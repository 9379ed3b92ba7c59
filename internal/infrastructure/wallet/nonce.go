package wallet

import (
	"container/heap"
	"sync"
)

// nonceManager issues account nonces. Slots are reserved before signing,
// then either committed by a broadcast or released back; released slots
// are reissued lowest-first so the broadcast sequence has no gaps.
type nonceManager struct {
	mu       sync.Mutex
	next     uint64
	released nonceHeap
	inFlight map[uint64]struct{}
	dirty    bool
	// generation changes on every state transition; resync uses it to
	// discard a chain nonce read before a concurrent transition.
	generation uint64
}

func newNonceManager(start uint64) *nonceManager {
	return &nonceManager{
		next:     start,
		inFlight: make(map[uint64]struct{}),
	}
}

func (m *nonceManager) reserve() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n uint64
	if m.released.Len() > 0 {
		n = heap.Pop(&m.released).(uint64)
	} else {
		n = m.next
		m.next++
	}
	m.inFlight[n] = struct{}{}
	m.generation++
	return n
}

func (m *nonceManager) commit(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.inFlight, n)
	m.generation++
}

func (m *nonceManager) release(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.inFlight[n]; !ok {
		return
	}
	delete(m.inFlight, n)
	m.generation++

	if n+1 == m.next {
		m.next = n
		return
	}
	heap.Push(&m.released, n)
}

// raise moves the counter up to chainNext, the node's pending nonce, and
// drops released slots the node has already seen used.
func (m *nonceManager) raise(chainNext uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if chainNext > m.next {
		m.next = chainNext
	}
	kept := m.released[:0]
	for _, n := range m.released {
		if n >= chainNext {
			kept = append(kept, n)
		}
	}
	m.released = kept
	heap.Init(&m.released)
	m.generation++
}

func (m *nonceManager) markDirty() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dirty = true
	m.generation++
}

func (m *nonceManager) isDirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.dirty
}

// snapshot returns the current generation and whether a resync is due.
// The generation is passed back to resync once the chain has answered.
func (m *nonceManager) snapshot() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.generation, m.dirty
}

// resync replaces local state with the node's pending nonce, read after
// snapshot returned generation. It applies only while the state is still
// dirty, nothing changed since the snapshot and no slot is in flight, and
// reports whether it did.
func (m *nonceManager) resync(chainNext, generation uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.dirty || generation != m.generation || len(m.inFlight) > 0 {
		return false
	}
	m.next = chainNext
	m.released = m.released[:0]
	m.dirty = false
	m.generation++
	return true
}

func (m *nonceManager) peek() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released.Len() > 0 {
		return m.released[0]
	}
	return m.next
}

type nonceHeap []uint64

func (h nonceHeap) Len() int           { return len(h) }
func (h nonceHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h nonceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *nonceHeap) Push(x any) {
	*h = append(*h, x.(uint64))
}

func (h *nonceHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
