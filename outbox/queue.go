package outbox

import "sync"

// keyedQueue serializes tasks per key: at most one task for a given key
// runs at a time, in submission order. Different keys run concurrently.
type keyedQueue struct {
	mu      sync.Mutex
	pending map[string][]func()
	active  map[string]bool
}

func newKeyedQueue() *keyedQueue {
	return &keyedQueue{
		pending: make(map[string][]func()),
		active:  make(map[string]bool),
	}
}

// Schedule enqueues t under key. If no task for key is running, t starts
// on a fresh goroutine that then drains the key's backlog.
func (q *keyedQueue) Schedule(key string, t func()) {
	q.mu.Lock()
	if q.active[key] {
		q.pending[key] = append(q.pending[key], t)
		q.mu.Unlock()
		return
	}
	q.active[key] = true
	q.mu.Unlock()

	go q.run(key, t)
}

func (q *keyedQueue) run(key string, t func()) {
	for {
		t()

		q.mu.Lock()
		backlog := q.pending[key]
		if len(backlog) == 0 {
			q.active[key] = false
			q.mu.Unlock()
			return
		}
		t = backlog[0]
		q.pending[key] = backlog[1:]
		q.mu.Unlock()
	}
}
