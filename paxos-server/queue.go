package server

import "sync"

// queue is an unbounded FIFO. Pushes never block, so the role loop can hand
// messages to the network without waiting on a slow peer.
type queue[T any] struct {
	mx    sync.Mutex
	items []T
	wake  chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{wake: make(chan struct{}, 1)}
}

func (q *queue[T]) PushBack(item T) {
	q.mx.Lock()
	q.items = append(q.items, item)
	q.mx.Unlock()

	q.signal()
}

// PushFront puts item back at the head, used to retry a failed send first
func (q *queue[T]) PushFront(item T) {
	q.mx.Lock()
	q.items = append([]T{item}, q.items...)
	q.mx.Unlock()

	q.signal()
}

// Pop blocks until an item is available or done is closed.
func (q *queue[T]) Pop(done <-chan struct{}) (T, bool) {
	for {
		q.mx.Lock()
		if len(q.items) > 0 {
			var item = q.items[0]

			var zero T
			q.items[0] = zero
			q.items = q.items[1:]

			var more = len(q.items) > 0
			q.mx.Unlock()

			if more {
				q.signal()
			}

			return item, true
		}
		q.mx.Unlock()

		select {
		case <-done:
			var zero T
			return zero, false
		case <-q.wake:
		}
	}
}

// RemoveIf drops every queued item matching drop
func (q *queue[T]) RemoveIf(drop func(T) bool) {
	q.mx.Lock()
	defer q.mx.Unlock()

	var kept = q.items[:0]
	for _, item := range q.items {
		if !drop(item) {
			kept = append(kept, item)
		}
	}

	var zero T
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = zero
	}

	q.items = kept
}

func (q *queue[T]) Len() int {
	q.mx.Lock()
	defer q.mx.Unlock()

	return len(q.items)
}

func (q *queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
