package util

import "sync"

// Queue is an unbounded FIFO that hands items to a single consumer through
// Out. Push never blocks, so producers running on the consumer's own
// goroutine cannot deadlock it.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	wake  chan struct{}
	out   chan T
	done  chan struct{}
	once  sync.Once
}

// NewQueue starts the pump goroutine. Call Close to stop it.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
		done: make(chan struct{}),
	}
	go q.pump()
	return q
}

// Push enqueues v. Items pushed after Close are dropped.
func (q *Queue[T]) Push(v T) {
	select {
	case <-q.done:
		return
	default:
	}
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Out delivers items in push order.
func (q *Queue[T]) Out() <-chan T { return q.out }

// Len reports items not yet handed to the consumer.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops delivery. Pending items are discarded.
func (q *Queue[T]) Close() {
	q.once.Do(func() { close(q.done) })
}

func (q *Queue[T]) pump() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		v := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-q.done:
			return
		}
	}
}
