package core

import (
	"errors"
	"net"
	"sync"
)

// ErrQueueClosed is returned by Push and Pop once the queue has been closed.
var ErrQueueClosed = errors.New("connection queue closed")

// ConnQueue is a bounded FIFO of accepted connections waiting for a worker.
// Push blocks while the queue is full and Pop blocks while it is empty.
type ConnQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	items  []net.Conn
	head   int
	count  int
	closed bool
}

// NewConnQueue creates a queue holding at most capacity connections.
func NewConnQueue(capacity int) *ConnQueue {
	if capacity < 1 {
		capacity = 1
	}
	q := &ConnQueue{items: make([]net.Conn, capacity)}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push appends conn, waiting for space if the queue is full.
// On ErrQueueClosed the caller still owns conn.
func (q *ConnQueue) Push(conn net.Conn) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == len(q.items) && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return ErrQueueClosed
	}

	q.items[(q.head+q.count)%len(q.items)] = conn
	q.count++
	q.notEmpty.Signal()
	return nil
}

// Pop removes the oldest connection, waiting until one is available.
func (q *ConnQueue) Pop() (net.Conn, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return nil, ErrQueueClosed
	}

	conn := q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % len(q.items)
	q.count--
	q.notFull.Signal()
	return conn, nil
}

// Len reports the number of queued connections.
func (q *ConnQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap reports the queue capacity.
func (q *ConnQueue) Cap() int {
	return len(q.items)
}

// Close wakes every blocked caller and closes the connections still queued.
// It returns how many were discarded. Subsequent calls are no-ops.
func (q *ConnQueue) Close() int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	q.closed = true

	pending := make([]net.Conn, 0, q.count)
	for q.count > 0 {
		pending = append(pending, q.items[q.head])
		q.items[q.head] = nil
		q.head = (q.head + 1) % len(q.items)
		q.count--
	}
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()

	for _, conn := range pending {
		conn.Close()
	}
	return len(pending)
}
