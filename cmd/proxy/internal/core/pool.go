package core

import (
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/logger"
)

// WorkerPool runs a fixed number of workers, each popping connections from
// a shared queue and handling them one at a time.
type WorkerPool struct {
	size     int
	queue    *ConnQueue
	handler  ConnectionHandler
	observer PoolObserver

	busy    atomic.Int64
	started atomic.Bool
	wg      sync.WaitGroup
}

// NewWorkerPool creates a pool of size workers. observer may be nil.
func NewWorkerPool(size int, queue *ConnQueue, handler ConnectionHandler, observer PoolObserver) (*WorkerPool, error) {
	if size < 1 {
		return nil, fmt.Errorf("worker pool size must be at least 1, got %d", size)
	}
	if queue == nil || handler == nil {
		return nil, errors.New("worker pool requires a queue and a handler")
	}
	return &WorkerPool{
		size:     size,
		queue:    queue,
		handler:  handler,
		observer: observer,
	}, nil
}

// Start launches the workers. They run until the queue is closed.
func (p *WorkerPool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.Info("Worker pool started", "workers", p.size, "queue_capacity", p.queue.Cap())
}

// Wait blocks until every worker has exited.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Size returns the number of workers.
func (p *WorkerPool) Size() int {
	return p.size
}

// Busy returns how many workers are currently handling a connection.
func (p *WorkerPool) Busy() int {
	return int(p.busy.Load())
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for {
		conn, err := p.queue.Pop()
		if err != nil {
			logger.Debug("Worker exiting", "worker", id, "reason", err)
			return
		}
		p.process(id, conn)
	}
}

// process runs the handler for one connection. A panic is contained here so
// the worker keeps serving.
func (p *WorkerPool) process(id int, conn net.Conn) {
	p.busy.Add(1)
	if p.observer != nil {
		p.observer.WorkerBusy()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Connection handler panicked",
				"worker", id,
				"remote_addr", conn.RemoteAddr(),
				"panic", r,
				"stack", string(debug.Stack()))
			conn.Close()
			if p.observer != nil {
				p.observer.HandlerPanicked()
			}
		}
		p.busy.Add(-1)
		if p.observer != nil {
			p.observer.WorkerIdle()
		}
	}()

	p.handler.HandleConnection(conn)
}
