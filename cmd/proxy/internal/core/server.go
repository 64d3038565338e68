package core

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/logger"
)

// Server is the acceptor. It pushes every accepted connection into Queue and
// leaves processing to the worker pool draining it.
type Server struct {
	Listener net.Listener
	Queue    *ConnQueue
	// Limiter, when set, bounds the accept rate.
	Limiter *rate.Limiter
}

// Serve accepts connections until the listener or the queue is closed, or
// ctx is cancelled. Cancelling ctx closes both the listener and the queue,
// which also releases a Push blocked on a full queue. Transient accept
// errors are logged and retried with backoff.
func (s *Server) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	defer func() {
		close(stop)
		wg.Wait()
	}()
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			s.Listener.Close()
			if n := s.Queue.Close(); n > 0 {
				logger.Info("Closed queued connections on shutdown", "count", n)
			}
		case <-stop:
		}
	}()

	var tempDelay time.Duration
	for {
		if s.Limiter != nil {
			if err := s.Limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}

		conn, err := s.Listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > time.Second {
				tempDelay = time.Second
			}
			logger.Error("Accept failed", "error", err, "retry_in", tempDelay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(tempDelay):
			}
			continue
		}
		tempDelay = 0

		logger.Debug("Connection accepted", "remote_addr", conn.RemoteAddr())
		if err := s.Queue.Push(conn); err != nil {
			conn.Close()
			return nil
		}
	}
}
