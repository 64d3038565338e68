// Package relay pumps bytes between two connections until either side
// closes, fails, or both stay silent for the idle timeout.
package relay

import (
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ErrIdleTimeout is the cause reported when neither side sent data within
// the idle timeout. It marks a normal end of session.
var ErrIdleTimeout = errors.New("relay idle timeout")

const (
	DefaultIdleTimeout = 60 * time.Second
	DefaultBufferSize  = 4096
)

// Result describes a finished session.
type Result struct {
	// Upstream counts bytes copied from the client to the upstream.
	Upstream int64
	// Downstream counts bytes copied from the upstream to the client.
	Downstream int64
	// Cause is what ended the session: io.EOF when a peer closed,
	// ErrIdleTimeout, or a transport error.
	Cause    error
	Duration time.Duration
}

// Idle reports whether the session ended because of the idle timeout.
func (r Result) Idle() bool {
	return errors.Is(r.Cause, ErrIdleTimeout)
}

// Relay holds the settings shared by every session.
type Relay struct {
	IdleTimeout time.Duration
	BufferSize  int
}

// New returns a Relay, substituting defaults for non-positive values.
func New(idleTimeout time.Duration, bufferSize int) *Relay {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Relay{IdleTimeout: idleTimeout, BufferSize: bufferSize}
}

// Run relays between client and upstream and blocks until the session ends.
// Both directions share one idle clock: a read on either side resets it.
// Run does not close the connections; it leaves their deadlines expired.
func (r *Relay) Run(client, upstream net.Conn) Result {
	s := &session{
		idle:  r.IdleTimeout,
		start: time.Now(),
		conns: [2]net.Conn{client, upstream},
		done:  make(chan struct{}),
	}

	var up, down int64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		up = s.pump(upstream, client, make([]byte, r.BufferSize))
	}()
	go func() {
		defer wg.Done()
		down = s.pump(client, upstream, make([]byte, r.BufferSize))
	}()

	<-s.done
	s.teardown()
	wg.Wait()

	return Result{
		Upstream:   up,
		Downstream: down,
		Cause:      s.cause,
		Duration:   time.Since(s.start),
	}
}

type session struct {
	idle  time.Duration
	start time.Time
	conns [2]net.Conn

	// lastActivity is the offset from start of the latest read. Deadlines
	// are derived from start so they keep its monotonic reading.
	lastActivity atomic.Int64

	// mu orders deadline updates against teardown so a pump can never
	// push a deadline back into the future after the session ended.
	mu       sync.Mutex
	finished bool

	once  sync.Once
	cause error
	done  chan struct{}
}

func (s *session) touch() {
	s.lastActivity.Store(int64(time.Since(s.start)))
}

func (s *session) deadline() time.Time {
	return s.start.Add(time.Duration(s.lastActivity.Load()) + s.idle)
}

func (s *session) stop(cause error) {
	s.once.Do(func() {
		s.cause = cause
		close(s.done)
	})
}

func (s *session) teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	expired := time.Unix(1, 0)
	for _, c := range s.conns {
		c.SetDeadline(expired)
	}
}

// arm sets the read deadline on src and the write deadline on dst from the
// shared clock. It returns false once the session is over.
func (s *session) arm(dst, src net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	d := s.deadline()
	if err := src.SetReadDeadline(d); err != nil {
		s.stop(err)
		return false
	}
	if err := dst.SetWriteDeadline(d); err != nil {
		s.stop(err)
		return false
	}
	return true
}

// pump copies src to dst chunk by chunk and returns the bytes written.
func (s *session) pump(dst, src net.Conn, buf []byte) int64 {
	var written int64
	for s.arm(dst, src) {
		n, err := src.Read(buf)
		if n > 0 {
			s.touch()
			// Refresh the write deadline so a slow writer is measured from
			// this read, not from the previous one.
			if !s.arm(dst, src) {
				return written
			}
			m, werr := dst.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				s.stop(werr)
				return written
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			select {
			case <-s.done:
				return written
			default:
			}
			// The other direction may have kept the session alive.
			if time.Now().Before(s.deadline()) {
				continue
			}
			s.stop(ErrIdleTimeout)
			return written
		}
		s.stop(err)
		return written
	}
	return written
}
