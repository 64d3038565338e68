package http_proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/core"
	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/logger"
	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/relay"
)

var (
	badRequestResponse = []byte("HTTP/1.1 400 Bad Request\r\n\r\n")
	badGatewayResponse = []byte("HTTP/1.1 502 Bad Gateway\r\n\r\n")
)

const (
	defaultBufferSize     = 4096
	defaultConnectTimeout = 10 * time.Second
)

// Outcome labels how a connection ended.
type Outcome string

const (
	OutcomeProxied       Outcome = "proxied"
	OutcomeClosedEarly   Outcome = "closed_early"
	OutcomeBadRequest    Outcome = "bad_request"
	OutcomeNoRoute       Outcome = "no_route"
	OutcomeUpstreamError Outcome = "upstream_error"
)

// Dialer opens upstream connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Resolver turns an upstream host into candidate addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Observer receives per-connection results.
type Observer interface {
	ConnectionFinished(outcome string)
	SessionFinished(upstream, downstream int64, duration time.Duration)
}

// HTTPProxy routes a client connection by its Host header and relays it to
// the matching upstream.
type HTTPProxy struct {
	Routes core.RoutingTable
	Relay  *relay.Relay

	// Optional; zero values fall back to the net package defaults.
	Dialer         Dialer
	Resolver       Resolver
	ConnectTimeout time.Duration
	BufferSize     int
	Observer       Observer
}

// HandleConnection implements core.ConnectionHandler.
// It takes full ownership of the connection lifecycle. The outcome is
// reported only when the handler returns; a panic is left to the worker pool.
func (p *HTTPProxy) HandleConnection(clientConn net.Conn) {
	defer clientConn.Close()

	log := logger.With("conn_id", uuid.NewString(), "remote_addr", clientConn.RemoteAddr())
	outcome := p.handle(log, clientConn)
	if p.Observer != nil {
		p.Observer.ConnectionFinished(string(outcome))
	}
}

func (p *HTTPProxy) handle(log *slog.Logger, clientConn net.Conn) Outcome {
	// 1. Single read of the initial request bytes
	buf := make([]byte, p.bufferSize())
	clientConn.SetReadDeadline(time.Now().Add(p.Relay.IdleTimeout))
	n, err := clientConn.Read(buf)
	if n <= 0 {
		log.Debug("Client closed before sending a request", "error", err)
		return OutcomeClosedEarly
	}
	request := buf[:n]

	// 2. Routing key
	host, err := ExtractHost(request)
	if err != nil {
		log.Info("Rejecting malformed request", "error", err, "bytes", n)
		p.respond(log, clientConn, badRequestResponse)
		return OutcomeBadRequest
	}
	log = log.With("host", host)

	ctx, cancel := context.WithTimeout(context.Background(), p.connectTimeout())
	defer cancel()

	// 3. Route lookup
	endpoint, err := p.Routes.Lookup(ctx, host)
	if err != nil {
		log.Info("No route for host", "error", err)
		p.respond(log, clientConn, badGatewayResponse)
		return OutcomeNoRoute
	}

	// 4. Dial upstream
	upstreamConn, err := p.dial(ctx, endpoint)
	if err != nil {
		log.Error("Dial failed", "endpoint", endpoint.String(), "error", err)
		return OutcomeUpstreamError
	}
	defer upstreamConn.Close()

	// 5. Forward the initial bytes unmodified
	upstreamConn.SetWriteDeadline(time.Now().Add(p.Relay.IdleTimeout))
	if _, err := upstreamConn.Write(request); err != nil {
		log.Error("Failed to forward request", "endpoint", endpoint.String(), "error", err)
		return OutcomeUpstreamError
	}

	// 6. Relay
	res := p.Relay.Run(clientConn, upstreamConn)
	if p.Observer != nil {
		p.Observer.SessionFinished(res.Upstream+int64(n), res.Downstream, res.Duration)
	}
	log.Debug("Session finished",
		"endpoint", endpoint.String(),
		"bytes_up", res.Upstream+int64(n),
		"bytes_down", res.Downstream,
		"duration", res.Duration,
		"idle", res.Idle(),
		"cause", res.Cause)
	return OutcomeProxied
}

// dial resolves the endpoint and connects to the first address that accepts.
func (p *HTTPProxy) dial(ctx context.Context, ep core.Endpoint) (net.Conn, error) {
	addrs, err := p.resolver().LookupHost(ctx, ep.Host)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", ep.Host, err)
	}

	port := strconv.Itoa(ep.Port)
	var lastErr error
	for _, addr := range addrs {
		conn, err := p.dialer().DialContext(ctx, "tcp", net.JoinHostPort(addr, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %q", ep.Host)
	}
	return nil, fmt.Errorf("connect %s: %w", ep, lastErr)
}

func (p *HTTPProxy) respond(log *slog.Logger, conn net.Conn, status []byte) {
	conn.SetWriteDeadline(time.Now().Add(p.Relay.IdleTimeout))
	if _, err := conn.Write(status); err != nil {
		log.Debug("Error sending status line", "error", err)
	}
}

func (p *HTTPProxy) bufferSize() int {
	if p.BufferSize > 0 {
		return p.BufferSize
	}
	return defaultBufferSize
}

func (p *HTTPProxy) connectTimeout() time.Duration {
	if p.ConnectTimeout > 0 {
		return p.ConnectTimeout
	}
	return defaultConnectTimeout
}

func (p *HTTPProxy) dialer() Dialer {
	if p.Dialer != nil {
		return p.Dialer
	}
	return &net.Dialer{}
}

func (p *HTTPProxy) resolver() Resolver {
	if p.Resolver != nil {
		return p.Resolver
	}
	return net.DefaultResolver
}
