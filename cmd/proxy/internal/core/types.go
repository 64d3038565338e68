package core

import (
	"context"
	"errors"
	"net"
	"strconv"
)

// ErrRouteNotFound is returned by a RoutingTable that has no rule for a host.
var ErrRouteNotFound = errors.New("no route for host")

// Endpoint is an upstream address as written in a routing rule.
// Host may be a name that resolves to several addresses.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// RoutingTable maps the routing key extracted from a request to an upstream.
// Lookups are exact-match and must be safe for concurrent use.
type RoutingTable interface {
	Lookup(ctx context.Context, host string) (Endpoint, error)
}

// ConnectionHandler takes full ownership of an accepted connection and
// must close it before returning, on every path.
type ConnectionHandler interface {
	HandleConnection(conn net.Conn)
}

// PoolObserver receives worker pool events. Implementations must be safe
// for concurrent use.
type PoolObserver interface {
	WorkerBusy()
	WorkerIdle()
	HandlerPanicked()
}

// RoutingTables consults each table in order and returns the first match.
type RoutingTables []RoutingTable

func (t RoutingTables) Lookup(ctx context.Context, host string) (Endpoint, error) {
	for _, table := range t {
		ep, err := table.Lookup(ctx, host)
		if err == nil {
			return ep, nil
		}
		if !errors.Is(err, ErrRouteNotFound) {
			return Endpoint{}, err
		}
	}
	return Endpoint{}, ErrRouteNotFound
}
