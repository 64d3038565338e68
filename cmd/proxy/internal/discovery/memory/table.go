package memory

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/config"
	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/core"
)

// Table is an immutable host -> endpoint map. It is built once and read
// concurrently without locking.
type Table struct {
	routes map[string]core.Endpoint
}

// NewTable copies rules into a new table.
func NewTable(rules map[string]config.Rule) *Table {
	routes := make(map[string]core.Endpoint, len(rules))
	for host, rule := range rules {
		routes[host] = core.Endpoint{Host: rule.EndpointHost, Port: rule.EndpointPort}
	}
	return &Table{routes: routes}
}

// Lookup matches host exactly, including case.
func (t *Table) Lookup(_ context.Context, host string) (core.Endpoint, error) {
	ep, ok := t.routes[host]
	if !ok {
		return core.Endpoint{}, fmt.Errorf("%w: %s", core.ErrRouteNotFound, host)
	}
	return ep, nil
}

// Len returns the number of rules.
func (t *Table) Len() int {
	return len(t.routes)
}

// ParseRoutes parses command-line route overrides.
// Format: "host=endpoint_host:endpoint_port"
// Example: "example.com=10.0.0.5:9000"
func ParseRoutes(entries []string) (map[string]config.Rule, error) {
	rules := make(map[string]config.Rule, len(entries))
	for _, entry := range entries {
		host, target, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			return nil, fmt.Errorf("invalid route format: %s", entry)
		}
		host = strings.TrimSpace(host)
		endpointHost, portStr, err := net.SplitHostPort(strings.TrimSpace(target))
		if err != nil {
			return nil, fmt.Errorf("invalid route target %q: %w", target, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid route port %q: %w", portStr, err)
		}
		rules[host] = config.Rule{Host: host, EndpointHost: endpointHost, EndpointPort: port}
	}
	return rules, nil
}
