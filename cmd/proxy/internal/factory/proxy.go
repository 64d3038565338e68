package factory

import (
	"net"
	"time"

	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/config"
	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/core"
	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/logger"
	http_proxy "github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/proxy/http"
	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/relay"
)

// ProxyFactory creates the connection handler
type ProxyFactory struct {
	cfg *config.Config
}

// NewProxyFactory creates a new proxy factory
func NewProxyFactory(cfg *config.Config) *ProxyFactory {
	return &ProxyFactory{cfg: cfg}
}

// Create wires the Host-routing handler. observer may be nil.
func (f *ProxyFactory) Create(routes core.RoutingTable, observer http_proxy.Observer) *http_proxy.HTTPProxy {
	logger.Info("Creating HTTP host proxy handler",
		"idle_timeout", f.cfg.IdleTimeout,
		"connect_timeout", f.cfg.ConnectTimeout,
		"buffer_size", f.cfg.BufferSize)

	p := &http_proxy.HTTPProxy{
		Routes: routes,
		Relay:  relay.New(f.cfg.IdleTimeout, f.cfg.BufferSize),
		Dialer: &net.Dialer{
			Timeout:   f.cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		},
		Resolver:       net.DefaultResolver,
		ConnectTimeout: f.cfg.ConnectTimeout,
		BufferSize:     f.cfg.BufferSize,
	}
	if observer != nil {
		p.Observer = observer
	}
	return p
}
