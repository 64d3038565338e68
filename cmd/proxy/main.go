package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/api"
	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/config"
	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/core"
	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/discovery/memory"
	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/factory"
	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/logger"
	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/metrics"
)

var version = "dev"

func main() {
	var (
		debug       = flag.Bool("debug", false, "enable debug logging")
		healthAddr  = flag.String("health-addr", "", "address for /health, /ready and /metrics (overrides health_addr)")
		routes      = flag.StringArray("route", nil, "extra rule host=endpoint_host:endpoint_port, may be repeated")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <path_to_config>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	overrides, err := memory.ParseRoutes(*routes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Load configuration from file
	cfg, err := config.LoadWithRules(flag.Arg(0), overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	if *healthAddr != "" {
		cfg.HealthAddr = *healthAddr
	}

	// Initialize logger
	logger.Init(cfg.Debug || *debug)
	logger.Info("Starting xhost-proxy...",
		"version", version,
		"listen", cfg.ListenAddr(),
		"workers", cfg.WorkerThreads,
		"discovery", cfg.DiscoveryMode,
		"rules", len(cfg.Rules))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(registry)

	// Start health server
	var healthServer *api.HealthServer
	if cfg.HealthAddr != "" {
		healthServer = api.NewHealthServer(cfg.HealthAddr, registry)
		healthServer.Start()
	}

	// Create routing table
	routingTable, err := factory.NewRoutingTableFactory(cfg).Create(ctx)
	if err != nil {
		logger.Fatal("Failed to create routing table", "error", err)
	}

	// Create connection handler
	handler := factory.NewProxyFactory(cfg).Create(routingTable, collector)

	// Queue and worker pool
	queue := core.NewConnQueue(cfg.QueueCapacity)
	collector.ObserveQueue(queue.Len, queue.Cap())

	pool, err := core.NewWorkerPool(cfg.WorkerThreads, queue, handler, collector)
	if err != nil {
		logger.Fatal("Failed to create worker pool", "error", err)
	}
	pool.Start()

	// Start TCP listener
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", cfg.ListenAddr())
	if err != nil {
		logger.Fatal("Failed to start listener", "addr", cfg.ListenAddr(), "error", err)
	}
	logger.Info("Proxy listening", "addr", listener.Addr().String())

	server := &core.Server{
		Listener: listener,
		Queue:    queue,
	}
	if cfg.AcceptRate > 0 {
		server.Limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
		logger.Info("Accept rate limited", "rate", cfg.AcceptRate, "burst", cfg.AcceptBurst)
	}

	// Mark as ready
	if healthServer != nil {
		healthServer.SetReady(true)
	}
	logger.Info("Proxy is ready to accept connections")

	// Start serving (blocking); a signal closes the listener and the queue
	if err := server.Serve(ctx); err != nil {
		logger.Error("Server error", "error", err)
	}
	logger.Info("Shutting down")

	if healthServer != nil {
		healthServer.SetReady(false)
	}
	queue.Close()
	logger.Info("Waiting for in-flight sessions", "busy_workers", pool.Busy())
	pool.Wait()

	if healthServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := healthServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error shutting down health server", "error", err)
		}
	}
	logger.Info("Shutdown complete")
}
