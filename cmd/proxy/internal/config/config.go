package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DiscoveryMode represents where routing rules beyond the config file come from
type DiscoveryMode string

const (
	DiscoveryStatic     DiscoveryMode = "static"
	DiscoveryKubernetes DiscoveryMode = "kubernetes"
)

// GlobalSection is the section name that holds server settings instead of a rule.
const GlobalSection = "proxy_settings"

// Rule forwards one virtual host to one upstream endpoint.
// A rule without endpoint fields is kept as-is; dialing it simply fails.
type Rule struct {
	Host         string
	EndpointHost string
	EndpointPort int
}

// Config holds all application configuration
type Config struct {
	// Listener
	ListenIP   string
	ListenPort int

	// Worker pool
	WorkerThreads int
	QueueCapacity int

	// Sessions
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	BufferSize     int

	// Acceptor
	AcceptRate  float64 // connections per second, 0 = unlimited
	AcceptBurst int

	// Observability
	HealthAddr string
	Debug      bool

	// Discovery
	DiscoveryMode  DiscoveryMode
	Namespace      string
	KubeConfigPath string
	KubeContext    string

	Rules map[string]Rule
}

// Default returns a configuration populated with default values and no rules.
func Default() *Config {
	return &Config{
		ListenIP:       "127.0.0.1",
		ListenPort:     80,
		WorkerThreads:  2,
		QueueCapacity:  256,
		IdleTimeout:    60 * time.Second,
		ConnectTimeout: 10 * time.Second,
		BufferSize:     4096,
		AcceptBurst:    1,
		DiscoveryMode:  DiscoveryStatic,
		Rules:          make(map[string]Rule),
	}
}

// Load reads the configuration file at path. Files ending in .yaml or .yml
// are parsed as YAML, everything else as INI.
func Load(path string) (*Config, error) {
	return LoadWithRules(path, nil)
}

// LoadWithRules is Load with extra rules layered over the ones in the file.
// An extra rule replaces a file rule for the same host.
func LoadWithRules(path string, extra map[string]Rule) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not open config file: %w", err)
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = ParseYAML(data)
	default:
		cfg, err = ParseINI(strings.NewReader(string(data)))
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for host, rule := range extra {
		cfg.Rules[host] = rule
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListenAddr returns the host:port the proxy binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenIP, strconv.Itoa(c.ListenPort))
}

// FindRule looks up a rule by exact, case-sensitive host match.
func (c *Config) FindRule(host string) (Rule, bool) {
	rule, ok := c.Rules[host]
	return rule, ok
}

// setGlobal applies one key of the global section. Unknown keys are ignored.
func (c *Config) setGlobal(key, value string) error {
	var err error
	switch key {
	case "listen_ip":
		c.ListenIP = value
	case "listen_port":
		c.ListenPort, err = strconv.Atoi(value)
	case "worker_threads":
		c.WorkerThreads, err = strconv.Atoi(value)
	case "queue_capacity":
		c.QueueCapacity, err = strconv.Atoi(value)
	case "idle_timeout_seconds":
		c.IdleTimeout, err = parseSeconds(value)
	case "connect_timeout_seconds":
		c.ConnectTimeout, err = parseSeconds(value)
	case "buffer_size":
		c.BufferSize, err = strconv.Atoi(value)
	case "accept_rate":
		c.AcceptRate, err = strconv.ParseFloat(value, 64)
	case "accept_burst":
		c.AcceptBurst, err = strconv.Atoi(value)
	case "health_addr":
		c.HealthAddr = value
	case "debug":
		c.Debug, err = strconv.ParseBool(value)
	case "discovery":
		c.DiscoveryMode = DiscoveryMode(strings.ToLower(value))
	case "namespace":
		c.Namespace = value
	case "kubeconfig":
		c.KubeConfigPath = value
	case "kube_context":
		c.KubeContext = value
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %q", key, value)
	}
	return nil
}

// setRule applies one key of a rule section. Unknown keys are ignored.
func setRule(rule *Rule, key, value string) error {
	switch key {
	case "endpoint_host":
		rule.EndpointHost = value
	case "endpoint_port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %q", key, value)
		}
		rule.EndpointPort = port
	}
	return nil
}

// validate ensures configuration is coherent. Rules are deliberately not checked.
func (c *Config) validate() error {
	if c.WorkerThreads < 1 {
		return fmt.Errorf("worker_threads must be at least 1, got %d", c.WorkerThreads)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be at least 1, got %d", c.QueueCapacity)
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port out of range: %d", c.ListenPort)
	}
	if c.IdleTimeout < time.Second {
		return fmt.Errorf("idle_timeout_seconds must be at least 1")
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect_timeout_seconds must not be negative")
	}
	if c.BufferSize < 512 {
		return fmt.Errorf("buffer_size must be at least 512, got %d", c.BufferSize)
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("accept_rate must not be negative")
	}
	if c.AcceptRate > 0 && c.AcceptBurst < 1 {
		return fmt.Errorf("accept_burst must be at least 1 when accept_rate is set")
	}

	switch c.DiscoveryMode {
	case DiscoveryStatic, DiscoveryKubernetes:
	default:
		return fmt.Errorf("unsupported discovery mode: %s (supported: %s, %s)",
			c.DiscoveryMode, DiscoveryStatic, DiscoveryKubernetes)
	}

	return nil
}

func parseSeconds(value string) (time.Duration, error) {
	secs, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}
