package factory

import (
	"context"
	"fmt"

	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/config"
	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/core"
	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/discovery/kubernetes"
	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/discovery/memory"
	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/logger"

	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
)

// RoutingTableFactory creates routing tables based on configuration
type RoutingTableFactory struct {
	cfg *config.Config

	// Clientset overrides the client built from kubeconfig/in-cluster settings.
	Clientset k8s.Interface
}

// NewRoutingTableFactory creates a new routing table factory
func NewRoutingTableFactory(cfg *config.Config) *RoutingTableFactory {
	return &RoutingTableFactory{cfg: cfg}
}

// Create builds the routing table. Static rules from the config file are
// always consulted first; Kubernetes discovery only adds hosts they lack.
func (f *RoutingTableFactory) Create(ctx context.Context) (core.RoutingTable, error) {
	static := memory.NewTable(f.cfg.Rules)
	logger.Info("Loaded static routing rules", "rules", static.Len())

	switch f.cfg.DiscoveryMode {
	case config.DiscoveryStatic:
		return static, nil
	case config.DiscoveryKubernetes:
		dynamic, err := f.createKubernetesTable(ctx)
		if err != nil {
			return nil, err
		}
		return core.RoutingTables{static, dynamic}, nil
	default:
		return nil, fmt.Errorf("unknown discovery mode: %s", f.cfg.DiscoveryMode)
	}
}

func (f *RoutingTableFactory) createKubernetesTable(ctx context.Context) (core.RoutingTable, error) {
	logger.Info("Creating Kubernetes routing table",
		"namespace", f.cfg.Namespace,
		"kubeconfig", f.cfg.KubeConfigPath,
		"context", f.cfg.KubeContext)

	// client-go logs through klog; keep a single log stream.
	klog.SetSlogLogger(logger.Logger())

	clientset := f.Clientset
	if clientset == nil {
		restConfig, err := f.restConfig()
		if err != nil {
			return nil, err
		}
		cs, err := k8s.NewForConfig(restConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
		}
		clientset = cs
	}

	table, err := kubernetes.NewTable(ctx, clientset, f.cfg.Namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to start service informer: %w", err)
	}
	logger.Info("Kubernetes routing table synced")
	return table, nil
}

// restConfig prefers kubeconfig (explicit path, $KUBECONFIG, ~/.kube/config)
// and falls back to the in-cluster service account.
func (f *RoutingTableFactory) restConfig() (*rest.Config, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if f.cfg.KubeConfigPath != "" {
		rules.ExplicitPath = f.cfg.KubeConfigPath
	}

	overrides := &clientcmd.ConfigOverrides{}
	if f.cfg.KubeContext != "" {
		overrides.CurrentContext = f.cfg.KubeContext
		logger.Info("Using specific Kubernetes context", "context", f.cfg.KubeContext)
	}

	restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err == nil {
		return restConfig, nil
	}
	logger.Warn("Failed to load kubeconfig, will try in-cluster config", "error", err)

	restConfig, inClusterErr := rest.InClusterConfig()
	if inClusterErr != nil {
		return nil, fmt.Errorf("failed to build kubernetes config (tried kubeconfig and in-cluster): %w", inClusterErr)
	}
	return restConfig, nil
}
