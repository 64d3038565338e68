package kubernetes

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/core"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
)

// Service labels read by the table.
const (
	LabelEnabled         = "xhost-proxy-enabled"
	LabelHost            = "xhost-proxy-host"
	LabelDestinationPort = "xhost-proxy-destination-port"
)

const hostIndex = "xhost-proxy-host"

// Table routes hosts to Services labelled for the proxy. The informer keeps
// it current; lookups read the local cache only.
type Table struct {
	indexer cache.Indexer
}

// NewTable starts a Service informer scoped to namespace (all namespaces
// when empty) and blocks until its cache has synced. The informer stops when
// ctx is cancelled.
func NewTable(ctx context.Context, clientset kubernetes.Interface, namespace string) (*Table, error) {
	opts := []informers.SharedInformerOption{
		informers.WithTweakListOptions(func(o *metav1.ListOptions) {
			o.LabelSelector = LabelEnabled + "=true"
		}),
	}
	if namespace != "" {
		opts = append(opts, informers.WithNamespace(namespace))
	}

	factory := informers.NewSharedInformerFactoryWithOptions(clientset, 10*time.Minute, opts...)
	serviceInformer := factory.Core().V1().Services().Informer()
	if err := serviceInformer.AddIndexers(cache.Indexers{hostIndex: indexByHost}); err != nil {
		return nil, fmt.Errorf("failed to add host index: %w", err)
	}

	factory.Start(ctx.Done())
	for typ, ok := range factory.WaitForCacheSync(ctx.Done()) {
		if !ok {
			return nil, fmt.Errorf("informer cache for %v did not sync", typ)
		}
	}

	return &Table{indexer: serviceInformer.GetIndexer()}, nil
}

func indexByHost(obj interface{}) ([]string, error) {
	svc, ok := obj.(*corev1.Service)
	if !ok {
		return nil, nil
	}
	if svc.Labels[LabelEnabled] != "true" {
		return nil, nil
	}
	host := svc.Labels[LabelHost]
	if host == "" {
		return nil, nil
	}
	return []string{host}, nil
}

// Lookup returns <name>.<namespace>.svc.cluster.local:<port> for the Service
// labelled with host. When several match, the first by namespace/name wins.
func (t *Table) Lookup(_ context.Context, host string) (core.Endpoint, error) {
	objs, err := t.indexer.ByIndex(hostIndex, host)
	if err != nil {
		return core.Endpoint{}, fmt.Errorf("service index lookup: %w", err)
	}

	services := make([]*corev1.Service, 0, len(objs))
	for _, obj := range objs {
		if svc, ok := obj.(*corev1.Service); ok {
			services = append(services, svc)
		}
	}
	sort.Slice(services, func(i, j int) bool {
		if services[i].Namespace != services[j].Namespace {
			return services[i].Namespace < services[j].Namespace
		}
		return services[i].Name < services[j].Name
	})

	for _, svc := range services {
		port := servicePort(svc)
		if port == 0 {
			continue
		}
		return core.Endpoint{
			Host: fmt.Sprintf("%s.%s.svc.cluster.local", svc.Name, svc.Namespace),
			Port: int(port),
		}, nil
	}

	return core.Endpoint{}, fmt.Errorf("%w: no service labelled %s=%s", core.ErrRouteNotFound, LabelHost, host)
}

// servicePort picks the port named or numbered by the destination-port
// label, falling back to the first port.
func servicePort(svc *corev1.Service) int32 {
	if len(svc.Spec.Ports) == 0 {
		return 0
	}
	want, ok := svc.Labels[LabelDestinationPort]
	if !ok {
		return svc.Spec.Ports[0].Port
	}
	for _, p := range svc.Spec.Ports {
		if p.Name == want || strconv.Itoa(int(p.Port)) == want {
			return p.Port
		}
	}
	return 0
}
