// Package discovery finds PostgreSQL backend endpoints to populate a
// cluster's shard topology (spec.md C8), instead of polling a static config
// file. Grounded on the donor's pkg/discovery KubernetesDiscovery client
// bootstrap (in-cluster config with kubeconfig fallback, label-selector
// listing), rewritten to enumerate backend Services rather than client
// application Deployments/StatefulSets.
package discovery

import (
	"context"
	"fmt"
	"strconv"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Endpoint is one discovered PostgreSQL backend.
type Endpoint struct {
	Namespace string
	Service   string
	Host      string
	Port      int
	Role      string // "primary" | "replica", from the service's role label
	ShardID   string // from the service's shard label, empty if unset
}

// Source discovers backend endpoints. Implementations: Kubernetes, Static.
type Source interface {
	Discover(ctx context.Context) ([]Endpoint, error)
}

// Kubernetes discovers backend endpoints from Services carrying the
// configured shard/role labels, e.g. "shardproxy.io/shard" and
// "shardproxy.io/role".
type Kubernetes struct {
	client        *kubernetes.Clientset
	namespace     string
	labelSelector string
	shardLabel    string
	roleLabel     string
}

// NewKubernetes builds a client the same way the donor bootstraps: in-cluster
// config first, falling back to the local kubeconfig for development.
func NewKubernetes(namespace, labelSelector string) (*Kubernetes, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		config, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		if err != nil {
			return nil, fmt.Errorf("resolving kubernetes config: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("building kubernetes client: %w", err)
	}
	return &Kubernetes{
		client:        clientset,
		namespace:     namespace,
		labelSelector: labelSelector,
		shardLabel:    "shardproxy.io/shard",
		roleLabel:     "shardproxy.io/role",
	}, nil
}

// Discover lists Services matching the label selector and turns each into a
// backend Endpoint.
func (k *Kubernetes) Discover(ctx context.Context) ([]Endpoint, error) {
	services, err := k.client.CoreV1().Services(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: k.labelSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("listing backend services: %w", err)
	}

	endpoints := make([]Endpoint, 0, len(services.Items))
	for _, svc := range services.Items {
		ep, ok := k.endpointFromService(&svc)
		if ok {
			endpoints = append(endpoints, ep)
		}
	}
	return endpoints, nil
}

func (k *Kubernetes) endpointFromService(svc *corev1.Service) (Endpoint, bool) {
	port := 5432
	for _, p := range svc.Spec.Ports {
		if p.Name == "postgres" || p.Port == 5432 {
			port = int(p.Port)
			break
		}
	}
	host := fmt.Sprintf("%s.%s.svc.cluster.local", svc.Name, svc.Namespace)
	role := svc.Labels[k.roleLabel]
	if role == "" {
		role = "primary"
	}
	return Endpoint{
		Namespace: svc.Namespace,
		Service:   svc.Name,
		Host:      host,
		Port:      port,
		Role:      role,
		ShardID:   svc.Labels[k.shardLabel],
	}, true
}

// Static returns a fixed list of endpoints, used for local development and
// tests instead of a real Kubernetes API connection.
type Static struct {
	Endpoints []Endpoint
}

func (s Static) Discover(ctx context.Context) ([]Endpoint, error) { return s.Endpoints, nil }

// ParseHostPort splits "host:port" into its parts, defaulting to 5432.
func ParseHostPort(hostPort string) (string, int) {
	host := hostPort
	port := 5432
	for i := len(hostPort) - 1; i >= 0; i-- {
		if hostPort[i] == ':' {
			host = hostPort[:i]
			if p, err := strconv.Atoi(hostPort[i+1:]); err == nil {
				port = p
			}
			break
		}
	}
	return host, port
}
