package observer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
)

const (
	revisionAnnotation    = "deployment.kubernetes.io/revision"
	changeCauseAnnotation = "kubernetes.io/change-cause"
	appLabel              = "app"
)

// KubernetesDeployments reports rollouts as the ReplicaSets a Deployment
// creates. Each ReplicaSet labelled app=<service> is one deployment event.
type KubernetesDeployments struct {
	clientset kubernetes.Interface
	namespace string
	logger    *zap.Logger
}

// NewKubernetesDeployments connects with in-cluster credentials, falling back
// to kubeconfig (explicit path, then KUBECONFIG, then ~/.kube/config).
func NewKubernetesDeployments(namespace, kubeconfig string, logger *zap.Logger) (*KubernetesDeployments, error) {
	clientset, err := createKubernetesClient(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("could not create kubernetes client: %w", err)
	}
	return NewKubernetesDeploymentsForClient(clientset, namespace, logger), nil
}

func NewKubernetesDeploymentsForClient(clientset kubernetes.Interface, namespace string, logger *zap.Logger) *KubernetesDeployments {
	if namespace == "" {
		namespace = "default"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KubernetesDeployments{clientset: clientset, namespace: namespace, logger: logger}
}

func createKubernetesClient(kubeconfigPath string) (*kubernetes.Clientset, error) {
	if kubeconfigPath == "" {
		if config, err := rest.InClusterConfig(); err == nil {
			return kubernetes.NewForConfig(config)
		}
		kubeconfigPath = os.Getenv("KUBECONFIG")
	}
	if kubeconfigPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("could not get home directory: %w", err)
		}
		kubeconfigPath = filepath.Join(home, ".kube", "config")
	}

	if _, err := os.Stat(kubeconfigPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("kubeconfig not found at %s", kubeconfigPath)
	}

	config, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubeconfig: %w", err)
	}
	return kubernetes.NewForConfig(config)
}

// Deployments lists ReplicaSets for service created inside the window, newest first.
func (k *KubernetesDeployments) Deployments(ctx context.Context, service string, r model.TimeRange) ([]model.DeploymentEvent, error) {
	selector := labels.SelectorFromSet(labels.Set{appLabel: service}).String()
	list, err := k.clientset.AppsV1().ReplicaSets(k.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, model.ProviderUnavailable("kubernetes", fmt.Errorf("failed to list replicasets: %w", err))
	}

	events := make([]model.DeploymentEvent, 0, len(list.Items))
	for i := range list.Items {
		rs := &list.Items[i]
		created := rs.CreationTimestamp.Time.UTC()
		if !r.Contains(created) {
			continue
		}
		events = append(events, model.DeploymentEvent{
			ID:          rs.Name,
			Service:     service,
			Version:     replicaSetVersion(rs),
			Status:      replicaSetStatus(rs),
			Environment: k.namespace,
			TriggeredBy: rs.Annotations[changeCauseAnnotation],
			StartedAt:   created,
			Source:      "kubernetes",
		})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].StartedAt.After(events[j].StartedAt) })

	k.logger.Debug("Listed kubernetes deployments",
		zap.String("service", service),
		zap.String("namespace", k.namespace),
		zap.Int("count", len(events)))
	return events, nil
}

func replicaSetVersion(rs *appsv1.ReplicaSet) string {
	images := make([]string, 0, len(rs.Spec.Template.Spec.Containers))
	for _, c := range rs.Spec.Template.Spec.Containers {
		images = append(images, c.Image)
	}
	version := strings.Join(images, ",")
	if rev := rs.Annotations[revisionAnnotation]; rev != "" {
		version = fmt.Sprintf("rev %s (%s)", rev, version)
	}
	return version
}

func replicaSetStatus(rs *appsv1.ReplicaSet) string {
	desired := int32(1)
	if rs.Spec.Replicas != nil {
		desired = *rs.Spec.Replicas
	}
	switch {
	case desired == 0:
		return "superseded"
	case rs.Status.ReadyReplicas >= desired:
		return "succeeded"
	default:
		return "progressing"
	}
}

func (k *KubernetesDeployments) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := k.clientset.AppsV1().ReplicaSets(k.namespace).List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return fmt.Errorf("kubernetes health check failed: %w", err)
	}
	return nil
}
