// Package mock fakes the Kubernetes client subset used by caf.
package mock

import (
	"context"
	"fmt"
	"io"
	"sync"

	k8s "github.com/opst/caf/pkg/workloads/k8s"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
)

// Namespace of clusters made by NewCluster.
const Namespace = "fake-namespace"

// NewCluster returns a cluster in Namespace backed by a MockClient.
//
// Set funcs of MockClient.Impl to fake the behaviour of the cluster.
func NewCluster() (k8s.Cluster, *MockClient) {
	client := &MockClient{}
	return k8s.AttachCluster(client, Namespace), client
}

// MockClient is a k8s.K8sClient calling its Impl, and counting calls per method.
//
// A method whose Impl is nil returns an error.
type MockClient struct {
	Impl struct {
		CreateJob func(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error)
		GetJob    func(ctx context.Context, namespace string, name string) (*kubebatch.Job, error)
		DeleteJob func(ctx context.Context, namespace string, name string) error
		FindPods  func(ctx context.Context, namespace string, ls k8s.LabelSelector) ([]kubecore.Pod, error)
		Log       func(ctx context.Context, namespace string, pod string, container string) (io.ReadCloser, error)
	}

	mu    sync.Mutex
	calls map[string]int
}

var _ k8s.K8sClient = &MockClient{}

// Calls is how many times the method has been called.
func (m *MockClient) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockClient) call(method string, implemented bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = map[string]int{}
	}
	m.calls[method] += 1
	if !implemented {
		return fmt.Errorf("[mock] %s is not faked", method)
	}
	return nil
}

func (m *MockClient) CreateJob(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error) {
	if err := m.call("CreateJob", m.Impl.CreateJob != nil); err != nil {
		return nil, err
	}
	return m.Impl.CreateJob(ctx, namespace, job)
}

func (m *MockClient) GetJob(ctx context.Context, namespace string, name string) (*kubebatch.Job, error) {
	if err := m.call("GetJob", m.Impl.GetJob != nil); err != nil {
		return nil, err
	}
	return m.Impl.GetJob(ctx, namespace, name)
}

func (m *MockClient) DeleteJob(ctx context.Context, namespace string, name string) error {
	if err := m.call("DeleteJob", m.Impl.DeleteJob != nil); err != nil {
		return err
	}
	return m.Impl.DeleteJob(ctx, namespace, name)
}

func (m *MockClient) FindPods(ctx context.Context, namespace string, ls k8s.LabelSelector) ([]kubecore.Pod, error) {
	if err := m.call("FindPods", m.Impl.FindPods != nil); err != nil {
		return nil, err
	}
	return m.Impl.FindPods(ctx, namespace, ls)
}

func (m *MockClient) Log(ctx context.Context, namespace string, pod string, container string) (io.ReadCloser, error) {
	if err := m.call("Log", m.Impl.Log != nil); err != nil {
		return nil, err
	}
	return m.Impl.Log(ctx, namespace, pod, container)
}
