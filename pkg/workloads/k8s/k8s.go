// Package k8s is a thin layer over client-go for running batch Jobs.
//
// Only the part of Kubernetes API which collector jobs need is exposed:
// creating, watching and deleting Jobs, and reading logs of their pods.
package k8s

import (
	"context"
	"errors"
	"io"
	"time"

	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8s "k8s.io/client-go/kubernetes"

	"github.com/opst/caf/pkg/utils/retry"
)

// subset of k8s.Clientset
type K8sClient interface {
	GetJob(ctx context.Context, namespace string, name string) (*kubebatch.Job, error)
	CreateJob(ctx context.Context, namespace string, spec *kubebatch.Job) (*kubebatch.Job, error)
	DeleteJob(ctx context.Context, namespace string, name string) error

	FindPods(ctx context.Context, namespace string, labelSelector LabelSelector) ([]kubecore.Pod, error)

	Log(ctx context.Context, namespace string, podname string, container string) (io.ReadCloser, error)
}

// A wrapper for the type k8s.Clientset; because it does not prefer method chain-style invocations of that type.
type k8sClient struct {
	client *k8s.Clientset
}

var _ K8sClient = &k8sClient{}

func WrapK8sClient(c *k8s.Clientset) K8sClient {
	return &k8sClient{client: c}
}

func (k *k8sClient) CreateJob(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error) {
	return k.client.BatchV1().Jobs(namespace).Create(ctx, job, kubeapimeta.CreateOptions{})
}

func (k *k8sClient) GetJob(ctx context.Context, namespace string, name string) (*kubebatch.Job, error) {
	return k.client.BatchV1().Jobs(namespace).Get(ctx, name, kubeapimeta.GetOptions{})
}

func (k *k8sClient) DeleteJob(ctx context.Context, namespace string, name string) error {
	background := kubeapimeta.DeletePropagationBackground
	return k.client.BatchV1().Jobs(namespace).Delete(ctx, name, kubeapimeta.DeleteOptions{
		PropagationPolicy: &background,
	})
}

func (k *k8sClient) FindPods(ctx context.Context, namespace string, labels LabelSelector) ([]kubecore.Pod, error) {
	resp, err := k.client.CoreV1().Pods(namespace).List(ctx, kubeapimeta.ListOptions{
		LabelSelector: labels.QueryString(),
	})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (k *k8sClient) Log(ctx context.Context, namespace string, podname string, container string) (io.ReadCloser, error) {
	return k.client.
		CoreV1().
		Pods(namespace).
		GetLogs(podname, &kubecore.PodLogOptions{Container: container}).
		Stream(ctx)
}

type JobStatus string

const (
	// no pods have been started.
	Pending JobStatus = "Pending"

	// at least one pod has started, and the job has not finished.
	Running JobStatus = "Running"

	// the job is succeeded.
	Succeeded JobStatus = "Succeeded"

	// the job is failed.
	Failed JobStatus = "Failed"
)

// Finished tells the status is terminal.
func (s JobStatus) Finished() bool {
	return s == Succeeded || s == Failed
}

// abstraction of k8s job.
type Job interface {
	Name() string
	Namespace() string

	// Status is a SNAPSHOT of the job when this instance is got.
	// To refresh, get a new instance with Cluster.GetJob.
	Status() JobStatus

	// ExitCode of the container of the job.
	//
	// # Return
	//
	// - exitCode, reason : of the termination.
	//
	// - ok : true if the container has been terminated.
	ExitCode(container string) (uint8, string, bool)

	// Log stream of the container.
	Log(ctx context.Context, container string) (io.ReadCloser, error)

	// destroy the job. If the job is running or pending, it is aborted.
	Close() error
}

type job struct {
	job    *kubebatch.Job
	pods   []kubecore.Pod
	client K8sClient
	close  func() error
}

var _ Job = &job{}

func (j *job) Name() string {
	return j.job.Name
}

func (j *job) Namespace() string {
	return j.job.Namespace
}

func (j *job) Status() JobStatus {
	return statusOf(j.job, j.pods)
}

func statusOf(j *kubebatch.Job, pods []kubecore.Pod) JobStatus {
	for _, sc := range j.Status.Conditions {
		if sc.Status != kubecore.ConditionTrue {
			continue
		}
		switch sc.Type {
		case kubebatch.JobComplete:
			return Succeeded
		case kubebatch.JobFailed:
			return Failed
		}
	}
	if 0 < j.Status.Active {
		return Running
	}
	for _, p := range pods {
		switch p.Status.Phase {
		case kubecore.PodRunning, kubecore.PodSucceeded, kubecore.PodFailed:
			return Running
		}
	}
	return Pending
}

func (j *job) Log(ctx context.Context, container string) (io.ReadCloser, error) {
	if len(j.pods) == 0 {
		return nil, errors.New("no pods")
	}
	pod := j.pods[0]
	return j.client.Log(ctx, pod.Namespace, pod.Name, container)
}

func (j *job) ExitCode(container string) (uint8, string, bool) {
	for _, p := range j.pods {
		for _, c := range p.Status.ContainerStatuses {
			if c.Name != container {
				continue
			}
			if term := c.State.Terminated; term != nil {
				return uint8(term.ExitCode), term.Reason, true
			}
			break
		}
	}
	return 0, "", false
}

func (j *job) Close() error {
	if j.close == nil {
		return nil
	}
	return j.close()
}

type Requirement[T any] func(value T) error

// WithCheckpoint makes requirement fail with ErrDeadlineExceeded after deadline.
//
// Once satisfied, it is satisfied forever.
func WithCheckpoint[T any](requirement Requirement[T], deadline time.Time) Requirement[T] {
	satisfied := false
	return func(value T) error {
		if satisfied {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrDeadlineExceeded
		}
		if err := requirement(value); err != nil {
			return err
		}
		satisfied = true
		return nil
	}
}

func satisfyAll[T any](value T, req []Requirement[T]) error {
	for _, r := range req {
		if err := r(value); err != nil {
			return err
		}
	}
	return nil
}

var JobHaveBeenCreated Requirement[*kubebatch.Job] = func(*kubebatch.Job) error {
	return nil
}

// JobHasFinished is satisfied when the job has been succeeded or failed.
var JobHasFinished Requirement[*kubebatch.Job] = func(j *kubebatch.Job) error {
	if statusOf(j, nil).Finished() {
		return nil
	}
	return retry.ErrRetry
}

type Cluster interface {
	Namespace() string

	// Create new Job and wait for it to satisfy all requirements.
	//
	// # Args
	//
	// - ctx context.Context
	//
	// - backoff retry.Backoff: backoff policy to wait for the Job to satisfy requirements.
	//
	// - spec *kubebatch.Job: spec of wanted Job
	//
	// - requirements ...Requirement[*kubebatch.Job]: If not given, JobHaveBeenCreated is used.
	//
	// # Return
	//
	// - retry.Promise[Job]: The Promise may have Error below:
	//
	//   - ErrConflict: Job is already created.
	//
	//   - ErrMissing: Job is missing after created until meets requirements.
	//
	//   - other errors come from Requirements and context.Context
	NewJob(ctx context.Context, backoff retry.Backoff, spec *kubebatch.Job, requirements ...Requirement[*kubebatch.Job]) retry.Promise[Job]

	// Get the Job and wait for it to satisfy all requirements.
	//
	// The Promise may have ErrMissing when there are no such Job.
	GetJob(ctx context.Context, backoff retry.Backoff, name string, requirements ...Requirement[*kubebatch.Job]) retry.Promise[Job]
}

type k8sCluster struct {
	client    K8sClient
	namespace string
}

var _ Cluster = &k8sCluster{}

func AttachCluster(client K8sClient, namespace string) Cluster {
	return &k8sCluster{client: client, namespace: namespace}
}

func (c *k8sCluster) Namespace() string {
	return c.namespace
}

// pods of the job, selected by its selector or, until the selector is defaulted, by labels of its pod template.
func (c *k8sCluster) pods(ctx context.Context, j *kubebatch.Job) []kubecore.Pod {
	labels := j.Spec.Template.Labels
	if j.Spec.Selector != nil && len(j.Spec.Selector.MatchLabels) != 0 {
		labels = j.Spec.Selector.MatchLabels
	}
	if len(labels) == 0 {
		return []kubecore.Pod{}
	}
	pods, err := c.client.FindPods(ctx, c.namespace, LabelsToSelector(labels))
	if err != nil {
		return []kubecore.Pod{}
	}
	return pods
}

func (c *k8sCluster) NewJob(
	ctx context.Context, backoff retry.Backoff, spec *kubebatch.Job,
	requirements ...Requirement[*kubebatch.Job],
) retry.Promise[Job] {
	if len(requirements) == 0 {
		requirements = []Requirement[*kubebatch.Job]{JobHaveBeenCreated}
	}

	select {
	case <-ctx.Done():
		return retry.Failed[Job](ctx.Err())
	default:
	}

	created, err := c.client.CreateJob(ctx, c.namespace, spec)
	if err != nil {
		if kubeerr.IsAlreadyExists(err) {
			return retry.Failed[Job](NewConflictCausedBy("", err))
		}
		return retry.Failed[Job](err)
	}
	_close := func() error {
		// close should run even if ctx has been done.
		return c.client.DeleteJob(context.Background(), c.namespace, created.Name)
	}

	if err := satisfyAll(created, requirements); err == nil {
		return retry.Ok[Job](&job{job: created, pods: c.pods(ctx, created), client: c.client, close: _close})
	} else if !errors.Is(err, retry.ErrRetry) {
		return retry.Failed[Job](err)
	}

	return c.GetJob(ctx, backoff, created.Name, requirements...)
}

func (c *k8sCluster) GetJob(
	ctx context.Context, backoff retry.Backoff, name string,
	requirements ...Requirement[*kubebatch.Job],
) retry.Promise[Job] {
	if len(requirements) == 0 {
		requirements = []Requirement[*kubebatch.Job]{JobHaveBeenCreated}
	}
	_close := func() error {
		return c.client.DeleteJob(context.Background(), c.namespace, name)
	}

	return retry.Go(ctx, backoff, func() (Job, error) {
		got, err := c.client.GetJob(ctx, c.namespace, name)
		if err != nil {
			if kubeerr.IsNotFound(err) {
				return nil, NewMissingCausedBy(name, err)
			}
			return nil, err
		}
		ret := &job{job: got, client: c.client, close: _close}
		if err := satisfyAll(got, requirements); err != nil {
			return ret, err
		}
		ret.pods = c.pods(ctx, got)
		return ret, nil
	})
}
