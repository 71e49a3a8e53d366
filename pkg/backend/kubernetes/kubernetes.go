// Package kubernetes runs collector jobs as Kubernetes Jobs.
//
// Working and output directories of jobs are on a PersistentVolumeClaim, which is
// mounted into pods at the same path as CAF sees it. So, paths in a job do not need
// to be translated.
package kubernetes

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/uuid"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/opst/caf/pkg/backend"
	"github.com/opst/caf/pkg/backend/local"
	"github.com/opst/caf/pkg/buildtime"
	xe "github.com/opst/caf/pkg/errors"
	"github.com/opst/caf/pkg/utils/retry"
	"github.com/opst/caf/pkg/workloads/k8s"
)

const (
	// ContainerName is the name of the container running a collector.
	ContainerName = "collector"

	// LabelJob is set on Jobs and their pods.
	LabelJob = "caf.opst.github.io/job"

	// ArgImage in backend args overrides the image.
	ArgImage = "image"

	// ArgQueue in backend args is used as the priority class of pods.
	ArgQueue = "queue"

	volumeName = "caf-results"
)

// Config of the backend.
type Config struct {
	// Image is the default container image.
	Image string

	// ClaimName is the PVC where working and output directories are.
	ClaimName string

	// MountPath is where the PVC is mounted. Directories of jobs should be under it.
	MountPath string

	// ServiceAccount of pods. Optional.
	ServiceAccount string

	// PollInterval is the interval of watching Jobs in Join. Default is 5 seconds.
	PollInterval time.Duration
}

// Kubernetes is a batch backend.
type Kubernetes struct {
	cluster k8s.Cluster
	conf    Config
	logger  *log.Logger

	mu   sync.Mutex
	jobs map[string]k8s.Job
}

var _ backend.Backend = &Kubernetes{}

// New creates a backend on the cluster.
func New(cluster k8s.Cluster, conf Config, logger *log.Logger) (*Kubernetes, error) {
	if err := validateImage(conf.Image); err != nil {
		return nil, err
	}
	if conf.ClaimName == "" || conf.MountPath == "" {
		return nil, xe.New("claim name and mount path are required")
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Kubernetes{cluster: cluster, conf: conf, logger: logger, jobs: map[string]k8s.Job{}}, nil
}

func validateImage(image string) error {
	if image == "" {
		return xe.New("image is required")
	}
	if _, err := name.NewTag(image, name.WithDefaultRegistry("")); err != nil {
		return xe.WrapWithNote(fmt.Sprintf("image %q", image), err)
	}
	return nil
}

var reNotInName = regexp.MustCompile(`[^a-z0-9-]+`)

// jobName makes a Kubernetes resource name for a unit.
func jobName(unit string) string {
	n := reNotInName.ReplaceAllString(strings.ToLower(unit), "-")
	n = strings.Trim(n, "-")
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	if limit := 63 - len(suffix) - 1; limit < len(n) {
		n = strings.TrimRight(n[:limit], "-")
	}
	if n == "" {
		return "caf-" + suffix
	}
	return n + "-" + suffix
}

func (k *Kubernetes) underMount(path string) bool {
	rel, err := filepath.Rel(k.conf.MountPath, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Spec builds the Kubernetes Job for a unit.
func (k *Kubernetes) Spec(job *backend.Job, unit *backend.SubJob) (*kubebatch.Job, error) {
	image := k.conf.Image
	if i, ok := job.BackendArgs[ArgImage]; ok && i != "" {
		if err := validateImage(i); err != nil {
			return nil, err
		}
		image = i
	}
	if !k.underMount(unit.WorkingDir) || !k.underMount(unit.OutputDir) {
		return nil, fmt.Errorf("directories of %s are not under %s", unit, k.conf.MountPath)
	}

	labels := map[string]string{LabelJob: jobName(unit.Name)}
	meta := map[string]string{
		LabelJob:                       labels[LabelJob],
		"app.kubernetes.io/managed-by": "caf",
		"app.kubernetes.io/version":    buildtime.Version(),
	}
	zero := int32(0)
	spec := &kubebatch.Job{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name:   labels[LabelJob],
			Labels: meta,
		},
		Spec: kubebatch.JobSpec{
			BackoffLimit: &zero,
			Template: kubecore.PodTemplateSpec{
				ObjectMeta: kubeapimeta.ObjectMeta{Labels: labels},
				Spec: kubecore.PodSpec{
					RestartPolicy:      kubecore.RestartPolicyNever,
					ServiceAccountName: k.conf.ServiceAccount,
					PriorityClassName:  job.BackendArgs[ArgQueue],
					Containers: []kubecore.Container{
						{
							Name:       ContainerName,
							Image:      image,
							Command:    local.CommandLine(job),
							WorkingDir: unit.WorkingDir,
							Env: []kubecore.EnvVar{
								{Name: "CAF_JOB_NAME", Value: unit.Name},
							},
							VolumeMounts: []kubecore.VolumeMount{
								{Name: volumeName, MountPath: k.conf.MountPath},
							},
						},
					},
					Volumes: []kubecore.Volume{
						{
							Name: volumeName,
							VolumeSource: kubecore.VolumeSource{
								PersistentVolumeClaim: &kubecore.PersistentVolumeClaimVolumeSource{
									ClaimName: k.conf.ClaimName,
								},
							},
						},
					},
				},
			},
		},
	}
	return spec, nil
}

func (k *Kubernetes) Submit(ctx context.Context, job *backend.Job) (backend.Result, error) {
	if len(job.Cmd) == 0 {
		return nil, xe.New("empty command")
	}
	specs := map[*backend.SubJob]*kubebatch.Job{}
	units, err := backend.StartSubmission(job)
	if err != nil {
		return nil, err
	}
	for _, u := range units {
		spec, err := k.Spec(job, u)
		if err != nil {
			return nil, err
		}
		specs[u] = spec
	}

	r := &result{backend: k, job: job, names: map[*backend.SubJob]string{}}
	for _, u := range units {
		created := <-k.cluster.NewJob(ctx, retry.StaticBackoff(time.Second), specs[u])
		if created.Err != nil {
			job.SetStatus(u, backend.Failed)
			k.logger.Printf("failed to create a job for %s: %v", u, created.Err)
			continue
		}
		k.mu.Lock()
		k.jobs[created.Value.Name()] = created.Value
		k.mu.Unlock()
		r.names[u] = created.Value.Name()
		k.logger.Printf("%s is submitted as job %s/%s", u, created.Value.Namespace(), created.Value.Name())
	}
	return r, nil
}

// Join waits every job created by this backend to finish, and deletes them.
func (k *Kubernetes) Join(ctx context.Context) error {
	k.mu.Lock()
	names := make([]string, 0, len(k.jobs))
	for n := range k.jobs {
		names = append(names, n)
	}
	k.mu.Unlock()

	for _, n := range names {
		got := <-k.cluster.GetJob(ctx, retry.StaticBackoff(k.conf.PollInterval), n, k8s.JobHasFinished)
		if got.Err != nil && !k8s.AsMissing(got.Err) {
			return got.Err
		}
		k.mu.Lock()
		j := k.jobs[n]
		delete(k.jobs, n)
		k.mu.Unlock()
		if err := j.Close(); err != nil {
			k.logger.Printf("failed to delete job %s: %v", n, err)
		}
	}
	return nil
}

type result struct {
	backend *Kubernetes
	job     *backend.Job
	names   map[*backend.SubJob]string
}

func toStatus(s k8s.JobStatus) backend.Status {
	switch s {
	case k8s.Running:
		return backend.Running
	case k8s.Succeeded:
		return backend.Completed
	case k8s.Failed:
		return backend.Failed
	default:
		return backend.Submitted
	}
}

// Ready refreshes statuses of Jobs not exited yet.
func (r *result) Ready(ctx context.Context) bool {
	for unit, n := range r.names {
		if r.job.StatusOf(unit).Exited() {
			continue
		}
		got := <-r.backend.cluster.GetJob(ctx, retry.StaticBackoff(0), n)
		if got.Err != nil {
			if k8s.AsMissing(got.Err) {
				r.backend.logger.Printf("job %s of %s has gone", n, unit)
				r.job.SetStatus(unit, backend.Failed)
			}
			continue
		}
		status := toStatus(got.Value.Status())
		if status.Exited() {
			r.saveLog(ctx, got.Value, unit)
		}
		r.job.SetStatus(unit, status)
	}
	return r.job.Status().Exited()
}

func (r *result) saveLog(ctx context.Context, j k8s.Job, unit *backend.SubJob) {
	stream, err := j.Log(ctx, ContainerName)
	if err != nil {
		r.backend.logger.Printf("no logs of %s: %v", unit, err)
		return
	}
	defer stream.Close()
	f, err := os.Create(filepath.Join(unit.WorkingDir, local.StdoutFile))
	if err != nil {
		r.backend.logger.Printf("cannot save logs of %s: %v", unit, err)
		return
	}
	defer f.Close()
	if _, err := io.Copy(f, stream); err != nil {
		r.backend.logger.Printf("cannot save logs of %s: %v", unit, err)
	}
}

func (r *result) PostProcess() error {
	return backend.PostProcess(r.job)
}
