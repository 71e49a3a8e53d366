// Package builder makes a CAF from its config.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"

	"github.com/opst/caf/pkg/algorithm"
	"github.com/opst/caf/pkg/algorithm/command"
	"github.com/opst/caf/pkg/backend"
	"github.com/opst/caf/pkg/backend/kubernetes"
	"github.com/opst/caf/pkg/backend/local"
	"github.com/opst/caf/pkg/caf"
	"github.com/opst/caf/pkg/calibration"
	configs "github.com/opst/caf/pkg/configs/caf"
	xe "github.com/opst/caf/pkg/errors"
	"github.com/opst/caf/pkg/hook"
	"github.com/opst/caf/pkg/recorder"
	"github.com/opst/caf/pkg/recorder/postgres"
	"github.com/opst/caf/pkg/strategy"
	"github.com/opst/caf/pkg/strategy/efficiency"
	"github.com/opst/caf/pkg/workloads/k8s"
)

var ErrInvalidHook = errors.New("invalid hook url")

// Built is a CAF ready to run.
type Built struct {
	CAF *caf.CAF

	// Recorder of transitions. nil if not configured.
	Recorder *recorder.Recorder

	// Status server config. nil if not configured.
	Status *configs.StatusConfig

	closers []func()
}

// Close releases connections opened by Build.
func (b *Built) Close() {
	for i := len(b.closers) - 1; 0 <= i; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// Builder makes CAF from config.
type Builder struct {
	Logger *log.Logger

	// Cluster connects to the kubernetes cluster of the backend.
	Cluster func(*configs.KubernetesBackendConfig) (k8s.Cluster, error)

	// Store connects to the store of the recorder. Returned func closes the connection.
	Store func(ctx context.Context, connString string) (recorder.Store, func(), error)
}

func New(logger *log.Logger) *Builder {
	return &Builder{Logger: logger, Cluster: ConnectCluster, Store: ConnectStore}
}

// ConnectCluster connects to the namespace with the kubeconfig of the backend.
func ConnectCluster(conf *configs.KubernetesBackendConfig) (k8s.Cluster, error) {
	cs, err := k8s.ConnectToK8s(conf.Kubeconfig())
	if err != nil {
		return nil, err
	}
	return k8s.AttachCluster(k8s.WrapK8sClient(cs), conf.Namespace()), nil
}

// ConnectStore connects to postgres and migrates its schema.
func ConnectStore(ctx context.Context, connString string) (recorder.Store, func(), error) {
	store, closer, err := postgres.Connect(ctx, connString)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		closer()
		return nil, nil, err
	}
	return store, closer, nil
}

// Strategies are the builtin strategies and StripEfficiency.
func Strategies() strategy.Registry {
	r := strategy.Builtins()
	r[efficiency.Name] = efficiency.New
	return r
}

// Build a CAF with its backend, calibrations and observers.
//
// Built should be closed after use, even if CAF.Run fails.
func (b *Builder) Build(ctx context.Context, conf *configs.Config) (*Built, error) {
	c, err := b.CAF(conf)
	if err != nil {
		return nil, err
	}

	built := &Built{CAF: c, Status: conf.Status()}

	be, err := b.backend(conf.Backend())
	if err != nil {
		return nil, xe.WrapWithNote("backend", err)
	}
	c.Backend = be

	observers := calibration.Observers{}
	if rc := conf.Recorder(); rc != nil {
		store, closer, err := b.Store(ctx, rc.Postgres())
		if err != nil {
			return nil, xe.WrapWithNote("recorder", err)
		}
		built.closers = append(built.closers, closer)
		built.Recorder = recorder.New(store, b.Logger)
		observers = append(observers, built.Recorder)
	}
	if hc := conf.Hooks(); hc != nil {
		web, err := Webhook(hc)
		if err != nil {
			built.Close()
			return nil, err
		}
		observers = append(observers, hook.Observer(web, b.Logger))
	}
	if len(observers) != 0 {
		c.Observer = observers
	}
	return built, nil
}

// CAF makes a CAF with calibrations in conf, without backend and observers.
func (b *Builder) CAF(conf *configs.Config) (*caf.CAF, error) {
	c := caf.New()
	c.OutputDir = conf.OutputDir()
	c.Heartbeat = conf.Heartbeat()
	c.ContinueOnFailure = conf.ContinueOnFailure()
	c.MaxIterations = conf.Defaults().MaxIterations()
	c.GlobalTag = conf.Defaults().GlobalTag()
	c.Strategies = Strategies()
	c.Logger = b.Logger

	cals := map[string]*calibration.Calibration{}
	for _, cc := range conf.Calibrations() {
		cal, err := Calibration(cc)
		if err != nil {
			return nil, err
		}
		cals[cal.Name] = cal
	}

	for _, cc := range conf.Calibrations() {
		cal := cals[cc.Name()]
		for _, dep := range cc.DependsOn() {
			upstream, ok := cals[dep]
			if !ok {
				// CAF drops it with a warning.
				cal.Dependencies = append(cal.Dependencies, dep)
				continue
			}
			if err := cal.DependsOn(upstream); err != nil {
				return nil, xe.WrapWithNote(cc.Name(), err)
			}
		}
		if err := c.AddCalibration(cal); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Calibration makes a calibration whose algorithms are external commands.
func Calibration(cc *configs.CalibrationConfig) (*calibration.Calibration, error) {
	algorithms := []*algorithm.Algorithm{}
	for _, ac := range cc.Algorithms() {
		a := algorithm.New(ac.Name(), command.New(ac.Collector(), ac.Command()...))
		a.Params = ac.Params()
		a.Strategy = ac.Strategy()
		algorithms = append(algorithms, a)
	}

	m := cc.Collector()
	cal := calibration.New(
		cc.Name(),
		&calibration.Module{Name: m.Name(), Params: m.Params()},
		algorithms,
		cc.InputFiles(),
	)
	for _, pre := range cc.PreCollector() {
		cal.PreCollectorPath = append(
			cal.PreCollectorPath, calibration.Module{Name: pre.Name(), Params: pre.Params()},
		)
	}
	if d := cc.Driver(); len(d) != 0 {
		cal.Driver = d
	}
	if p := cc.OutputPatterns(); len(p) != 0 {
		cal.OutputPatterns = p
	}
	cal.SteeringFile = cc.SteeringFile()
	cal.MaxIterations = cc.MaxIterations()
	cal.MaxFilesPerCollectorJob = cc.MaxFilesPerCollectorJob()
	cal.BackendArgs = cc.BackendArgs()
	cal.IgnoredRuns = cc.IgnoredRuns()
	if f := cc.FilesToIoVs(); len(f) != 0 {
		cal.FilesToIoVs = f
	}

	if db := cc.Database(); db != nil {
		cal.ResetDatabase()
		if gt := db.GlobalTag(); gt != "" {
			cal.UseCentralDatabase(gt)
		}
		for _, l := range db.Local() {
			cal.UseLocalDatabase(l.File(), l.Dir())
		}
	}

	if err := cal.IsValid(); err != nil {
		return nil, xe.WrapWithNote(cc.Name(), err)
	}
	return cal, nil
}

func (b *Builder) backend(conf *configs.BackendConfig) (backend.Backend, error) {
	if kc := conf.Kubernetes(); kc != nil {
		cluster, err := b.Cluster(kc)
		if err != nil {
			return nil, err
		}
		k, err := kubernetes.New(cluster, kubernetes.Config{
			Image:          kc.Image(),
			ClaimName:      kc.ClaimName(),
			MountPath:      kc.MountPath(),
			ServiceAccount: kc.ServiceAccount(),
		}, b.Logger)
		if err != nil {
			return nil, err
		}
		return k, nil
	}

	max := configs.DefaultMaxProcesses
	if lc := conf.Local(); lc != nil {
		max = lc.MaxProcesses()
	}
	return local.New(max, b.Logger), nil
}

// Webhook sends transitions to urls in conf, signed if it has a signing key.
func Webhook(conf *configs.HooksConfig) (hook.Web[calibration.Transition], error) {
	w := hook.Web[calibration.Transition]{}

	parse := func(urls []string) ([]*url.URL, error) {
		ret := make([]*url.URL, 0, len(urls))
		for _, u := range urls {
			parsed, err := url.Parse(u)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrInvalidHook, u, err)
			}
			if parsed.Scheme != "http" && parsed.Scheme != "https" {
				return nil, fmt.Errorf("%w: %s: scheme should be http or https", ErrInvalidHook, u)
			}
			ret = append(ret, parsed)
		}
		return ret, nil
	}

	var err error
	if w.BeforeURL, err = parse(conf.Before()); err != nil {
		return w, err
	}
	if w.AfterURL, err = parse(conf.After()); err != nil {
		return w, err
	}
	if key := conf.SigningKey(); key != "" {
		w.Sign = hook.NewSigner([]byte(key)).Sign
	}
	return w, nil
}
