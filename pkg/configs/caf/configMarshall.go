package caf

import (
	"fmt"
	"time"

	"github.com/opst/caf/pkg/algorithm"
	"github.com/opst/caf/pkg/iov"
)

const (
	DefaultOutputDir     = "calibration_results"
	DefaultHeartbeat     = 5 * time.Second
	DefaultMaxIterations = 5
	DefaultGlobalTag     = "production"
	DefaultMaxProcesses  = 1
	DefaultStatusAddress = ":8080"
	DefaultLogLevel      = "info"
)

type Marshalled[S any] interface {
	trySeal(string) S
}

// seal marshalled object.
//
// this function CAN CAUSE PANIC if misconfiguration is found.
//
// All types named `pkg/configs/caf.XxxMarshall` are `Marshalled[*Xxx]` .
func TrySeal[S any](conf Marshalled[S]) S {
	return conf.trySeal("(root)")
}

type ConfigMarshall struct {
	OutputDir         string                      `yaml:"outputDir,omitempty"`
	Heartbeat         string                      `yaml:"heartbeat,omitempty"`
	ContinueOnFailure bool                        `yaml:"continueOnFailure,omitempty"`
	Defaults          *DefaultsConfigMarshall     `yaml:"defaults,omitempty"`
	Backend           *BackendConfigMarshall      `yaml:"backend,omitempty"`
	Status            *StatusConfigMarshall       `yaml:"status,omitempty"`
	Recorder          *RecorderConfigMarshall     `yaml:"recorder,omitempty"`
	Hooks             *HooksConfigMarshall        `yaml:"hooks,omitempty"`
	Calibrations      []*CalibrationConfigMarshall `yaml:"calibrations"`
}

var _ Marshalled[*Config] = &ConfigMarshall{}

func (c *ConfigMarshall) trySeal(path string) *Config {
	outputDir := c.OutputDir
	if outputDir == "" {
		outputDir = DefaultOutputDir
	}

	heartbeat := DefaultHeartbeat
	if c.Heartbeat != "" {
		heartbeat = duration(c.Heartbeat, path+".heartbeat")
	}

	defaults := c.Defaults
	if defaults == nil {
		defaults = &DefaultsConfigMarshall{}
	}
	backend := c.Backend
	if backend == nil {
		backend = &BackendConfigMarshall{}
	}

	calibrations := make([]*CalibrationConfig, 0, len(c.Calibrations))
	names := map[string]struct{}{}
	for i, cm := range nonempty(c.Calibrations, path+".calibrations") {
		p := fmt.Sprintf("%s.calibrations[%d]", path, i)
		cal := nonnil(cm, p).trySeal(p)
		if _, ok := names[cal.name]; ok {
			panic(fmt.Sprintf("%s.name: calibration %s is duplicated", p, cal.name))
		}
		names[cal.name] = struct{}{}
		calibrations = append(calibrations, cal)
	}

	ret := &Config{
		outputDir:         outputDir,
		heartbeat:         heartbeat,
		continueOnFailure: c.ContinueOnFailure,
		defaults:          defaults.trySeal(path + ".defaults"),
		backend:           backend.trySeal(path + ".backend"),
		calibrations:      calibrations,
	}
	if c.Status != nil {
		ret.status = c.Status.trySeal(path + ".status")
	}
	if c.Recorder != nil {
		ret.recorder = c.Recorder.trySeal(path + ".recorder")
	}
	if c.Hooks != nil {
		ret.hooks = c.Hooks.trySeal(path + ".hooks")
	}
	return ret
}

type DefaultsConfigMarshall struct {
	MaxIterations int    `yaml:"maxIterations,omitempty"`
	GlobalTag     string `yaml:"globalTag,omitempty"`
}

func (d *DefaultsConfigMarshall) trySeal(path string) *DefaultsConfig {
	maxIterations := d.MaxIterations
	if maxIterations == 0 {
		maxIterations = DefaultMaxIterations
	}
	globalTag := d.GlobalTag
	if globalTag == "" {
		globalTag = DefaultGlobalTag
	}
	return &DefaultsConfig{
		maxIterations: positive(maxIterations, path+".maxIterations"),
		globalTag:     globalTag,
	}
}

type BackendConfigMarshall struct {
	Local      *LocalBackendConfigMarshall      `yaml:"local,omitempty"`
	Kubernetes *KubernetesBackendConfigMarshall `yaml:"kubernetes,omitempty"`
}

func (b *BackendConfigMarshall) trySeal(path string) *BackendConfig {
	switch {
	case b.Local != nil && b.Kubernetes != nil:
		panic(path + ": only one of local or kubernetes can be set")
	case b.Kubernetes != nil:
		return &BackendConfig{kubernetes: b.Kubernetes.trySeal(path + ".kubernetes")}
	case b.Local != nil:
		return &BackendConfig{local: b.Local.trySeal(path + ".local")}
	default:
		return &BackendConfig{local: &LocalBackendConfig{maxProcesses: DefaultMaxProcesses}}
	}
}

type LocalBackendConfigMarshall struct {
	MaxProcesses int `yaml:"maxProcesses,omitempty"`
}

func (l *LocalBackendConfigMarshall) trySeal(path string) *LocalBackendConfig {
	n := l.MaxProcesses
	if n == 0 {
		n = DefaultMaxProcesses
	}
	return &LocalBackendConfig{maxProcesses: positive(n, path+".maxProcesses")}
}

type KubernetesBackendConfigMarshall struct {
	Namespace      string `yaml:"namespace"`
	Image          string `yaml:"image"`
	ClaimName      string `yaml:"claimName"`
	MountPath      string `yaml:"mountPath"`
	ServiceAccount string `yaml:"serviceAccount,omitempty"`
	Kubeconfig     string `yaml:"kubeconfig,omitempty"`
}

func (k *KubernetesBackendConfigMarshall) trySeal(path string) *KubernetesBackendConfig {
	return &KubernetesBackendConfig{
		namespace:      required(k.Namespace, path+".namespace"),
		image:          required(k.Image, path+".image"),
		claimName:      required(k.ClaimName, path+".claimName"),
		mountPath:      required(k.MountPath, path+".mountPath"),
		serviceAccount: k.ServiceAccount,
		kubeconfig:     k.Kubeconfig,
	}
}

type StatusConfigMarshall struct {
	Address  string `yaml:"address,omitempty"`
	LogLevel string `yaml:"logLevel,omitempty"`
}

func (s *StatusConfigMarshall) trySeal(path string) *StatusConfig {
	address := s.Address
	if address == "" {
		address = DefaultStatusAddress
	}
	level := s.LogLevel
	if level == "" {
		level = DefaultLogLevel
	}
	return &StatusConfig{address: address, logLevel: level}
}

type RecorderConfigMarshall struct {
	Postgres string `yaml:"postgres"`
}

func (r *RecorderConfigMarshall) trySeal(path string) *RecorderConfig {
	return &RecorderConfig{postgres: required(r.Postgres, path+".postgres")}
}

type HooksConfigMarshall struct {
	Before     []string `yaml:"before,omitempty"`
	After      []string `yaml:"after,omitempty"`
	SigningKey string   `yaml:"signingKey,omitempty"`
}

func (h *HooksConfigMarshall) trySeal(path string) *HooksConfig {
	return &HooksConfig{
		before:     nonNilSlice(h.Before),
		after:      nonNilSlice(h.After),
		signingKey: h.SigningKey,
	}
}

type ModuleConfigMarshall struct {
	Name   string         `yaml:"name"`
	Params map[string]any `yaml:"params,omitempty"`
}

func (m *ModuleConfigMarshall) trySeal(path string) *ModuleConfig {
	params := m.Params
	if params == nil {
		params = map[string]any{}
	}
	return &ModuleConfig{name: required(m.Name, path+".name"), params: params}
}

type LocalDatabaseConfigMarshall struct {
	File string `yaml:"file"`
	Dir  string `yaml:"dir"`
}

func (l *LocalDatabaseConfigMarshall) trySeal(path string) *LocalDatabaseConfig {
	return &LocalDatabaseConfig{
		file: required(l.File, path+".file"),
		dir:  required(l.Dir, path+".dir"),
	}
}

type DatabaseConfigMarshall struct {
	GlobalTag string                         `yaml:"globalTag,omitempty"`
	Local     []*LocalDatabaseConfigMarshall `yaml:"local,omitempty"`
}

func (d *DatabaseConfigMarshall) trySeal(path string) *DatabaseConfig {
	local := make([]*LocalDatabaseConfig, 0, len(d.Local))
	for i, l := range d.Local {
		p := fmt.Sprintf("%s.local[%d]", path, i)
		local = append(local, nonnil(l, p).trySeal(p))
	}
	return &DatabaseConfig{globalTag: d.GlobalTag, local: local}
}

type ParamsConfigMarshall struct {
	StepSize    int               `yaml:"stepSize,omitempty"`
	IoVCoverage string            `yaml:"iovCoverage,omitempty"`
	ApplyIoV    string            `yaml:"applyIoV,omitempty"`
	Extra       map[string]string `yaml:"extra,omitempty"`
}

func (p *ParamsConfigMarshall) trySeal(path string) algorithm.Params {
	ret := algorithm.Params{StepSize: p.StepSize, Extra: map[string]string{}}
	if p.StepSize < 0 {
		panic(path + ".stepSize should not be negative")
	}
	if p.IoVCoverage != "" {
		i := parseIoV(p.IoVCoverage, path+".iovCoverage")
		ret.IoVCoverage = &i
	}
	if p.ApplyIoV != "" {
		i := parseIoV(p.ApplyIoV, path+".applyIoV")
		ret.ApplyIoV = &i
	}
	for k, v := range p.Extra {
		ret.Extra[k] = v
	}
	return ret
}

type AlgorithmConfigMarshall struct {
	Name      string                `yaml:"name"`
	Collector string                `yaml:"collector,omitempty"`
	Command   []string              `yaml:"command"`
	Strategy  string                `yaml:"strategy,omitempty"`
	Params    *ParamsConfigMarshall `yaml:"params,omitempty"`
}

func (a *AlgorithmConfigMarshall) trySeal(path string, collector string) *AlgorithmConfig {
	params := a.Params
	if params == nil {
		params = &ParamsConfigMarshall{}
	}
	c := a.Collector
	if c == "" {
		c = collector
	}
	return &AlgorithmConfig{
		name:      required(a.Name, path+".name"),
		collector: c,
		command:   nonempty(a.Command, path+".command"),
		strategy:  a.Strategy,
		params:    params.trySeal(path + ".params"),
	}
}

type CalibrationConfigMarshall struct {
	Name                    string                     `yaml:"name"`
	Collector               *ModuleConfigMarshall      `yaml:"collector"`
	PreCollector            []*ModuleConfigMarshall    `yaml:"preCollector,omitempty"`
	Driver                  []string                   `yaml:"driver,omitempty"`
	SteeringFile            string                     `yaml:"steeringFile,omitempty"`
	InputFiles              []string                   `yaml:"inputFiles"`
	FilesToIoVs             map[string]string          `yaml:"filesToIoVs,omitempty"`
	DependsOn               []string                   `yaml:"dependsOn,omitempty"`
	MaxIterations           int                        `yaml:"maxIterations,omitempty"`
	MaxFilesPerCollectorJob *int                       `yaml:"maxFilesPerCollectorJob,omitempty"`
	OutputPatterns          []string                   `yaml:"outputPatterns,omitempty"`
	BackendArgs             map[string]string          `yaml:"backendArgs,omitempty"`
	Database                *DatabaseConfigMarshall    `yaml:"database,omitempty"`
	IgnoredRuns             []string                   `yaml:"ignoredRuns,omitempty"`
	Algorithms              []*AlgorithmConfigMarshall `yaml:"algorithms"`
}

func (c *CalibrationConfigMarshall) trySeal(path string) *CalibrationConfig {
	collector := nonnil(c.Collector, path+".collector").trySeal(path + ".collector")

	pre := make([]*ModuleConfig, 0, len(c.PreCollector))
	for i, m := range c.PreCollector {
		p := fmt.Sprintf("%s.preCollector[%d]", path, i)
		pre = append(pre, nonnil(m, p).trySeal(p))
	}

	files := map[string]iov.IoV{}
	for f, s := range c.FilesToIoVs {
		files[f] = parseIoV(s, fmt.Sprintf("%s.filesToIoVs[%s]", path, f))
	}

	maxFiles := -1
	if c.MaxFilesPerCollectorJob != nil {
		maxFiles = *c.MaxFilesPerCollectorJob
		if maxFiles == 0 || maxFiles < -1 {
			panic(path + ".maxFilesPerCollectorJob should be positive or -1")
		}
	}

	if c.MaxIterations < 0 {
		panic(path + ".maxIterations should not be negative")
	}

	ignored := make([]iov.ExpRun, 0, len(c.IgnoredRuns))
	for i, s := range c.IgnoredRuns {
		er, err := iov.ParseExpRun(s)
		if err != nil {
			panic(fmt.Errorf("%s.ignoredRuns[%d] can not be parsed: %w", path, i, err))
		}
		ignored = append(ignored, er)
	}

	algorithms := make([]*AlgorithmConfig, 0, len(c.Algorithms))
	for i, a := range nonempty(c.Algorithms, path+".algorithms") {
		p := fmt.Sprintf("%s.algorithms[%d]", path, i)
		algorithms = append(algorithms, nonnil(a, p).trySeal(p, collector.name))
	}

	ret := &CalibrationConfig{
		name:                    required(c.Name, path+".name"),
		collector:               collector,
		preCollector:            pre,
		driver:                  nonNilSlice(c.Driver),
		steeringFile:            c.SteeringFile,
		inputFiles:              nonempty(c.InputFiles, path+".inputFiles"),
		filesToIoVs:             files,
		dependsOn:               nonNilSlice(c.DependsOn),
		maxIterations:           c.MaxIterations,
		maxFilesPerCollectorJob: maxFiles,
		outputPatterns:          nonNilSlice(c.OutputPatterns),
		backendArgs:             map[string]string{},
		algorithms:              algorithms,
		ignoredRuns:             ignored,
	}
	for k, v := range c.BackendArgs {
		ret.backendArgs[k] = v
	}
	if c.Database != nil {
		ret.database = c.Database.trySeal(path + ".database")
	}
	return ret
}

func parseIoV(s string, path string) iov.IoV {
	i, err := iov.Parse(s)
	if err != nil {
		panic(fmt.Errorf("%s can not be parsed: %w", path, err))
	}
	return i
}

func duration(s string, path string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Errorf("%s can not be parsed: %w", path, err))
	}
	if d <= 0 {
		panic(path + " should be positive")
	}
	return d
}

func nonnil[T any](v *T, path string) *T {
	if v == nil {
		panic(path + " is required")
	}
	return v
}

func required[T comparable](v T, path string) T {
	if v == *new(T) {
		panic(path + " is required")
	}
	return v
}

func nonempty[T any](v []T, path string) []T {
	if len(v) == 0 {
		panic(path + " is required")
	}
	return v
}

func positive(v int, path string) int {
	if v <= 0 {
		panic(path + " should be positive")
	}
	return v
}

func nonNilSlice[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
