package caf

import (
	"maps"
	"slices"
	"time"

	"github.com/opst/caf/pkg/algorithm"
	"github.com/opst/caf/pkg/iov"
)

// Config of a CAF run.
//
// To get a Config instance, use `Unmarshal`, `Load` or `TrySeal(*ConfigMarshall)`.
type Config struct {
	outputDir         string
	heartbeat         time.Duration
	continueOnFailure bool
	defaults          *DefaultsConfig
	backend           *BackendConfig
	status            *StatusConfig
	recorder          *RecorderConfig
	hooks             *HooksConfig
	calibrations      []*CalibrationConfig
}

// Root of outputs. default = "calibration_results"
func (c *Config) OutputDir() string {
	return c.outputDir
}

// Interval of polls. default = 5s
func (c *Config) Heartbeat() time.Duration {
	return c.heartbeat
}

func (c *Config) ContinueOnFailure() bool {
	return c.continueOnFailure
}

func (c *Config) Defaults() *DefaultsConfig {
	return c.defaults
}

func (c *Config) Backend() *BackendConfig {
	return c.backend
}

// Status API. nil if not configured.
func (c *Config) Status() *StatusConfig {
	return c.status
}

// Recorder. nil if not configured.
func (c *Config) Recorder() *RecorderConfig {
	return c.recorder
}

// Hooks. nil if not configured.
func (c *Config) Hooks() *HooksConfig {
	return c.hooks
}

func (c *Config) Calibrations() []*CalibrationConfig {
	return slices.Clone(c.calibrations)
}

type DefaultsConfig struct {
	maxIterations int
	globalTag     string
}

func (d *DefaultsConfig) MaxIterations() int {
	return d.maxIterations
}

func (d *DefaultsConfig) GlobalTag() string {
	return d.globalTag
}

// Backend of collector jobs. Exactly one of Local or Kubernetes is not nil.
type BackendConfig struct {
	local      *LocalBackendConfig
	kubernetes *KubernetesBackendConfig
}

func (b *BackendConfig) Local() *LocalBackendConfig {
	return b.local
}

func (b *BackendConfig) Kubernetes() *KubernetesBackendConfig {
	return b.kubernetes
}

type LocalBackendConfig struct {
	maxProcesses int
}

func (l *LocalBackendConfig) MaxProcesses() int {
	return l.maxProcesses
}

type KubernetesBackendConfig struct {
	namespace      string
	image          string
	claimName      string
	mountPath      string
	serviceAccount string
	kubeconfig     string
}

func (k *KubernetesBackendConfig) Namespace() string {
	return k.namespace
}

// Default image of collector pods.
func (k *KubernetesBackendConfig) Image() string {
	return k.image
}

// PVC holding the output directory.
func (k *KubernetesBackendConfig) ClaimName() string {
	return k.claimName
}

func (k *KubernetesBackendConfig) MountPath() string {
	return k.mountPath
}

func (k *KubernetesBackendConfig) ServiceAccount() string {
	return k.serviceAccount
}

// Path to kubeconfig. Empty means in-cluster config.
func (k *KubernetesBackendConfig) Kubeconfig() string {
	return k.kubeconfig
}

type StatusConfig struct {
	address  string
	logLevel string
}

func (s *StatusConfig) Address() string {
	return s.address
}

func (s *StatusConfig) LogLevel() string {
	return s.logLevel
}

type RecorderConfig struct {
	postgres string
}

// Connection string of PostgreSQL.
func (r *RecorderConfig) Postgres() string {
	return r.postgres
}

type HooksConfig struct {
	before     []string
	after      []string
	signingKey string
}

func (h *HooksConfig) Before() []string {
	return slices.Clone(h.before)
}

func (h *HooksConfig) After() []string {
	return slices.Clone(h.after)
}

// Key signing hook requests. Empty means unsigned.
func (h *HooksConfig) SigningKey() string {
	return h.signingKey
}

type ModuleConfig struct {
	name   string
	params map[string]any
}

func (m *ModuleConfig) Name() string {
	return m.name
}

func (m *ModuleConfig) Params() map[string]any {
	return maps.Clone(m.params)
}

type LocalDatabaseConfig struct {
	file string
	dir  string
}

// Path to database.txt.
func (l *LocalDatabaseConfig) File() string {
	return l.file
}

// Directory of payload blobs.
func (l *LocalDatabaseConfig) Dir() string {
	return l.dir
}

type DatabaseConfig struct {
	globalTag string
	local     []*LocalDatabaseConfig
}

// Global tag of the central database. Empty means no central database.
func (d *DatabaseConfig) GlobalTag() string {
	return d.globalTag
}

func (d *DatabaseConfig) Local() []*LocalDatabaseConfig {
	return slices.Clone(d.local)
}

type AlgorithmConfig struct {
	name      string
	collector string
	command   []string
	strategy  string
	params    algorithm.Params
}

func (a *AlgorithmConfig) Name() string {
	return a.name
}

// Collector whose output the algorithm reads. default = collector of the calibration
func (a *AlgorithmConfig) Collector() string {
	return a.collector
}

// Executable implementing the algorithm.
func (a *AlgorithmConfig) Command() []string {
	return slices.Clone(a.command)
}

// Strategy. Empty means the default.
func (a *AlgorithmConfig) Strategy() string {
	return a.strategy
}

func (a *AlgorithmConfig) Params() algorithm.Params {
	p := a.params
	p.Extra = maps.Clone(a.params.Extra)
	return p
}

type CalibrationConfig struct {
	name                    string
	collector               *ModuleConfig
	preCollector            []*ModuleConfig
	driver                  []string
	steeringFile            string
	inputFiles              []string
	filesToIoVs             map[string]iov.IoV
	dependsOn               []string
	maxIterations           int
	maxFilesPerCollectorJob int
	outputPatterns          []string
	backendArgs             map[string]string
	database                *DatabaseConfig
	ignoredRuns             []iov.ExpRun
	algorithms              []*AlgorithmConfig
}

func (c *CalibrationConfig) Name() string {
	return c.name
}

func (c *CalibrationConfig) Collector() *ModuleConfig {
	return c.collector
}

func (c *CalibrationConfig) PreCollector() []*ModuleConfig {
	return slices.Clone(c.preCollector)
}

// Command running the collector. Empty means the default.
func (c *CalibrationConfig) Driver() []string {
	return slices.Clone(c.driver)
}

func (c *CalibrationConfig) SteeringFile() string {
	return c.steeringFile
}

func (c *CalibrationConfig) InputFiles() []string {
	return slices.Clone(c.inputFiles)
}

func (c *CalibrationConfig) FilesToIoVs() map[string]iov.IoV {
	return maps.Clone(c.filesToIoVs)
}

func (c *CalibrationConfig) DependsOn() []string {
	return slices.Clone(c.dependsOn)
}

// Max iterations. 0 means the CAF default.
func (c *CalibrationConfig) MaxIterations() int {
	return c.maxIterations
}

// default = -1 (all files in one job)
func (c *CalibrationConfig) MaxFilesPerCollectorJob() int {
	return c.maxFilesPerCollectorJob
}

// Empty means the default.
func (c *CalibrationConfig) OutputPatterns() []string {
	return slices.Clone(c.outputPatterns)
}

func (c *CalibrationConfig) BackendArgs() map[string]string {
	return maps.Clone(c.backendArgs)
}

// Database chain. nil means the default.
func (c *CalibrationConfig) Database() *DatabaseConfig {
	return c.database
}

func (c *CalibrationConfig) IgnoredRuns() []iov.ExpRun {
	return slices.Clone(c.ignoredRuns)
}

func (c *CalibrationConfig) Algorithms() []*AlgorithmConfig {
	return slices.Clone(c.algorithms)
}
