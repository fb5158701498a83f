package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dlsched/pkg/admission"
	"dlsched/pkg/est"
	"dlsched/pkg/workload"
)

const (
	envCPUs              = "DLSIM_CPUS"
	envTick              = "DLSIM_TICK"
	envHTTPBind          = "HTTP_ADDR"
	envLockPath          = "DLSIM_LOCK_PATH"
	envCompartmentID     = "OCI_COMPARTMENT_ID"
	envAdvisorInterval   = "DLSIM_ADVISOR_INTERVAL"
	envAdvisorStaticP95  = "DLSIM_ADVISOR_STATIC_P95"
	envEstimatorInterval = "DLSIM_ESTIMATOR_INTERVAL"
	envWorkerCount       = "DLSIM_WORKER_COUNT"

	defaultTick     = time.Millisecond
	defaultHTTPBind = ":9108"
	defaultLockPath = "/var/run/dlsim.lock"
)

type runtimeConfig struct {
	Scheduler schedulerConfig
	Tasks     []taskConfig
	Estimator estimatorConfig
	Advisor   advisorConfig
	Workload  workloadConfig
	HTTP      httpConfig
	Lock      lockConfig
}

type schedulerConfig struct {
	CPUs int
	Tick time.Duration
}

type taskConfig struct {
	Name     string
	Runtime  time.Duration
	Deadline time.Duration
	Period   time.Duration
	// Demand is the CPU time the task actually consumes per release; zero
	// means it hogs the CPU and relies on CBS confinement.
	Demand time.Duration
	// CPUs is the task's affinity cardinality; zero defaults to all CPUs.
	CPUs int
}

type estimatorConfig struct {
	Interval time.Duration
}

type advisorConfig struct {
	CompartmentID string
	Interval      time.Duration
	Last7d        bool
	// StaticP95, when positive, replaces the Monitoring query with a fixed
	// utilisation ratio so the advisor can run without tenancy access.
	StaticP95 float64
}

type workloadConfig struct {
	Workers int
	Quantum time.Duration
}

type httpConfig struct {
	Bind string
}

type lockConfig struct {
	Path string
}

// duration decodes YAML duration strings ("4ms", "90s") into a
// time.Duration, which yaml.v3 does not do natively.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string

	err := value.Decode(&raw)
	if err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}

	*d = duration(parsed)

	return nil
}

type fileConfig struct {
	Scheduler schedulerFileConfig `yaml:"scheduler"`
	Tasks     []taskFileConfig    `yaml:"tasks"`
	Estimator estimatorFileConfig `yaml:"estimator"`
	Advisor   advisorFileConfig   `yaml:"advisor"`
	Workload  workloadFileConfig  `yaml:"workload"`
	HTTP      httpFileConfig      `yaml:"http"`
	Lock      lockFileConfig      `yaml:"lock"`
}

type schedulerFileConfig struct {
	CPUs *int      `yaml:"cpus"`
	Tick *duration `yaml:"tick"`
}

type taskFileConfig struct {
	Name     string    `yaml:"name"`
	Runtime  *duration `yaml:"runtime"`
	Deadline *duration `yaml:"deadline"`
	Period   *duration `yaml:"period"`
	Demand   *duration `yaml:"demand"`
	CPUs     *int      `yaml:"cpus"`
}

type estimatorFileConfig struct {
	Interval *duration `yaml:"interval"`
}

type advisorFileConfig struct {
	CompartmentID *string   `yaml:"compartmentId"`
	Interval      *duration `yaml:"interval"`
	Last7d        *bool     `yaml:"last7d"`
	StaticP95     *float64  `yaml:"staticP95"`
}

type workloadFileConfig struct {
	Workers *int      `yaml:"workers"`
	Quantum *duration `yaml:"quantum"`
}

type httpFileConfig struct {
	Bind *string `yaml:"bind"`
}

type lockFileConfig struct {
	Path *string `yaml:"path"`
}

var errTaskParameters = errors.New("task runtime, deadline, and period must be positive")

func defaultRuntimeConfig() runtimeConfig {
	var cfg runtimeConfig

	cfg.Scheduler.CPUs = runtime.NumCPU()
	if cfg.Scheduler.CPUs <= 0 {
		cfg.Scheduler.CPUs = 1
	}

	cfg.Scheduler.Tick = defaultTick

	cfg.Estimator.Interval = est.DefaultInterval
	cfg.Advisor.Interval = admission.DefaultInterval

	cfg.Workload.Workers = 0
	cfg.Workload.Quantum = workload.DefaultQuantum

	cfg.HTTP.Bind = defaultHTTPBind
	cfg.Lock.Path = defaultLockPath

	return cfg
}

func loadConfig(path string) (runtimeConfig, error) {
	cfg := defaultRuntimeConfig()

	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		applyEnvOverrides(&cfg)

		return cfg, validateConfig(cfg)
	}

	data, err := os.ReadFile(trimmed)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return runtimeConfig{}, fmt.Errorf("read config file %q: %w", trimmed, err)
		}
	} else {
		var fileCfg fileConfig

		err := yaml.Unmarshal(data, &fileCfg)
		if err != nil {
			return runtimeConfig{}, fmt.Errorf("decode config file %q: %w", trimmed, err)
		}

		mergeSchedulerConfig(&cfg.Scheduler, fileCfg.Scheduler)
		mergeTaskConfigs(&cfg.Tasks, fileCfg.Tasks)
		mergeEstimatorConfig(&cfg.Estimator, fileCfg.Estimator)
		mergeAdvisorConfig(&cfg.Advisor, fileCfg.Advisor)
		mergeWorkloadConfig(&cfg.Workload, fileCfg.Workload)
		mergeHTTPConfig(&cfg.HTTP, fileCfg.HTTP)
		mergeLockConfig(&cfg.Lock, fileCfg.Lock)
	}

	applyEnvOverrides(&cfg)

	return cfg, validateConfig(cfg)
}

func validateConfig(cfg runtimeConfig) error {
	for _, task := range cfg.Tasks {
		if task.Runtime <= 0 || task.Deadline <= 0 || task.Period <= 0 {
			return fmt.Errorf("%w: task %q", errTaskParameters, task.Name)
		}
	}

	return nil
}

func mergeSchedulerConfig(dst *schedulerConfig, src schedulerFileConfig) {
	assignInt(&dst.CPUs, src.CPUs)
	assignDuration(&dst.Tick, src.Tick)
}

func mergeTaskConfigs(dst *[]taskConfig, src []taskFileConfig) {
	for _, task := range src {
		merged := taskConfig{Name: strings.TrimSpace(task.Name)}
		assignDuration(&merged.Runtime, task.Runtime)
		assignDuration(&merged.Deadline, task.Deadline)
		assignDuration(&merged.Demand, task.Demand)
		assignDuration(&merged.Period, task.Period)
		assignInt(&merged.CPUs, task.CPUs)

		*dst = append(*dst, merged)
	}
}

func mergeEstimatorConfig(dst *estimatorConfig, src estimatorFileConfig) {
	assignDuration(&dst.Interval, src.Interval)
}

func mergeAdvisorConfig(dst *advisorConfig, src advisorFileConfig) {
	assignString(&dst.CompartmentID, src.CompartmentID)
	assignDuration(&dst.Interval, src.Interval)

	if src.Last7d != nil {
		dst.Last7d = *src.Last7d
	}

	if src.StaticP95 != nil {
		dst.StaticP95 = *src.StaticP95
	}
}

func mergeWorkloadConfig(dst *workloadConfig, src workloadFileConfig) {
	assignInt(&dst.Workers, src.Workers)
	assignDuration(&dst.Quantum, src.Quantum)
}

func mergeHTTPConfig(dst *httpConfig, src httpFileConfig) {
	assignString(&dst.Bind, src.Bind)
}

func mergeLockConfig(dst *lockConfig, src lockFileConfig) {
	assignString(&dst.Path, src.Path)
}

func applyEnvOverrides(cfg *runtimeConfig) {
	cfg.Scheduler.CPUs = envInt(envCPUs, cfg.Scheduler.CPUs)
	cfg.Scheduler.Tick = envDuration(envTick, cfg.Scheduler.Tick)
	cfg.HTTP.Bind = envString(envHTTPBind, cfg.HTTP.Bind)
	cfg.Lock.Path = envString(envLockPath, cfg.Lock.Path)
	cfg.Advisor.CompartmentID = envString(envCompartmentID, cfg.Advisor.CompartmentID)
	cfg.Advisor.Interval = envDuration(envAdvisorInterval, cfg.Advisor.Interval)
	cfg.Advisor.StaticP95 = envFloat(envAdvisorStaticP95, cfg.Advisor.StaticP95)
	cfg.Estimator.Interval = envDuration(envEstimatorInterval, cfg.Estimator.Interval)
	cfg.Workload.Workers = envInt(envWorkerCount, cfg.Workload.Workers)

	if cfg.Scheduler.CPUs <= 0 {
		cfg.Scheduler.CPUs = 1
	}

	if cfg.Scheduler.Tick <= 0 {
		cfg.Scheduler.Tick = defaultTick
	}

	if cfg.Estimator.Interval <= 0 {
		cfg.Estimator.Interval = est.DefaultInterval
	}

	if cfg.Advisor.Interval <= 0 {
		cfg.Advisor.Interval = admission.DefaultInterval
	}

	if cfg.Workload.Quantum <= 0 {
		cfg.Workload.Quantum = workload.DefaultQuantum
	}
}

var lookupEnv = os.LookupEnv //nolint:gochecknoglobals // overridden in tests

func assignDuration(target *time.Duration, value *duration) {
	if value != nil {
		*target = time.Duration(*value)
	}
}

func assignInt(target *int, value *int) {
	if value != nil {
		*target = *value
	}
}

func assignString(target *string, value *string) {
	if value != nil {
		*target = strings.TrimSpace(*value)
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value, ok := lookupEnv(key)
	if !ok {
		return fallback
	}

	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}

	duration, err := time.ParseDuration(trimmed)
	if err != nil {
		return fallback
	}

	return duration
}

func envFloat(key string, fallback float64) float64 {
	value, ok := lookupEnv(key)
	if !ok {
		return fallback
	}

	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}

	parsed, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return fallback
	}

	return parsed
}

func envInt(key string, fallback int) int {
	value, ok := lookupEnv(key)
	if !ok {
		return fallback
	}

	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(trimmed)
	if err != nil || parsed <= 0 {
		return fallback
	}

	return parsed
}

func envString(key, fallback string) string {
	value, ok := lookupEnv(key)
	if !ok {
		return fallback
	}

	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}

	return trimmed
}
