package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"dlsched/pkg/admission"
	"dlsched/pkg/dlclock"
	"dlsched/pkg/domain"
	"dlsched/pkg/est"
	metricshttp "dlsched/pkg/http/metrics"
	statushttp "dlsched/pkg/http/status"
	"dlsched/pkg/imds"
	"dlsched/pkg/oci"
	"dlsched/pkg/sched"
	"dlsched/pkg/stats"
	"dlsched/pkg/workload"
)

const (
	httpShutdownGrace    = 3 * time.Second
	statsPublishInterval = time.Second
	identityLookupGrace  = 3 * time.Second
)

// schedulerStatus adapts the live class (and optional advisor) to the status
// handler's Source interface.
type schedulerStatus struct {
	class   *sched.Class
	advisor *admission.Advisor
}

func (s *schedulerStatus) Snapshot() stats.Snapshot {
	return stats.Collect(s.class)
}

func (s *schedulerStatus) LastAdvisorError() error {
	if s.advisor == nil {
		return nil
	}

	return s.advisor.LastError()
}

// buildAdvisor constructs a standalone advisor over an empty domain, for the
// one-shot probe path where no scheduler is running: the comparison reduces
// to host headroom against the observed P95.
func buildAdvisor(
	cfg runtimeConfig,
	source admission.P95Source,
	resolver imds.Client,
	logger *zap.Logger,
) (*admission.Advisor, error) {
	return admission.New(admission.Deps{
		Source:   source,
		Resolver: resolver,
		Domain:   domain.New(cfg.Scheduler.CPUs),
		CPUs:     cfg.Scheduler.CPUs,
		Logger:   logger,
	}, admission.Config{Interval: cfg.Advisor.Interval, Last7d: cfg.Advisor.Last7d})
}

// runDaemon drives the deadline class over real time: configured tasks are
// installed into a simulator stepped by a wall-clock ticker, the optional
// workload executor burns matching host CPU, and the HTTP surface exposes
// status and metrics.
func runDaemon(ctx context.Context, cfg runtimeConfig, deps runDeps, logger *zap.Logger) int {
	lock := flock.New(cfg.Lock.Path)

	locked, err := lock.TryLock()
	if err != nil {
		logger.Error("failed to acquire run lock", zap.String("path", cfg.Lock.Path), zap.Error(err))

		return exitCodeRuntimeError
	}

	if !locked {
		logger.Error("run lock held elsewhere",
			zap.String("path", cfg.Lock.Path),
			zap.Error(errLockUnavailable),
		)

		return exitCodeRuntimeError
	}

	defer func() {
		_ = lock.Unlock()
	}()

	tick := dlclock.Duration(cfg.Scheduler.Tick)
	sim := sched.NewSimulator(cfg.Scheduler.CPUs, tick)

	simTasks := installTasks(sim, cfg)
	logger.Info("deadline class initialized",
		zap.Int("cpus", cfg.Scheduler.CPUs),
		zap.Int("tasks", len(simTasks)),
		zap.Float64("totalBw", sim.Class.Domain().TotalBW().Float64()),
	)

	exporter := metricshttp.NewExporter()
	monitor := startEstimator(ctx, cfg, exporter)

	meta := deps.newIMDS()
	logInstanceIdentity(ctx, meta, logger)

	advisor := startAdvisor(ctx, cfg, deps, sim, meta, monitor.Utilisation, exporter, logger)

	statusHandler := statushttp.NewHandler(&schedulerStatus{class: sim.Class, advisor: advisor})

	server := startHTTPServer(cfg.HTTP.Bind, exporter, statusHandler, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	startWorkload(ctx, cfg, sim, simTasks, exporter, logger)

	driveClass(ctx, cfg, sim, exporter)

	logger.Info("dlsim shutting down")

	return exitCodeSuccess
}

// installTasks admits every configured task, released immediately.
func installTasks(sim *sched.Simulator, cfg runtimeConfig) []*sched.SimTask {
	tasks := make([]*sched.SimTask, 0, len(cfg.Tasks))

	for _, task := range cfg.Tasks {
		affinity := task.CPUs
		if affinity <= 0 || affinity > cfg.Scheduler.CPUs {
			affinity = cfg.Scheduler.CPUs
		}

		w := sched.Workload{}
		if task.Demand > 0 {
			w.Demand = dlclock.Duration(task.Demand)
			w.ReleasePeriod = dlclock.Duration(task.Period)
		}

		tasks = append(tasks, sim.AddTask(
			dlclock.Duration(task.Runtime),
			dlclock.Duration(task.Deadline),
			dlclock.Duration(task.Period),
			0,
			affinity,
			0,
			0,
			w,
		))
	}

	return tasks
}

// advisorSource picks the advisor's P95 input: a static ratio when
// configured, else the tenancy Monitoring client scoped to the configured
// compartment, falling back to the compartment reported by instance
// metadata. Returns nil when neither is available.
func advisorSource(
	ctx context.Context,
	cfg runtimeConfig,
	deps runDeps,
	meta imds.Client,
	logger *zap.Logger,
) (admission.P95Source, error) {
	if cfg.Advisor.StaticP95 > 0 {
		return oci.NewStaticMetricsClient(float32(cfg.Advisor.StaticP95)), nil
	}

	compartment := cfg.Advisor.CompartmentID
	if compartment == "" {
		resolved, err := meta.CompartmentID(ctx)
		if err != nil {
			logger.Debug("compartment not resolvable from instance metadata", zap.Error(err))

			return nil, nil
		}

		compartment = resolved
	}

	if compartment == "" {
		return nil, nil
	}

	return deps.newP95Source(compartment)
}

func startAdvisor(
	ctx context.Context,
	cfg runtimeConfig,
	deps runDeps,
	sim *sched.Simulator,
	meta imds.Client,
	hostLoad func() (float64, bool),
	exporter *metricshttp.Exporter,
	logger *zap.Logger,
) *admission.Advisor {
	source, err := advisorSource(ctx, cfg, deps, meta, logger)
	if err != nil {
		logger.Warn("bandwidth advisor disabled", zap.Error(err))

		return nil
	}

	if source == nil {
		return nil
	}

	advisor, err := admission.New(admission.Deps{
		Source:   source,
		Resolver: meta,
		Domain:   sim.Class.Domain(),
		CPUs:     cfg.Scheduler.CPUs,
		Observer: exporter,
		Logger:   logger,
		HostLoad: hostLoad,
	}, admission.Config{Interval: cfg.Advisor.Interval, Last7d: cfg.Advisor.Last7d})
	if err != nil {
		logger.Warn("bandwidth advisor disabled", zap.Error(err))

		return nil
	}

	go func() {
		_ = advisor.Run(ctx)
	}()

	return advisor
}

// logInstanceIdentity records where the daemon believes it is running. Off
// OCI the lookup fails fast and the daemon carries on without it.
func logInstanceIdentity(ctx context.Context, meta imds.Client, logger *zap.Logger) {
	lookupCtx, cancel := context.WithTimeout(ctx, identityLookupGrace)
	defer cancel()

	region, err := meta.Region(lookupCtx)
	if err != nil {
		logger.Debug("instance metadata unavailable", zap.Error(err))

		return
	}

	instanceID, _ := meta.InstanceID(lookupCtx)
	logger.Info("instance identity",
		zap.String("region", region),
		zap.String("instanceId", instanceID),
	)
}

func startHTTPServer(
	bind string,
	exporter *metricshttp.Exporter,
	statusHandler *statushttp.Handler,
	logger *zap.Logger,
) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", exporter)
	mux.Handle("/healthz", statusHandler)

	server := &http.Server{
		Addr:              bind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
		}
	}()

	return server
}

// startEstimator begins background host-load sampling and returns the
// monitor so the advisor can read the cached utilisation for its drift log.
func startEstimator(
	ctx context.Context,
	cfg runtimeConfig,
	exporter *metricshttp.Exporter,
) *est.Monitor {
	monitor := est.NewMonitor(est.ProcStat{})

	go monitor.Run(ctx, cfg.Estimator.Interval, exporter.ObserveHostCPU)

	return monitor
}

// startWorkload attaches the duty-cycle executor to the first configured
// task so the simulated schedule produces real CPU consumption.
func startWorkload(
	ctx context.Context,
	cfg runtimeConfig,
	sim *sched.Simulator,
	tasks []*sched.SimTask,
	exporter *metricshttp.Exporter,
	logger *zap.Logger,
) {
	if cfg.Workload.Workers <= 0 || len(tasks) == 0 {
		return
	}

	backing := tasks[0].Task
	budget := func() (time.Duration, bool) {
		return sim.Class.TaskBudget(backing)
	}

	executor, err := workload.NewExecutor(cfg.Workload.Workers, cfg.Workload.Quantum, budget)
	if err != nil {
		logger.Warn("workload executor disabled", zap.Error(err))

		return
	}

	exporter.SetWorkerCount(executor.Workers())
	exporter.SetDutyCycle(executor.Quantum())
	executor.Start(ctx)
}

// driveClass paces the simulator against the wall clock, one tick per tick.
func driveClass(
	ctx context.Context,
	cfg runtimeConfig,
	sim *sched.Simulator,
	exporter *metricshttp.Exporter,
) {
	ticker := time.NewTicker(cfg.Scheduler.Tick)
	defer ticker.Stop()

	publish := time.NewTicker(statsPublishInterval)
	defer publish.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sim.RunFor(dlclock.Duration(cfg.Scheduler.Tick))
		case <-publish.C:
			exporter.SetScheduler(stats.Collect(sim.Class))
		}
	}
}
