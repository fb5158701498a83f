// Package main wires the dlsim CLI entrypoint: a deadline-scheduling daemon
// driving the EDF+CBS engine over real time, plus a deterministic scenario
// replay mode.
package main

//nolint:depguard // main wires project-internal modules and zap logging
import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"dlsched/internal/buildinfo"
	"dlsched/pkg/admission"
	"dlsched/pkg/imds"
	"dlsched/pkg/oci"
	"dlsched/pkg/sched"
)

const (
	defaultConfigPath = "/etc/dlsim/config.yaml"
	defaultLogLevel   = "info"

	scenarioAll = "all"

	exitCodeSuccess      = 0
	exitCodeRuntimeError = 1
	exitCodeParseError   = 2
	exitCodeScenarioFail = 3
)

var (
	errInvalidLogLevel   = errors.New("invalid log level")
	errUnknownScenario   = errors.New("unknown scenario")
	errMissingAdvisorCfg = errors.New("admission probe needs a compartment (configured or from instance metadata) or a static P95 value")
	errLockUnavailable   = errors.New("another dlsim instance holds the run lock")
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := run(ctx, os.Args[1:], defaultRunDeps(), os.Stdout, os.Stderr)
	if code != 0 {
		os.Exit(code)
	}
}

type runDeps struct {
	newLogger    func(level string) (*zap.Logger, error)
	newIMDS      func() imds.Client
	newP95Source func(compartmentID string) (admission.P95Source, error)
	loadConfig   func(path string) (runtimeConfig, error)
	runScenario  func(name string) (sched.ScenarioResult, error)
}

func defaultRunDeps() runDeps {
	return runDeps{
		newLogger:    newLogger,
		newIMDS:      defaultIMDSFactory,
		newP95Source: defaultP95SourceFactory,
		loadConfig:   loadConfig,
		runScenario:  sched.RunScenario,
	}
}

func run(ctx context.Context, args []string, deps runDeps, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)

		return exitCodeParseError
	}

	logger, err := deps.newLogger(opts.logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "failed to configure logger: %v\n", err)

		return exitCodeRuntimeError
	}

	defer func() {
		_ = logger.Sync()
	}()

	info := buildinfo.Current()
	logger.Info(
		"starting dlsim",
		zap.String("version", info.Version),
		zap.String("commit", info.GitCommit),
		zap.String("buildDate", info.BuildDate),
		zap.String("configPath", opts.configPath),
	)

	if opts.scenario != "" {
		return runScenarios(opts.scenario, deps, stdout, stderr)
	}

	cfg, err := deps.loadConfig(opts.configPath)
	if err != nil {
		logger.Error("failed to load configuration", zap.Error(err))

		return exitCodeRuntimeError
	}

	if opts.admissionProbe {
		return runAdmissionProbe(ctx, cfg, deps, logger, stdout)
	}

	return runDaemon(ctx, cfg, deps, logger)
}

// runScenarios replays one named scenario, or all of them, printing each
// verdict line.
func runScenarios(selection string, deps runDeps, stdout, stderr io.Writer) int {
	names := []string{selection}
	if selection == scenarioAll {
		names = sched.ScenarioNames
	}

	code := exitCodeSuccess

	for _, name := range names {
		res, err := deps.runScenario(name)
		if err != nil {
			fmt.Fprintf(stderr, "%v\n", err)

			return exitCodeParseError
		}

		verdict := "PASS"
		if !res.Pass {
			verdict = "FAIL"
			code = exitCodeScenarioFail
		}

		fmt.Fprintf(stdout, "%s: %s\n", res.Name, verdict)
		for _, detail := range res.Details {
			fmt.Fprintf(stdout, "  %s\n", detail)
		}
	}

	return code
}

// runAdmissionProbe performs a single advisory comparison and prints the
// headroom, exercising the same client pair the daemon's advisor loop uses.
func runAdmissionProbe(
	ctx context.Context,
	cfg runtimeConfig,
	deps runDeps,
	logger *zap.Logger,
	stdout io.Writer,
) int {
	meta := deps.newIMDS()

	source, err := advisorSource(ctx, cfg, deps, meta, logger)
	if err != nil {
		logger.Error("failed to build monitoring client", zap.Error(err))

		return exitCodeRuntimeError
	}

	if source == nil {
		logger.Error("admission probe misconfigured", zap.Error(errMissingAdvisorCfg))

		return exitCodeParseError
	}

	advisor, err := buildAdvisor(cfg, source, meta, logger)
	if err != nil {
		logger.Error("failed to build advisor", zap.Error(err))

		return exitCodeRuntimeError
	}

	if err := advisor.Probe(ctx); err != nil {
		logger.Error("admission probe failed", zap.Error(err))

		return exitCodeRuntimeError
	}

	fmt.Fprintf(stdout, "bandwidth headroom: %.4f\n", advisor.Headroom())

	return exitCodeSuccess
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "" {
		level = defaultLogLevel
	}

	cfg := zap.NewProductionConfig()

	err := cfg.Level.UnmarshalText([]byte(level))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidLogLevel, err)
	}

	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.CallerKey = "caller"

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return logger, nil
}

type options struct {
	configPath     string
	logLevel       string
	scenario       string
	admissionProbe bool
}

func parseArgs(args []string) (options, error) {
	var opts options

	flagSet := flag.NewFlagSet("dlsim", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(
		&opts.configPath,
		"config",
		defaultConfigPath,
		"Path to the dlsim configuration file",
	)
	flagSet.StringVar(
		&opts.logLevel,
		"log-level",
		defaultLogLevel,
		"Structured log level (debug, info, warn, error)",
	)
	flagSet.StringVar(
		&opts.scenario,
		"scenario",
		"",
		"Replay an end-to-end scenario (S1..S6 or all) and exit",
	)
	flagSet.BoolVar(
		&opts.admissionProbe,
		"admission-probe",
		false,
		"Run a single bandwidth advisory probe and exit",
	)

	err := flagSet.Parse(args)
	if err != nil {
		return options{}, fmt.Errorf("parse CLI arguments: %w", err)
	}

	opts.scenario = strings.ToUpper(strings.TrimSpace(opts.scenario))
	if opts.scenario != "" && opts.scenario != strings.ToUpper(scenarioAll) {
		if !isKnownScenario(opts.scenario) {
			return options{}, fmt.Errorf(
				"%w: %q (supported: %s, all)",
				errUnknownScenario,
				opts.scenario,
				strings.Join(sched.ScenarioNames, ", "),
			)
		}
	}

	if strings.EqualFold(opts.scenario, scenarioAll) {
		opts.scenario = scenarioAll
	}

	opts.logLevel = strings.TrimSpace(opts.logLevel)
	if opts.logLevel == "" {
		opts.logLevel = defaultLogLevel
	}

	opts.configPath = strings.TrimSpace(opts.configPath)
	if opts.configPath == "" {
		opts.configPath = defaultConfigPath
	}

	return opts, nil
}

func isKnownScenario(name string) bool {
	for _, known := range sched.ScenarioNames {
		if name == known {
			return true
		}
	}

	return false
}

//nolint:ireturn // returns interface to support substitutable IMDS clients
func defaultIMDSFactory() imds.Client {
	return imds.NewHTTPClient(nil, "")
}

//nolint:ireturn // factory intentionally hides the SDK-backed implementation
func defaultP95SourceFactory(compartmentID string) (admission.P95Source, error) {
	return oci.NewInstancePrincipalClient(compartmentID)
}
