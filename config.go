package taskmanager

import (
	"os"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/Swind/go-task-manager/core"
	"github.com/Swind/go-task-manager/wire"
)

// tracerName is the instrumentation scope used when no tracer is configured.
const tracerName = "github.com/Swind/go-task-manager"

// minHeartbeatsPerTimeout is the number of heartbeats a worker may miss in
// a row before it is considered lost.
const minHeartbeatsPerTimeout = 3

// WorkerEnv is set to "1" in the environment of every worker process the
// PROCESS executor starts.
const WorkerEnv = "TASKMANAGER_WORKER"

// Config holds manager configuration. Zero values are replaced by the
// defaults of DefaultConfig.
type Config struct {
	// ThreadWorkers bounds concurrently executing THREAD runs.
	ThreadWorkers int

	// ProcessWorkers bounds concurrently running worker processes.
	ProcessWorkers int

	// WorkerCommand is the argv used to start a worker process. The command
	// must end up calling ServeWorkerProcess with specs of the same names.
	// Defaults to the current executable with no arguments.
	WorkerCommand []string

	// WorkerEnv is appended to the environment of worker processes.
	WorkerEnv []string

	// HeartbeatInterval is how often a worker reports liveness.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long the manager tolerates silence from a
	// worker before treating it as lost. It is raised to at least three
	// heartbeat intervals.
	HeartbeatTimeout time.Duration

	// Codec serializes PROCESS payloads.
	Codec wire.Codec

	Logger        core.Logger
	Metrics       Metrics
	RunnerMetrics core.Metrics
	PanicHandler  core.PanicHandler
	Tracer        trace.Tracer
}

// DefaultConfig returns the configuration used when no options are given.
func DefaultConfig() Config {
	workers := runtime.NumCPU()
	return Config{
		ThreadWorkers:     workers,
		ProcessWorkers:    workers,
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  10 * time.Second,
		Codec:             wire.NewJSONCodec(),
		Logger:            core.NewNoOpLogger(),
		Metrics:           &NilMetrics{},
		RunnerMetrics:     &core.NilMetrics{},
		Tracer:            otel.Tracer(tracerName),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ThreadWorkers < 1 {
		c.ThreadWorkers = d.ThreadWorkers
	}
	if c.ProcessWorkers < 1 {
		c.ProcessWorkers = d.ProcessWorkers
	}
	if len(c.WorkerCommand) == 0 {
		if exe, err := os.Executable(); err == nil {
			c.WorkerCommand = []string{exe}
		}
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	c.HeartbeatTimeout = max(c.HeartbeatTimeout, minHeartbeatsPerTimeout*c.HeartbeatInterval)
	if c.Codec == nil {
		c.Codec = d.Codec
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	if c.Metrics == nil {
		c.Metrics = d.Metrics
	}
	if c.RunnerMetrics == nil {
		c.RunnerMetrics = d.RunnerMetrics
	}
	if c.PanicHandler == nil {
		c.PanicHandler = &core.DefaultPanicHandler{Logger: c.Logger}
	}
	if c.Tracer == nil {
		c.Tracer = d.Tracer
	}
	return c
}

// runnerConfig derives the config of the manager's loop and pool.
func (c Config) runnerConfig(name string) *core.RunnerConfig {
	return &core.RunnerConfig{
		Name:         name,
		PanicHandler: c.PanicHandler,
		Metrics:      c.RunnerMetrics,
		Logger:       c.Logger,
	}
}

// Option configures a Manager.
type Option func(*Config)

// WithConfig replaces the whole configuration. Later options still apply.
func WithConfig(cfg Config) Option {
	return func(c *Config) { *c = cfg }
}

// WithThreadWorkers sets the THREAD pool size.
func WithThreadWorkers(n int) Option {
	return func(c *Config) { c.ThreadWorkers = n }
}

// WithProcessWorkers sets the maximum number of concurrent worker processes.
func WithProcessWorkers(n int) Option {
	return func(c *Config) { c.ProcessWorkers = n }
}

// WithWorkerCommand sets the argv used to start worker processes.
func WithWorkerCommand(argv ...string) Option {
	return func(c *Config) { c.WorkerCommand = argv }
}

// WithWorkerEnv adds KEY=VALUE entries to the worker environment.
func WithWorkerEnv(env ...string) Option {
	return func(c *Config) { c.WorkerEnv = append(c.WorkerEnv, env...) }
}

// WithHeartbeat sets the worker heartbeat interval and the silence timeout.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatInterval = interval
		c.HeartbeatTimeout = timeout
	}
}

// WithCodec sets the payload codec for PROCESS runs.
func WithCodec(codec wire.Codec) Option {
	return func(c *Config) { c.Codec = codec }
}

// WithLogger sets the logger.
func WithLogger(logger core.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithMetrics sets the run-level metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

// WithRunnerMetrics sets the metrics sink of the manager's loop and pool.
func WithRunnerMetrics(m core.Metrics) Option {
	return func(c *Config) { c.RunnerMetrics = m }
}

// WithPanicHandler sets the handler notified of handler panics.
func WithPanicHandler(h core.PanicHandler) Option {
	return func(c *Config) { c.PanicHandler = h }
}

// WithTracer sets the tracer used for per-run spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Config) { c.Tracer = t }
}

// =============================================================================
// Metrics
// =============================================================================

// Metrics collects run-level measurements. Implementations must be safe for
// concurrent use and fast; they are called on the emitting goroutine.
type Metrics interface {
	// RecordRunStarted is called when a run is dispatched to its executor.
	RecordRunStarted(strategy Strategy)

	// RecordProgress is called for every non-terminal event.
	RecordProgress(strategy Strategy)

	// RecordRunFinished is called once per run with its terminal state.
	RecordRunFinished(strategy Strategy, state TaskState, duration time.Duration)

	// RecordExecutorLost is called when a worker process is lost.
	RecordExecutorLost(strategy Strategy)
}

// NilMetrics discards all measurements.
type NilMetrics struct{}

func (m *NilMetrics) RecordRunStarted(strategy Strategy)                                    {}
func (m *NilMetrics) RecordProgress(strategy Strategy)                                      {}
func (m *NilMetrics) RecordRunFinished(strategy Strategy, state TaskState, d time.Duration) {}
func (m *NilMetrics) RecordExecutorLost(strategy Strategy)                                  {}
