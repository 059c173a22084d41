package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Swind/go-task-manager/core"
	"github.com/Swind/go-task-manager/internal/idgen"
	"github.com/Swind/go-task-manager/portal"
)

// Manager runs one batch of task specs to completion. It owns every run and
// every executor of the batch; nothing is shared between managers.
type Manager struct {
	specs  []Spec
	cfg    Config
	logger core.Logger

	started atomic.Bool

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
	runs      []RunInfo

	// Set up by Start before the first dispatch, read-only afterwards.
	portal    *portal.Portal[Event]
	executors map[Strategy]Executor
	tracks    []*runTrack
	remaining atomic.Int64
}

// runTrack is the manager's bookkeeping for one run.
type runTrack struct {
	span    trace.Span
	started time.Time
}

// NewManager validates specs and returns a manager for them. The order of
// specs is the dispatch order. Nothing runs until Start.
func NewManager(specs []Spec, opts ...Option) (*Manager, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	seen := make(map[string]int, len(specs))
	for i, s := range specs {
		if s == nil {
			return nil, fmt.Errorf("%w: spec %d is nil", ErrInvalidSpec, i)
		}
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("spec %d: %w", i, err)
		}
		name := s.Describe().Name
		if j, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: specs %d and %d are both named %q", ErrInvalidSpec, j, i, name)
		}
		seen[name] = i
	}

	return &Manager{
		specs:  slices.Clone(specs),
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

// Specs describes the batch in dispatch order.
func (m *Manager) Specs() []SpecInfo {
	infos := make([]SpecInfo, len(m.specs))
	for i, s := range m.specs {
		infos[i] = s.Describe()
	}
	return infos
}

// Start creates one run per spec and dispatches them. It returns the event
// stream and the completion signal of the batch. Cancelling ctx, or calling
// Cancel, fails every run that has not finished yet.
//
// Start may be called once; later calls return ErrDoubleStart and leave the
// running batch alone.
func (m *Manager) Start(ctx context.Context) (*Stream, *Completion, error) {
	if !m.started.CompareAndSwap(false, true) {
		return nil, nil, ErrDoubleStart
	}

	ctx, cancel := context.WithCancel(ctx)
	m.portal = portal.New[Event]()
	stream, completion := newStream(m.portal, len(m.specs))

	if len(m.specs) == 0 {
		m.portal.Close()
		cancel()
		m.logger.Debug("empty batch completed")
		return stream, completion, nil
	}

	env := &runEnv{
		emit:         m.emit,
		codec:        m.cfg.Codec,
		panicHandler: m.cfg.PanicHandler,
	}

	runs := make([]runnable, len(m.specs))
	ctxs := make([]context.Context, len(m.specs))
	infos := make([]RunInfo, len(m.specs))
	m.tracks = make([]*runTrack, len(m.specs))
	m.executors = make(map[Strategy]Executor)
	for i, spec := range m.specs {
		d := spec.Describe()
		info := RunInfo{ID: RunID(idgen.New()), Index: i, Name: d.Name, Strategy: d.Strategy}

		runCtx, span := m.cfg.Tracer.Start(ctx, "taskmanager.run",
			trace.WithAttributes(
				attribute.String("task.name", info.Name),
				attribute.String("task.run_id", string(info.ID)),
				attribute.Int("task.index", info.Index),
				attribute.String("task.strategy", info.Strategy.String()),
			),
		)
		runs[i] = spec.newRun(info, env)
		ctxs[i] = runCtx
		infos[i] = info
		m.tracks[i] = &runTrack{span: span, started: time.Now()}

		if _, ok := m.executors[info.Strategy]; !ok {
			m.executors[info.Strategy] = m.newExecutor(info.Strategy)
		}
	}
	m.remaining.Store(int64(len(runs)))

	m.mu.Lock()
	m.cancel = cancel
	m.runs = infos
	if m.cancelled {
		cancel()
	}
	m.mu.Unlock()

	context.AfterFunc(ctx, func() {
		if n := m.remaining.Load(); n > 0 {
			m.logger.Info("batch cancelled", core.F("unfinished", n), core.F("cause", context.Cause(ctx)))
		}
	})

	m.logger.Info("batch started", core.F("runs", len(runs)), core.F("strategies", len(m.executors)))
	for i, run := range runs {
		info := run.Info()
		m.cfg.Metrics.RecordRunStarted(info.Strategy)
		m.logger.Debug("dispatching run", core.F("run", info.String()), core.F("id", info.ID))
		m.executors[info.Strategy].Execute(ctxs[i], run)
	}
	return stream, completion, nil
}

func (m *Manager) newExecutor(s Strategy) Executor {
	switch s {
	case StrategyAsync:
		return newAsyncExecutor(m.cfg)
	case StrategyThread:
		return newThreadExecutor(m.cfg)
	default:
		return newProcessExecutor(m.cfg)
	}
}

// Cancel fails every unfinished run of the batch. Cancelling before Start
// makes Start fail every run.
func (m *Manager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = true
	if m.cancel != nil {
		m.cancel()
	}
}

// Runs returns the identities of the batch's runs in dispatch order. It is
// empty before Start.
func (m *Manager) Runs() []RunInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.runs)
}

// Stats is a point-in-time snapshot of a manager's batch.
type Stats struct {
	Runs      int
	Remaining int
	// Pending is the number of events waiting for the consumer.
	Pending int

	ThreadWorkers int
	ThreadQueued  int
	ThreadActive  int
	ProcessActive int
}

// Stats returns a snapshot of the batch. It is all zero before Start.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	runs := len(m.runs)
	m.mu.Unlock()
	if runs == 0 {
		return Stats{}
	}

	st := Stats{
		Runs:      runs,
		Remaining: int(m.remaining.Load()),
		Pending:   m.portal.Len(),
	}
	for _, e := range m.executors {
		switch e := e.(type) {
		case *threadExecutor:
			st.ThreadWorkers = e.pool.WorkerCount()
			st.ThreadQueued = e.pool.QueuedTaskCount()
			st.ThreadActive = e.pool.ActiveTaskCount()
		case *processExecutor:
			st.ProcessActive = int(e.active.Load())
		}
	}
	return st
}

// emit publishes ev. Runs call it with their own lock held, so events of one
// run arrive at the portal in the order they happened.
func (m *Manager) emit(ev Event) {
	track := m.tracks[ev.Run.Index]
	if !ev.Terminal() {
		m.cfg.Metrics.RecordProgress(ev.Run.Strategy)
		track.span.AddEvent("progress", trace.WithAttributes(attribute.Float64("task.progress", ev.Status.Progress)))
		_ = m.portal.Send(ev)
		return
	}

	elapsed := time.Since(track.started)
	m.cfg.Metrics.RecordRunFinished(ev.Run.Strategy, ev.Status.State, elapsed)
	if ev.Err != nil {
		track.span.RecordError(ev.Err)
		track.span.SetStatus(codes.Error, ev.Err.Error())
		m.logger.Warn("run failed",
			core.F("run", ev.Run.String()),
			core.F("error", ev.Err.Error()),
			core.F("elapsed", elapsed),
		)
	} else {
		track.span.SetStatus(codes.Ok, "")
		m.logger.Info("run succeeded", core.F("run", ev.Run.String()), core.F("elapsed", elapsed))
	}
	track.span.End()

	_ = m.portal.Send(ev)
	if m.remaining.Add(-1) == 0 {
		m.portal.Close()
		// emit may be running on an executor's own goroutine.
		go m.release()
	}
}

// release frees the executors once every run is terminal.
func (m *Manager) release() {
	var errs []error
	for s, e := range m.executors {
		if err := e.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s executor: %w", s, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		m.logger.Warn("releasing executors", core.F("error", err.Error()))
	}

	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.logger.Info("batch finished")
}
