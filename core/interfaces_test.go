package core

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Test PanicHandler
// =============================================================================

// TestPanicHandler is a mock panic handler for testing
type TestPanicHandler struct {
	mu    sync.Mutex
	calls []PanicCall
}

type PanicCall struct {
	RunnerName string
	WorkerID   int
	PanicInfo  any
	HasStack   bool
}

func NewTestPanicHandler() *TestPanicHandler {
	return &TestPanicHandler{calls: make([]PanicCall, 0)}
}

func (h *TestPanicHandler) HandlePanic(ctx context.Context, runnerName string, workerID int, panicInfo any, stackTrace []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, PanicCall{
		RunnerName: runnerName,
		WorkerID:   workerID,
		PanicInfo:  panicInfo,
		HasStack:   len(stackTrace) > 0,
	})
}

func (h *TestPanicHandler) GetCalls() []PanicCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]PanicCall(nil), h.calls...)
}

// TestDefaultPanicHandler verifies panics are reported through the logger
// Given: A DefaultPanicHandler with a recording logger
// When: HandlePanic is called
// Then: One error line carrying the runner, worker and panic value is logged
func TestDefaultPanicHandler(t *testing.T) {
	logger := &recordingLogger{}
	handler := &DefaultPanicHandler{Logger: logger}

	handler.HandlePanic(context.Background(), "test-runner", 42, "test panic", []byte("stack trace"))

	lines := logger.Lines()
	if len(lines) != 1 {
		t.Fatalf("Expected 1 log line, got %d", len(lines))
	}
	for _, want := range []string{"[ERROR] task panicked", "runner: test-runner", "worker: 42", "panic: test panic", "stack: stack trace"} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("log line %q does not contain %q", lines[0], want)
		}
	}
}

func TestDefaultPanicHandler_NilLogger(t *testing.T) {
	// Given: A DefaultPanicHandler without a logger
	handler := &DefaultPanicHandler{}

	// When: HandlePanic is called
	// Then: It falls back to the standard logger instead of crashing
	handler.HandlePanic(context.Background(), "test-runner", -1, "test panic", nil)
}

// =============================================================================
// Test Metrics
// =============================================================================

// TestMetrics is a mock metrics collector for testing
type TestMetrics struct {
	mu             sync.Mutex
	taskDurations  []time.Duration
	taskPanics     []any
	queueDepths    []int
	taskRejections []string
}

func NewTestMetrics() *TestMetrics {
	return &TestMetrics{}
}

func (m *TestMetrics) RecordTaskDuration(runnerName string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskDurations = append(m.taskDurations, duration)
}

func (m *TestMetrics) RecordTaskPanic(runnerName string, panicInfo any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskPanics = append(m.taskPanics, panicInfo)
}

func (m *TestMetrics) RecordQueueDepth(runnerName string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepths = append(m.queueDepths, depth)
}

func (m *TestMetrics) RecordTaskRejected(runnerName string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskRejections = append(m.taskRejections, reason)
}

func (m *TestMetrics) DurationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.taskDurations)
}

func (m *TestMetrics) PanicCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.taskPanics)
}

func (m *TestMetrics) QueueDepths() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.queueDepths...)
}

func (m *TestMetrics) Rejections() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.taskRejections...)
}

func TestNilMetrics(t *testing.T) {
	// Given: A NilMetrics
	metrics := &NilMetrics{}

	// When: All methods are called
	metrics.RecordTaskDuration("test-runner", time.Second)
	metrics.RecordTaskPanic("test-runner", "panic")
	metrics.RecordQueueDepth("test-runner", 10)
	metrics.RecordTaskRejected("test-runner", "shutdown")

	// Then: No panic should occur (all methods are no-ops)
}

// =============================================================================
// Test RejectedTaskHandler
// =============================================================================

func TestDefaultRejectedTaskHandler(t *testing.T) {
	// Given: A DefaultRejectedTaskHandler with and without a logger
	logger := &recordingLogger{}
	withLogger := &DefaultRejectedTaskHandler{Logger: logger}
	silent := &DefaultRejectedTaskHandler{}

	// When: HandleRejectedTask is called on both
	withLogger.HandleRejectedTask("test-runner", "closed")
	silent.HandleRejectedTask("test-runner", "closed")

	// Then: Only the handler with a logger writes a warning
	lines := logger.Lines()
	if len(lines) != 1 {
		t.Fatalf("Expected 1 log line, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[0], "[WARN] task rejected") {
		t.Errorf("Unexpected log line %q", lines[0])
	}
}

// =============================================================================
// Test RunnerConfig
// =============================================================================

// TestRunnerConfig_WithDefaults tests default filling
// Main test items:
// 1. A nil config gets every default handler
// 2. Supplied handlers are kept
// 3. The caller's config is not mutated
func TestRunnerConfig_WithDefaults(t *testing.T) {
	var nilCfg *RunnerConfig
	cfg := nilCfg.withDefaults()
	if cfg.Logger == nil || cfg.PanicHandler == nil || cfg.Metrics == nil || cfg.RejectedTaskHandler == nil {
		t.Fatalf("Expected all defaults to be set, got %+v", cfg)
	}
	if _, ok := cfg.Metrics.(*NilMetrics); !ok {
		t.Errorf("Expected NilMetrics default, got %T", cfg.Metrics)
	}

	panicHandler := NewTestPanicHandler()
	metrics := NewTestMetrics()
	in := &RunnerConfig{Name: "custom", PanicHandler: panicHandler, Metrics: metrics}
	out := in.withDefaults()

	if out.PanicHandler != panicHandler || out.Metrics != metrics || out.Name != "custom" {
		t.Errorf("Supplied handlers were replaced: %+v", out)
	}
	if in.Logger != nil || in.RejectedTaskHandler != nil {
		t.Error("withDefaults mutated the caller's config")
	}
}

func TestDefaultRunnerConfig(t *testing.T) {
	cfg := DefaultRunnerConfig()
	if _, ok := cfg.Logger.(*NoOpLogger); !ok {
		t.Errorf("Expected NoOpLogger default, got %T", cfg.Logger)
	}
	if _, ok := cfg.PanicHandler.(*DefaultPanicHandler); !ok {
		t.Errorf("Expected DefaultPanicHandler default, got %T", cfg.PanicHandler)
	}
}

// recordingLogger captures formatted log lines
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Debug(msg string, fields ...Field) { l.add("DEBUG", msg, fields) }
func (l *recordingLogger) Info(msg string, fields ...Field)  { l.add("INFO", msg, fields) }
func (l *recordingLogger) Warn(msg string, fields ...Field)  { l.add("WARN", msg, fields) }
func (l *recordingLogger) Error(msg string, fields ...Field) { l.add("ERROR", msg, fields) }

func (l *recordingLogger) add(level, msg string, fields []Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, formatLine(level, msg, fields))
}

func (l *recordingLogger) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}
