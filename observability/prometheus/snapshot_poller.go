package prometheus

import (
	"context"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	taskmanager "github.com/Swind/go-task-manager"
)

// ManagerSnapshotProvider provides current batch snapshots. *taskmanager.Manager
// satisfies it.
type ManagerSnapshotProvider interface {
	Stats() taskmanager.Stats
}

// PoolSnapshotProvider is the counter surface of a worker pool.
// *taskmanager.GoroutineThreadPool satisfies it.
type PoolSnapshotProvider interface {
	WorkerCount() int
	QueuedTaskCount() int
	ActiveTaskCount() int
	IsRunning() bool
}

// SnapshotPoller periodically exports manager and pool snapshots into
// Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	managersMu sync.RWMutex
	managers   map[string]ManagerSnapshotProvider

	poolsMu sync.RWMutex
	pools   map[string]PoolSnapshotProvider

	batchRuns      *prom.GaugeVec
	batchRemaining *prom.GaugeVec
	batchPending   *prom.GaugeVec
	batchThreads   *prom.GaugeVec
	batchProcesses *prom.GaugeVec

	poolQueued  *prom.GaugeVec
	poolActive  *prom.GaugeVec
	poolWorkers *prom.GaugeVec
	poolRunning *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(namespace string, reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if namespace == "" {
		namespace = "taskmanager"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	gauge := func(name, help string, labels ...string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	p := &SnapshotPoller{
		interval:       interval,
		managers:       make(map[string]ManagerSnapshotProvider),
		pools:          make(map[string]PoolSnapshotProvider),
		batchRuns:      gauge("batch_runs", "Runs in the batch.", "manager"),
		batchRemaining: gauge("batch_remaining", "Runs not yet terminal.", "manager"),
		batchPending:   gauge("batch_pending_events", "Events waiting for the consumer.", "manager"),
		batchThreads:   gauge("batch_thread_active", "THREAD runs executing.", "manager"),
		batchProcesses: gauge("batch_process_active", "Worker processes alive.", "manager"),
		poolQueued:     gauge("pool_queued", "Queued tasks per pool.", "pool"),
		poolActive:     gauge("pool_active", "Active tasks per pool.", "pool"),
		poolWorkers:    gauge("pool_workers", "Worker count per pool.", "pool"),
		poolRunning:    gauge("pool_running", "Pool running state (1=running, 0=stopped).", "pool"),
	}

	for _, g := range []**prom.GaugeVec{
		&p.batchRuns, &p.batchRemaining, &p.batchPending, &p.batchThreads, &p.batchProcesses,
		&p.poolQueued, &p.poolActive, &p.poolWorkers, &p.poolRunning,
	} {
		registered, err := registerCollector(reg, *g)
		if err != nil {
			return nil, err
		}
		*g = registered
	}
	return p, nil
}

// AddManager adds or replaces a manager snapshot provider by name.
func (p *SnapshotPoller) AddManager(name string, provider ManagerSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "manager")
	p.managersMu.Lock()
	p.managers[name] = provider
	p.managersMu.Unlock()
}

// AddPool adds or replaces a pool snapshot provider by name.
func (p *SnapshotPoller) AddPool(name string, provider PoolSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "pool")
	p.poolsMu.Lock()
	p.pools[name] = provider
	p.poolsMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling after one final collection; repeated calls
// are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	cancel()
	<-done

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()
	for {
		select {
		case <-ctx.Done():
			p.collectOnce()
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.managersMu.RLock()
	for name, provider := range p.managers {
		st := provider.Stats()
		p.batchRuns.WithLabelValues(name).Set(float64(st.Runs))
		p.batchRemaining.WithLabelValues(name).Set(float64(st.Remaining))
		p.batchPending.WithLabelValues(name).Set(float64(st.Pending))
		p.batchThreads.WithLabelValues(name).Set(float64(st.ThreadActive))
		p.batchProcesses.WithLabelValues(name).Set(float64(st.ProcessActive))
	}
	p.managersMu.RUnlock()

	p.poolsMu.RLock()
	for name, provider := range p.pools {
		p.poolQueued.WithLabelValues(name).Set(float64(provider.QueuedTaskCount()))
		p.poolActive.WithLabelValues(name).Set(float64(provider.ActiveTaskCount()))
		p.poolWorkers.WithLabelValues(name).Set(float64(provider.WorkerCount()))
		if provider.IsRunning() {
			p.poolRunning.WithLabelValues(name).Set(1)
		} else {
			p.poolRunning.WithLabelValues(name).Set(0)
		}
	}
	p.poolsMu.RUnlock()
}
