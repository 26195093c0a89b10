// Package resourcemgr implements the Adaptive Resource Manager (component
// D): named semaphores of concurrency permits per operation class, plus a
// periodic control loop that retunes permit counts, adaptationInterval, and
// batchSize from live CPU/memory samples and the Performance Monitor's
// recommendations.
package resourcemgr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/semaphore"

	"go.uber.org/zap"

	"github.com/ofreceptor/sync-engine/engine/perfmon"
)

// Class names one of the engine's permit pools.
type Class string

const (
	ClassDiscovery     Class = "discovery"
	ClassSync          Class = "sync"
	ClassBalanceUpdate Class = "balanceUpdate"
	ClassValidation    Class = "validation"
	ClassAPICall       Class = "apiCall"
	ClassBatch         Class = "batch"
)

// AllClasses lists every named permit pool, used to seed default limits.
var AllClasses = []Class{ClassDiscovery, ClassSync, ClassBalanceUpdate, ClassValidation, ClassAPICall, ClassBatch}

// Pressure thresholds for the control loop.
const (
	DefaultCPUHigh = 0.80
	DefaultMemHigh = 0.85
)

// Batch size bounds.
const (
	DefaultMinBatch = 50
	DefaultMaxBatch = 1000
)

// Adaptation interval bounds.
const (
	MinAdaptationInterval     = 10 * time.Second
	MaxAdaptationInterval     = 120 * time.Second
	DefaultAdaptationInterval = 30 * time.Second
)

// Limits bounds one class's permit count.
type Limits struct {
	Min int64
	Max int64
}

// DefaultLimits returns the suggested starting point per class; callers
// override individual classes through Config.Limits (config.Resource
// carries no per-class limits).
func DefaultLimits() map[Class]Limits {
	return map[Class]Limits{
		ClassDiscovery:     {Min: 5, Max: 200},
		ClassSync:          {Min: 10, Max: 500},
		ClassBalanceUpdate: {Min: 10, Max: 500},
		ClassValidation:    {Min: 5, Max: 200},
		ClassAPICall:       {Min: 20, Max: 1000},
		ClassBatch:         {Min: 1, Max: 50},
	}
}

// pool is one class's semaphore plus its live bounds. The semaphore's fixed
// capacity is Max; to present an effectively smaller "current" capacity the
// manager acquires and holds `heldSurplus` permits itself (
// "acquiring and holding the surplus (to shrink); in-flight holders are
// never interrupted").
type pool struct {
	sem         *semaphore.Weighted
	min, max    int64
	current     int64 // atomic
	heldSurplus int64 // permits held by the manager, guarded by mu
	mu          sync.Mutex
}

// Permit is returned by Acquire; call Release exactly once.
type Permit struct {
	p *pool
}

// Release returns the permit to its pool.
func (pm *Permit) Release() {
	if pm == nil || pm.p == nil {
		return
	}
	pm.p.sem.Release(1)
}

// Manager owns every class's pool plus the adaptive batchSize and
// adaptationInterval.
type Manager struct {
	pools              map[Class]*pool
	cpuHigh, memHigh   float64
	minBatch, maxBatch int64
	batchSize          int64 // atomic
	adaptInterval      int64 // atomic, nanoseconds
	monitor            *perfmon.Monitor
	logger             *zap.Logger
	cpuSampler         func() (float64, error)
	memSampler         func() (float64, error)
}

// Config configures a new Manager.
type Config struct {
	Limits             map[Class]Limits
	InitialBatchSize   int64
	MinBatch, MaxBatch int64
	CPUHigh, MemHigh   float64
	AdaptationInterval time.Duration
	Monitor            *perfmon.Monitor
	Logger             *zap.Logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig(monitor *perfmon.Monitor, logger *zap.Logger) Config {
	return Config{
		Limits:             DefaultLimits(),
		InitialBatchSize:   1000,
		MinBatch:           DefaultMinBatch,
		MaxBatch:           DefaultMaxBatch,
		CPUHigh:            DefaultCPUHigh,
		MemHigh:            DefaultMemHigh,
		AdaptationInterval: DefaultAdaptationInterval,
		Monitor:            monitor,
		Logger:             logger,
	}
}

// New constructs a Manager with one semaphore per class, starting each
// class's current permit count at its Max (the control loop narrows it
// down under pressure).
func New(cfg Config) *Manager {
	if cfg.Limits == nil {
		cfg.Limits = DefaultLimits()
	}
	if cfg.MinBatch <= 0 {
		cfg.MinBatch = DefaultMinBatch
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.CPUHigh <= 0 {
		cfg.CPUHigh = DefaultCPUHigh
	}
	if cfg.MemHigh <= 0 {
		cfg.MemHigh = DefaultMemHigh
	}
	if cfg.AdaptationInterval <= 0 {
		cfg.AdaptationInterval = DefaultAdaptationInterval
	}
	if cfg.InitialBatchSize <= 0 {
		cfg.InitialBatchSize = cfg.MaxBatch
	}

	m := &Manager{
		pools:         make(map[Class]*pool),
		cpuHigh:       cfg.CPUHigh,
		memHigh:       cfg.MemHigh,
		minBatch:      cfg.MinBatch,
		maxBatch:      cfg.MaxBatch,
		batchSize:     cfg.InitialBatchSize,
		adaptInterval: int64(cfg.AdaptationInterval),
		monitor:       cfg.Monitor,
		logger:        cfg.Logger,
		cpuSampler:    sampleCPU,
		memSampler:    sampleMem,
	}
	for _, c := range AllClasses {
		limits := cfg.Limits[c]
		if limits.Max <= 0 {
			limits.Max = 100
		}
		if limits.Min <= 0 {
			limits.Min = 1
		}
		m.pools[c] = &pool{
			sem:     semaphore.NewWeighted(limits.Max),
			min:     limits.Min,
			max:     limits.Max,
			current: limits.Max,
		}
	}
	return m
}

func sampleCPU() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0] / 100.0, nil
}

func sampleMem() (float64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return v.UsedPercent / 100.0, nil
}

// TryAcquire is the non-blocking operation callers use to implement
// backpressure explicitly.
func (m *Manager) TryAcquire(class Class) (*Permit, bool) {
	p, ok := m.pools[class]
	if !ok {
		return nil, false
	}
	if !p.sem.TryAcquire(1) {
		return nil, false
	}
	return &Permit{p: p}, true
}

// Current returns the live permit count for class.
func (m *Manager) Current(class Class) int64 {
	p, ok := m.pools[class]
	if !ok {
		return 0
	}
	return atomic.LoadInt64(&p.current)
}

// BatchSize returns the live adaptive batch size.
func (m *Manager) BatchSize() int64 {
	return atomic.LoadInt64(&m.batchSize)
}

// AdaptationInterval returns the live control-loop period.
func (m *Manager) AdaptationInterval() time.Duration {
	return time.Duration(atomic.LoadInt64(&m.adaptInterval))
}

// ForceToward drives class's permit count toward its configured minimum
// immediately, outside the normal tick cadence. It is the feedback hook a
// sustained broker outage in the Event Publisher (H) uses to shed load on
// the apiCall class without waiting for the next control-loop tick.
func (m *Manager) ForceToward(class Class, target int64) {
	p, ok := m.pools[class]
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if target < p.min {
		target = p.min
	}
	if target > p.max {
		target = p.max
	}
	m.resize(p, target)
}

// Utilization is the read-only per-class snapshot exposed to operators.
type Utilization struct {
	Class     Class
	Current   int64
	Min, Max  int64
	Available int64
}

// ResourceUtilization returns a point-in-time snapshot for every class.
func (m *Manager) ResourceUtilization() []Utilization {
	out := make([]Utilization, 0, len(m.pools))
	for _, c := range AllClasses {
		p := m.pools[c]
		out = append(out, Utilization{
			Class:   c,
			Current: atomic.LoadInt64(&p.current),
			Min:     p.min,
			Max:     p.max,
		})
	}
	return out
}

// stepFraction sizes one per-tick adjustment as a fraction of a range.
const stepFraction = 0.1

// Run starts the control loop; it blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.AdaptationInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
			ticker.Reset(m.AdaptationInterval())
		}
	}
}

func (m *Manager) tick() {
	cpuLoad, _ := m.cpuSampler()
	memUsed, _ := m.memSampler()
	pressure := cpuLoad > m.cpuHigh || memUsed > m.memHigh

	var report perfmon.Report
	var recs perfmon.Recommendations
	if m.monitor != nil {
		report = m.monitor.Aggregate()
		recs = perfmon.GetRecommendations(report)
	}

	throughputClimbing := report.ThroughputOpsSec > 0
	underPressure := pressure

	for _, c := range AllClasses {
		p := m.pools[c]
		switch {
		case underPressure:
			m.adjust(p, -1)
		case report.Efficiency > 0.90 && throughputClimbing && !underPressure:
			m.adjust(p, +1)
		default:
			m.moveToward(p, int64(recs.Concurrency))
		}
	}

	switch {
	case underPressure:
		m.adjustBatch(-1)
	case report.Efficiency > 0.90 && throughputClimbing && !underPressure:
		m.adjustBatch(+1)
	default:
		m.moveBatchToward(int64(recs.BatchSize))
	}

	m.adjustInterval(underPressure)

	if m.logger != nil {
		m.logger.Info("limits adapted",
			zap.Float64("cpuLoad", cpuLoad),
			zap.Float64("memUsed", memUsed),
			zap.Bool("pressure", pressure),
			zap.Float64("efficiency", report.Efficiency),
			zap.Float64("throughput", report.ThroughputOpsSec),
			zap.Int64("batchSize", m.BatchSize()),
		)
	}
}

// adjust moves a class's current permit count by one fixed step toward
// min (dir<0) or max (dir>0), applying the surplus-hold/release mechanics.
func (m *Manager) adjust(p *pool, dir int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	step := int64(float64(p.max-p.min)*stepFraction) + 1
	target := atomic.LoadInt64(&p.current)
	if dir < 0 {
		target -= step
		if target < p.min {
			target = p.min
		}
	} else {
		target += step
		if target > p.max {
			target = p.max
		}
	}
	m.resize(p, target)
}

func (m *Manager) moveToward(p *pool, recommended int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if recommended < p.min {
		recommended = p.min
	}
	if recommended > p.max {
		recommended = p.max
	}
	m.resize(p, recommended)
}

// resize must be called with p.mu held. It grows by releasing held surplus
// permits, or shrinks by acquiring (holding) additional surplus permits;
// it never calls Acquire/Release on in-flight callers' held permits.
func (m *Manager) resize(p *pool, target int64) {
	current := atomic.LoadInt64(&p.current)
	if target == current {
		return
	}
	if target > current {
		grow := target - current
		if grow > p.heldSurplus {
			grow = p.heldSurplus
		}
		if grow > 0 {
			p.sem.Release(grow)
			p.heldSurplus -= grow
			atomic.AddInt64(&p.current, grow)
		}
		return
	}
	shrink := current - target
	if p.sem.TryAcquire(shrink) {
		p.heldSurplus += shrink
		atomic.AddInt64(&p.current, -shrink)
	}
	// If the full shrink amount isn't free right now, in-flight holders are
	// never interrupted; the next tick will try again.
}

func (m *Manager) adjustBatch(dir int) {
	step := int64(float64(m.maxBatch-m.minBatch) * stepFraction)
	if step <= 0 {
		step = 1
	}
	for {
		cur := atomic.LoadInt64(&m.batchSize)
		next := cur
		if dir < 0 {
			next -= step
			if next < m.minBatch {
				next = m.minBatch
			}
		} else {
			next += step
			if next > m.maxBatch {
				next = m.maxBatch
			}
		}
		if atomic.CompareAndSwapInt64(&m.batchSize, cur, next) {
			return
		}
	}
}

func (m *Manager) moveBatchToward(recommended int64) {
	if recommended < m.minBatch {
		recommended = m.minBatch
	}
	if recommended > m.maxBatch {
		recommended = m.maxBatch
	}
	atomic.StoreInt64(&m.batchSize, recommended)
}

func (m *Manager) adjustInterval(underPressure bool) {
	cur := time.Duration(atomic.LoadInt64(&m.adaptInterval))
	step := (MaxAdaptationInterval - MinAdaptationInterval) / 10
	var next time.Duration
	if underPressure {
		next = cur - step
		if next < MinAdaptationInterval {
			next = MinAdaptationInterval
		}
	} else {
		next = cur + step
		if next > MaxAdaptationInterval {
			next = MaxAdaptationInterval
		}
	}
	atomic.StoreInt64(&m.adaptInterval, int64(next))
}
