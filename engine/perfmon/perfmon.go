// Package perfmon implements the Performance Monitor (component E):
// thread-safe counters/timers/gauges keyed by operationType, a rolling
// window, and a deterministic recommendation rule set.
//
// Counter updates are lock-free (sync/atomic); the hot path takes the
// monitor's mutex only in read mode to look up an operation's counters
// (write mode on an operation's first use).
package perfmon

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultWindowDuration is the rolling-window reset period.
const DefaultWindowDuration = 60 * time.Second

// opStats holds the lock-free counters for one operationType within the
// current window.
type opStats struct {
	successes   int64
	failures    int64
	retryable   int64 // failures that are retryable, excluded from efficiency's error rate
	latencySum  int64 // nanoseconds
	latencyN    int64
	activeGauge int64
}

// Report is a read-only snapshot of one operationType's window.
type Report struct {
	OperationType    string
	ThroughputOpsSec float64
	Efficiency       float64
	MeanLatency      time.Duration
	ErrorRate        float64
	ActiveCount      int64
	WindowStart      time.Time
	WindowEnd        time.Time
}

// Recommendations is advice, never a command.
type Recommendations struct {
	BatchSize   int
	Concurrency int
}

// Monitor aggregates per-operationType stats over a rolling window.
type Monitor struct {
	mu           sync.RWMutex
	stats        map[string]*opStats
	windowStart  time.Time
	windowDur    time.Duration
	promOpsTotal *prometheus.CounterVec
	promLatency  *prometheus.HistogramVec
	promActive   *prometheus.GaugeVec
	ruleSet      *RuleSet
	logger       *zap.Logger
}

// SetLogger installs the rollover logger; nil keeps rollovers silent.
func (m *Monitor) SetLogger(l *zap.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = l
}

// SetRuleSet overrides the recommendation ladder with a config-supplied
// RuleSet. A nil ruleSet reverts to the hardcoded GetRecommendations
// ladder.
func (m *Monitor) SetRuleSet(rs *RuleSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ruleSet = rs
}

// New constructs a Monitor. registerer may be nil to skip Prometheus
// registration (useful in tests that construct many Monitors).
func New(windowDuration time.Duration, registerer prometheus.Registerer) *Monitor {
	if windowDuration <= 0 {
		windowDuration = DefaultWindowDuration
	}
	m := &Monitor{
		stats:       make(map[string]*opStats),
		windowStart: time.Now(),
		windowDur:   windowDuration,
	}
	if registerer != nil {
		m.promOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_engine_operations_total",
			Help: "Completed operations by operationType and outcome.",
		}, []string{"operation", "outcome"})
		m.promLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sync_engine_operation_duration_seconds",
			Help:    "Per-operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"})
		m.promActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sync_engine_operations_active",
			Help: "In-flight operations by operationType.",
		}, []string{"operation"})
		registerer.MustRegister(m.promOpsTotal, m.promLatency, m.promActive)
	}
	return m
}

func (m *Monitor) statsFor(operation string) *opStats {
	m.mu.RLock()
	s, ok := m.stats[operation]
	m.mu.RUnlock()
	if ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stats[operation]; ok {
		return s
	}
	s = &opStats{}
	m.stats[operation] = s
	return s
}

// Begin marks the start of an in-flight operation and returns a completion
// func; call it exactly once with the outcome.
func (m *Monitor) Begin(operation string) func(success bool, retryable bool, latency time.Duration) {
	s := m.statsFor(operation)
	atomic.AddInt64(&s.activeGauge, 1)
	if m.promActive != nil {
		m.promActive.WithLabelValues(operation).Inc()
	}
	return func(success bool, retryable bool, latency time.Duration) {
		atomic.AddInt64(&s.activeGauge, -1)
		atomic.AddInt64(&s.latencySum, int64(latency))
		atomic.AddInt64(&s.latencyN, 1)
		outcome := "success"
		if success {
			atomic.AddInt64(&s.successes, 1)
		} else {
			atomic.AddInt64(&s.failures, 1)
			outcome = "failure"
			if retryable {
				atomic.AddInt64(&s.retryable, 1)
			}
		}
		if m.promOpsTotal != nil {
			m.promOpsTotal.WithLabelValues(operation, outcome).Inc()
			m.promActive.WithLabelValues(operation).Dec()
			m.promLatency.WithLabelValues(operation).Observe(latency.Seconds())
		}
	}
}

// Record is a convenience for call sites that already have a finished
// latency in hand (no separate Begin).
func (m *Monitor) Record(operation string, success, retryable bool, latency time.Duration) {
	done := m.Begin(operation)
	done(success, retryable, latency)
}

// Report returns the current window's snapshot for operation, without
// resetting it. Call Rollover to reset.
func (m *Monitor) Report(operation string) Report {
	s := m.statsFor(operation)
	return m.snapshot(operation, s)
}

func (m *Monitor) snapshot(operation string, s *opStats) Report {
	m.mu.RLock()
	start := m.windowStart
	m.mu.RUnlock()

	successes := atomic.LoadInt64(&s.successes)
	failures := atomic.LoadInt64(&s.failures)
	retryable := atomic.LoadInt64(&s.retryable)
	latencyN := atomic.LoadInt64(&s.latencyN)
	latencySum := atomic.LoadInt64(&s.latencySum)
	active := atomic.LoadInt64(&s.activeGauge)

	total := successes + failures
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}

	nonRetryableFailures := failures - retryable
	var efficiency float64 = 1
	if total > 0 {
		efficiency = 1 - float64(nonRetryableFailures)/float64(total)
	}

	var errRate float64
	if total > 0 {
		errRate = float64(failures) / float64(total)
	}

	var meanLatency time.Duration
	if latencyN > 0 {
		meanLatency = time.Duration(latencySum / latencyN)
	}

	return Report{
		OperationType:    operation,
		ThroughputOpsSec: float64(total) / elapsed,
		Efficiency:       efficiency,
		MeanLatency:      meanLatency,
		ErrorRate:        errRate,
		ActiveCount:      active,
		WindowStart:      start,
		WindowEnd:        time.Now(),
	}
}

// Aggregate folds every tracked operationType's window into one Report,
// used by the Resource Manager's control loop which reasons about the
// pipeline as a whole rather than per operation.
func (m *Monitor) Aggregate() Report {
	m.mu.RLock()
	ops := make([]string, 0, len(m.stats))
	for op := range m.stats {
		ops = append(ops, op)
	}
	m.mu.RUnlock()

	var total, successes, failures, nonRetryableFailures, latencySum, latencyN, active int64
	start := time.Now()
	for _, op := range ops {
		r := m.Report(op)
		if r.WindowStart.Before(start) {
			start = r.WindowStart
		}
		s := m.statsFor(op)
		succ := atomic.LoadInt64(&s.successes)
		fail := atomic.LoadInt64(&s.failures)
		retry := atomic.LoadInt64(&s.retryable)
		total += succ + fail
		successes += succ
		failures += fail
		nonRetryableFailures += fail - retry
		latencySum += atomic.LoadInt64(&s.latencySum)
		latencyN += atomic.LoadInt64(&s.latencyN)
		active += atomic.LoadInt64(&s.activeGauge)
	}

	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	var efficiency float64 = 1
	if total > 0 {
		efficiency = 1 - float64(nonRetryableFailures)/float64(total)
	}
	var errRate float64
	if total > 0 {
		errRate = float64(failures) / float64(total)
	}
	var meanLatency time.Duration
	if latencyN > 0 {
		meanLatency = time.Duration(latencySum / latencyN)
	}

	return Report{
		OperationType:    "*",
		ThroughputOpsSec: float64(total) / elapsed,
		Efficiency:       efficiency,
		MeanLatency:      meanLatency,
		ErrorRate:        errRate,
		ActiveCount:      active,
		WindowStart:      start,
		WindowEnd:        time.Now(),
	}
}

// Rollover resets every tracked operationType's window. Call on a
// windowDuration ticker or on demand.
func (m *Monitor) Rollover() {
	report := m.Aggregate()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logger != nil {
		m.logger.Info("window rolled over",
			zap.Float64("throughput", report.ThroughputOpsSec),
			zap.Float64("efficiency", report.Efficiency),
			zap.Float64("errorRate", report.ErrorRate),
		)
	}
	m.stats = make(map[string]*opStats)
	m.windowStart = time.Now()
}

// GetRecommendations applies the deterministic recommendation ladder.
func GetRecommendations(r Report) Recommendations {
	switch {
	case r.Efficiency > 0.9 && r.ThroughputOpsSec > 100:
		return Recommendations{BatchSize: 500, Concurrency: 200}
	case r.Efficiency > 0.8 && r.ThroughputOpsSec > 50:
		return Recommendations{BatchSize: 300, Concurrency: 100}
	case r.Efficiency > 0.7:
		return Recommendations{BatchSize: 200, Concurrency: 50}
	default:
		return Recommendations{BatchSize: 100, Concurrency: 20}
	}
}

// GetRecommendations is the Monitor-bound convenience wrapping the
// aggregate window. It defers to a config-supplied RuleSet if one was
// installed via SetRuleSet, otherwise falls back to the hardcoded ladder.
func (m *Monitor) GetRecommendations() Recommendations {
	report := m.Aggregate()
	m.mu.RLock()
	rs := m.ruleSet
	m.mu.RUnlock()
	if rs != nil {
		return rs.Recommend(report)
	}
	return GetRecommendations(report)
}
