package careAuth

import (
	"sort"
	"sync/atomic"
	"time"
)

// MetricID names one engine counter.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginRateLimited
	MetricPasskeySetupRequired
	MetricChallengeIssued
	MetricCloneDetected
	MetricPasskeyRegistered
	MetricPasskeyDeleted
	MetricBackupCodeUsed
	MetricBackupCodeFailed
	MetricBackupCodeRegenerated
	MetricMfaReset
	MetricInvitationCreated
	MetricInvitationAccepted
	MetricOnboardingCompleted
	MetricAccessAllowed
	MetricAccessDenied
	MetricAccessUnauthenticated
	MetricSessionCreated
	MetricSessionInvalidated
	MetricLogout
	MetricLogoutAll
	MetricNotificationFailed
	// MetricValidateLatency is the only histogram; it times ValidateSession.
	MetricValidateLatency
	metricIDCount
)

// LatencyBuckets are the inclusive upper bounds of the latency histogram.
// Observations above the last bound land in one extra overflow bucket.
var LatencyBuckets = []time.Duration{
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

// LatencyBucketCount is len(LatencyBuckets) plus the overflow bucket.
const LatencyBucketCount = 8

// counter sits on its own cache line so hot login and gate counters do not
// contend.
type counter struct {
	atomic.Uint64
	_ [56]byte
}

// Metrics holds lock-free engine counters. A nil or disabled Metrics is a
// no-op.
type Metrics struct {
	enabled  bool
	latency  bool
	counters [metricIDCount]counter
	validate [LatencyBucketCount]atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of every counter. Histograms holds
// per-bucket (not cumulative) counts in LatencyBuckets order.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func emptySnapshot() MetricsSnapshot {
	return MetricsSnapshot{Counters: map[MetricID]uint64{}, Histograms: map[MetricID][]uint64{}}
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled: cfg.Enabled,
		latency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool { return m != nil && m.enabled }

func (m *Metrics) LatencyEnabled() bool { return m != nil && m.latency }

func (m *Metrics) Inc(id MetricID) {
	if !m.Enabled() || id >= metricIDCount {
		return
	}
	m.counters[id].Add(1)
}

// Observe records d for id. Only MetricValidateLatency keeps a histogram;
// other ids are ignored.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if !m.LatencyEnabled() || id != MetricValidateLatency {
		return
	}
	m.validate[latencyBucket(d)].Add(1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return m.counters[id].Load()
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if !m.Enabled() {
		return emptySnapshot()
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		if id == MetricValidateLatency {
			continue
		}
		s.Counters[id] = m.counters[id].Load()
	}
	if m.latency {
		buckets := make([]uint64, LatencyBucketCount)
		for i := range buckets {
			buckets[i] = m.validate[i].Load()
		}
		s.Histograms[MetricValidateLatency] = buckets
	}
	return s
}

// latencyBucket finds the first bound not below d, truncated to whole
// milliseconds so 5.9ms still counts as 5ms.
func latencyBucket(d time.Duration) int {
	d = d.Truncate(time.Millisecond)
	return sort.Search(len(LatencyBuckets), func(i int) bool { return d <= LatencyBuckets[i] })
}
