package qos

import (
	"log/slog"
	"sync"
	"time"
)

// Thresholds configures alert firing, defaults per spec.md §6
// (qos.thresholds.*).
type Thresholds struct {
	MOSMin        float64
	PacketLossMax float64
	JitterMaxMS   float64
	LatencyMaxMS  float64
}

// DefaultThresholds matches the defaults spec.md §4.9 states.
func DefaultThresholds() Thresholds {
	return Thresholds{MOSMin: 3.5, PacketLossMax: 2.0, JitterMaxMS: 50, LatencyMaxMS: 300}
}

// Summary is the computed, immutable snapshot produced when monitoring for
// a call direction stops, the shape persisted to store.QoSRecord.
type Summary struct {
	CallID               string
	Direction            string
	PacketsSent          uint64
	PacketsReceived      uint64
	PacketsLost          uint64
	PacketLossPercentage float64
	AvgJitterMS          float64
	MaxJitterMS          float64
	AvgLatencyMS         float64
	MaxLatencyMS         float64
	MOS                  float64
	QualityRating        string
	RecordedAt           time.Time
}

// Alert is one threshold breach recorded at summary time.
type Alert struct {
	CallID    string
	Direction string
	Kind      string // "low_mos", "high_loss", "high_jitter", "high_latency"
	Value     float64
	Threshold float64
	At        time.Time
}

// directionKey identifies one leg-direction pair under monitoring.
type directionKey struct {
	callID    string
	direction string
}

// Monitor is the 4.I QoS Monitor: owns active per-call-direction metrics,
// a bounded call history, and threshold alerting. Grounded on
// original_source/pbx/features/qos_monitoring.py for the map/history/alert
// shape; the teacher (flowpbx-flowpbx) has no equivalent subsystem.
type Monitor struct {
	mu         sync.Mutex
	active     map[directionKey]*Metrics
	history    []Summary
	historyCap int
	alerts     []Alert
	alertsCap  int
	thresholds Thresholds
	now        func() time.Time
	logger     *slog.Logger

	onSummary func(Summary)
}

// NewMonitor creates a Monitor with the default history (10 000) and alert
// (1 000) buffer caps from spec.md §4.I and §4.9.
func NewMonitor(thresholds Thresholds, logger *slog.Logger) *Monitor {
	return &Monitor{
		active:     make(map[directionKey]*Metrics),
		historyCap: 10000,
		alertsCap:  1000,
		thresholds: thresholds,
		now:        time.Now,
		logger:     logger.With("subsystem", "qos-monitor"),
	}
}

// OnSummary registers a callback invoked with each computed Summary;
// cmd/pbxd uses it to log summaries. qos_metrics rows are persisted by
// internal/pbx from StopMonitoring's return value, not through this
// callback.
func (m *Monitor) OnSummary(fn func(Summary)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSummary = fn
}

// StartMonitoring registers a direction's live Metrics accumulator for a
// call. The RelayHandler owns the Metrics instance and continues writing
// to it directly; the monitor only reads it at stop time.
func (m *Monitor) StartMonitoring(callID, direction string, metrics *Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[directionKey{callID, direction}] = metrics
}

// StopMonitoring computes the final summary for a call direction, appends
// it to history (evicting the oldest entry on overflow), runs the
// alert-threshold check, and invokes the summary callback if set.
func (m *Monitor) StopMonitoring(callID, direction string) (Summary, bool) {
	m.mu.Lock()
	key := directionKey{callID, direction}
	metrics, ok := m.active[key]
	if !ok {
		m.mu.Unlock()
		return Summary{}, false
	}
	delete(m.active, key)

	summary := Summary{
		CallID:               callID,
		Direction:            direction,
		PacketsSent:          metrics.PacketsSent,
		PacketsReceived:      metrics.PacketsReceived,
		PacketsLost:          metrics.PacketsLost,
		PacketLossPercentage: metrics.PacketLossPercentage(),
		AvgJitterMS:          metrics.AvgJitterMS,
		MaxJitterMS:          metrics.MaxJitterMS,
		AvgLatencyMS:         metrics.AvgLatencyMS,
		MaxLatencyMS:         metrics.MaxLatencyMS,
		MOS:                  metrics.MOS(),
		RecordedAt:           m.now(),
	}
	summary.QualityRating = QualityRating(summary.MOS)

	m.history = append(m.history, summary)
	if len(m.history) > m.historyCap {
		m.history = m.history[len(m.history)-m.historyCap:]
	}

	hasData := metrics.HasData()
	callback := m.onSummary
	m.mu.Unlock()

	m.checkThresholds(summary, hasData)
	if callback != nil {
		callback(summary)
	}
	return summary, true
}

// checkThresholds fires alerts per spec.md §4.9, gated on hasData per the
// Open Question resolution in SPEC_FULL.md §5 (the 0.0 MOS sentinel never
// alone triggers an alert).
func (m *Monitor) checkThresholds(s Summary, hasData bool) {
	var fired []Alert
	at := m.now()

	if hasData && s.MOS < m.thresholds.MOSMin {
		fired = append(fired, Alert{s.CallID, s.Direction, "low_mos", s.MOS, m.thresholds.MOSMin, at})
	}
	if s.PacketLossPercentage > m.thresholds.PacketLossMax {
		fired = append(fired, Alert{s.CallID, s.Direction, "high_loss", s.PacketLossPercentage, m.thresholds.PacketLossMax, at})
	}
	if s.AvgJitterMS > m.thresholds.JitterMaxMS {
		fired = append(fired, Alert{s.CallID, s.Direction, "high_jitter", s.AvgJitterMS, m.thresholds.JitterMaxMS, at})
	}
	if s.AvgLatencyMS > m.thresholds.LatencyMaxMS {
		fired = append(fired, Alert{s.CallID, s.Direction, "high_latency", s.AvgLatencyMS, m.thresholds.LatencyMaxMS, at})
	}
	if len(fired) == 0 {
		return
	}

	m.mu.Lock()
	m.alerts = append(m.alerts, fired...)
	if len(m.alerts) > m.alertsCap {
		m.alerts = m.alerts[len(m.alerts)-m.alertsCap:]
	}
	m.mu.Unlock()

	for _, a := range fired {
		m.logger.Warn("qos threshold breached",
			"call_id", a.CallID, "direction", a.Direction, "kind", a.Kind,
			"value", a.Value, "threshold", a.Threshold)
	}
}

// AverageMOS implements internal/metrics.QoSProvider.
func (m *Monitor) AverageMOS() float64 {
	return m.AggregateStats().AverageMOS
}

// PercentWithIssues implements internal/metrics.QoSProvider.
func (m *Monitor) PercentWithIssues() float64 {
	return m.AggregateStats().PercentWithIssues
}

// AlertCount implements internal/metrics.QoSProvider.
func (m *Monitor) AlertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

// History returns a copy of the bounded call-direction summary history.
func (m *Monitor) History() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Summary, len(m.history))
	copy(out, m.history)
	return out
}

// Alerts returns a copy of the bounded alert buffer.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// AggregateStats recomputes average MOS across history and the percentage
// of summaries that triggered at least one alert condition, on demand per
// spec.md §4.I.
type AggregateStats struct {
	AverageMOS      float64
	PercentWithIssues float64
	SampleCount     int
}

func (m *Monitor) AggregateStats() AggregateStats {
	m.mu.Lock()
	history := make([]Summary, len(m.history))
	copy(history, m.history)
	thresholds := m.thresholds
	m.mu.Unlock()

	if len(history) == 0 {
		return AggregateStats{}
	}

	var sumMOS float64
	var withIssues int
	for _, s := range history {
		sumMOS += s.MOS
		if (s.MOS > 0 && s.MOS < thresholds.MOSMin) ||
			s.PacketLossPercentage > thresholds.PacketLossMax ||
			s.AvgJitterMS > thresholds.JitterMaxMS ||
			s.AvgLatencyMS > thresholds.LatencyMaxMS {
			withIssues++
		}
	}

	return AggregateStats{
		AverageMOS:        sumMOS / float64(len(history)),
		PercentWithIssues: float64(withIssues) / float64(len(history)) * 100,
		SampleCount:       len(history),
	}
}
