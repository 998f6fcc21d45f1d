// Package qos implements the per-direction quality accounting and
// threshold alerting described in spec.md §4.D (accounting) and §4.I
// (the monitor that owns history and alerts). The MOS calculation is the
// simplified ITU-T E-Model formula spec.md §4.9 gives verbatim; nothing
// here is grounded on a specific teacher file because the teacher
// (flowpbx-flowpbx) has no QoS subsystem of its own — it is grounded on
// the formula and thresholds spec.md states directly and on
// original_source/pbx/features/qos_monitoring.py for the bucket names
// and alert shape.
package qos

import "math"

const jitterWindow = 100
const latencyWindow = 100

// Metrics is the per-direction accounting state for one leg of one call.
// One instance exists per direction per call (spec.md §4's QoSMetrics
// type); it is never shared across calls.
type Metrics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLost     uint64
	OutOfOrder      uint64

	jitterSamples  []float64
	latencySamples []float64

	AvgJitterMS  float64
	MaxJitterMS  float64
	AvgLatencyMS float64
	MaxLatencyMS float64

	haveSeq       bool
	lastSeq       uint16
	lastTimestamp uint32
	lastArrival   int64 // unix nanos
	clockRateHz   int
}

// NewMetrics returns a zeroed per-direction metrics accumulator. clockRateHz
// is the RTP timestamp clock rate for the negotiated codec (default 8000 for
// telephony codecs per spec.md §4's jitter formula).
func NewMetrics(clockRateHz int) *Metrics {
	if clockRateHz <= 0 {
		clockRateHz = 8000
	}
	return &Metrics{clockRateHz: clockRateHz}
}

// RecordSent increments the sent counter unconditionally, per the
// forwarding algorithm's step 6 ("update sent counter unconditionally on
// forward").
func (m *Metrics) RecordSent() {
	m.PacketsSent++
}

// RecordReceived performs sequence-gap loss/out-of-order accounting and
// jitter accumulation for one sampled inbound RTP packet. arrivalNanos is
// the local wall-clock arrival time in unix nanoseconds.
func (m *Metrics) RecordReceived(seq uint16, timestamp uint32, arrivalNanos int64) {
	m.PacketsReceived++

	if !m.haveSeq {
		m.haveSeq = true
		m.lastSeq = seq
		m.lastTimestamp = timestamp
		m.lastArrival = arrivalNanos
		return
	}

	expected := m.lastSeq + 1
	delta := int32(seq) - int32(expected)
	switch {
	case seq == expected:
		// in order, no loss delta
	case delta > 0:
		m.PacketsLost += uint64(delta)
	default:
		m.OutOfOrder++
	}

	arrivalDeltaMS := float64(arrivalNanos-m.lastArrival) / 1e6
	timestampDeltaMS := float64(int64(timestamp)-int64(m.lastTimestamp)) / float64(m.clockRateHz) * 1000
	jitter := math.Abs(arrivalDeltaMS - timestampDeltaMS)
	m.appendJitter(jitter)

	m.lastSeq = seq
	m.lastTimestamp = timestamp
	m.lastArrival = arrivalNanos
}

func (m *Metrics) appendJitter(sampleMS float64) {
	m.jitterSamples = append(m.jitterSamples, sampleMS)
	if len(m.jitterSamples) > jitterWindow {
		m.jitterSamples = m.jitterSamples[len(m.jitterSamples)-jitterWindow:]
	}
	m.AvgJitterMS = average(m.jitterSamples)
	m.MaxJitterMS = maxOf(m.jitterSamples)
}

// RecordLatencySample feeds an externally-measured one-way or round-trip
// latency sample (from RTCP receiver reports or an explicit probe), per
// spec.md §4.D's "fed externally" note. A relay Handler exposes it
// through MetricsAtoB and MetricsBtoA.
func (m *Metrics) RecordLatencySample(ms float64) {
	m.latencySamples = append(m.latencySamples, ms)
	if len(m.latencySamples) > latencyWindow {
		m.latencySamples = m.latencySamples[len(m.latencySamples)-latencyWindow:]
	}
	m.AvgLatencyMS = average(m.latencySamples)
	m.MaxLatencyMS = maxOf(m.latencySamples)
}

// HasData reports whether this direction has received any packets or
// latency samples. Gates the MOS "no data" sentinel per the Open Question
// resolution in SPEC_FULL.md §5: alerting must not fire on a call leg
// that has simply not started yet.
func (m *Metrics) HasData() bool {
	return m.PacketsReceived > 0 || len(m.latencySamples) > 0
}

// PacketLossPercentage returns the loss percentage relative to packets
// that should have arrived (received + lost).
func (m *Metrics) PacketLossPercentage() float64 {
	total := m.PacketsReceived + m.PacketsLost
	if total == 0 {
		return 0
	}
	return float64(m.PacketsLost) / float64(total) * 100
}

// MOS computes the simplified ITU-T E-Model score per spec.md §4.9,
// verbatim from the formula given there. Returns 0.0 (the documented "no
// data" sentinel) when HasData() is false.
func (m *Metrics) MOS() float64 {
	if !m.HasData() {
		return 0.0
	}

	r := 93.2
	r -= m.PacketLossPercentage() * 2.5
	if m.AvgLatencyMS > 160 {
		r -= (m.AvgLatencyMS - 160) * 0.3
	}
	if m.AvgJitterMS > 30 {
		r -= (m.AvgJitterMS - 30) * 0.1
	}

	mos := 1 + 0.035*r + 7e-6*r*(r-60)*(100-r)
	return clamp(mos, 1.0, 4.5)
}

// QualityRating buckets a MOS score into the spec.md §4.9 rating names.
func QualityRating(mos float64) string {
	switch {
	case mos >= 4.3:
		return "Excellent"
	case mos >= 4.0:
		return "Good"
	case mos >= 3.6:
		return "Fair"
	case mos >= 3.1:
		return "Poor"
	default:
		return "Bad"
	}
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func maxOf(xs []float64) float64 {
	var m float64
	for _, x := range xs {
		if x > m {
			m = x
		}
	}
	return m
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
