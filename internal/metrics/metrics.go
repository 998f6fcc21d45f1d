// Package metrics exposes corepbx's runtime state as Prometheus metrics
// via the pull-model prometheus.Collector pattern, grounded on
// flowpbx-flowpbx's internal/metrics/metrics.go (provider-interface +
// Describe/Collect shape), re-keyed from FlowPBX's trunk/voicemail/CDR
// gauges to the PBX core's own state: active calls, registrations, QoS
// (MOS, alerts), and RTP relay throughput.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes the number of active calls.
type ActiveCallsProvider interface {
	ActiveCallCount() int
}

// RegistrationsProvider exposes the number of currently registered
// extensions.
type RegistrationsProvider interface {
	RegisteredCount() int
}

// QoSProvider exposes aggregate call-quality statistics from the QoS
// monitor (internal/qos.Monitor.AggregateStats).
type QoSProvider interface {
	AverageMOS() float64
	PercentWithIssues() float64
	AlertCount() int
}

// RelayProvider exposes aggregate RTP relay throughput across all active
// handlers.
type RelayProvider interface {
	ActiveRelayCount() int
	PortPoolCapacity() int
	PortPoolAllocated() int
}

// Collector is a prometheus.Collector gathering corepbx metrics at
// scrape time. Any provider may be nil if that subsystem is unavailable.
type Collector struct {
	activeCalls   ActiveCallsProvider
	registrations RegistrationsProvider
	qos           QoSProvider
	relay         RelayProvider
	startTime     time.Time

	activeCallsDesc     *prometheus.Desc
	registrationsDesc   *prometheus.Desc
	qosAverageMOSDesc   *prometheus.Desc
	qosIssuePercentDesc *prometheus.Desc
	qosAlertsDesc       *prometheus.Desc
	relaySessionsDesc   *prometheus.Desc
	relayCapacityDesc   *prometheus.Desc
	relayAllocatedDesc  *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a metrics collector over the given providers.
func NewCollector(
	activeCalls ActiveCallsProvider,
	registrations RegistrationsProvider,
	qos QoSProvider,
	relay RelayProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		activeCalls:   activeCalls,
		registrations: registrations,
		qos:           qos,
		relay:         relay,
		startTime:     startTime,

		activeCallsDesc: prometheus.NewDesc(
			"pbx_active_calls",
			"Number of currently active calls (every call not yet ended)",
			nil, nil,
		),
		registrationsDesc: prometheus.NewDesc(
			"pbx_registered_extensions",
			"Number of currently registered extensions",
			nil, nil,
		),
		qosAverageMOSDesc: prometheus.NewDesc(
			"pbx_qos_average_mos",
			"Average MOS score across the QoS history buffer",
			nil, nil,
		),
		qosIssuePercentDesc: prometheus.NewDesc(
			"pbx_qos_calls_with_issues_percent",
			"Percentage of recorded call directions that breached a QoS threshold",
			nil, nil,
		),
		qosAlertsDesc: prometheus.NewDesc(
			"pbx_qos_alerts_total",
			"Number of QoS threshold alerts currently retained in the alert buffer",
			nil, nil,
		),
		relaySessionsDesc: prometheus.NewDesc(
			"pbx_rtp_relay_sessions_active",
			"Number of active RTP relay handlers",
			nil, nil,
		),
		relayCapacityDesc: prometheus.NewDesc(
			"pbx_rtp_port_pool_capacity",
			"Total RTP port pairs configured",
			nil, nil,
		),
		relayAllocatedDesc: prometheus.NewDesc(
			"pbx_rtp_port_pool_allocated",
			"RTP port pairs currently allocated",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"pbx_uptime_seconds",
			"Seconds since the corepbx process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.registrationsDesc
	ch <- c.qosAverageMOSDesc
	ch <- c.qosIssuePercentDesc
	ch <- c.qosAlertsDesc
	ch <- c.relaySessionsDesc
	ch <- c.relayCapacityDesc
	ch <- c.relayAllocatedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector, querying all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.ActiveCallCount()),
		)
	}

	if c.registrations != nil {
		ch <- prometheus.MustNewConstMetric(
			c.registrationsDesc, prometheus.GaugeValue,
			float64(c.registrations.RegisteredCount()),
		)
	}

	if c.qos != nil {
		ch <- prometheus.MustNewConstMetric(
			c.qosAverageMOSDesc, prometheus.GaugeValue, c.qos.AverageMOS(),
		)
		ch <- prometheus.MustNewConstMetric(
			c.qosIssuePercentDesc, prometheus.GaugeValue, c.qos.PercentWithIssues(),
		)
		ch <- prometheus.MustNewConstMetric(
			c.qosAlertsDesc, prometheus.CounterValue, float64(c.qos.AlertCount()),
		)
	}

	if c.relay != nil {
		ch <- prometheus.MustNewConstMetric(
			c.relaySessionsDesc, prometheus.GaugeValue, float64(c.relay.ActiveRelayCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.relayCapacityDesc, prometheus.GaugeValue, float64(c.relay.PortPoolCapacity()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.relayAllocatedDesc, prometheus.GaugeValue, float64(c.relay.PortPoolAllocated()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds(),
	)
}
