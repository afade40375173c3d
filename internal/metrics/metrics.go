// Package metrics exposes the transport's counters and gauges as
// Prometheus collectors: packets sent and repaired, NAKs outstanding,
// peer count, and rate-regulator admission failures. Grounded on the
// pack's own exporter package (runZeroInc-sockstats/pkg/exporter),
// simplified from its custom-Collector pattern to direct
// prometheus/client_golang vectors since this transport's metric
// surface has no per-connection dynamic label discovery to justify a
// custom Collector.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the full set of counters a Transport updates as it runs.
// A nil *Metrics is safe to call methods on (they no-op), so callers
// that don't want metrics can simply omit wiring one up.
type Metrics struct {
	ODataSent      prometheus.Counter
	RDataSent      prometheus.Counter
	ParitySent     prometheus.Counter
	PacketsDropped *prometheus.CounterVec // labeled by reason (e.g. bad_checksum, bad_opt)
	NAKsSent       prometheus.Counter
	NAKsOutstanding prometheus.Gauge
	PeerCount      prometheus.Gauge
	RateWouldBlock prometheus.Counter
}

// New registers and returns a fresh Metrics set on reg. namespace
// prefixes every metric name (e.g. "pgm").
func New(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		ODataSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "odata_sent_total", Help: "Original data packets transmitted.",
		}),
		RDataSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rdata_sent_total", Help: "Repair data packets transmitted.",
		}),
		ParitySent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "parity_sent_total", Help: "Parity packets transmitted (proactive or on-demand).",
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_dropped_total", Help: "Inbound packets dropped, by reason.",
		}, []string{"reason"}),
		NAKsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "naks_sent_total", Help: "NAKs sent requesting repair.",
		}),
		NAKsOutstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "naks_outstanding", Help: "Sequence numbers currently in LOST/WAIT_NCF/WAIT_DATA across all peers.",
		}),
		PeerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peers", Help: "Peers currently tracked in the peer table.",
		}),
		RateWouldBlock: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_wouldblock_total", Help: "Admission checks that returned WOULDBLOCK.",
		}),
	}
	reg.MustRegister(m.ODataSent, m.RDataSent, m.ParitySent, m.PacketsDropped, m.NAKsSent, m.NAKsOutstanding, m.PeerCount, m.RateWouldBlock)
	return m
}

// IncODataSent records one ODATA transmission.
func (m *Metrics) IncODataSent() {
	if m != nil {
		m.ODataSent.Inc()
	}
}

// IncRDataSent records one RDATA transmission.
func (m *Metrics) IncRDataSent() {
	if m != nil {
		m.RDataSent.Inc()
	}
}

// IncParitySent records one parity packet transmission.
func (m *Metrics) IncParitySent() {
	if m != nil {
		m.ParitySent.Inc()
	}
}

// IncDropped records one inbound packet dropped for reason.
func (m *Metrics) IncDropped(reason string) {
	if m != nil {
		m.PacketsDropped.WithLabelValues(reason).Inc()
	}
}

// IncNAKsSent records one NAK transmission.
func (m *Metrics) IncNAKsSent() {
	if m != nil {
		m.NAKsSent.Inc()
	}
}

// SetNAKsOutstanding sets the current outstanding-NAK gauge.
func (m *Metrics) SetNAKsOutstanding(n int) {
	if m != nil {
		m.NAKsOutstanding.Set(float64(n))
	}
}

// SetPeerCount sets the current peer-table size gauge.
func (m *Metrics) SetPeerCount(n int) {
	if m != nil {
		m.PeerCount.Set(float64(n))
	}
}

// IncRateWouldBlock records one WOULDBLOCK from the rate regulator.
func (m *Metrics) IncRateWouldBlock() {
	if m != nil {
		m.RateWouldBlock.Inc()
	}
}
