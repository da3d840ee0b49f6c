// Package metrics exposes the endpoint's internal counters as Prometheus
// collectors, registered against a caller-supplied registry so a single
// process can host more than one endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors groups every metric the endpoint updates.
type Collectors struct {
	ExchangesTotal       *prometheus.CounterVec
	RetransmitsTotal     prometheus.Counter
	TimeoutsTotal        prometheus.Counter
	DuplicatesTotal      prometheus.Counter
	BlockTransfersTotal  *prometheus.CounterVec
	ObserveSubscriptions prometheus.Gauge
	NotificationsTotal   prometheus.Counter
}

// New builds the collector set without registering it.
func New(namespace string) *Collectors {
	return &Collectors{
		ExchangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "CoAP exchanges processed, labelled by outcome.",
		}, []string{"outcome"}),
		RetransmitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmits_total",
			Help:      "Confirmable messages retransmitted.",
		}),
		TimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Exchanges that exhausted MAX_RETRANSMIT without an ACK/RST.",
		}),
		DuplicatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_total",
			Help:      "Duplicate inbound Confirmable requests detected.",
		}),
		BlockTransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_transfers_total",
			Help:      "Blockwise transfers completed, labelled by direction.",
		}, []string{"direction"}),
		ObserveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observe_subscriptions",
			Help:      "Currently active Observe relationships.",
		}),
		NotificationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Observe notifications sent.",
		}),
	}
}

// MustRegister registers every collector against reg, panicking on conflict
// (mirrors the usual prometheus bootstrap idiom).
func (c *Collectors) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		c.ExchangesTotal,
		c.RetransmitsTotal,
		c.TimeoutsTotal,
		c.DuplicatesTotal,
		c.BlockTransfersTotal,
		c.ObserveSubscriptions,
		c.NotificationsTotal,
	)
}
