// Package metrics exposes endpoint events as Prometheus metrics.
//
// A Collector implements the metrics hooks of the exchange engine and the
// observation manager; pass it to both through coap.Config.Metrics.
package metrics

import (
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/observe"
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "coap"

// Collector holds the endpoint counters.
type Collector struct {
	messagesSent     *prometheus.CounterVec
	retransmissions  prometheus.Counter
	duplicates       prometheus.Counter
	malformed        prometheus.Counter
	exchanges        *prometheus.CounterVec
	registrations    *prometheus.CounterVec
	cancellations    *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	securityFailures *prometheus.CounterVec
	blockTransfers   *prometheus.CounterVec
}

var (
	_ exchange.Metrics = (*Collector)(nil)
	_ observe.Metrics  = (*Collector)(nil)
)

// NewCollector creates the counters and registers them with reg.
// A nil reg leaves them unregistered.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "exchange", Name: "messages_sent_total",
			Help: "Messages handed to the transport, by message type.",
		}, []string{"type"}),
		retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "exchange", Name: "retransmissions_total",
			Help: "Confirmable messages retransmitted after an ACK timeout.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "exchange", Name: "duplicates_total",
			Help: "Inbound messages recognised as duplicates.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "exchange", Name: "malformed_total",
			Help: "Inbound datagrams dropped as malformed.",
		}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "exchange", Name: "finished_total",
			Help: "Exchanges reaching a terminal state, by state.",
		}, []string{"state"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "observe", Name: "registrations_total",
			Help: "Observations registered, by role.",
		}, []string{"role"}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "observe", Name: "cancellations_total",
			Help: "Observations removed, by reason.",
		}, []string{"reason"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "observe", Name: "notifications_total",
			Help: "Inbound notifications, by freshness outcome.",
		}, []string{"outcome"}),
		securityFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "oscore", Name: "failures_total",
			Help: "Inbound messages dropped by the OSCORE layer, by reason.",
		}, []string{"reason"}),
		blockTransfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "block", Name: "transfers_total",
			Help: "Block-wise transfers, by direction and outcome.",
		}, []string{"direction", "outcome"}),
	}
	if reg == nil {
		return c, nil
	}
	for _, col := range []prometheus.Collector{
		c.messagesSent, c.retransmissions, c.duplicates, c.malformed, c.exchanges,
		c.registrations, c.cancellations, c.notifications, c.securityFailures, c.blockTransfers,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MessageSent counts an outbound message.
func (c *Collector) MessageSent(t message.Type) { c.messagesSent.WithLabelValues(t.String()).Inc() }

// Retransmission counts a CON retransmission.
func (c *Collector) Retransmission() { c.retransmissions.Inc() }

// DuplicateReceived counts a deduplicated inbound message.
func (c *Collector) DuplicateReceived() { c.duplicates.Inc() }

// MalformedReceived counts a dropped datagram.
func (c *Collector) MalformedReceived() { c.malformed.Inc() }

// ExchangeCompleted counts an exchange by its terminal state.
func (c *Collector) ExchangeCompleted(state exchange.ExchangeState) {
	c.exchanges.WithLabelValues(state.String()).Inc()
}

// ObservationRegistered counts a registration.
func (c *Collector) ObservationRegistered(role observe.Role) {
	c.registrations.WithLabelValues(role.String()).Inc()
}

// ObservationCancelled counts a removal.
func (c *Collector) ObservationCancelled(reason observe.Reason) {
	c.cancellations.WithLabelValues(reason.String()).Inc()
}

// NotificationAccepted counts a fresh notification.
func (c *Collector) NotificationAccepted() { c.notifications.WithLabelValues("accepted").Inc() }

// NotificationRejected counts a stale notification.
func (c *Collector) NotificationRejected() { c.notifications.WithLabelValues("rejected").Inc() }

// SecurityFailure counts an inbound message dropped by OSCORE.
func (c *Collector) SecurityFailure(reason string) {
	c.securityFailures.WithLabelValues(reason).Inc()
}

// BlockTransfer counts a finished block-wise transfer. direction is "in"
// or "out"; ok reports success.
func (c *Collector) BlockTransfer(direction string, ok bool) {
	outcome := "completed"
	if !ok {
		outcome = "failed"
	}
	c.blockTransfers.WithLabelValues(direction, outcome).Inc()
}
