package coap

import (
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/observe"
)

// Metrics receives endpoint events. metrics.Collector implements it.
type Metrics interface {
	exchange.Metrics
	observe.Metrics

	// SecurityFailure counts an inbound message dropped by OSCORE.
	SecurityFailure(reason string)

	// BlockTransfer counts a finished block-wise body transfer;
	// direction is "in" or "out".
	BlockTransfer(direction string, ok bool)
}

type nopMetrics struct{}

func (nopMetrics) MessageSent(message.Type)                 {}
func (nopMetrics) Retransmission()                          {}
func (nopMetrics) DuplicateReceived()                       {}
func (nopMetrics) MalformedReceived()                       {}
func (nopMetrics) ExchangeCompleted(exchange.ExchangeState) {}
func (nopMetrics) ObservationRegistered(observe.Role)       {}
func (nopMetrics) ObservationCancelled(observe.Reason)      {}
func (nopMetrics) NotificationAccepted()                    {}
func (nopMetrics) NotificationRejected()                    {}
func (nopMetrics) SecurityFailure(string)                   {}
func (nopMetrics) BlockTransfer(string, bool)               {}
