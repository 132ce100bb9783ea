package exchange

import "time"

// armRetransmit schedules the next retransmission check of a CON.
func (e *Engine) armRetransmit(ex *Exchange, timeout time.Duration) {
	ex.retransmit.Reset(timeout, func() { e.onRetransmitTimeout(ex) })
}

// armDeadline schedules the response timeout.
func (e *Engine) armDeadline(ex *Exchange) {
	ex.deadline.Reset(e.config.Params.ResponseTimeout, func() { e.onResponseTimeout(ex) })
}

// onRetransmitTimeout resends a CON that is still unacknowledged, doubling
// the timeout, or times the exchange out once MAX_RETRANSMIT
// retransmissions went unanswered (RFC 7252 Section 4.2).
func (e *Engine) onRetransmitTimeout(ex *Exchange) {
	e.lock.Lock()
	if ex.state != ExchangeStateAwaitingAck {
		e.lock.Unlock()
		return
	}
	if ex.retransmits >= e.backoff.MaxRetransmit() {
		e.timeOutLocked(ex)
		e.lock.Unlock()
		e.finish(ex)
		return
	}
	ex.retransmits++
	ex.timeout = e.backoff.Next(ex.timeout)
	n, timeout, data := ex.retransmits, ex.timeout, ex.data
	e.lock.Unlock()

	e.config.Metrics.Retransmission()
	if e.log != nil {
		e.log.Debugf("retransmit %d/%d mid=%d to %s, next timeout %s",
			n, e.backoff.MaxRetransmit(), ex.msg.MessageID, ex.peer, timeout)
	}
	// A failed send is retried on the next timeout like a lost datagram.
	_ = e.transmit(data, ex.peer, ex.msg)
	e.armRetransmit(ex, timeout)
}

// onResponseTimeout fails an exchange still waiting for its response.
func (e *Engine) onResponseTimeout(ex *Exchange) {
	e.lock.Lock()
	if ex.state != ExchangeStateAwaitingResponse {
		e.lock.Unlock()
		return
	}
	e.timeOutLocked(ex)
	e.lock.Unlock()
	e.finish(ex)
}

func (e *Engine) timeOutLocked(ex *Exchange) {
	ex.state = ExchangeStateTimedOut
	ex.err = ErrExchangeTimedOut
	e.removeLocked(ex)
}
