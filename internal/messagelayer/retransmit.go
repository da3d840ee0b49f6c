package messagelayer

import (
	"context"
	"math/rand"
	"time"

	"github.com/coreway/coap"
	"github.com/coreway/coap/internal/obs"
	"github.com/coreway/coap/internal/transaction"
)

// StartRetransmit arms the exponential-backoff retransmission task for a
// Confirmable message (§4.2, §6 ACK_TIMEOUT/ACK_RANDOM_FACTOR/
// MAX_RETRANSMIT). send is called again on every backoff tick until the
// transaction is acknowledged/rejected (CancelRetransmit) or MaxRetransmit
// is exhausted, at which point l.OnTimeout fires once.
func (l *Layer) StartRetransmit(tx *transaction.Transaction, msg *coap.Message, send func(*coap.Message) error) {
	if msg.Type != coap.Confirmable {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	tx.SetRetransmitCancel(cancel)

	go func() {
		timeout := jitteredTimeout(l.cfg.AckTimeout, l.cfg.AckRandomFactor)
		for attempt := 1; attempt <= l.cfg.MaxRetransmit; attempt++ {
			timer := time.NewTimer(timeout)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if err := send(msg); err != nil {
				obs.Warn("retransmit send failed mid=%d: %v", msg.MessageID, err)
			}
			if l.metrics != nil {
				l.metrics.RetransmitsTotal.Inc()
			}
			obs.Trace("retransmit mid=%d attempt=%d", msg.MessageID, attempt)
			timeout *= 2
		}

		tx.MarkTimedOut()
		if l.metrics != nil {
			l.metrics.TimeoutsTotal.Inc()
		}
		if l.OnTimeout != nil {
			l.OnTimeout(tx)
		}
	}()
}

// jitteredTimeout picks a value uniformly in [base, base*factor) per
// RFC 7252 §4.8's ACK_RANDOM_FACTOR.
func jitteredTimeout(base time.Duration, factor float64) time.Duration {
	if factor <= 1 {
		return base
	}
	span := float64(base) * (factor - 1)
	return base + time.Duration(rand.Float64()*span)
}
