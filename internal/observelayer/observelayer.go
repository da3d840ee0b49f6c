// Package observelayer implements RFC 7641 Observe (§4.4): the subscription
// table, the CONTENT-code/content-type bookkeeping that finalizes a
// relationship, and the notify fan-out the endpoint driver calls into when a
// resource changes.
package observelayer

import (
	"time"

	"github.com/coreway/coap"
	"github.com/coreway/coap/internal/cache"
	"github.com/coreway/coap/internal/metrics"
	"github.com/coreway/coap/internal/obs"
	"github.com/coreway/coap/internal/protoerr"
	"github.com/coreway/coap/internal/transaction"
	"github.com/coreway/coap/resource"
)

// MaxNonNotifications bounds a run of consecutive NON notifications: once
// more than this many have been sent, the layer promotes the next one to
// CON, forcing a liveness check (§4.4, §6 MAX_NON_NOTIFICATIONS).
const MaxNonNotifications = 10

// MaxLostNotification is MAX_LOST_NOTIFICATION (§6): the number of
// consecutive unacknowledged Confirmable notifications the periodic sweep
// tolerates before evicting the subscription.
const MaxLostNotification = 2

// ObservingJitter is OBSERVING_JITTER (§6): how far ahead of a
// subscription's max_age expiry the periodic sweep reissues a notification.
const ObservingJitter = 5 * time.Second

// noContentType is the sentinel "no notification delivered yet" content-type
// recorded for a fresh registration, mirroring the reference
// implementation's content_type = -1.
const noContentType = coap.MediaType(0xFFFF)

type relation struct {
	timestamp   time.Time
	nonCounter  int
	allowed     bool
	tx          *transaction.Transaction
	contentType coap.MediaType
}

// Layer owns the subscription table, LFU-bounded at capacity like the block
// tables (§6 TRANSACTION_LIST_MAX_SIZE) since an Observe relationship has no
// fixed lifetime of its own.
type Layer struct {
	relations *cache.Cache
	metrics   *metrics.Collectors
}

// New builds a Layer with the relation table capped at capacity entries.
func New(capacity int, m *metrics.Collectors) *Layer {
	return &Layer{relations: cache.NewLFU(capacity), metrics: m}
}

func key(tx *transaction.Transaction) string {
	return transaction.TokenKey(tx.Request.Source, tx.Request.Token)
}

// ReceiveRequest registers or removes a subscription per the request's
// Observe option (0 = register/renew, 1 = deregister), §4.4.
func (l *Layer) ReceiveRequest(tx *transaction.Transaction) {
	v, ok := tx.Request.ObserveValue()
	if !ok {
		return
	}
	k := key(tx)

	switch v {
	case 0:
		_, renewing := l.relations.Get(k)
		l.relations.Set(k, &relation{
			timestamp:   time.Now(),
			nonCounter:  0,
			allowed:     renewing,
			tx:          tx,
			contentType: noContentType,
		}, time.Now().UnixNano())
	case 1:
		obs.Info("remove subscriber token=%x", tx.Request.Token)
		l.relations.Delete(k)
	}
}

// SendResponse finalizes a pending subscription once the handler's response
// is known: a 2.05 Content answer from an Observable resource whose
// content-type matches (or is the subscription's first answer) stamps the
// Observe option and confirms the relationship; anything else evicts it
// (§4.4 invariant "Observe eviction on content-type change").
func (l *Layer) SendResponse(tx *transaction.Transaction) error {
	k := key(tx)
	raw, ok := l.relations.Get(k)
	if !ok {
		return nil
	}
	rel := raw.(*relation)
	resp := tx.Response

	switch {
	case resp.Code == coap.Content:
		if tx.Resource == nil || !tx.Resource.Observable {
			l.relations.Delete(k)
			return nil
		}
		snap := tx.Resource.Snapshot()
		if rel.contentType != noContentType && snap.ContentType != rel.contentType {
			l.relations.Delete(k)
			return protoerr.NewObserveError("content-type changed", coap.NotAcceptable)
		}
		resp.SetObserve(snap.ObserveCount)
		rel.allowed = true
		rel.tx = tx
		rel.timestamp = time.Now()
		rel.contentType = snap.ContentType
		tx.Notification = true
		if l.metrics != nil {
			l.metrics.ObserveSubscriptions.Inc()
		}
	case resp.Code.IsError():
		l.relations.Delete(k)
	default:
		l.relations.Delete(k)
	}
	return nil
}

// ReceiveEmpty drops the subscription when the client answers a
// notification with RST (§4.4 "the client is no longer interested").
func (l *Layer) ReceiveEmpty(empty *coap.Message, tx *transaction.Transaction) {
	if empty.Type != coap.Reset {
		return
	}
	obs.Info("remove subscriber (RST) token=%x", tx.Request.Token)
	l.relations.Delete(key(tx))
	if l.metrics != nil {
		l.metrics.ObserveSubscriptions.Dec()
	}
}

// Notify prepares one notification transaction per subscriber of r,
// promoting NON to CON either because the client asked for CON originally
// or MaxNonNotifications consecutive NONs have gone by without a liveness
// check (§4.4).
func (l *Layer) Notify(r *resource.Resource) []*transaction.Transaction {
	var out []*transaction.Transaction
	for _, k := range l.relations.Keys() {
		raw, ok := l.relations.Get(k)
		if !ok {
			continue
		}
		rel := raw.(*relation)
		if rel.tx == nil || rel.tx.Resource != r {
			continue
		}
		l.promote(rel)
		rel.tx.Response.MessageID = 0
		out = append(out, rel.tx)
	}
	if l.metrics != nil {
		l.metrics.NotificationsTotal.Add(float64(len(out)))
	}
	return out
}

// NotifyAll prepares a notification transaction for every active
// subscription, regardless of which resource last changed (used by a
// bulk/shutdown fan-out).
func (l *Layer) NotifyAll() []*transaction.Transaction {
	var out []*transaction.Transaction
	for _, k := range l.relations.Keys() {
		raw, ok := l.relations.Get(k)
		if !ok || raw.(*relation).tx == nil {
			continue
		}
		rel := raw.(*relation)
		l.promote(rel)
		rel.tx.Response.MessageID = 0
		out = append(out, rel.tx)
	}
	return out
}

// Sweep reissues a notification for every subscription whose max_age is
// about to elapse and evicts any whose previous Confirmable notification
// has gone unacknowledged MaxLostNotification times in a row (§4.4, §4.6).
func (l *Layer) Sweep(now time.Time) []*transaction.Transaction {
	var out []*transaction.Transaction
	for _, k := range l.relations.Keys() {
		raw, ok := l.relations.Get(k)
		if !ok {
			continue
		}
		rel := raw.(*relation)
		if rel.tx == nil || !rel.allowed || rel.tx.Response == nil {
			continue
		}

		maxAge := time.Duration(rel.tx.Response.MaxAgeValue()) * time.Second
		if now.Before(rel.timestamp.Add(maxAge - ObservingJitter)) {
			continue
		}

		if rel.tx.Response.Type == coap.Confirmable && !rel.tx.Response.Acknowledged {
			rel.tx.NotificationNotAcknowledged++
			if rel.tx.NotificationNotAcknowledged >= MaxLostNotification {
				obs.Warn("evicting subscriber after lost notifications token=%x", rel.tx.Request.Token)
				l.relations.Delete(k)
				if l.metrics != nil {
					l.metrics.ObserveSubscriptions.Dec()
				}
			}
			continue
		}

		rel.tx.NotificationNotAcknowledged = 0
		l.promote(rel)
		rel.tx.Response.MessageID = 0
		out = append(out, rel.tx)
	}
	if l.metrics != nil {
		l.metrics.NotificationsTotal.Add(float64(len(out)))
	}
	return out
}

func (l *Layer) promote(rel *relation) {
	switch {
	case rel.nonCounter > MaxNonNotifications || rel.tx.Request.Type == coap.Confirmable:
		rel.tx.Response.Type = coap.Confirmable
		rel.nonCounter = 0
	case rel.tx.Request.Type == coap.NonConfirmable:
		rel.nonCounter++
		rel.tx.Response.Type = coap.NonConfirmable
	}
}

// RemoveSubscriber tears down the subscription keyed by msg's
// (destination, token); the endpoint calls it when a Confirmable
// notification times out.
func (l *Layer) RemoveSubscriber(msg *coap.Message) {
	k := transaction.TokenKey(msg.Destination, msg.Token)
	l.relations.Delete(k)
	if l.metrics != nil {
		l.metrics.ObserveSubscriptions.Dec()
	}
}
