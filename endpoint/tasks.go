package endpoint

import (
	"time"

	"github.com/coreway/coap"
	"github.com/coreway/coap/internal/obs"
	"github.com/coreway/coap/internal/protoerr"
	"github.com/coreway/coap/internal/transaction"
	"github.com/coreway/coap/resource"
)

// notifyDispatcher drains notifyCh and re-runs every affected subscriber
// through the Block/Observe/Message layers (§4.6 "notify-dispatcher
// draining the notify_queue").
func (e *Endpoint) notifyDispatcher() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closeCh:
			return
		case r := <-e.notifyCh:
			e.dispatchNotification(r)
		}
	}
}

func (e *Endpoint) dispatchNotification(r *resource.Resource) {
	e.deliverNotifications(e.observe.Notify(r))
}

// deliverNotifications re-snapshots each transaction's subscribed resource
// and pushes the resulting response back through the Block, Observe and
// Message layers, shared by resource-triggered dispatch and the periodic
// max-age sweep (§4.6).
func (e *Endpoint) deliverNotifications(txs []*transaction.Transaction) {
	for _, tx := range txs {
		resp := tx.Response
		var cur *resource.Resource
		var stillPresent bool
		if tx.Resource != nil {
			cur, stillPresent = e.tree.Get(tx.Resource.Path)
		}
		if stillPresent {
			snap := cur.Snapshot()
			resp.Code = coap.Content
			resp.Payload = append([]byte(nil), snap.Payload...)
			resp.SetContentFormat(snap.ContentType)
			tx.Resource = cur
		} else {
			resp.Code = coap.NotFound
			resp.Payload = nil
			tx.Resource = nil
		}

		if err := e.observe.SendResponse(tx); err != nil {
			if oe, ok := err.(*protoerr.ObserveError); ok {
				resp.Code = oe.Code
				resp.Type = coap.Confirmable
				resp.Payload = nil
			}
		}
		e.block.SendResponse(tx)
		e.msg.SendResponse(tx)
		if err := e.send(resp); err != nil {
			obs.Warn("send notification failed token=%x: %v", resp.Token, err)
			continue
		}
		if resp.Type == coap.Confirmable {
			e.msg.StartRetransmit(tx, resp, e.sendFunc)
		}
	}
}

// sweeper periodically reclaims TTL-expired Message Layer entries and runs
// the Observe Layer's max-age sweep, reissuing or evicting subscriptions
// whose max_age is due (§4.4, §4.6 "max-age sweeper").
func (e *Endpoint) sweeper() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closeCh:
			return
		case now := <-ticker.C:
			e.msg.Sweep(now)
			e.deliverNotifications(e.observe.Sweep(now))
		}
	}
}
