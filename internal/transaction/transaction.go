package transaction

import (
	"context"
	"sync"
	"time"

	"github.com/coreway/coap"
	"github.com/coreway/coap/resource"
)

// Transaction is the shared per-exchange state object: created by the
// Message Layer, referenced by every layer for the duration of the
// exchange, and destroyed when it times out of the TTL cache (§3).
//
// Per the design note in §9, cyclic references are avoided: Transaction
// owns Request/Response directly, and refers to its Resource by pointer
// into the (separately owned) resource tree rather than by value.
type Transaction struct {
	mu sync.Mutex

	Request  *coap.Message
	Response *coap.Message
	Resource *resource.Resource

	CreatedAt time.Time

	// BlockTransfer is set while a Block1 request is still being
	// reassembled: the Request Layer must not be invoked (§4.3).
	BlockTransfer bool

	// Notification marks this transaction as belonging to an Observe
	// relationship so the message layer's retransmit/timeout handling
	// knows to evict the subscription on loss (§4.2, §4.4).
	Notification bool

	// NotificationNotAcknowledged counts consecutive unacknowledged CON
	// notifications (§4.4's MAX_LOST_NOTIFICATION sweep).
	NotificationNotAcknowledged int

	respCh       chan *coap.Message // single-slot: AwaitResponse/DeliverResponse (§9)
	retransmit   context.CancelFunc
	separateStop context.CancelFunc
}

// New creates a Transaction wrapping an inbound or outbound request.
func New(req *coap.Message) *Transaction {
	return &Transaction{
		Request:   req,
		CreatedAt: time.Now(),
		respCh:    make(chan *coap.Message, 1),
	}
}

// DeliverResponse deposits resp into the transaction's single-slot channel.
// A late response (after the caller already gave up, §9) is discarded
// rather than blocking.
func (t *Transaction) DeliverResponse(resp *coap.Message) {
	select {
	case t.respCh <- resp:
	default:
	}
}

// AwaitResponse blocks until a response is delivered, ctx is cancelled, or
// timeout elapses — modelling the condition-variable wait of §5's
// receive_response(transaction, timeout). On expiry the transaction is not
// torn down; the caller may retry (§5).
func (t *Transaction) AwaitResponse(ctx context.Context, timeout time.Duration) (*coap.Message, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-t.respCh:
		return resp, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// SetRetransmitCancel stores the cancel function for the in-flight
// retransmit task, so a later ACK/RST can stop it (§4.2).
func (t *Transaction) SetRetransmitCancel(cancel context.CancelFunc) {
	t.mu.Lock()
	t.retransmit = cancel
	t.mu.Unlock()
}

// CancelRetransmit stops the retransmit task if one is running. Safe to
// call more than once.
func (t *Transaction) CancelRetransmit() {
	t.mu.Lock()
	cancel := t.retransmit
	t.retransmit = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ArmSeparate starts a timer that fires ch after d unless Disarm is called
// first (§5 "separate-ACK task... armed by a timer of SEPARATE_TIMEOUT").
func (t *Transaction) ArmSeparate(d time.Duration) (ch <-chan struct{}, disarm func()) {
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.separateStop = cancel
	t.mu.Unlock()

	fired := make(chan struct{}, 1)
	timer := time.NewTimer(d)
	go func() {
		select {
		case <-timer.C:
			select {
			case fired <- struct{}{}:
			default:
			}
		case <-ctx.Done():
			timer.Stop()
		}
	}()
	return fired, func() {
		t.mu.Lock()
		if t.separateStop != nil {
			t.separateStop()
			t.separateStop = nil
		}
		t.mu.Unlock()
	}
}

// MarkAcknowledged sets the acknowledged flag on whichever of
// Request/Response is still outstanding (mirrors §4.2 receive_empty's ACK
// handling) and stops any retransmit task.
func (t *Transaction) MarkAcknowledged() {
	t.mu.Lock()
	switch {
	case t.Request != nil && !t.Request.Acknowledged:
		t.Request.Acknowledged = true
	case t.Response != nil && !t.Response.Acknowledged:
		t.Response.Acknowledged = true
	}
	t.mu.Unlock()
	t.CancelRetransmit()
}

// MarkRejected sets the rejected flag on whichever of Request/Response is
// still outstanding and stops any retransmit task.
func (t *Transaction) MarkRejected() {
	t.mu.Lock()
	switch {
	case t.Request != nil && !t.Request.Acknowledged:
		t.Request.Rejected = true
	case t.Response != nil:
		t.Response.Rejected = true
	}
	t.mu.Unlock()
	t.CancelRetransmit()
}

// MarkTimedOut flags the request as timed out (§4.2 "declared timed-out").
func (t *Transaction) MarkTimedOut() {
	t.mu.Lock()
	if t.Request != nil {
		t.Request.TimedOut = true
	}
	t.mu.Unlock()
}
