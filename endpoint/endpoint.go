// Package endpoint is the driver: it binds the UDP socket(s), wires the
// codec and the four protocol layers into a single inbound/outbound
// pipeline, runs the periodic notify and sweep tasks, and exposes the
// public server (add/remove resource) and client (get/put/post/delete/
// observe) surface described in §6.
package endpoint

import (
	"errors"
	"net"
	"sync"

	"github.com/coreway/coap"
	"github.com/coreway/coap/internal/blocklayer"
	"github.com/coreway/coap/internal/messagelayer"
	"github.com/coreway/coap/internal/metrics"
	"github.com/coreway/coap/internal/obs"
	"github.com/coreway/coap/internal/observelayer"
	"github.com/coreway/coap/internal/requestlayer"
	"github.com/coreway/coap/internal/transaction"
	"github.com/coreway/coap/resource"
)

// receivingBuffer is RECEIVING_BUFFER (§6): the largest datagram the driver
// will read in one shot.
const receivingBuffer = 4096

// errNotUDPAddr guards against a caller handing the driver a response whose
// Destination was never resolved to a concrete UDP endpoint.
var errNotUDPAddr = errors.New("endpoint: destination is not a *net.UDPAddr")

// Endpoint owns one UDP socket (plus optional multicast listeners), the
// resource tree and the four protocol layers wired into a pipeline.
type Endpoint struct {
	cfg Config

	tree    *resource.Tree
	msg     *messagelayer.Layer
	block   *blocklayer.Layer
	observe *observelayer.Layer
	req     *requestlayer.Layer
	metrics *metrics.Collectors

	conn   *net.UDPConn
	mconns []*net.UDPConn

	notifyCh chan *resource.Resource

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// New builds an Endpoint with its own resource tree, ready to ListenAndServe
// or to be used purely as a client.
func New(cfg Config) *Endpoint {
	cfg = cfg.withDefaults()
	m := metrics.New(cfg.MetricsNamespace)

	tree := resource.NewTree()
	e := &Endpoint{
		cfg:      cfg,
		tree:     tree,
		msg:      messagelayer.New(cfg.Message, m),
		block:    blocklayer.New(cfg.BlockCapacity, m),
		observe:  observelayer.New(cfg.ObserveCapacity, m),
		req:      requestlayer.New(tree),
		metrics:  m,
		notifyCh: make(chan *resource.Resource, 256),
		closeCh:  make(chan struct{}),
	}
	e.msg.OnTimeout = e.handleTimeout
	e.req.OnSeparate = e.handleSeparate
	return e
}

// Metrics returns the prometheus collector set, for a caller to register
// against its own registry and expose over HTTP (§[ADD] DOMAIN STACK).
func (e *Endpoint) Metrics() *metrics.Collectors { return e.metrics }

// AddResource inserts r at path, wiring its notify channel so Resource.
// Notify() reaches this endpoint's dispatcher (§3, §4.6). Returns false if
// the path is already occupied.
func (e *Endpoint) AddResource(path string, r *resource.Resource) bool {
	r.SetNotifyChannel(e.notifyCh)
	return e.tree.Add(path, r)
}

// RemoveResource deletes the resource at path, reporting whether it was
// present.
func (e *Endpoint) RemoveResource(path string) bool {
	return e.tree.Remove(path)
}

// GetResources returns every resource whose path has the given prefix (""
// matches everything), as the Endpoint API promises (§6).
func (e *Endpoint) GetResources(prefix string) []*resource.Resource {
	return e.tree.All(prefix)
}

// Close stops the driver's socket(s) and background tasks, and waits for
// in-flight packet handlers to finish.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.closeCh) })
	if e.conn != nil {
		e.conn.Close()
	}
	for _, c := range e.mconns {
		c.Close()
	}
	e.wg.Wait()
	return nil
}

// handleTimeout is the Message Layer's OnTimeout hook (§4.2, §7): a
// Confirmable exchange that exhausted MAX_RETRANSMIT. If it carried an
// Observe relation, the subscription is evicted.
func (e *Endpoint) handleTimeout(tx *transaction.Transaction) {
	obs.Warn("exchange timed out token=%x", tx.Request.Token)
	if tx.Notification && tx.Response != nil {
		e.observe.RemoveSubscriber(tx.Response)
	}
}

// handleSeparate is the Request Layer's OnSeparate hook (§5): the deferred
// handler is still running after SeparateTimeout, so send a bare empty ACK
// now and let the continuation's eventual CON response carry the result.
func (e *Endpoint) handleSeparate(tx *transaction.Transaction) {
	ack := e.msg.SendEmpty(tx, messagelayer.RelatedRequest, nil)
	if err := e.send(ack); err != nil {
		obs.Warn("send separate ack failed: %v", err)
	}
}

func (e *Endpoint) send(msg *coap.Message) error {
	data, err := coap.Encode(msg)
	if err != nil {
		return err
	}
	dest, ok := msg.Destination.(*net.UDPAddr)
	if !ok {
		obs.Warn("send: destination is not a *net.UDPAddr: %v", msg.Destination)
		return errNotUDPAddr
	}
	_, err = e.conn.WriteToUDP(data, dest)
	return err
}

func (e *Endpoint) sendFunc(msg *coap.Message) error { return e.send(msg) }
