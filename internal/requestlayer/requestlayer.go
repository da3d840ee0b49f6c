// Package requestlayer dispatches a decoded request to the resource tree
// (§4.5): method routing, /.well-known/core discovery, PUT-creates-child,
// If-Match/If-None-Match preconditions, Accept negotiation and the
// separate-response continuation race.
package requestlayer

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coreway/coap"
	"github.com/coreway/coap/internal/transaction"
	"github.com/coreway/coap/resource"
)

// DiscoveryPath is the well-known CoRE Resource Directory endpoint (RFC
// 6690 §1.2.1).
const DiscoveryPath = "/.well-known/core"

// SeparateTimeout bounds how long a handler may run before the Request
// Layer itself gives up waiting and lets the caller's retransmit timer send
// a bare separate ACK instead (§5).
const SeparateTimeout = 1 * time.Second

// workerPoolLimit bounds concurrent handler continuations in flight per
// Dispatch call, the synchronous-handler worker pool promised for this
// layer.
const workerPoolLimit = 8

// Layer owns the resource tree and dispatches requests against it.
type Layer struct {
	Tree *resource.Tree

	// OnSeparate is invoked (on its own goroutine) when a deferred
	// handler outcome needs a separate ACK sent before it completes,
	// because the request has not yet been acknowledged (§5). The
	// endpoint driver wires this to its transport send.
	OnSeparate func(tx *transaction.Transaction)
}

// New builds a Layer dispatching against tree.
func New(tree *resource.Tree) *Layer {
	return &Layer{Tree: tree}
}

// ReceiveRequest routes tx.Request by method and fills in tx.Response
// (§4.5 "receive_request").
func (l *Layer) ReceiveRequest(ctx context.Context, tx *transaction.Transaction) error {
	req := tx.Request
	resp := coap.NewMessage(0, coap.Empty)
	resp.Destination = req.Source
	resp.Token = req.Token
	tx.Response = resp

	path := req.PathString()
	switch req.Code {
	case coap.GET:
		return l.handleGet(ctx, tx, path)
	case coap.PUT:
		return l.handlePut(ctx, tx, path)
	case coap.POST:
		return l.handlePost(ctx, tx, path)
	case coap.DELETE:
		return l.handleDelete(ctx, tx, path)
	default:
		resp.Code = coap.MethodNotAllowed
		return nil
	}
}

func ifMatchSatisfied(req *coap.Message, etag []byte) bool {
	etags := req.IfMatchSet()
	if len(etags) == 0 {
		return true
	}
	for _, e := range etags {
		if len(e) == 0 || bytesEqual(e, etag) {
			return true
		}
	}
	return false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (l *Layer) handleGet(ctx context.Context, tx *transaction.Transaction, path string) error {
	resp := tx.Response

	if path == DiscoveryPath {
		filters := resource.ParseQueryFilters(tx.Request.Queries())
		var matched []*resource.Resource
		for _, r := range l.Tree.Visible() {
			if r.MatchesFilters(filters) {
				matched = append(matched, r)
			}
		}
		resp.Code = coap.Content
		resp.SetContentFormat(coap.AppLinkFormat)
		resp.Payload = resource.RenderDiscovery(matched)
		return nil
	}

	r, ok := l.Tree.Get(path)
	if !ok || path == "/" {
		resp.Code = coap.NotFound
		return nil
	}
	snap := r.Snapshot()
	if !ifMatchSatisfied(tx.Request, snap.ETag) {
		resp.Code = coap.PreconditionFailed
		return nil
	}
	if r.Handler == nil || r.Handler.Get == nil {
		resp.Code = coap.MethodNotAllowed
		return nil
	}
	tx.Resource = r
	return l.invoke(ctx, tx, r.Handler.Get, afterGet)
}

func (l *Layer) handlePut(ctx context.Context, tx *transaction.Transaction, path string) error {
	resp := tx.Response

	r, ok := l.Tree.Get(path)
	if !ok {
		if len(tx.Request.IfMatchSet()) > 0 {
			resp.Code = coap.PreconditionFailed
			return nil
		}
		ancestor, found := l.Tree.LongestAncestor(path)
		if !found || ancestor.AllowChildren == nil {
			resp.Code = coap.NotFound
			return nil
		}
		child := ancestor.AllowChildren(path)
		l.Tree.Set(path, child)
		tx.Resource = child
		resp.Code = coap.Created
		return nil
	}

	if tx.Request.IfNoneMatchValue() {
		resp.Code = coap.PreconditionFailed
		return nil
	}
	snap := r.Snapshot()
	if !ifMatchSatisfied(tx.Request, snap.ETag) {
		resp.Code = coap.PreconditionFailed
		return nil
	}
	if r.Handler == nil || r.Handler.Put == nil {
		resp.Code = coap.MethodNotAllowed
		return nil
	}
	tx.Resource = r
	return l.invoke(ctx, tx, r.Handler.Put, afterChanged)
}

func (l *Layer) handlePost(ctx context.Context, tx *transaction.Transaction, path string) error {
	resp := tx.Response

	r, ok := l.Tree.Get(path)
	if !ok {
		resp.Code = coap.NotFound
		return nil
	}
	if tx.Request.IfNoneMatchValue() {
		resp.Code = coap.PreconditionFailed
		return nil
	}
	if r.Handler == nil || r.Handler.Post == nil {
		resp.Code = coap.MethodNotAllowed
		return nil
	}
	tx.Resource = r
	return l.invoke(ctx, tx, r.Handler.Post, func(tx *transaction.Transaction, result resource.HandlerResult) {
		afterChanged(tx, result)
		if result.Resource != nil && result.Resource.Path != path && result.Resource.Path != "" {
			l.Tree.Set(result.Resource.Path, result.Resource)
			if tx.Response.Code == coap.Changed {
				tx.Response.Code = coap.Created
			}
		}
	})
}

func (l *Layer) handleDelete(ctx context.Context, tx *transaction.Transaction, path string) error {
	resp := tx.Response

	r, ok := l.Tree.Get(path)
	if !ok {
		resp.Code = coap.NotFound
		return nil
	}
	snap := r.Snapshot()
	if !ifMatchSatisfied(tx.Request, snap.ETag) {
		resp.Code = coap.PreconditionFailed
		return nil
	}
	if r.Handler == nil || r.Handler.Delete == nil {
		resp.Code = coap.MethodNotAllowed
		return nil
	}
	tx.Resource = r
	return l.invokeDelete(ctx, tx, path, r.Handler.Delete)
}

type afterFunc func(tx *transaction.Transaction, result resource.HandlerResult)

func afterGet(tx *transaction.Transaction, result resource.HandlerResult) {
	req, resp := tx.Request, tx.Response
	if accept := req.AcceptValue(); accept != coap.NoMediaType {
		if ct := resp.ContentFormatValue(); ct != coap.NoMediaType && ct != accept {
			resp.Code = coap.NotAcceptable
			resp.Options = nil
			resp.Payload = []byte("requested representation is not acceptable")
			return
		}
	}
	if resp.Code != coap.Empty {
		return
	}
	if tx.Resource != nil && req.HasETag(tx.Resource.Snapshot().ETag) {
		resp.Code = coap.Valid
		resp.Payload = nil
		return
	}
	resp.Code = coap.Content
}

func afterChanged(tx *transaction.Transaction, result resource.HandlerResult) {
	if tx.Resource != nil {
		tx.Resource.Notify()
	}
	if tx.Response.Code == coap.Empty {
		tx.Response.Code = coap.Changed
	}
}

// invoke runs a GET/PUT/POST handler, racing a separate-ACK signal against
// a deferred continuation when the handler asks for one (§5).
func (l *Layer) invoke(ctx context.Context, tx *transaction.Transaction, call func(req, resp *coap.Message) (resource.Outcome, error), after afterFunc) error {
	outcome, err := call(tx.Request, tx.Response)
	if err != nil {
		return err
	}
	result, err := l.resolve(ctx, tx, outcome)
	if err != nil {
		return err
	}
	if result.Response != nil {
		tx.Response = result.Response
	}
	if result.Resource != nil {
		tx.Resource = result.Resource
	}
	after(tx, result)
	return nil
}

func (l *Layer) resolve(ctx context.Context, tx *transaction.Transaction, outcome resource.Outcome) (resource.HandlerResult, error) {
	if outcome.Immediate != nil {
		return *outcome.Immediate, nil
	}
	if tx.Request.Acknowledged {
		return outcome.Deferred()
	}

	raceCtx, stopRace := context.WithCancel(ctx)
	defer stopRace()
	g, gctx := errgroup.WithContext(raceCtx)
	g.SetLimit(workerPoolLimit)

	fired, disarm := tx.ArmSeparate(SeparateTimeout)
	g.Go(func() error {
		select {
		case <-fired:
			if l.OnSeparate != nil {
				l.OnSeparate(tx)
			}
		case <-gctx.Done():
		}
		return nil
	})

	var result resource.HandlerResult
	var contErr error
	g.Go(func() error {
		result, contErr = outcome.Deferred()
		disarm()
		stopRace()
		return contErr
	})

	if err := g.Wait(); err != nil {
		return resource.HandlerResult{}, err
	}
	return result, contErr
}

func (l *Layer) invokeDelete(ctx context.Context, tx *transaction.Transaction, path string, call func(req, resp *coap.Message) (resource.DeleteOutcome, error)) error {
	outcome, err := call(tx.Request, tx.Response)
	if err != nil {
		return err
	}

	var result resource.DeleteResult
	if outcome.Immediate != nil {
		result = *outcome.Immediate
	} else if tx.Request.Acknowledged {
		result, err = outcome.Deferred()
		if err != nil {
			return err
		}
	} else {
		raceCtx, stopRace := context.WithCancel(ctx)
		defer stopRace()
		g, gctx := errgroup.WithContext(raceCtx)
		g.SetLimit(workerPoolLimit)
		fired, disarm := tx.ArmSeparate(SeparateTimeout)
		g.Go(func() error {
			select {
			case <-fired:
				if l.OnSeparate != nil {
					l.OnSeparate(tx)
				}
			case <-gctx.Done():
			}
			return nil
		})
		g.Go(func() error {
			var derr error
			result, derr = outcome.Deferred()
			disarm()
			stopRace()
			return derr
		})
		if err := g.Wait(); err != nil {
			return err
		}
	}

	if result.Response != nil {
		tx.Response = result.Response
	}
	if result.Deleted {
		l.Tree.Remove(path)
		if tx.Resource != nil {
			tx.Resource.Notify()
		}
	}
	if tx.Response.Code == coap.Empty {
		tx.Response.Code = coap.Deleted
	}
	return nil
}
