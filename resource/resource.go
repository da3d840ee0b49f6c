// Package resource is the boundary to external resource logic (§6): the
// Resource node type, the path tree, and the Handler capability interface
// the core invokes leaf application code through. Nothing in this package
// depends on the protocol layers — it is out of scope per spec §1, specified
// only by the interface the core exposes to it.
package resource

import (
	"strconv"
	"sync"

	"github.com/coreway/coap"
)

// HandlerResult is the direct ("immediate") outcome of a handler call: the
// (possibly updated) resource plus the response to send.
type HandlerResult struct {
	Resource *Resource
	Response *coap.Message
}

// DeleteResult is handle_delete's direct outcome: whether the resource
// should be removed from the tree, plus the response to send.
type DeleteResult struct {
	Deleted  bool
	Response *coap.Message
}

// Continuation is returned by a handler instead of an immediate result to
// signal "separate response" (§4.5, §9): a zero-argument function that
// completes the exchange once awaited.
type Continuation func() (HandlerResult, error)

// DeleteContinuation is the DELETE-shaped analogue of Continuation.
type DeleteContinuation func() (DeleteResult, error)

// Outcome is the sum type a GET/PUT/POST handler returns: either an
// Immediate result or a Deferred continuation (§9 design note). Exactly one
// of the two fields is set.
type Outcome struct {
	Immediate *HandlerResult
	Deferred  Continuation
}

// Immediate wraps an immediate (resource, response) result as an Outcome.
func Immediate(r *Resource, resp *coap.Message) Outcome {
	return Outcome{Immediate: &HandlerResult{Resource: r, Response: resp}}
}

// Deferred wraps a continuation as an Outcome.
func Deferred(c Continuation) Outcome {
	return Outcome{Deferred: c}
}

// DeleteOutcome is the DELETE-shaped analogue of Outcome.
type DeleteOutcome struct {
	Immediate *DeleteResult
	Deferred  DeleteContinuation
}

// ImmediateDelete wraps an immediate delete result as a DeleteOutcome.
func ImmediateDelete(deleted bool, resp *coap.Message) DeleteOutcome {
	return DeleteOutcome{Immediate: &DeleteResult{Deleted: deleted, Response: resp}}
}

// DeferredDelete wraps a delete continuation as a DeleteOutcome.
func DeferredDelete(c DeleteContinuation) DeleteOutcome {
	return DeleteOutcome{Deferred: c}
}

// Handler is the set of method callbacks leaf application logic implements
// (§6). Any field may be left nil; the Request Layer answers with 4.05
// Method Not Allowed for a nil field. A plain interface can't express this
// (every method would have to exist, defeating the per-method nil check),
// so Handler is a struct of optional funcs instead.
type Handler struct {
	Get    func(req, resp *coap.Message) (Outcome, error)
	Put    func(req, resp *coap.Message) (Outcome, error)
	Post   func(req, resp *coap.Message) (Outcome, error)
	Delete func(req, resp *coap.Message) (DeleteOutcome, error)
}

// AllowChildren, when non-nil, lets PUT create a child resource under an
// unknown path whose longest existing ancestor is this resource (§3, §4.5).
type AllowChildren func(path string) *Resource

// Resource is a node in the path tree (§3).
type Resource struct {
	mu sync.RWMutex

	Path          string
	Visible       bool
	Observable    bool
	AllowChildren AllowChildren

	ContentType coap.MediaType
	ETag        []byte
	Payload     []byte

	// ObserveCount is the monotone (mod 2^24) counter stamped onto
	// notifications (§3 invariant 4).
	ObserveCount uint32

	// CoRE link-format attributes (RFC 6690 §3.1 / RFC 7252 §7.1).
	ResourceType      string // rt
	InterfaceDesc     string // if
	MaximumSizeEst    int    // sz, -1 if unset
	ContentFormatList []coap.MediaType

	Handler *Handler

	// notifyCh is the handle other goroutines push onto to ask the
	// endpoint driver to fan out a notification for this resource (§3
	// "notify queue handle").
	notifyCh chan *Resource
}

// New constructs a Resource with sane zero-values (MaximumSizeEst unset,
// not observable, invisible) ready for Handler/Payload assignment.
func New(path string) *Resource {
	return &Resource{Path: path, MaximumSizeEst: -1}
}

// SetNotifyChannel installs the channel the driver will receive this
// resource on whenever it changes.
func (r *Resource) SetNotifyChannel(ch chan *Resource) {
	r.mu.Lock()
	r.notifyCh = ch
	r.mu.Unlock()
}

// Notify increments ObserveCount (mod 2^24, §3 invariant 4) and, if a
// notify channel is installed, enqueues this resource for the driver's
// notify-dispatcher (§4.6). Returns the new observe count.
func (r *Resource) Notify() uint32 {
	r.mu.Lock()
	r.ObserveCount = (r.ObserveCount + 1) & 0xFFFFFF
	count := r.ObserveCount
	ch := r.notifyCh
	r.mu.Unlock()

	if ch != nil {
		select {
		case ch <- r:
		default:
			// driver is backed up; it will pick up the latest state
			// on its next pass over the resource anyway.
		}
	}
	return count
}

// Snapshot returns a copy of the fields the protocol layers read
// concurrently with handler execution (§5 "handlers treat their inputs as
// read-only and return a new/updated resource value").
func (r *Resource) Snapshot() Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Resource{
		Path:              r.Path,
		Visible:           r.Visible,
		Observable:        r.Observable,
		AllowChildren:     r.AllowChildren,
		ContentType:       r.ContentType,
		ETag:              append([]byte(nil), r.ETag...),
		Payload:           append([]byte(nil), r.Payload...),
		ObserveCount:      r.ObserveCount,
		ResourceType:      r.ResourceType,
		InterfaceDesc:     r.InterfaceDesc,
		MaximumSizeEst:    r.MaximumSizeEst,
		ContentFormatList: append([]coap.MediaType(nil), r.ContentFormatList...),
		Handler:           r.Handler,
	}
}

// ApplyUpdate copies the mutable representation fields from updated into r
// (used after a PUT/POST handler returns an updated resource value rather
// than mutating r directly, per the read-only-input policy above).
func (r *Resource) ApplyUpdate(updated *Resource) {
	r.mu.Lock()
	r.ContentType = updated.ContentType
	r.ETag = updated.ETag
	r.Payload = updated.Payload
	r.Observable = updated.Observable
	r.mu.Unlock()
}

// LinkFormatAttributes renders this resource's CoRE Link Format attribute
// string (without path or enclosing angle brackets), deriving ct/sz/obs
// from actual state rather than requiring the application to set them by
// hand (original_source resourcelayer.py behaviour, carried forward).
func (r *Resource) LinkFormatAttributes() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b []byte
	if r.ResourceType != "" {
		b = append(b, []byte(";rt=\""+r.ResourceType+"\"")...)
	}
	if r.InterfaceDesc != "" {
		b = append(b, []byte(";if=\""+r.InterfaceDesc+"\"")...)
	}
	sz := r.MaximumSizeEst
	if sz < 0 {
		sz = len(r.Payload)
	}
	b = append(b, []byte(";sz="+strconv.Itoa(sz))...)
	b = append(b, []byte(";ct=\""+strconv.Itoa(int(r.ContentType))+"\"")...)
	if r.Observable {
		b = append(b, []byte(";obs")...)
	}
	return string(b)
}
