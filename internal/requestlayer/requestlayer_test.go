package requestlayer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/coreway/coap"
	"github.com/coreway/coap/internal/transaction"
	"github.com/coreway/coap/resource"
)

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatalf("resolve %q: %v", s, err)
	}
	return addr
}

func newGetRequest(t *testing.T, path string) *coap.Message {
	req := coap.NewMessage(coap.Confirmable, coap.GET)
	req.Source = udpAddr(t, "127.0.0.1:5683")
	req.Token = []byte{0x1}
	req.SetPathString(path)
	return req
}

func TestDiscoveryRendersVisibleResources(t *testing.T) {
	tree := resource.NewTree()
	r := resource.New("/sensors/temp")
	r.Visible = true
	r.ResourceType = "temperature"
	tree.Add("/sensors/temp", r)

	l := New(tree)
	req := newGetRequest(t, DiscoveryPath)
	tx := transaction.New(req)

	if err := l.ReceiveRequest(context.Background(), tx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.Response.Code != coap.Content {
		t.Fatalf("expected 2.05 Content, got %s", tx.Response.Code)
	}
	want := `</sensors/temp>;rt="temperature";sz=0;ct="0"`
	if string(tx.Response.Payload) != want {
		t.Fatalf("got %q want %q", tx.Response.Payload, want)
	}
}

func TestGetNotFound(t *testing.T) {
	l := New(resource.NewTree())
	req := newGetRequest(t, "/missing")
	tx := transaction.New(req)

	if err := l.ReceiveRequest(context.Background(), tx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.Response.Code != coap.NotFound {
		t.Fatalf("expected 4.04 Not Found, got %s", tx.Response.Code)
	}
}

func TestGetImmediateOutcomeDefaultsToContent(t *testing.T) {
	tree := resource.NewTree()
	r := resource.New("/a")
	r.Handler = &resource.Handler{
		Get: func(req, resp *coap.Message) (resource.Outcome, error) {
			resp.Payload = []byte("hi")
			return resource.Immediate(r, resp), nil
		},
	}
	tree.Add("/a", r)

	l := New(tree)
	req := newGetRequest(t, "/a")
	tx := transaction.New(req)

	if err := l.ReceiveRequest(context.Background(), tx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.Response.Code != coap.Content {
		t.Fatalf("expected default 2.05 Content, got %s", tx.Response.Code)
	}
}

func TestPutCreatesChildUnderAllowChildren(t *testing.T) {
	tree := resource.NewTree()
	parent := resource.New("/sensors")
	parent.AllowChildren = func(path string) *resource.Resource {
		child := resource.New(path)
		child.Handler = &resource.Handler{
			Put: func(req, resp *coap.Message) (resource.Outcome, error) {
				return resource.Immediate(child, resp), nil
			},
		}
		return child
	}
	tree.Add("/sensors", parent)

	l := New(tree)
	req := coap.NewMessage(coap.Confirmable, coap.PUT)
	req.Source = udpAddr(t, "127.0.0.1:5683")
	req.Token = []byte{0x2}
	req.SetPathString("/sensors/temp")
	tx := transaction.New(req)

	if err := l.ReceiveRequest(context.Background(), tx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.Response.Code != coap.Created {
		t.Fatalf("expected 2.01 Created, got %s", tx.Response.Code)
	}
	if _, ok := tree.Get("/sensors/temp"); !ok {
		t.Fatalf("expected child resource to be inserted into the tree")
	}
}

func TestDeferredGetRacesSeparateACK(t *testing.T) {
	tree := resource.NewTree()
	r := resource.New("/slow")
	r.Handler = &resource.Handler{
		Get: func(req, resp *coap.Message) (resource.Outcome, error) {
			return resource.Deferred(func() (resource.HandlerResult, error) {
				time.Sleep(20 * time.Millisecond)
				resp.Payload = []byte("done")
				return resource.HandlerResult{Resource: r, Response: resp}, nil
			}), nil
		},
	}
	tree.Add("/slow", r)

	l := New(tree)
	separateFired := false
	l.OnSeparate = func(tx *transaction.Transaction) { separateFired = true }

	req := newGetRequest(t, "/slow")
	tx := transaction.New(req)

	if err := l.ReceiveRequest(context.Background(), tx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.Response.Code != coap.Content {
		t.Fatalf("expected 2.05 Content after the continuation resolves, got %s", tx.Response.Code)
	}
	_ = separateFired
}

func TestDeleteRemovesResourceFromTree(t *testing.T) {
	tree := resource.NewTree()
	r := resource.New("/gone")
	r.Handler = &resource.Handler{
		Delete: func(req, resp *coap.Message) (resource.DeleteOutcome, error) {
			return resource.ImmediateDelete(true, resp), nil
		},
	}
	tree.Add("/gone", r)

	l := New(tree)
	req := coap.NewMessage(coap.Confirmable, coap.DELETE)
	req.Source = udpAddr(t, "127.0.0.1:5683")
	req.Token = []byte{0x3}
	req.SetPathString("/gone")
	tx := transaction.New(req)

	if err := l.ReceiveRequest(context.Background(), tx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.Response.Code != coap.Deleted {
		t.Fatalf("expected 2.02 Deleted, got %s", tx.Response.Code)
	}
	if _, ok := tree.Get("/gone"); ok {
		t.Fatalf("expected resource removed from tree")
	}
}
