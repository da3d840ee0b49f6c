package endpoint

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/coreway/coap"
	"github.com/coreway/coap/internal/blocklayer"
	"github.com/coreway/coap/resource"
)

func newLoopbackServer(t *testing.T) *Endpoint {
	t.Helper()
	ep := New(Config{Addr: "127.0.0.1:0"})
	if err := ep.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { ep.Close() })
	return ep
}

func newLoopbackClient(t *testing.T) *Endpoint {
	t.Helper()
	ep := New(Config{Addr: "127.0.0.1:0"})
	if err := ep.Start(); err != nil {
		t.Fatalf("start client: %v", err)
	}
	t.Cleanup(func() { ep.Close() })
	return ep
}

func TestGetReturnsResourcePayload(t *testing.T) {
	server := newLoopbackServer(t)
	r := resource.New("/hello")
	r.Visible = true
	r.ContentType = coap.TextPlain
	r.Handler = &resource.Handler{
		Get: func(req, resp *coap.Message) (resource.Outcome, error) {
			resp.Payload = []byte("world")
			resp.SetContentFormat(coap.TextPlain)
			return resource.Immediate(r, resp), nil
		},
	}
	server.AddResource("/hello", r)

	client := newLoopbackClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Get(ctx, server.conn.LocalAddr().String(), "/hello")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.Code != coap.Content {
		t.Fatalf("expected 2.05 Content, got %s", resp.Code)
	}
	if string(resp.Payload) != "world" {
		t.Fatalf("got payload %q", resp.Payload)
	}
}

func TestGetNotFoundOnMissingPath(t *testing.T) {
	server := newLoopbackServer(t)
	client := newLoopbackClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Get(ctx, server.conn.LocalAddr().String(), "/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.Code != coap.NotFound {
		t.Fatalf("expected 4.04 Not Found, got %s", resp.Code)
	}
}

// TestGetLargePayloadReassemblesBlock2 drives a resource whose payload is
// large enough to force a multi-block Block2 response, exercising both the
// server-side fragmentation and the client-side reassembly loop (§4.3).
func TestGetLargePayloadReassemblesBlock2(t *testing.T) {
	server := newLoopbackServer(t)
	want := bytes.Repeat([]byte("x"), blocklayer.MaxPayload*3+17)
	r := resource.New("/big")
	r.Handler = &resource.Handler{
		Get: func(req, resp *coap.Message) (resource.Outcome, error) {
			resp.Payload = append([]byte(nil), want...)
			return resource.Immediate(r, resp), nil
		},
	}
	server.AddResource("/big", r)

	client := newLoopbackClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Get(ctx, server.conn.LocalAddr().String(), "/big")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(resp.Payload, want) {
		t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(resp.Payload), len(want))
	}
}

// TestPutLargePayloadFragmentsBlock1 drives a client PUT whose body exceeds
// MaxPayload, exercising the Block1 fragmentation loop and server-side
// reassembly (§4.3).
func TestPutLargePayloadFragmentsBlock1(t *testing.T) {
	server := newLoopbackServer(t)
	var got []byte
	r := resource.New("/upload")
	r.Handler = &resource.Handler{
		Put: func(req, resp *coap.Message) (resource.Outcome, error) {
			got = append([]byte(nil), req.Payload...)
			return resource.Immediate(r, resp), nil
		},
	}
	server.AddResource("/upload", r)

	client := newLoopbackClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	body := bytes.Repeat([]byte("y"), blocklayer.MaxPayload*2+5)
	resp, err := client.Put(ctx, server.conn.LocalAddr().String(), "/upload", body, coap.AppOctetStream)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if resp.Code != coap.Changed {
		t.Fatalf("expected 2.04 Changed, got %s", resp.Code)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("server saw %d bytes, want %d", len(got), len(body))
	}
}

// TestObserveDeliversNotificationOnChange registers an Observe relationship
// and checks that a later Notify() call delivers updated content over the
// subscription stream (§4.4).
func TestObserveDeliversNotificationOnChange(t *testing.T) {
	server := newLoopbackServer(t)
	r := resource.New("/temp")
	r.Observable = true
	r.ContentType = coap.TextPlain
	r.Payload = []byte("20")
	r.Handler = &resource.Handler{
		Get: func(req, resp *coap.Message) (resource.Outcome, error) {
			snap := r.Snapshot()
			resp.SetContentFormat(snap.ContentType)
			resp.Payload = snap.Payload
			return resource.Immediate(r, resp), nil
		},
	}
	server.AddResource("/temp", r)

	client := newLoopbackClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := client.Observe(ctx, server.conn.LocalAddr().String(), "/temp")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	defer sub.Stop()

	select {
	case first := <-sub.Responses():
		if string(first.Payload) != "20" {
			t.Fatalf("first notification payload = %q", first.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial notification")
	}

	updated := r.Snapshot()
	updated.Payload = []byte("21")
	r.ApplyUpdate(&updated)
	r.Notify()

	select {
	case next := <-sub.Responses():
		if string(next.Payload) != "21" {
			t.Fatalf("updated notification payload = %q", next.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for updated notification")
	}
}

// TestDiscoveryListsVisibleResources exercises the well-known/core endpoint
// wired into the request layer behind the driver.
func TestDiscoveryListsVisibleResources(t *testing.T) {
	server := newLoopbackServer(t)
	for i := 0; i < 3; i++ {
		path := fmt.Sprintf("/visible/%d", i)
		r := resource.New(path)
		r.Visible = true
		r.Handler = &resource.Handler{
			Get: func(req, resp *coap.Message) (resource.Outcome, error) {
				return resource.Immediate(nil, resp), nil
			},
		}
		server.AddResource(path, r)
	}

	client := newLoopbackClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Get(ctx, server.conn.LocalAddr().String(), "/.well-known/core")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.Code != coap.Content {
		t.Fatalf("expected 2.05 Content, got %s", resp.Code)
	}
	for i := 0; i < 3; i++ {
		want := fmt.Sprintf("</visible/%d>", i)
		if !bytes.Contains(resp.Payload, []byte(want)) {
			t.Fatalf("discovery payload %q missing %q", resp.Payload, want)
		}
	}
}
