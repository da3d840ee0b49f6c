package observelayer

import (
	"net"
	"testing"

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

func TestReceiveRequestRegistersAndSendResponseConfirms(t *testing.T) {
	l := New(64, nil)
	src := udpAddr(t, "127.0.0.1:5683")

	req := coap.NewMessage(coap.Confirmable, coap.GET)
	req.Source = src
	req.Token = []byte{0x1}
	req.SetObserve(0)
	tx := transaction.New(req)

	l.ReceiveRequest(tx)

	r := resource.New("/sensors/temp")
	r.Observable = true
	r.ContentType = coap.TextPlain
	r.Notify()

	resp := coap.NewMessage(coap.Acknowledgement, coap.Content)
	tx.Response = resp
	tx.Resource = r

	if err := l.SendResponse(tx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, ok := resp.ObserveValue(); !ok || v != 1 {
		t.Fatalf("expected Observe=1 stamped on response, got %d ok=%v", v, ok)
	}
}

func TestSendResponseEvictsOnContentTypeChange(t *testing.T) {
	l := New(64, nil)
	src := udpAddr(t, "127.0.0.1:5683")

	req := coap.NewMessage(coap.Confirmable, coap.GET)
	req.Source = src
	req.Token = []byte{0x2}
	req.SetObserve(0)
	tx := transaction.New(req)
	l.ReceiveRequest(tx)

	r := resource.New("/sensors/temp")
	r.Observable = true
	r.ContentType = coap.TextPlain

	resp1 := coap.NewMessage(coap.Acknowledgement, coap.Content)
	tx.Response = resp1
	tx.Resource = r
	if err := l.SendResponse(tx); err != nil {
		t.Fatalf("first response should establish the subscription: %v", err)
	}

	r.ContentType = coap.AppJSON
	resp2 := coap.NewMessage(coap.Acknowledgement, coap.Content)
	tx.Response = resp2
	if err := l.SendResponse(tx); err == nil {
		t.Fatalf("expected observe error on content-type change")
	}
}

func TestReceiveEmptyRSTRemovesSubscriber(t *testing.T) {
	l := New(64, nil)
	src := udpAddr(t, "127.0.0.1:5683")

	req := coap.NewMessage(coap.Confirmable, coap.GET)
	req.Source = src
	req.Token = []byte{0x3}
	req.SetObserve(0)
	tx := transaction.New(req)
	l.ReceiveRequest(tx)

	rst := coap.NewMessage(coap.Reset, coap.Empty)
	l.ReceiveEmpty(rst, tx)

	r := resource.New("/x")
	r.Observable = true
	notified := l.Notify(r)
	if len(notified) != 0 {
		t.Fatalf("expected no notifications after RST removed the subscriber")
	}
}

func TestNotifyPromotesAfterMaxNonNotifications(t *testing.T) {
	l := New(64, nil)
	src := udpAddr(t, "127.0.0.1:5683")

	req := coap.NewMessage(coap.NonConfirmable, coap.GET)
	req.Source = src
	req.Token = []byte{0x4}
	req.SetObserve(0)
	tx := transaction.New(req)
	tx.Response = coap.NewMessage(coap.NonConfirmable, coap.Content)
	l.ReceiveRequest(tx)

	r := resource.New("/x")
	r.Observable = true
	r.ContentType = coap.TextPlain
	tx.Resource = r
	if err := l.SendResponse(tx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, _ := l.relations.Get(key(tx))
	rel := raw.(*relation)
	rel.nonCounter = MaxNonNotifications + 1

	notified := l.Notify(r)
	if len(notified) != 1 {
		t.Fatalf("expected exactly one transaction to notify, got %d", len(notified))
	}
	if notified[0].Response.Type != coap.Confirmable {
		t.Fatalf("expected promotion to CON after exceeding MaxNonNotifications")
	}
}
