package blocklayer

import (
	"bytes"
	"net"
	"testing"

	"github.com/coreway/coap"
	"github.com/coreway/coap/internal/transaction"
)

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatalf("resolve %q: %v", s, err)
	}
	return addr
}

func TestReceiveRequestReassemblesBlock1(t *testing.T) {
	l := New(64, nil)
	src := udpAddr(t, "127.0.0.1:5683")
	token := []byte{0x01}

	full := bytes.Repeat([]byte("x"), 48)
	szx := coap.SZXForSize(16)

	// block 0
	req0 := coap.NewMessage(coap.Confirmable, coap.PUT)
	req0.Source = src
	req0.Token = token
	req0.Payload = full[0:16]
	req0.SetBlock1(0, true, szx)
	tx0 := transaction.New(req0)
	if err := l.ReceiveRequest(tx0); err != nil {
		t.Fatalf("block 0: %v", err)
	}
	if !tx0.BlockTransfer {
		t.Fatalf("expected BlockTransfer true after first block")
	}
	if tx0.Response == nil || tx0.Response.Code != coap.Continue {
		t.Fatalf("expected synthesized Continue response")
	}

	// block 1
	req1 := coap.NewMessage(coap.Confirmable, coap.PUT)
	req1.Source = src
	req1.Token = token
	req1.Payload = full[16:32]
	req1.SetBlock1(1, true, szx)
	tx1 := transaction.New(req1)
	if err := l.ReceiveRequest(tx1); err != nil {
		t.Fatalf("block 1: %v", err)
	}
	if !tx1.BlockTransfer {
		t.Fatalf("expected BlockTransfer true after second block")
	}

	// block 2 (final)
	req2 := coap.NewMessage(coap.Confirmable, coap.PUT)
	req2.Source = src
	req2.Token = token
	req2.Payload = full[32:48]
	req2.SetBlock1(2, false, szx)
	tx2 := transaction.New(req2)
	if err := l.ReceiveRequest(tx2); err != nil {
		t.Fatalf("block 2: %v", err)
	}
	if tx2.BlockTransfer {
		t.Fatalf("expected BlockTransfer false after final block")
	}
	if !bytes.Equal(req2.Payload, full) {
		t.Fatalf("expected reassembled payload, got %q", req2.Payload)
	}
}

func TestReceiveRequestOutOfOrderBlockIsIncomplete(t *testing.T) {
	l := New(64, nil)
	src := udpAddr(t, "127.0.0.1:5683")
	token := []byte{0x02}
	szx := coap.SZXForSize(16)

	req := coap.NewMessage(coap.Confirmable, coap.PUT)
	req.Source = src
	req.Token = token
	req.Payload = bytes.Repeat([]byte("y"), 16)
	req.SetBlock1(1, true, szx) // should have started at 0
	tx := transaction.New(req)

	if err := l.ReceiveRequest(tx); err == nil {
		t.Fatalf("expected entity-incomplete error for out-of-order first block")
	}
}

func TestSendResponseFragmentsOversizedPayload(t *testing.T) {
	l := New(64, nil)
	src := udpAddr(t, "127.0.0.1:5683")
	token := []byte{0x03}

	req := coap.NewMessage(coap.Confirmable, coap.GET)
	req.Source = src
	req.Token = token
	tx := transaction.New(req)

	resp := coap.NewMessage(coap.Acknowledgement, coap.Content)
	resp.Payload = bytes.Repeat([]byte("z"), MaxPayload+100)
	tx.Response = resp

	l.SendResponse(tx)

	if len(resp.Payload) != MaxPayload {
		t.Fatalf("expected first block truncated to %d bytes, got %d", MaxPayload, len(resp.Payload))
	}
	num, more, _, ok, err := resp.Block2Value()
	if err != nil || !ok {
		t.Fatalf("expected Block2 option set, err=%v ok=%v", err, ok)
	}
	if num != 0 || !more {
		t.Fatalf("expected num=0 more=true, got num=%d more=%v", num, more)
	}
}

func TestSendResponseStripsObserveAfterFirstBlockOnEarlyNegotiation(t *testing.T) {
	l := New(64, nil)
	src := udpAddr(t, "127.0.0.1:5683")
	token := []byte{0x05}

	// Early negotiation: the client's request already carries block2=(0, 0, 16).
	req := coap.NewMessage(coap.Confirmable, coap.GET)
	req.Source = src
	req.Token = token
	req.SetObserve(0)
	req.SetBlock2(0, false, coap.SZXForSize(16))
	tx := transaction.New(req)
	if err := l.ReceiveRequest(tx); err != nil {
		t.Fatalf("unexpected error on early Block2 negotiation: %v", err)
	}

	full := bytes.Repeat([]byte("n"), 40)

	resp0 := coap.NewMessage(coap.Acknowledgement, coap.Content)
	resp0.Payload = append([]byte(nil), full...)
	resp0.SetObserve(7)
	tx.Response = resp0
	l.SendResponse(tx)

	if num, _, _, ok, _ := resp0.Block2Value(); !ok || num != 0 {
		t.Fatalf("expected block2 num=0, ok=%v num=%d", ok, num)
	}
	if _, ok := resp0.ObserveValue(); !ok {
		t.Fatalf("expected Observe option present on block 0")
	}

	resp1 := coap.NewMessage(coap.Acknowledgement, coap.Content)
	resp1.Payload = append([]byte(nil), full...)
	resp1.SetObserve(7)
	tx.Response = resp1
	l.SendResponse(tx)

	if num, _, _, ok, _ := resp1.Block2Value(); !ok || num != 1 {
		t.Fatalf("expected block2 num=1, ok=%v num=%d", ok, num)
	}
	if _, ok := resp1.ObserveValue(); ok {
		t.Fatalf("expected Observe option stripped from block num != 0")
	}
}

func TestReceiveResponseReassemblesBlock2(t *testing.T) {
	l := New(64, nil)
	dst := udpAddr(t, "10.0.0.5:5683")
	token := []byte{0x04}

	req := coap.NewMessage(coap.Confirmable, coap.GET)
	req.Destination = dst
	req.Token = token
	l.SendRequest(req)

	resp0 := coap.NewMessage(coap.Acknowledgement, coap.Content)
	resp0.Source = dst
	resp0.Token = token
	resp0.Payload = []byte("AAAA")
	resp0.SetBlock2(0, true, coap.SZXForSize(4))
	tx := transaction.New(req)
	tx.Response = resp0
	if err := l.ReceiveResponse(tx); err != nil {
		t.Fatalf("unexpected error on first block2: %v", err)
	}

	resp1 := coap.NewMessage(coap.Acknowledgement, coap.Content)
	resp1.Source = dst
	resp1.Token = token
	resp1.Payload = []byte("BBBB")
	resp1.SetBlock2(1, false, coap.SZXForSize(4))
	tx.Response = resp1
	if err := l.ReceiveResponse(tx); err != nil {
		t.Fatalf("unexpected error on final block2: %v", err)
	}
}
