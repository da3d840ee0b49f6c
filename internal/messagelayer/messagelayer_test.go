package messagelayer

import (
	"net"
	"testing"
	"time"

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

func TestSendRequestAssignsMID(t *testing.T) {
	l := New(Config{Seed: 7}, nil)
	req := coap.NewMessage(coap.Confirmable, coap.GET)
	req.Token = []byte{1, 2}
	req.Destination = udpAddr(t, "127.0.0.1:5683")

	tx := l.SendRequest(req)
	if req.MessageID != 7 {
		t.Fatalf("expected assigned mid 7, got %d", req.MessageID)
	}
	if tx.Request != req {
		t.Fatalf("transaction does not wrap the sent request")
	}
}

func TestReceiveRequestDuplicateDetection(t *testing.T) {
	l := New(Config{}, nil)
	src := udpAddr(t, "192.168.1.10:5683")

	req := coap.NewMessage(coap.Confirmable, coap.GET)
	req.MessageID = 42
	req.Token = []byte{0xaa}
	req.Source = src

	tx1, err := l.ReceiveRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx1.Request.Duplicated {
		t.Fatalf("first arrival must not be marked duplicated")
	}

	dup := coap.NewMessage(coap.Confirmable, coap.GET)
	dup.MessageID = 42
	dup.Token = []byte{0xaa}
	dup.Source = src

	tx2, err := l.ReceiveRequest(dup)
	if err != nil {
		t.Fatalf("unexpected error on duplicate: %v", err)
	}
	if tx2 != tx1 {
		t.Fatalf("duplicate request must resolve to the same transaction")
	}
	if !tx1.Request.Duplicated {
		t.Fatalf("expected original transaction's request marked duplicated")
	}
}

func TestSendResponsePiggyBackedACK(t *testing.T) {
	l := New(Config{}, nil)
	src := udpAddr(t, "10.0.0.1:5683")

	req := coap.NewMessage(coap.Confirmable, coap.GET)
	req.MessageID = 100
	req.Token = []byte{0x01}
	req.Source = src

	tx, err := l.ReceiveRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp := coap.NewMessage(0, coap.Content)
	resp.Destination = src
	tx.Response = resp

	l.SendResponse(tx)

	if resp.Type != coap.Acknowledgement {
		t.Fatalf("expected piggy-backed ACK, got type %s", resp.Type)
	}
	if resp.MessageID != req.MessageID {
		t.Fatalf("expected response mid to equal request mid, got %d vs %d", resp.MessageID, req.MessageID)
	}
	if string(resp.Token) != string(req.Token) {
		t.Fatalf("expected response token to mirror request token")
	}
}

func TestSendResponseNonConfirmableRequestGetsNON(t *testing.T) {
	l := New(Config{Seed: 1}, nil)
	src := udpAddr(t, "10.0.0.2:5683")

	req := coap.NewMessage(coap.NonConfirmable, coap.GET)
	req.MessageID = 5
	req.Token = []byte{0x02}
	req.Source = src

	tx, _ := l.ReceiveRequest(req)
	resp := coap.NewMessage(0, coap.Content)
	resp.Destination = src
	tx.Response = resp

	l.SendResponse(tx)

	if resp.Type != coap.NonConfirmable {
		t.Fatalf("expected NON response for NON request, got %s", resp.Type)
	}
	if resp.MessageID == 0 {
		t.Fatalf("expected a freshly assigned mid")
	}
}

func TestReceiveResponseMatchesByMIDAndChecksToken(t *testing.T) {
	l := New(Config{}, nil)
	dst := udpAddr(t, "172.16.0.1:5683")

	req := coap.NewMessage(coap.Confirmable, coap.GET)
	req.Token = []byte{0x9, 0x9}
	req.Destination = dst
	tx := l.SendRequest(req)

	resp := coap.NewMessage(coap.Acknowledgement, coap.Content)
	resp.MessageID = req.MessageID
	resp.Token = append([]byte(nil), req.Token...)
	resp.Source = dst

	matched, err := l.ReceiveResponse(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if matched != tx {
		t.Fatalf("response did not match the sent request's transaction")
	}
	if !tx.Request.Acknowledged {
		t.Fatalf("expected request marked acknowledged")
	}

	badResp := coap.NewMessage(coap.Acknowledgement, coap.Content)
	badResp.MessageID = req.MessageID
	badResp.Token = []byte{0xff}
	badResp.Source = dst

	if _, err := l.ReceiveResponse(badResp); err == nil {
		t.Fatalf("expected token mismatch error")
	}
}

func TestReceiveEmptyUnmatchedIsPongError(t *testing.T) {
	l := New(Config{}, nil)
	msg := coap.NewMessage(coap.Confirmable, coap.Empty)
	msg.MessageID = 999
	msg.Source = udpAddr(t, "203.0.113.5:5683")

	_, err := l.ReceiveEmpty(msg)
	if err == nil {
		t.Fatalf("expected pong error for unmatched empty message")
	}
}

func TestReceiveEmptyACKCancelsRetransmit(t *testing.T) {
	l := New(Config{MaxRetransmit: 1, AckTimeout: 10 * time.Millisecond}, nil)
	dst := udpAddr(t, "198.51.100.7:5683")

	req := coap.NewMessage(coap.Confirmable, coap.GET)
	req.Destination = dst
	tx := l.SendRequest(req)

	sendCount := 0
	l.StartRetransmit(tx, req, func(*coap.Message) error {
		sendCount++
		return nil
	})

	ack := coap.NewMessage(coap.Acknowledgement, coap.Empty)
	ack.MessageID = req.MessageID
	ack.Source = dst
	if _, err := l.ReceiveEmpty(ack); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if sendCount != 0 {
		t.Fatalf("expected retransmit to be cancelled before firing, got %d sends", sendCount)
	}
	if !req.Acknowledged {
		t.Fatalf("expected request marked acknowledged")
	}
}

func TestStartRetransmitFiresOnTimeout(t *testing.T) {
	l := New(Config{MaxRetransmit: 2, AckTimeout: 5 * time.Millisecond}, nil)
	dst := udpAddr(t, "198.51.100.9:5683")

	req := coap.NewMessage(coap.Confirmable, coap.GET)
	req.Destination = dst
	tx := l.SendRequest(req)

	timedOut := make(chan struct{}, 1)
	l.OnTimeout = func(got *transaction.Transaction) {
		if got != tx {
			t.Errorf("OnTimeout received the wrong transaction")
		}
		timedOut <- struct{}{}
	}

	l.StartRetransmit(tx, req, func(*coap.Message) error { return nil })

	select {
	case <-timedOut:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("expected OnTimeout to fire after MaxRetransmit attempts")
	}
	if !req.TimedOut {
		t.Fatalf("expected request marked timed out")
	}
}
