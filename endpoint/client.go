package endpoint

import (
	"context"
	"errors"
	"net"

	"github.com/coreway/coap"
	"github.com/coreway/coap/internal/blocklayer"
)

// ErrTimeout is returned by the client calls when no response arrives
// before the configured ResponseTimeout (§5 receive_response(timeout)).
var ErrTimeout = errors.New("endpoint: no response received")

func (e *Endpoint) resolveDest(addr string) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", addr)
}

// roundTrip sends req (assigning a token if it has none) and waits for its
// matching response or ErrTimeout.
func (e *Endpoint) roundTrip(ctx context.Context, req *coap.Message) (*coap.Message, error) {
	if len(req.Token) == 0 {
		req.Token = coap.NewToken()
	}
	e.block.SendRequest(req)
	tx := e.msg.SendRequest(req)
	if err := e.send(req); err != nil {
		return nil, err
	}
	if req.Type == coap.Confirmable {
		e.msg.StartRetransmit(tx, req, e.sendFunc)
	}
	resp, ok := tx.AwaitResponse(ctx, e.cfg.ResponseTimeout)
	if !ok {
		tx.CancelRetransmit()
		return nil, ErrTimeout
	}
	return resp, nil
}

// Get performs a confirmable GET, transparently reassembling a Block2
// response split across multiple exchanges (§4.3 client side).
func (e *Endpoint) Get(ctx context.Context, addr, path string) (*coap.Message, error) {
	dest, err := e.resolveDest(addr)
	if err != nil {
		return nil, err
	}

	token := coap.NewToken()
	var full []byte
	var blockNum uint32
	var last *coap.Message
	for {
		req := coap.NewMessage(coap.Confirmable, coap.GET)
		req.Destination = dest
		req.Token = token
		req.SetPathString(path)
		if blockNum > 0 {
			req.SetBlock2(blockNum, false, coap.SZXForSize(blocklayer.MaxPayload))
		}
		resp, err := e.roundTrip(ctx, req)
		if err != nil {
			return nil, err
		}
		last = resp
		full = append(full, resp.Payload...)

		num, more, _, ok, _ := resp.Block2Value()
		if !ok || !more {
			break
		}
		blockNum = num + 1
	}
	last.Payload = full
	return last, nil
}

// putOrPost performs a confirmable PUT/POST, fragmenting payload into
// successive Block1 requests when it exceeds MAX_PAYLOAD (§4.3 client
// side), downsizing to whatever block size the server acknowledges.
func (e *Endpoint) putOrPost(ctx context.Context, code coap.Code, addr, path string, payload []byte, contentType coap.MediaType) (*coap.Message, error) {
	dest, err := e.resolveDest(addr)
	if err != nil {
		return nil, err
	}

	if len(payload) <= blocklayer.MaxPayload {
		req := coap.NewMessage(coap.Confirmable, code)
		req.Destination = dest
		req.SetPathString(path)
		req.SetContentFormat(contentType)
		req.Payload = payload
		return e.roundTrip(ctx, req)
	}

	token := coap.NewToken()
	chunk := blocklayer.MaxPayload
	var last *coap.Message
	for off := 0; off < len(payload); off += chunk {
		end := off + chunk
		if end > len(payload) {
			end = len(payload)
		}
		more := end < len(payload)

		req := coap.NewMessage(coap.Confirmable, code)
		req.Destination = dest
		req.Token = token
		req.SetPathString(path)
		req.SetContentFormat(contentType)
		req.Payload = payload[off:end]
		req.SetBlock1(uint32(off/blocklayer.MaxPayload), more, coap.SZXForSize(chunk))

		resp, err := e.roundTrip(ctx, req)
		if err != nil {
			return nil, err
		}
		last = resp
		if _, _, szx, ok, _ := resp.Block1Value(); ok {
			if rsz := coap.BlockSize(szx); rsz < chunk {
				chunk = rsz
			}
		}
	}
	return last, nil
}

// Put performs a confirmable PUT.
func (e *Endpoint) Put(ctx context.Context, addr, path string, payload []byte, contentType coap.MediaType) (*coap.Message, error) {
	return e.putOrPost(ctx, coap.PUT, addr, path, payload, contentType)
}

// Post performs a confirmable POST.
func (e *Endpoint) Post(ctx context.Context, addr, path string, payload []byte, contentType coap.MediaType) (*coap.Message, error) {
	return e.putOrPost(ctx, coap.POST, addr, path, payload, contentType)
}

// Delete performs a confirmable DELETE.
func (e *Endpoint) Delete(ctx context.Context, addr, path string) (*coap.Message, error) {
	dest, err := e.resolveDest(addr)
	if err != nil {
		return nil, err
	}
	req := coap.NewMessage(coap.Confirmable, coap.DELETE)
	req.Destination = dest
	req.SetPathString(path)
	return e.roundTrip(ctx, req)
}

// Subscription is a live Observe relationship (§6 "observe(path) returning
// a stream of Responses"). Responses delivers each notification in arrival
// order until Stop is called or the underlying exchange is abandoned.
type Subscription struct {
	responses chan *coap.Message
	cancel    context.CancelFunc
}

// Responses returns the channel notifications are pushed onto.
func (s *Subscription) Responses() <-chan *coap.Message { return s.responses }

// Stop ends the subscription's pump goroutine. It does not itself send a
// deregistering GET (Observe=1); the caller may issue one separately.
func (s *Subscription) Stop() { s.cancel() }

// Observe registers an Observe relationship (Observe=0) and returns a
// Subscription streaming every subsequent notification (§4.4, §6).
func (e *Endpoint) Observe(ctx context.Context, addr, path string) (*Subscription, error) {
	dest, err := e.resolveDest(addr)
	if err != nil {
		return nil, err
	}

	req := coap.NewMessage(coap.Confirmable, coap.GET)
	req.Destination = dest
	req.SetPathString(path)
	req.SetObserve(0)

	if len(req.Token) == 0 {
		req.Token = coap.NewToken()
	}
	e.block.SendRequest(req)
	tx := e.msg.SendRequest(req)
	if err := e.send(req); err != nil {
		return nil, err
	}
	e.msg.StartRetransmit(tx, req, e.sendFunc)

	first, ok := tx.AwaitResponse(ctx, e.cfg.ResponseTimeout)
	if !ok {
		tx.CancelRetransmit()
		return nil, ErrTimeout
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{responses: make(chan *coap.Message, 8), cancel: cancel}
	sub.responses <- first

	go func() {
		for {
			resp, ok := tx.AwaitResponse(pumpCtx, e.cfg.ResponseTimeout)
			if !ok {
				select {
				case <-pumpCtx.Done():
					return
				default:
					continue
				}
			}
			select {
			case sub.responses <- resp:
			case <-pumpCtx.Done():
				return
			}
		}
	}()

	return sub, nil
}
