// Package blocklayer implements RFC 7959 Blockwise transfer (§4.3): four
// LFU-bounded tables track in-flight block1/block2 exchanges on both the
// server and client side, hiding the reassembly/fragmentation from the
// layers above and below it.
package blocklayer

import (
	"github.com/coreway/coap"
	"github.com/coreway/coap/internal/cache"
	"github.com/coreway/coap/internal/metrics"
	"github.com/coreway/coap/internal/obs"
	"github.com/coreway/coap/internal/protoerr"
	"github.com/coreway/coap/internal/transaction"
)

// MaxPayload is the largest payload this endpoint will forward as a single
// block, matching the reference implementation's 1024-byte default (RFC
// 7959 §4 recommends SZX values up to 1024). It also bounds the reassembled
// payload a block table entry will accumulate across an entire transfer,
// capping the per-entry memory amplification an adversarial multi-block
// transfer could otherwise cause (§6 TRANSACTION_LIST_MAX_SIZE worst case).
const MaxPayload = 1024

// item tracks one in-flight block transfer's accumulated state.
type item struct {
	byte        int
	num         uint32
	more        bool
	size        int
	payload     []byte
	contentType coap.MediaType
	hasCT       bool
}

// Layer owns the four block tables. All are LFU-bounded at capacity
// (TRANSACTION_LIST_MAX_SIZE, §6) since a block transfer has no natural TTL
// of its own — it lives only as long as the surrounding exchange needs it.
type Layer struct {
	block1Sent    *cache.Cache
	block2Sent    *cache.Cache
	block1Receive *cache.Cache
	block2Receive *cache.Cache
	metrics       *metrics.Collectors
}

// New builds a Layer with the four tables capped at capacity entries.
func New(capacity int, m *metrics.Collectors) *Layer {
	return &Layer{
		block1Sent:    cache.NewLFU(capacity),
		block2Sent:    cache.NewLFU(capacity),
		block1Receive: cache.NewLFU(capacity),
		block2Receive: cache.NewLFU(capacity),
		metrics:       m,
	}
}

func tokenKey(tx *transaction.Transaction) string {
	return transaction.TokenKey(tx.Request.Source, tx.Request.Token)
}

// ReceiveRequest handles an inbound request's Block1/Block2 options (§4.3).
// For a Block1 (server-side receive) request it reassembles the payload
// across calls, marking tx.BlockTransfer true while more blocks are
// expected. The Request Layer must not be invoked while BlockTransfer is
// true; the caller sends the synthesized "Continue" response this method
// attaches to tx.Response instead.
func (l *Layer) ReceiveRequest(tx *transaction.Transaction) error {
	req := tx.Request
	key := tokenKey(tx)

	if num, more, size, ok, err := req.Block2Value(); ok {
		if err != nil {
			return protoerr.NewProtocolError("invalid Block2 option", req.MessageID)
		}
		if raw, found := l.block2Receive.Get(key); found {
			it := raw.(*item)
			it.num, it.more, it.size = num, more, BlockSize(size)
		} else {
			sz := BlockSize(size)
			l.block2Receive.Set(key, &item{byte: sz * int(num), num: num, more: more, size: sz}, nowNanos())
		}
		return nil
	}

	block1, more, szx, hasBlock1, err := req.Block1Value()
	if err != nil {
		return protoerr.NewProtocolError("invalid Block1 option", req.MessageID)
	}
	if !hasBlock1 && len(req.Payload) <= MaxPayload {
		return nil
	}

	var num uint32
	var size int
	if !hasBlock1 {
		num, more, size = 0, true, MaxPayload
		req.Payload = req.Payload[:size]
	} else {
		num, size = block1, BlockSize(szx)
	}

	ct := req.ContentFormatValue()
	if raw, found := l.block1Receive.Get(key); found {
		it := raw.(*item)
		if num != it.num || (it.hasCT && ct != it.contentType) || req.Payload == nil {
			return protoerr.NewInternalError("entity incomplete", coap.RequestEntityIncomplete)
		}
		if len(it.payload)+len(req.Payload) > MaxPayload {
			l.block1Receive.Delete(key)
			return protoerr.NewInternalError("entity too large", coap.RequestEntityTooLarge)
		}
		it.payload = append(it.payload, req.Payload...)
		it.byte = size
		it.num = num + 1
		it.size = size
		it.more = more
	} else {
		if num != 0 {
			return protoerr.NewInternalError("entity incomplete", coap.RequestEntityIncomplete)
		}
		l.block1Receive.Set(key, &item{
			byte: size, num: num + 1, more: more, size: size,
			payload: append([]byte(nil), req.Payload...), contentType: ct, hasCT: true,
		}, nowNanos())
	}

	raw, _ := l.block1Receive.Get(key)
	it := raw.(*item)

	if !it.more {
		req.Payload = it.payload
		tx.BlockTransfer = false
		if l.metrics != nil {
			l.metrics.BlockTransfersTotal.WithLabelValues("receive").Inc()
		}
		return nil
	}

	tx.BlockTransfer = true
	resp := coap.NewMessage(0, coap.Continue)
	resp.Destination = req.Source
	resp.Token = req.Token
	tx.Response = resp
	obs.Trace("block1 receive continue token=%x num=%d", req.Token, it.num)
	return nil
}

// SendResponse fragments an outgoing response into Block2 pieces (server
// side) when the caller negotiated Block2 or the payload exceeds
// MaxPayload, and sets the Block1 acknowledgement option when finishing a
// Block1 reassembly (§4.3).
func (l *Layer) SendResponse(tx *transaction.Transaction) {
	resp := tx.Response
	key := tokenKey(tx)

	_, block2InFlight := l.block2Receive.Get(key)
	needsBlock2 := resp.Payload != nil && (block2InFlight || len(resp.Payload) > MaxPayload)

	_, block1InFlight := l.block1Receive.Get(key)

	switch {
	case needsBlock2:
		var byteOff, size int
		var num uint32
		if block2InFlight {
			raw, _ := l.block2Receive.Get(key)
			it := raw.(*item)
			byteOff, size, num = it.byte, it.size, it.num
		} else {
			byteOff, size, num = 0, MaxPayload, 0
			l.block2Receive.Set(key, &item{byte: 0, num: 0, more: true, size: size}, nowNanos())
		}

		if num != 0 {
			resp.RemoveOption(coap.Observe)
		}
		more := len(resp.Payload) > byteOff+size
		end := byteOff + size
		if end > len(resp.Payload) {
			end = len(resp.Payload)
		}
		resp.Payload = resp.Payload[byteOff:end]
		szx := coap.SZXForSize(size)
		resp.SetBlock2(num, more, szx)

		raw, _ := l.block2Receive.Get(key)
		it := raw.(*item)
		it.byte += size
		it.num++
		if !more {
			l.block2Receive.Delete(key)
			if l.metrics != nil {
				l.metrics.BlockTransfersTotal.WithLabelValues("send").Inc()
			}
		}

	case block1InFlight:
		raw, _ := l.block1Receive.Get(key)
		it := raw.(*item)
		szx := coap.SZXForSize(it.size)
		resp.SetBlock1(it.num-1, it.more, szx)
		if it.more {
			resp.Code = coap.Continue
		} else {
			l.block1Receive.Delete(key)
		}
	}
}

// SendRequest fragments an outgoing client request into Block1 pieces, or
// primes the Block2 table when the caller asks for a specific Block2 window
// up front (§4.3 client side).
func (l *Layer) SendRequest(req *coap.Message) {
	key := transaction.TokenKey(req.Destination, req.Token)

	num, more, szx, hasBlock1, _ := req.Block1Value()
	if hasBlock1 || (req.Payload != nil && len(req.Payload) > MaxPayload) {
		var size int
		if hasBlock1 {
			size = BlockSize(szx)
		} else {
			num, more, size = 0, true, MaxPayload
			req.SetBlock1(num, more, coap.SZXForSize(size))
		}
		l.block1Sent.Set(key, &item{
			byte: size, num: num, more: more, size: size,
			payload: append([]byte(nil), req.Payload...), contentType: req.ContentFormatValue(), hasCT: true,
		}, nowNanos())
		end := size
		if end > len(req.Payload) {
			end = len(req.Payload)
		}
		req.Payload = req.Payload[:end]
		return
	}

	if num, more, szx, ok, _ := req.Block2Value(); ok {
		size := BlockSize(szx)
		l.block2Sent.Set(key, &item{byte: size, num: num, more: more, size: size}, nowNanos())
	}
}

// ReceiveResponse advances the client-side Block1/Block2 state machines as
// blocks arrive, validating block numbering and content-format consistency
// (§4.3).
func (l *Layer) ReceiveResponse(tx *transaction.Transaction) error {
	resp := tx.Response
	key := transaction.TokenKey(resp.Source, resp.Token)

	if n, _, szx, ok, err := resp.Block1Value(); ok {
		if err != nil {
			return protoerr.NewProtocolError("invalid Block1 option", resp.MessageID)
		}
		raw, found := l.block1Sent.Get(key)
		if !found {
			return nil
		}
		it := raw.(*item)
		if n != it.num {
			return protoerr.NewInternalError("block num acknowledged error", coap.RequestEntityIncomplete)
		}
		if nsz := BlockSize(szx); nsz < it.size {
			obs.Debug("scale down block1 size %d -> %d", it.size, nsz)
			it.size = nsz
		}
		return nil
	}

	num, more, szx, ok, err := resp.Block2Value()
	if !ok {
		return nil
	}
	if err != nil {
		return protoerr.NewProtocolError("invalid Block2 option", resp.MessageID)
	}
	size := BlockSize(szx)
	ct := resp.ContentFormatValue()

	if more {
		if raw, found := l.block2Sent.Get(key); found {
			it := raw.(*item)
			if num != it.num {
				return protoerr.NewInternalError("receive unwanted block", coap.RequestEntityIncomplete)
			}
			if !it.hasCT {
				it.contentType, it.hasCT = ct, true
			} else if it.contentType != ct {
				return protoerr.NewInternalError("content-type error", coap.UnsupportedContentFormat)
			}
			if len(it.payload)+len(resp.Payload) > MaxPayload {
				l.block2Sent.Delete(key)
				return protoerr.NewInternalError("entity too large", coap.RequestEntityTooLarge)
			}
			it.byte += size
			it.num = num + 1
			it.size = size
			it.payload = append(it.payload, resp.Payload...)
		} else {
			l.block2Sent.Set(key, &item{
				byte: size, num: num + 1, more: more, size: size,
				payload: append([]byte(nil), resp.Payload...), contentType: ct, hasCT: true,
			}, nowNanos())
		}
		return nil
	}

	if raw, found := l.block2Sent.Get(key); found {
		it := raw.(*item)
		if !it.hasCT {
			it.contentType, it.hasCT = ct, true
		} else if it.contentType != ct {
			return protoerr.NewInternalError("content-type error", coap.UnsupportedContentFormat)
		}
		l.block2Sent.Delete(key)
	}
	return nil
}

// BlockSize is the local alias for coap.BlockSize, kept so callers in this
// package read as domain vocabulary rather than wire-format vocabulary.
func BlockSize(szx uint8) int { return coap.BlockSize(szx) }

func nowNanos() int64 {
	// Block tables are LFU-bounded (capacity, not TTL) so the timestamp
	// passed to Set is only used for the shared Cache.Set signature; it
	// never drives eviction here.
	return 0
}
