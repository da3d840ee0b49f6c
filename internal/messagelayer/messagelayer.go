// Package messagelayer implements the Message Layer (§4.2): the MID/token
// deduplication tables and ACK/RST/retransmit matching that sit directly
// above the codec.
package messagelayer

import (
	"net"
	"sync"
	"time"

	"github.com/coreway/coap"
	"github.com/coreway/coap/internal/cache"
	"github.com/coreway/coap/internal/metrics"
	"github.com/coreway/coap/internal/obs"
	"github.com/coreway/coap/internal/protoerr"
	"github.com/coreway/coap/internal/transaction"
)

// Protocol constants (§6). Exported so the endpoint package and tests can
// reference the same defaults without redeclaring them.
const (
	AckTimeout         = 2 * time.Second
	AckRandomFactor    = 1.5
	MaxRetransmit      = 4
	ExchangeLifetime   = 247 * time.Second
	AllCoAPNodesIPv4   = "224.0.1.187"
	AllCoAPNodesIPv6   = "ff00::fd"
)

// Related identifies which half of an exchange an empty ACK/RST answers
// (§4.2 send_empty).
type Related int

const (
	RelatedNone Related = iota
	RelatedRequest
	RelatedResponse
)

// Config tunes the layer away from its RFC 7252 §6 defaults; zero-value
// Config uses the defaults.
type Config struct {
	Seed             uint16
	AckTimeout       time.Duration
	AckRandomFactor  float64
	MaxRetransmit    int
	ExchangeLifetime time.Duration
}

func (c Config) withDefaults() Config {
	if c.AckTimeout == 0 {
		c.AckTimeout = AckTimeout
	}
	if c.AckRandomFactor == 0 {
		c.AckRandomFactor = AckRandomFactor
	}
	if c.MaxRetransmit == 0 {
		c.MaxRetransmit = MaxRetransmit
	}
	if c.ExchangeLifetime == 0 {
		c.ExchangeLifetime = ExchangeLifetime
	}
	return c
}

// Layer owns the MID and token TTL tables and retransmission bookkeeping.
type Layer struct {
	cfg     Config
	mid     *midGenerator
	byMID   *cache.Cache
	byToken *cache.Cache
	metrics *metrics.Collectors

	// OnTimeout is invoked when a Confirmable exchange exhausts
	// MaxRetransmit without an ACK/RST (§4.2, §7).
	OnTimeout func(tx *transaction.Transaction)
}

// New builds a Layer. m may be nil (metrics become no-ops).
func New(cfg Config, m *metrics.Collectors) *Layer {
	cfg = cfg.withDefaults()
	return &Layer{
		cfg:     cfg,
		mid:     newMIDGenerator(cfg.Seed),
		byMID:   cache.NewTTL(int64(cfg.ExchangeLifetime)),
		byToken: cache.NewTTL(int64(cfg.ExchangeLifetime)),
		metrics: m,
	}
}

// Sweep reclaims TTL-expired transactions from both tables (§3 caches).
func (l *Layer) Sweep(now time.Time) {
	l.byMID.Sweep(now.UnixNano())
	l.byToken.Sweep(now.UnixNano())
}

// midGenerator assigns MIDs sequentially wrapping modulo 65535 — not 65536,
// which leaves MID 65535 permanently unreachable. This is a known quirk of
// the reference implementation (§9 open question); it is preserved here
// rather than silently fixed.
type midGenerator struct {
	mu   sync.Mutex
	next uint32
}

func newMIDGenerator(seed uint16) *midGenerator {
	return &midGenerator{next: uint32(seed)}
}

func (g *midGenerator) Next() uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := uint16(g.next)
	g.next = (g.next + 1) % 65535
	return v
}

func (l *Layer) assignMID(m *coap.Message) {
	if m.MessageID == 0 {
		m.MessageID = l.mid.Next()
	}
}

func indexTransaction(byMID, byToken *cache.Cache, addr net.Addr, mid uint16, token []byte, tx *transaction.Transaction, now time.Time) {
	byMID.Set(transaction.MIDKey(addr, mid), tx, now.UnixNano())
	byToken.Set(transaction.TokenKey(addr, token), tx, now.UnixNano())
}

// SendRequest allocates an MID if the request has none, creates a
// Transaction, and indexes it under both keys (§4.2).
func (l *Layer) SendRequest(req *coap.Message) *transaction.Transaction {
	l.assignMID(req)
	now := time.Now()
	tx := transaction.New(req)
	indexTransaction(l.byMID, l.byToken, req.Destination, req.MessageID, req.Token, tx, now)
	obs.Trace("send_request mid=%d token=%x", req.MessageID, req.Token)
	return tx
}

// ReceiveRequest looks up an inbound request by MID, detecting duplicates
// and token/MID mismatches (§4.2, invariant 1/2).
func (l *Layer) ReceiveRequest(req *coap.Message) (*transaction.Transaction, error) {
	now := time.Now()
	midKey := transaction.MIDKey(req.Source, req.MessageID)
	tokenKey := transaction.TokenKey(req.Source, req.Token)

	if existing, ok := l.byMID.Get(midKey); ok {
		tx := existing.(*transaction.Transaction)
		if _, tokOK := l.byToken.Get(tokenKey); !tokOK {
			obs.Warn("duplicated message with different token from %v", req.Source)
			return nil, protoerr.NewProtocolError("tokens do not match", tx.Request.MessageID)
		}
		tx.Request.Duplicated = true
		if l.metrics != nil {
			l.metrics.DuplicatesTotal.Inc()
		}
		obs.Trace("receive_request duplicate mid=%d", req.MessageID)
		return tx, nil
	}

	tx := transaction.New(req)
	indexTransaction(l.byMID, l.byToken, req.Source, req.MessageID, req.Token, tx, now)
	return tx, nil
}

// ReceiveResponse matches an inbound response by MID (with token
// cross-check), then by token alone for separate responses, then against
// the multicast alias keys (§4.2, §9).
func (l *Layer) ReceiveResponse(resp *coap.Message) (*transaction.Transaction, error) {
	host, port := transaction.HostPort(resp.Source)

	if raw, ok := l.byMID.Get(transaction.MIDKey(resp.Source, resp.MessageID)); ok {
		tx := raw.(*transaction.Transaction)
		if !bytesEqual(resp.Token, tx.Request.Token) {
			return nil, protoerr.NewProtocolError("tokens do not match", resp.MessageID)
		}
		l.finishResponse(tx, resp)
		return tx, nil
	}
	if raw, ok := l.byToken.Get(transaction.TokenKey(resp.Source, resp.Token)); ok {
		tx := raw.(*transaction.Transaction)
		l.finishResponse(tx, resp)
		return tx, nil
	}
	for _, mcast := range []string{AllCoAPNodesIPv4, AllCoAPNodesIPv6} {
		if raw, ok := l.byMID.Get(transaction.MIDKeyHostPort(mcast, port, resp.MessageID)); ok {
			tx := raw.(*transaction.Transaction)
			l.finishResponse(tx, resp)
			return tx, nil
		}
		if raw, ok := l.byToken.Get(transaction.TokenKeyHostPort(mcast, port, resp.Token)); ok {
			tx := raw.(*transaction.Transaction)
			if !bytesEqual(resp.Token, tx.Request.Token) {
				return nil, protoerr.NewProtocolError("tokens do not match", resp.MessageID)
			}
			l.finishResponse(tx, resp)
			return tx, nil
		}
	}
	obs.Warn("unmatched incoming response from %s:%d", host, port)
	return nil, nil
}

func (l *Layer) finishResponse(tx *transaction.Transaction, resp *coap.Message) {
	tx.Request.Acknowledged = true
	if resp.Type != coap.Confirmable {
		resp.Acknowledged = true
	}
	tx.Response = resp
	tx.CancelRetransmit()
	tx.DeliverResponse(resp)
}

// ReceiveEmpty resolves an ACK/RST/implicit-ACK against the MID, token and
// multicast-alias keys (§4.2). Returns a *protoerr.PongError when nothing
// matches.
func (l *Layer) ReceiveEmpty(msg *coap.Message) (*transaction.Transaction, error) {
	host, port := transaction.HostPort(msg.Source)

	candidates := []string{
		transaction.MIDKey(msg.Source, msg.MessageID),
	}
	tokenCandidates := []string{
		transaction.TokenKey(msg.Source, msg.Token),
	}
	for _, mcast := range []string{AllCoAPNodesIPv4, AllCoAPNodesIPv6} {
		candidates = append(candidates, transaction.MIDKeyHostPort(mcast, port, msg.MessageID))
		tokenCandidates = append(tokenCandidates, transaction.TokenKeyHostPort(mcast, port, msg.Token))
	}

	var tx *transaction.Transaction
	for _, k := range candidates {
		if raw, ok := l.byMID.Get(k); ok {
			tx = raw.(*transaction.Transaction)
			break
		}
	}
	if tx == nil {
		for _, k := range tokenCandidates {
			if raw, ok := l.byToken.Get(k); ok {
				tx = raw.(*transaction.Transaction)
				break
			}
		}
	}
	if tx == nil {
		obs.Warn("unmatched incoming empty message from %s:%d mid=%d", host, port, msg.MessageID)
		return nil, protoerr.NewPongError(msg.Type == coap.Confirmable, msg.MessageID)
	}

	switch msg.Type {
	case coap.Acknowledgement:
		tx.MarkAcknowledged()
	case coap.Reset:
		tx.MarkRejected()
	case coap.Confirmable:
		// implicit ACK: the real ACK may have been lost (§4.2).
		tx.MarkAcknowledged()
	default:
		return nil, protoerr.NewProtocolError("unexpected empty message type", msg.MessageID)
	}
	return tx, nil
}

// SendResponse derives the response's Type/Token/MID and indexes it under
// both keys (plus the multicast alias if the request came from a multicast
// source), per §4.2. Callers build the response's Code/Options/Payload and
// leave Type/Token/MessageID to this call; a piggy-backed ACK, a NON, or a
// separate CON is chosen the way the reference implementation's
// send_response does.
func (l *Layer) SendResponse(tx *transaction.Transaction) {
	resp := tx.Response
	req := tx.Request

	switch {
	case req.Type == coap.Confirmable && !req.Acknowledged:
		resp.Type = coap.Acknowledgement
		resp.MessageID = req.MessageID
		req.Acknowledged = true
	case req.Type == coap.NonConfirmable:
		resp.Type = coap.NonConfirmable
	default:
		resp.Type = coap.Confirmable
	}

	resp.Token = req.Token
	l.assignMID(resp)

	now := time.Now()
	indexTransaction(l.byMID, l.byToken, resp.Destination, resp.MessageID, resp.Token, tx, now)

	if isMulticast(req.Source) {
		host, port := transaction.HostPort(req.Source)
		l.byMID.Set(transaction.MIDKeyHostPort(host, port, resp.MessageID), tx, now.UnixNano())
		l.byToken.Set(transaction.TokenKeyHostPort(host, port, resp.Token), tx, now.UnixNano())
	}
	obs.Trace("send_response mid=%d token=%x code=%s", resp.MessageID, resp.Token, resp.Code)
}

// SendEmpty builds the ACK/RST that answers transaction.Request
// (related=RelatedRequest, the deferred separate-exchange ACK) or
// transaction.Response (related=RelatedResponse, a client ACKing a CON
// notification). related=RelatedNone builds a client-originated empty CON
// ping (§4.2).
func (l *Layer) SendEmpty(tx *transaction.Transaction, related Related, seed *coap.Message) *coap.Message {
	msg := seed
	if msg == nil {
		msg = coap.NewMessage(coap.Acknowledgement, coap.Empty)
	}

	switch related {
	case RelatedRequest:
		msg.Type = coap.Acknowledgement
		msg.MessageID = tx.Request.MessageID
		msg.Code = coap.Empty
		msg.Destination = tx.Request.Source
		tx.Request.Acknowledged = true
	case RelatedResponse:
		msg.Type = coap.Acknowledgement
		msg.MessageID = tx.Response.MessageID
		msg.Code = coap.Empty
		msg.Destination = tx.Response.Source
		tx.Response.Acknowledged = true
	default:
		msg.Type = coap.Confirmable
		l.assignMID(msg)
	}

	now := time.Now()
	indexTransaction(l.byMID, l.byToken, msg.Destination, msg.MessageID, msg.Token, tx, now)
	return msg
}

func isMulticast(addr net.Addr) bool {
	u, ok := addr.(*net.UDPAddr)
	if !ok || u == nil {
		return false
	}
	return u.IP.IsMulticast()
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
