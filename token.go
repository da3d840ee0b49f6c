package coap

import "github.com/rs/xid"

// tokenLen is how many bytes of a generated xid this endpoint uses as a
// CoAP token (RFC 7252 §5.3.1 allows 0-8).
const tokenLen = 4

// NewToken returns a fresh client-request token. Tokens only need to be
// unique for the lifetime of one outstanding exchange with one peer, so the
// globally-unique xid is truncated rather than used whole. The trailing
// bytes are kept because they hold the per-process counter that changes on
// every call; the leading bytes are a seconds timestamp.
func NewToken() []byte {
	id := xid.New()
	b := id.Bytes()
	return append([]byte(nil), b[len(b)-tokenLen:]...)
}
