// Package coap implements the wire format of the Constrained Application
// Protocol (RFC 7252): message types, option model and the datagram codec.
// Everything above the codec (deduplication, blockwise transfer, observe,
// request dispatch) lives in the sibling layer packages.
package coap

import (
	"fmt"
	"net"
)

// Type is one of the four CoAP message types.
type Type uint8

const (
	Confirmable    Type = 0
	NonConfirmable Type = 1
	Acknowledgement Type = 2
	Reset          Type = 3
)

var typeNames = [4]string{"CON", "NON", "ACK", "RST"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Unknown(0x%x)", uint8(t))
}

// Code is the one-byte class.detail code shared by requests, responses and
// the empty message.
type Code uint8

// NewCode builds a Code from the class.detail pair (e.g. NewCode(2, 5) == 2.05).
func NewCode(class, detail uint8) Code {
	return Code((class << 5) | (detail & 0x1f))
}

// Class returns the code class (0 empty/request, 2/4/5 response).
func (c Code) Class() uint8 { return uint8(c) >> 5 }

// Detail returns the code detail.
func (c Code) Detail() uint8 { return uint8(c) & 0x1f }

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// IsRequest reports whether this code identifies a request (class 0, detail != 0).
func (c Code) IsRequest() bool { return c.Class() == 0 && c.Detail() != 0 }

// IsResponse reports whether this code identifies a response (class 2, 4 or 5).
func (c Code) IsResponse() bool {
	class := c.Class()
	return class == 2 || class == 4 || class == 5
}

// IsError reports whether this response code is a client (4.xx) or server (5.xx) error.
func (c Code) IsError() bool {
	class := c.Class()
	return class == 4 || class == 5
}

// IsEmpty reports whether this is the empty message code (0.00).
func (c Code) IsEmpty() bool { return c == Empty }

// Request method codes.
const (
	Empty  Code = 0
	GET    Code = 1
	POST   Code = 2
	PUT    Code = 3
	DELETE Code = 4
)

// Response codes (RFC 7252 §5.9, RFC 7959 §2.9.3).
const (
	Created               = Code(65)  // 2.01
	Deleted               = Code(66)  // 2.02
	Valid                 = Code(67)  // 2.03
	Changed               = Code(68)  // 2.04
	Content               = Code(69)  // 2.05
	Continue              = Code(95)  // 2.31
	BadRequest            = Code(128) // 4.00
	Unauthorized          = Code(129) // 4.01
	BadOption             = Code(130) // 4.02
	Forbidden             = Code(131) // 4.03
	NotFound              = Code(132) // 4.04
	MethodNotAllowed      = Code(133) // 4.05
	NotAcceptable         = Code(134) // 4.06
	RequestEntityIncomplete = Code(136) // 4.08
	PreconditionFailed    = Code(140) // 4.12
	RequestEntityTooLarge = Code(141) // 4.13
	UnsupportedContentFormat = Code(143) // 4.15
	InternalServerError   = Code(160) // 5.00
	NotImplemented        = Code(161) // 5.01
	BadGateway            = Code(162) // 5.02
	ServiceUnavailable    = Code(163) // 5.03
	GatewayTimeout        = Code(164) // 5.04
	ProxyingNotSupported  = Code(165) // 5.05
)

var codeNames = map[Code]string{
	Empty:  "0.00",
	GET:    "GET",
	POST:   "POST",
	PUT:    "PUT",
	DELETE: "DELETE",

	Created:                 "2.01 Created",
	Deleted:                 "2.02 Deleted",
	Valid:                   "2.03 Valid",
	Changed:                 "2.04 Changed",
	Content:                 "2.05 Content",
	Continue:                "2.31 Continue",
	BadRequest:              "4.00 Bad Request",
	Unauthorized:            "4.01 Unauthorized",
	BadOption:               "4.02 Bad Option",
	Forbidden:               "4.03 Forbidden",
	NotFound:                "4.04 Not Found",
	MethodNotAllowed:        "4.05 Method Not Allowed",
	NotAcceptable:           "4.06 Not Acceptable",
	RequestEntityIncomplete: "4.08 Request Entity Incomplete",
	PreconditionFailed:      "4.12 Precondition Failed",
	RequestEntityTooLarge:   "4.13 Request Entity Too Large",
	UnsupportedContentFormat: "4.15 Unsupported Content-Format",
	InternalServerError:     "5.00 Internal Server Error",
	NotImplemented:          "5.01 Not Implemented",
	BadGateway:              "5.02 Bad Gateway",
	ServiceUnavailable:      "5.03 Service Unavailable",
	GatewayTimeout:          "5.04 Gateway Timeout",
	ProxyingNotSupported:    "5.05 Proxying Not Supported",
}

// MediaType identifies a Content-Format/Accept registration (RFC 7252 §12.3).
type MediaType uint16

const (
	TextPlain       MediaType = 0
	AppLinkFormat   MediaType = 40
	AppXML          MediaType = 41
	AppOctetStream  MediaType = 42
	AppExi          MediaType = 47
	AppJSON         MediaType = 50
	AppCBOR         MediaType = 60
	AppSenmlJSON    MediaType = 110
	AppSenmlCBOR    MediaType = 112
	AppLwm2mTLV     MediaType = 11542
	AppLwm2mJSON    MediaType = 11543
	NoMediaType     MediaType = 65535 // sentinel: "not set"
)

// Message is a decoded CoAP datagram plus the transport and exchange
// bookkeeping the layers attach to it. Request and Response are thin views
// over the same struct, distinguished only by Code (§3).
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   Options
	Payload   []byte

	Source      net.Addr
	Destination net.Addr

	// Status flags, set by the layers during an exchange (§3).
	Acknowledged bool
	Rejected     bool
	TimedOut     bool
	Duplicated   bool
}

// NewMessage returns a zero-value message of the given type/code.
func NewMessage(t Type, code Code) *Message {
	return &Message{Type: t, Code: code}
}

// Clone returns a deep-enough copy suitable for a retransmission buffer or a
// notification built from a cached request (options/token/payload copied,
// not aliased).
func (m *Message) Clone() *Message {
	c := *m
	c.Token = append([]byte(nil), m.Token...)
	c.Payload = append([]byte(nil), m.Payload...)
	c.Options = append(Options(nil), m.Options...)
	return &c
}

// IsConfirmable reports whether this message requires acknowledgement.
func (m *Message) IsConfirmable() bool { return m.Type == Confirmable }

// IsPing reports the classic CoAP ping: an empty Confirmable message with no
// token and no options (§4.6, §7 "Pong").
func (m *Message) IsPing() bool {
	return m.Code == Empty && m.Type == Confirmable && len(m.Token) == 0 && len(m.Options) == 0
}

func (m *Message) String() string {
	return fmt.Sprintf("%s %s mid=%d token=%x", m.Type, m.Code, m.MessageID, m.Token)
}
