package coap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// ProtocolError is a malformed-framing or unknown-critical-option failure.
// It carries the inbound MID (when one could be parsed) so the driver can
// answer with a matching RST (§4.1, §7).
type ProtocolError struct {
	Reason string
	MID    uint16
	HasMID bool
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("coap: protocol error: %s", e.Reason)
}

func newProtocolError(reason string, mid uint16, hasMID bool) *ProtocolError {
	return &ProtocolError{Reason: reason, MID: mid, HasMID: hasMID}
}

const (
	extByteBase  = 13
	extWordBase  = 269
	extByteMark  = 13
	extWordMark  = 14
	extReserved  = 15
)

// Decode parses a UDP datagram into a Message. Unknown non-critical options
// are silently dropped; unknown critical options and malformed framing
// return a *ProtocolError (§4.1).
func Decode(data []byte, source net.Addr) (*Message, error) {
	if len(data) < 4 {
		return nil, newProtocolError("datagram shorter than the 4-byte header", 0, false)
	}
	if data[0]>>6 != 1 {
		return nil, newProtocolError("unsupported version", 0, false)
	}

	m := &Message{Source: source}
	m.Type = Type((data[0] >> 4) & 0x3)
	tkl := int(data[0] & 0xf)
	m.Code = Code(data[1])
	m.MessageID = binary.BigEndian.Uint16(data[2:4])

	if tkl > 8 {
		return nil, newProtocolError("reserved token length 9-15", m.MessageID, true)
	}
	if len(data) < 4+tkl {
		return nil, newProtocolError("truncated token", m.MessageID, true)
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), data[4:4+tkl]...)
	}

	b := data[4+tkl:]
	prev := 0
	for len(b) > 0 {
		if b[0] == 0xff {
			b = b[1:]
			if len(b) == 0 {
				return nil, newProtocolError("payload marker with no payload", m.MessageID, true)
			}
			break
		}

		delta := int(b[0] >> 4)
		length := int(b[0] & 0x0f)
		if delta == extReserved || length == extReserved {
			return nil, newProtocolError("reserved option extension nibble", m.MessageID, true)
		}
		b = b[1:]

		var err error
		delta, b, err = readOptionExt(delta, b)
		if err != nil {
			return nil, newProtocolError(err.Error(), m.MessageID, true)
		}
		length, b, err = readOptionExt(length, b)
		if err != nil {
			return nil, newProtocolError(err.Error(), m.MessageID, true)
		}
		if len(b) < length {
			return nil, newProtocolError("truncated option value", m.MessageID, true)
		}

		id := OptionID(prev + delta)
		value := b[:length]
		b = b[length:]
		prev = int(id)

		def, known := optionDefs[id]
		if !known {
			if id.Critical() {
				return nil, newProtocolError(fmt.Sprintf("unknown critical option %d", id), m.MessageID, true)
			}
			// silent-ignore: unknown non-critical option (§4.1, §7)
			continue
		}
		if len(value) < def.minLen || len(value) > def.maxLen {
			if id.Critical() {
				return nil, newProtocolError(fmt.Sprintf("option %d has illegal length %d", id, len(value)), m.MessageID, true)
			}
			continue
		}
		m.Options = append(m.Options, Option{ID: id, Value: append([]byte(nil), value...)})
	}
	m.Payload = append([]byte(nil), b...)
	return m, nil
}

func readOptionExt(nibble int, b []byte) (int, []byte, error) {
	switch nibble {
	case extByteMark:
		if len(b) < 1 {
			return 0, nil, errors.New("truncated extended option byte")
		}
		return int(b[0]) + extByteBase, b[1:], nil
	case extWordMark:
		if len(b) < 2 {
			return 0, nil, errors.New("truncated extended option word")
		}
		return int(binary.BigEndian.Uint16(b[:2])) + extWordBase, b[2:], nil
	default:
		return nibble, b, nil
	}
}

func extendOptionNibble(v int) (nibble int, ext []byte) {
	switch {
	case v >= extWordBase:
		w := v - extWordBase
		tmp := make([]byte, 2)
		binary.BigEndian.PutUint16(tmp, uint16(w))
		return extWordMark, tmp
	case v >= extByteBase:
		return extByteMark, []byte{byte(v - extByteBase)}
	default:
		return v, nil
	}
}

// Encode serialises a Message into its wire form. Options are written in
// ascending-number order as RFC 7252 §3.1 requires.
func Encode(m *Message) ([]byte, error) {
	if len(m.Token) > 8 {
		return nil, newProtocolError("token longer than 8 bytes", m.MessageID, true)
	}

	var buf bytes.Buffer
	buf.WriteByte((1 << 6) | (uint8(m.Type) << 4) | uint8(len(m.Token)))
	buf.WriteByte(byte(m.Code))
	var midBuf [2]byte
	binary.BigEndian.PutUint16(midBuf[:], m.MessageID)
	buf.Write(midBuf[:])
	buf.Write(m.Token)

	opts := append(Options(nil), m.Options...)
	SortOptions(opts)

	prev := 0
	for _, opt := range opts {
		delta := int(opt.ID) - prev
		deltaNibble, deltaExt := extendOptionNibble(delta)
		lengthNibble, lengthExt := extendOptionNibble(len(opt.Value))
		buf.WriteByte(byte(deltaNibble<<4) | byte(lengthNibble))
		buf.Write(deltaExt)
		buf.Write(lengthExt)
		buf.Write(opt.Value)
		prev = int(opt.ID)
	}

	if len(m.Payload) > 0 {
		buf.WriteByte(0xff)
		buf.Write(m.Payload)
	}

	return buf.Bytes(), nil
}
