package coap

import (
	"encoding/binary"
	"errors"
	"sort"
	"strings"
)

// OptionID identifies an option number (RFC 7252 §5.10, RFC 7959, RFC 7641).
type OptionID uint16

const (
	IfMatch       OptionID = 1
	URIHost       OptionID = 3
	ETag          OptionID = 4
	IfNoneMatch   OptionID = 5
	Observe       OptionID = 6
	URIPort       OptionID = 7
	LocationPath  OptionID = 8
	URIPath       OptionID = 11
	ContentFormat OptionID = 12
	MaxAge        OptionID = 14
	URIQuery      OptionID = 15
	Accept        OptionID = 17
	LocationQuery OptionID = 20
	Block2        OptionID = 23
	Block1        OptionID = 27
	Size2         OptionID = 28
	ProxyURI      OptionID = 35
	ProxyScheme   OptionID = 39
	Size1         OptionID = 60
	NoResponse    OptionID = 258
)

// Critical reports whether an unrecognised instance of this option number
// must abort processing (RFC 7252 §5.4.1): the low bit of the number.
func (o OptionID) Critical() bool { return o&1 == 1 }

// Unsafe reports whether a proxy must not forward this option unexamined.
func (o OptionID) Unsafe() bool { return o&2 == 2 }

// NoCacheKey reports the "no-cache-key" bit pattern (o&0x1e == 0x1c), used by
// caching proxies; recorded here because it is derived from the same bit
// layout as Critical/Unsafe even though this endpoint does no proxy caching.
func (o OptionID) NoCacheKey() bool { return o&0x1e == 0x1c }

type valueFormat uint8

const (
	valueEmpty valueFormat = iota
	valueOpaque
	valueUint
	valueString
)

type optionDef struct {
	format valueFormat
	minLen int
	maxLen int
}

var optionDefs = map[OptionID]optionDef{
	IfMatch:       {valueOpaque, 0, 8},
	URIHost:       {valueString, 1, 255},
	ETag:          {valueOpaque, 1, 8},
	IfNoneMatch:   {valueEmpty, 0, 0},
	Observe:       {valueUint, 0, 3},
	URIPort:       {valueUint, 0, 2},
	LocationPath:  {valueString, 0, 255},
	URIPath:       {valueString, 0, 255},
	ContentFormat: {valueUint, 0, 2},
	MaxAge:        {valueUint, 0, 4},
	URIQuery:      {valueString, 0, 255},
	Accept:        {valueUint, 0, 2},
	LocationQuery: {valueString, 0, 255},
	Block2:        {valueUint, 0, 3},
	Block1:        {valueUint, 0, 3},
	Size2:         {valueUint, 0, 4},
	ProxyURI:      {valueString, 1, 1034},
	ProxyScheme:   {valueString, 1, 255},
	Size1:         {valueUint, 0, 4},
	NoResponse:    {valueUint, 0, 1},
}

// Option is a single number/value pair as it appears on the wire.
type Option struct {
	ID    OptionID
	Value []byte
}

// Options is an ordered collection of Option; ascending-by-ID order is the
// wire requirement, Len/Less/Swap let Encode sort.Stable it cheaply.
type Options []Option

func (o Options) Len() int      { return len(o) }
func (o Options) Swap(i, j int) { o[i], o[j] = o[j], o[i] }
func (o Options) Less(i, j int) bool {
	if o[i].ID == o[j].ID {
		return i < j
	}
	return o[i].ID < o[j].ID
}

// Get returns every value stored for the given option number, in the order
// they were added.
func (o Options) Get(id OptionID) [][]byte {
	var out [][]byte
	for _, opt := range o {
		if opt.ID == id {
			out = append(out, opt.Value)
		}
	}
	return out
}

// First returns the first value for the given option number, or nil.
func (o Options) First(id OptionID) []byte {
	for _, opt := range o {
		if opt.ID == id {
			return opt.Value
		}
	}
	return nil
}

// Has reports whether the option is present at all.
func (o Options) Has(id OptionID) bool {
	for _, opt := range o {
		if opt.ID == id {
			return true
		}
	}
	return false
}

// Without returns a copy with every instance of id removed.
func (o Options) Without(id OptionID) Options {
	out := make(Options, 0, len(o))
	for _, opt := range o {
		if opt.ID != id {
			out = append(out, opt)
		}
	}
	return out
}

func encodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v))
		return b
	case v < 1<<24:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v)
		return b[1:]
	default:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v)
		return b
	}
}

func decodeUint(b []byte) uint32 {
	var tmp [4]byte
	copy(tmp[4-len(b):], b)
	return binary.BigEndian.Uint32(tmp[:])
}

// AddOption appends a raw option instance, preserving insertion order among
// same-numbered repeats (Uri-Path, Uri-Query, ETag, If-Match...).
func (m *Message) AddOption(id OptionID, value []byte) {
	m.Options = append(m.Options, Option{ID: id, Value: value})
}

// AddUintOption appends a uint-formatted option, shrinking to its minimal
// big-endian encoding as the wire format requires.
func (m *Message) AddUintOption(id OptionID, v uint32) {
	m.AddOption(id, encodeUint(v))
}

// SetOption replaces every existing instance of id with a single value.
func (m *Message) SetOption(id OptionID, value []byte) {
	m.Options = m.Options.Without(id)
	m.AddOption(id, value)
}

// SetUintOption replaces every existing instance of id with a single
// uint-formatted value.
func (m *Message) SetUintOption(id OptionID, v uint32) {
	m.Options = m.Options.Without(id)
	m.AddUintOption(id, v)
}

// RemoveOption deletes every instance of id.
func (m *Message) RemoveOption(id OptionID) {
	m.Options = m.Options.Without(id)
}

// --- typed accessors (§3) ---

// Path returns the Uri-Path segments.
func (m *Message) Path() []string {
	raw := m.Options.Get(URIPath)
	if len(raw) == 0 {
		return nil
	}
	segs := make([]string, len(raw))
	for i, b := range raw {
		segs[i] = string(b)
	}
	return segs
}

// PathString renders the Uri-Path as a leading-slash absolute path.
func (m *Message) PathString() string {
	segs := m.Path()
	if len(segs) == 0 {
		return "/"
	}
	return "/" + strings.Join(segs, "/")
}

// SetPathString sets Uri-Path from a leading-slash absolute path.
func (m *Message) SetPathString(path string) {
	m.RemoveOption(URIPath)
	path = strings.Trim(path, "/")
	if path == "" {
		return
	}
	for _, seg := range strings.Split(path, "/") {
		m.AddOption(URIPath, []byte(seg))
	}
}

// Queries returns the raw Uri-Query strings.
func (m *Message) Queries() []string {
	raw := m.Options.Get(URIQuery)
	out := make([]string, len(raw))
	for i, b := range raw {
		out[i] = string(b)
	}
	return out
}

// ContentFormatValue returns the Content-Format option, or NoMediaType if absent.
func (m *Message) ContentFormatValue() MediaType {
	v := m.Options.First(ContentFormat)
	if v == nil && !m.Options.Has(ContentFormat) {
		return NoMediaType
	}
	return MediaType(decodeUint(v))
}

// SetContentFormat sets the Content-Format option.
func (m *Message) SetContentFormat(mt MediaType) {
	m.SetUintOption(ContentFormat, uint32(mt))
}

// AcceptValue returns the Accept option, or NoMediaType if absent.
func (m *Message) AcceptValue() MediaType {
	if !m.Options.Has(Accept) {
		return NoMediaType
	}
	return MediaType(decodeUint(m.Options.First(Accept)))
}

// SetAccept sets the Accept option.
func (m *Message) SetAccept(mt MediaType) {
	m.SetUintOption(Accept, uint32(mt))
}

// MaxAgeValue returns the Max-Age option in seconds, defaulting to 60 (RFC 7252 §5.10.5).
func (m *Message) MaxAgeValue() uint32 {
	if !m.Options.Has(MaxAge) {
		return 60
	}
	return decodeUint(m.Options.First(MaxAge))
}

// SetMaxAge sets the Max-Age option.
func (m *Message) SetMaxAge(seconds uint32) {
	m.SetUintOption(MaxAge, seconds)
}

// ETagValue returns the (first) ETag option value.
func (m *Message) ETagValue() []byte {
	return m.Options.First(ETag)
}

// SetETag sets the ETag option.
func (m *Message) SetETag(etag []byte) {
	m.SetOption(ETag, etag)
}

// ETagSet returns every ETag option value (GET validation can carry several).
func (m *Message) ETagSet() [][]byte {
	return m.Options.Get(ETag)
}

// HasETag reports whether etag is present among the message's ETag options.
func (m *Message) HasETag(etag []byte) bool {
	for _, v := range m.ETagSet() {
		if bytesEqual(v, etag) {
			return true
		}
	}
	return false
}

// IfMatchSet returns the If-Match option values. A present-but-empty value
// (zero-length byte slice from an If-Match option with empty value) acts as
// a wildcard matching any existing resource.
func (m *Message) IfMatchSet() [][]byte {
	return m.Options.Get(IfMatch)
}

// AddIfMatch appends an If-Match option.
func (m *Message) AddIfMatch(etag []byte) {
	m.AddOption(IfMatch, etag)
}

// IfNoneMatchValue reports whether the If-None-Match option is set.
func (m *Message) IfNoneMatchValue() bool {
	return m.Options.Has(IfNoneMatch)
}

// SetIfNoneMatch sets the empty-valued If-None-Match option.
func (m *Message) SetIfNoneMatch() {
	m.SetOption(IfNoneMatch, []byte{})
}

// ObserveValue returns the Observe option and whether it was present.
func (m *Message) ObserveValue() (uint32, bool) {
	if !m.Options.Has(Observe) {
		return 0, false
	}
	return decodeUint(m.Options.First(Observe)), true
}

// SetObserve sets the Observe option, wrapping to the 24-bit window (§3 invariant 4).
func (m *Message) SetObserve(v uint32) {
	m.SetUintOption(Observe, v&0xFFFFFF)
}

// LocationPath returns the Location-Path segments.
func (m *Message) LocationPath() []string {
	raw := m.Options.Get(LocationPath)
	out := make([]string, len(raw))
	for i, b := range raw {
		out[i] = string(b)
	}
	return out
}

// SetLocationPathString sets Location-Path from a leading-slash absolute path.
func (m *Message) SetLocationPathString(path string) {
	m.RemoveOption(LocationPath)
	path = strings.Trim(path, "/")
	if path == "" {
		return
	}
	for _, seg := range strings.Split(path, "/") {
		m.AddOption(LocationPath, []byte(seg))
	}
}

// LocationQuery returns the Location-Query strings.
func (m *Message) LocationQuery() []string {
	raw := m.Options.Get(LocationQuery)
	out := make([]string, len(raw))
	for i, b := range raw {
		out[i] = string(b)
	}
	return out
}

// SetLocationQuery appends a Location-Query option.
func (m *Message) SetLocationQuery(q string) {
	m.AddOption(LocationQuery, []byte(q))
}

// ProxyURIValue returns the Proxy-Uri option value, if any.
func (m *Message) ProxyURIValue() string {
	return string(m.Options.First(ProxyURI))
}

// SetProxyURI sets the Proxy-Uri option.
func (m *Message) SetProxyURI(uri string) {
	m.SetOption(ProxyURI, []byte(uri))
}

// ProxySchemeValue returns the Proxy-Scheme option value, if any.
func (m *Message) ProxySchemeValue() string {
	return string(m.Options.First(ProxyScheme))
}

// SetProxyScheme sets the Proxy-Scheme option.
func (m *Message) SetProxyScheme(scheme string) {
	m.SetOption(ProxyScheme, []byte(scheme))
}

// Size1Value returns the Size1 option (request body size estimate).
func (m *Message) Size1Value() (uint32, bool) {
	if !m.Options.Has(Size1) {
		return 0, false
	}
	return decodeUint(m.Options.First(Size1)), true
}

// SetSize1 sets the Size1 option.
func (m *Message) SetSize1(v uint32) {
	m.SetUintOption(Size1, v)
}

// NoResponseValue returns the No-Response bit mask (RFC 7967), if present.
func (m *Message) NoResponseValue() (uint32, bool) {
	if !m.Options.Has(NoResponse) {
		return 0, false
	}
	return decodeUint(m.Options.First(NoResponse)), true
}

// SetNoResponse sets the No-Response option.
func (m *Message) SetNoResponse(mask uint32) {
	m.SetUintOption(NoResponse, mask)
}

// Suppressed reports whether, per the No-Response option, a response whose
// code belongs to the given class (2, 4 or 5) must be suppressed
// (RFC 7967 §2.1).
func (m *Message) Suppressed(responseClass uint8) bool {
	mask, ok := m.NoResponseValue()
	if !ok {
		return false
	}
	var bit uint32
	switch responseClass {
	case 2:
		bit = 1 << 1
	case 4:
		bit = 1 << 3
	case 5:
		bit = 1 << 4
	}
	return mask&bit != 0
}

// --- Block1/Block2 (RFC 7959 §2.2) ---

// ErrInvalidSZX is returned when a block option's SZX field is the reserved
// value 7.
var ErrInvalidSZX = errors.New("coap: reserved SZX value 7")

// BlockSize converts an SZX exponent (0..6) to a byte size (16..1024).
func BlockSize(szx uint8) int {
	return 1 << (szx + 4)
}

// SZXForSize returns the largest SZX whose block size does not exceed size,
// or 0 (16-byte blocks) when size is below 16, used when an application asks for "a reasonable default" block size.
func SZXForSize(size int) uint8 {
	szx := uint8(6)
	for szx > 0 && BlockSize(szx) > size {
		szx--
	}
	return szx
}

// EncodeBlock packs (num, more, szx) into a Block1/Block2 option value.
func EncodeBlock(num uint32, more bool, szx uint8) ([]byte, error) {
	if szx > 6 {
		return nil, ErrInvalidSZX
	}
	var m uint32
	if more {
		m = 1
	}
	v := (num << 4) | (m << 3) | uint32(szx)
	return encodeUint(v), nil
}

// DecodeBlock unpacks a Block1/Block2 option value into (num, more, szx).
func DecodeBlock(raw []byte) (num uint32, more bool, szx uint8, err error) {
	v := decodeUint(raw)
	szx = uint8(v & 0x7)
	if szx == 7 {
		return 0, false, 0, ErrInvalidSZX
	}
	more = (v>>3)&0x1 == 1
	num = v >> 4
	return num, more, szx, nil
}

// Block1Value returns the decoded Block1 option, if present.
func (m *Message) Block1Value() (num uint32, more bool, szx uint8, ok bool, err error) {
	if !m.Options.Has(Block1) {
		return 0, false, 0, false, nil
	}
	num, more, szx, err = DecodeBlock(m.Options.First(Block1))
	return num, more, szx, true, err
}

// SetBlock1 sets the Block1 option.
func (m *Message) SetBlock1(num uint32, more bool, szx uint8) error {
	v, err := EncodeBlock(num, more, szx)
	if err != nil {
		return err
	}
	m.SetOption(Block1, v)
	return nil
}

// Block2Value returns the decoded Block2 option, if present.
func (m *Message) Block2Value() (num uint32, more bool, szx uint8, ok bool, err error) {
	if !m.Options.Has(Block2) {
		return 0, false, 0, false, nil
	}
	num, more, szx, err = DecodeBlock(m.Options.First(Block2))
	return num, more, szx, true, err
}

// SetBlock2 sets the Block2 option.
func (m *Message) SetBlock2(num uint32, more bool, szx uint8) error {
	v, err := EncodeBlock(num, more, szx)
	if err != nil {
		return err
	}
	m.SetOption(Block2, v)
	return nil
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

// SortOptions orders options ascending by number, stably, as the wire
// encoding requires.
func SortOptions(o Options) {
	sort.Stable(o)
}
