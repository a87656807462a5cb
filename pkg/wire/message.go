package wire

import (
	"bytes"
	"encoding/binary"
	"sort"
	"strings"
)

// Protocol limits.
const (
	// MaxTokenLength is the largest token a message may carry.
	MaxTokenLength = 8

	// MaxObserveSequence is the largest Observe value (24 bits).
	MaxObserveSequence = 1<<24 - 1
)

// Observe option values in requests (RFC 7641 section 2).
const (
	ObserveRegister   uint32 = 0
	ObserveDeregister uint32 = 1
)

// Option is a single encoded option.
type Option struct {
	ID    OptionID
	Value []byte
}

// Options is an ordered option list. Repeatable options appear once per value.
type Options []Option

// Get returns the first value of the option.
func (o Options) Get(id OptionID) ([]byte, bool) {
	for _, opt := range o {
		if opt.ID == id {
			return opt.Value, true
		}
	}
	return nil, false
}

// GetAll returns every value of a repeatable option in order.
func (o Options) GetAll(id OptionID) [][]byte {
	var values [][]byte
	for _, opt := range o {
		if opt.ID == id {
			values = append(values, opt.Value)
		}
	}
	return values
}

// Has reports whether the option is present.
func (o Options) Has(id OptionID) bool {
	_, ok := o.Get(id)
	return ok
}

// Uint returns the first value of the option decoded as an unsigned integer.
func (o Options) Uint(id OptionID) (uint32, bool) {
	v, ok := o.Get(id)
	if !ok {
		return 0, false
	}
	return DecodeUint(v), true
}

// Add appends a value without removing existing ones.
func (o *Options) Add(id OptionID, value []byte) {
	*o = append(*o, Option{ID: id, Value: value})
}

// Set replaces all values of the option with a single value.
func (o *Options) Set(id OptionID, value []byte) {
	o.Remove(id)
	o.Add(id, value)
}

// SetUint replaces the option with a minimally encoded unsigned integer.
func (o *Options) SetUint(id OptionID, v uint32) {
	o.Set(id, EncodeUint(v))
}

// Remove deletes every value of the option.
func (o *Options) Remove(id OptionID) {
	kept := (*o)[:0]
	for _, opt := range *o {
		if opt.ID != id {
			kept = append(kept, opt)
		}
	}
	*o = kept
}

// sorted returns a copy ordered by option number, preserving the
// relative order of repeated options.
func (o Options) sorted() Options {
	out := make(Options, len(o))
	copy(out, o)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Message is a decoded CoAP message.
type Message struct {
	// Type is only meaningful on datagram transports.
	Type Type

	// Code is the method, response or signaling code.
	Code Code

	// MessageID deduplicates and matches datagram messages.
	MessageID uint16

	// Token correlates requests and responses (0-8 bytes).
	Token []byte

	Options Options
	Payload []byte
}

// Path returns the Uri-Path segments joined with "/" and without a leading slash.
func (m *Message) Path() string {
	segments := m.Options.GetAll(URIPath)
	parts := make([]string, len(segments))
	for i, s := range segments {
		parts[i] = string(s)
	}
	return strings.Join(parts, "/")
}

// SetPath replaces the Uri-Path options with the segments of p.
func (m *Message) SetPath(p string) {
	m.Options.Remove(URIPath)
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if seg == "" {
			continue
		}
		m.Options.Add(URIPath, []byte(seg))
	}
}

// Queries returns the Uri-Query options.
func (m *Message) Queries() []string {
	values := m.Options.GetAll(URIQuery)
	queries := make([]string, len(values))
	for i, v := range values {
		queries[i] = string(v)
	}
	return queries
}

// AddQuery appends a Uri-Query option.
func (m *Message) AddQuery(q string) {
	m.Options.Add(URIQuery, []byte(q))
}

// Observe returns the Observe option value.
func (m *Message) Observe() (uint32, bool) {
	return m.Options.Uint(Observe)
}

// SetObserve sets the Observe option, truncated to 24 bits.
func (m *Message) SetObserve(seq uint32) {
	m.Options.SetUint(Observe, seq&MaxObserveSequence)
}

// ContentFormat returns the Content-Format option.
func (m *Message) ContentFormat() (MediaType, bool) {
	v, ok := m.Options.Uint(ContentFormat)
	return MediaType(v), ok
}

// SetContentFormat sets the Content-Format option.
func (m *Message) SetContentFormat(mt MediaType) {
	m.Options.SetUint(ContentFormat, uint32(mt))
}

// Accept returns the Accept option.
func (m *Message) Accept() (MediaType, bool) {
	v, ok := m.Options.Uint(Accept)
	return MediaType(v), ok
}

// ETag returns the first ETag option.
func (m *Message) ETag() ([]byte, bool) {
	return m.Options.Get(ETag)
}

// SetETag sets the ETag option.
func (m *Message) SetETag(tag []byte) {
	m.Options.Set(ETag, tag)
}

// SetMaxAge sets the Max-Age option in seconds.
func (m *Message) SetMaxAge(seconds uint32) {
	m.Options.SetUint(MaxAge, seconds)
}

// Block1 returns the decoded Block1 option.
func (m *Message) Block1() (Block, bool, error) {
	return m.block(Block1)
}

// Block2 returns the decoded Block2 option.
func (m *Message) Block2() (Block, bool, error) {
	return m.block(Block2)
}

// SetBlock1 sets the Block1 option.
func (m *Message) SetBlock1(b Block) {
	m.Options.Set(Block1, b.Encode())
}

// SetBlock2 sets the Block2 option.
func (m *Message) SetBlock2(b Block) {
	m.Options.Set(Block2, b.Encode())
}

func (m *Message) block(id OptionID) (Block, bool, error) {
	v, ok := m.Options.Get(id)
	if !ok {
		return Block{}, false, nil
	}
	b, err := DecodeBlock(v)
	if err != nil {
		return Block{}, true, err
	}
	return b, true, nil
}

// Size1 returns the Size1 option (request body size indication).
func (m *Message) Size1() (uint32, bool) {
	return m.Options.Uint(Size1)
}

// SetSize2 sets the Size2 option (total response body size).
func (m *Message) SetSize2(size uint32) {
	m.Options.SetUint(Size2, size)
}

// UnknownCritical returns the first critical option the server does not
// understand. Signaling messages are exempt: their option space is per code.
func (m *Message) UnknownCritical() (OptionID, bool) {
	if m.Code.IsSignaling() {
		return 0, false
	}
	for _, opt := range m.Options {
		if opt.ID.Critical() && !opt.ID.Known() {
			return opt.ID, true
		}
	}
	return 0, false
}

// TokenEqual reports whether two tokens are byte-equal.
func TokenEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// EncodeUint encodes v in the minimal number of big-endian bytes (0 → empty).
func EncodeUint(v uint32) []byte {
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
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v)
		return b
	}
}

// DecodeUint decodes a big-endian unsigned integer of up to 4 bytes.
// Longer values keep the low-order 4 bytes.
func DecodeUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}
