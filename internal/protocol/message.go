package protocol

import (
	"bytes"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/danmuck/benchctl/internal/protocol/frame"
	"github.com/danmuck/benchctl/internal/protocol/schema"
	"github.com/danmuck/benchctl/internal/protocol/tlv"
)

// TokenSource hands out rolling 8-bit correlation tokens.
type TokenSource struct {
	next atomic.Uint32
}

func (s *TokenSource) Next() uint8 {
	return uint8(s.next.Add(1))
}

var defaultTokens TokenSource

// Message is one command, report, ack or log exchanged with a DUT. Treat
// it as immutable once it has been serialized.
type Message struct {
	Type      MessageType
	SubType   SubType
	ErrorCode uint8
	Reserved  bool
	Token     uint8
	SuiteID   uint16
	CaseID    uint16
	TLVs      []tlv.Field
}

type Option func(*options)

type options struct {
	tokens    *TokenSource
	errorCode uint8
	reserved  bool
	tlvs      []tlv.Field
}

func WithTokenSource(src *TokenSource) Option {
	return func(o *options) { o.tokens = src }
}

func WithErrorCode(code uint8) Option {
	return func(o *options) { o.errorCode = code }
}

func WithReserved() Option {
	return func(o *options) { o.reserved = true }
}

// WithTLV appends a TLV entry. Entries keep their insertion order.
func WithTLV(tag uint8, value []byte) Option {
	return func(o *options) {
		v := make([]byte, len(value))
		copy(v, value)
		o.tlvs = append(o.tlvs, tlv.Field{Tag: tag, Value: v})
	}
}

// New builds a message and assigns it the next token.
func New(msgType MessageType, sub SubType, suiteID, caseID uint16, opts ...Option) *Message {
	o := options{tokens: &defaultTokens}
	for _, opt := range opts {
		opt(&o)
	}
	return &Message{
		Type:      msgType,
		SubType:   sub,
		ErrorCode: o.errorCode,
		Reserved:  o.reserved,
		Token:     o.tokens.Next(),
		SuiteID:   suiteID,
		CaseID:    caseID,
		TLVs:      o.tlvs,
	}
}

// Serialize validates m and encodes it to its wire form.
func (m *Message) Serialize() ([]byte, error) {
	if m == nil {
		return nil, ErrNilMessage
	}
	if err := schema.Validate(uint8(m.Type), uint8(m.SubType), m.TLVs); err != nil {
		return nil, err
	}
	payload, err := tlv.EncodeFields(m.TLVs)
	if err != nil {
		return nil, err
	}
	return frame.Marshal(frame.Frame{Header: m.header(), Payload: payload}, frame.DefaultLimits())
}

// Parse decodes one wire message.
func Parse(b []byte) (*Message, error) {
	f, err := frame.Unmarshal(b, frame.DefaultLimits())
	if err != nil {
		return nil, err
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	h := f.Header
	if err := schema.Validate(h.Type, h.SubType, fields); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		fields = nil
	}
	return &Message{
		Type:      MessageType(h.Type),
		SubType:   SubType(h.SubType),
		ErrorCode: h.ErrorCode,
		Reserved:  h.Reserved,
		Token:     h.Token,
		SuiteID:   h.SuiteID,
		CaseID:    h.CaseID,
		TLVs:      fields,
	}, nil
}

func (m *Message) header() frame.Header {
	return frame.Header{
		Version:   frame.Version,
		Type:      uint8(m.Type),
		Reserved:  m.Reserved,
		SubType:   uint8(m.SubType),
		ErrorCode: m.ErrorCode,
		Token:     m.Token,
		SuiteID:   m.SuiteID,
		CaseID:    m.CaseID,
	}
}

// IsAckMatching reports whether candidate is a positive acknowledgement of m.
func (m *Message) IsAckMatching(candidate *Message) bool {
	if m == nil || candidate == nil {
		return false
	}
	return candidate.Type == TypeAck &&
		candidate.SubType == SubAck &&
		candidate.Token == m.Token &&
		candidate.SuiteID == m.SuiteID &&
		candidate.CaseID == m.CaseID
}

// GenerateAck builds an ACK or NACK that echoes m's correlation fields.
func (m *Message) GenerateAck(ackType SubType) (*Message, error) {
	if m == nil {
		return nil, ErrNilMessage
	}
	if ackType != SubAck && ackType != SubNack {
		return nil, fmt.Errorf("%w: got %d", ErrNotAckType, ackType)
	}
	return &Message{
		Type:    TypeAck,
		SubType: ackType,
		Token:   m.Token,
		SuiteID: m.SuiteID,
		CaseID:  m.CaseID,
	}, nil
}

// TLV returns the value of the first entry carrying tag.
func (m *Message) TLV(tag uint8) ([]byte, bool) {
	f, ok := tlv.GetField(m.TLVs, tag)
	return f.Value, ok
}

func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.header() != o.header() || len(m.TLVs) != len(o.TLVs) {
		return false
	}
	for i := range m.TLVs {
		if m.TLVs[i].Tag != o.TLVs[i].Tag || !bytes.Equal(m.TLVs[i].Value, o.TLVs[i].Value) {
			return false
		}
	}
	return true
}

func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	var b strings.Builder
	sub := schema.SubTypeName(uint8(m.Type), uint8(m.SubType))
	if sub == "" {
		sub = fmt.Sprintf("%d", m.SubType)
	}
	fmt.Fprintf(&b, "%s/%s token=%d suite=%d case=%d", m.Type, sub, m.Token, m.SuiteID, m.CaseID)
	if m.ErrorCode != 0 {
		fmt.Fprintf(&b, " error=%d", m.ErrorCode)
	}
	for _, f := range m.TLVs {
		fmt.Fprintf(&b, " tlv[0x%02X]=%q", f.Tag, f.Value)
	}
	return b.String()
}
