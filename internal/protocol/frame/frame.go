package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Wire layout, big endian:
//
//	[0]    version(2) | type(2) | reserved(1) | 0(3)
//	[1]    subtype
//	[2]    error code
//	[3]    token
//	[4:6]  suite id
//	[6:8]  case id
//	[8:10] payload length
//	payload
//	crc32 (IEEE) over header and payload
const (
	HeaderSize  = 10
	TrailerSize = 4
	Version     = 1

	flagReserved = 0x08
)

var (
	ErrShortHeader       = errors.New("frame: short fixed header")
	ErrShortPayload      = errors.New("frame: short payload")
	ErrChecksum          = errors.New("frame: checksum mismatch")
	ErrPayloadTooLarge   = errors.New("frame: payload too large")
	ErrUnsupportedVer    = errors.New("frame: unsupported version")
	ErrTrailingBytes     = errors.New("frame: trailing bytes after checksum")
	ErrTypeOutOfRange    = errors.New("frame: message type out of range")
	ErrVersionOutOfRange = errors.New("frame: version out of range")
)

// Header is the fixed wire header.
type Header struct {
	Version    uint8
	Type       uint8
	Reserved   bool
	SubType    uint8
	ErrorCode  uint8
	Token      uint8
	SuiteID    uint16
	CaseID     uint16
	PayloadLen uint16
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 0xFFFF}
}

func EncodeHeader(h Header) ([]byte, error) {
	if h.Version > 0x03 {
		return nil, ErrVersionOutOfRange
	}
	if h.Type > 0x03 {
		return nil, ErrTypeOutOfRange
	}
	buf := make([]byte, HeaderSize)
	buf[0] = h.Version<<6 | h.Type<<4
	if h.Reserved {
		buf[0] |= flagReserved
	}
	buf[1] = h.SubType
	buf[2] = h.ErrorCode
	buf[3] = h.Token
	binary.BigEndian.PutUint16(buf[4:6], h.SuiteID)
	binary.BigEndian.PutUint16(buf[6:8], h.CaseID)
	binary.BigEndian.PutUint16(buf[8:10], h.PayloadLen)
	return buf, nil
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		Version:    b[0] >> 6,
		Type:       (b[0] >> 4) & 0x03,
		Reserved:   b[0]&flagReserved != 0,
		SubType:    b[1],
		ErrorCode:  b[2],
		Token:      b[3],
		SuiteID:    binary.BigEndian.Uint16(b[4:6]),
		CaseID:     binary.BigEndian.Uint16(b[6:8]),
		PayloadLen: binary.BigEndian.Uint16(b[8:10]),
	}, nil
}

// Marshal encodes f and appends the checksum trailer. PayloadLen is
// taken from the payload, not from f.Header.
func Marshal(f Frame, limits Limits) ([]byte, error) {
	if len(f.Payload) > limits.MaxPayloadBytes || len(f.Payload) > 0xFFFF {
		return nil, ErrPayloadTooLarge
	}
	h := f.Header
	h.PayloadLen = uint16(len(f.Payload))
	hb, err := EncodeHeader(h)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, HeaderSize+len(f.Payload)+TrailerSize)
	out = append(out, hb...)
	out = append(out, f.Payload...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(out)), nil
}

// Unmarshal decodes exactly one frame from b.
func Unmarshal(b []byte, limits Limits) (Frame, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Frame{}, err
	}
	if h.Version != Version {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnsupportedVer, h.Version)
	}
	if int(h.PayloadLen) > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	end := HeaderSize + int(h.PayloadLen)
	if len(b) < end+TrailerSize {
		return Frame{}, ErrShortPayload
	}
	if len(b) > end+TrailerSize {
		return Frame{}, ErrTrailingBytes
	}
	want := binary.BigEndian.Uint32(b[end : end+TrailerSize])
	if got := crc32.ChecksumIEEE(b[:end]); got != want {
		return Frame{}, fmt.Errorf("%w: got=%08x want=%08x", ErrChecksum, got, want)
	}
	payload := make([]byte, h.PayloadLen)
	copy(payload, b[HeaderSize:end])
	return Frame{Header: h, Payload: payload}, nil
}

// ReadFrame pre-reads HeaderSize bytes, then the payload and trailer.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if int(h.PayloadLen) > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	rest := make([]byte, int(h.PayloadLen)+TrailerSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortPayload
		}
		return Frame{}, err
	}
	return Unmarshal(append(fixed[:], rest...), limits)
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	b, err := Marshal(f, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
