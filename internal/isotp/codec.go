package isotp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type FrameType uint8

const (
	SingleFrame      FrameType = 0
	FirstFrame       FrameType = 1
	ConsecutiveFrame FrameType = 2
	FlowControl      FrameType = 3
)

func (t FrameType) String() string {
	switch t {
	case SingleFrame:
		return "SF"
	case FirstFrame:
		return "FF"
	case ConsecutiveFrame:
		return "CF"
	case FlowControl:
		return "FC"
	default:
		return fmt.Sprintf("PCI(%d)", uint8(t))
	}
}

const (
	ClassicFrameSize = 8
	FDFrameSize      = 64
)

var (
	ErrEmptyPayload     = errors.New("isotp: empty payload")
	ErrPayloadTooLarge  = errors.New("isotp: payload too large")
	ErrFrameSize        = errors.New("isotp: frame size must be 8 or 64")
	ErrEmptyFrame       = errors.New("isotp: empty frame")
	ErrUnknownFrameType = errors.New("isotp: unknown frame type")
	ErrInvalidLength    = errors.New("isotp: invalid length field")
	ErrUnexpectedCF     = errors.New("isotp: consecutive frame without first frame")
	ErrSequence         = errors.New("isotp: wrong sequence number")
)

// DefaultMaxPayload bounds segmented transfers unless Limits say otherwise.
const DefaultMaxPayload = 1 << 16

// Limits bounds the payloads an Encoder produces and a Reassembler
// accepts. A zero MaxPayload means DefaultMaxPayload.
type Limits struct {
	MaxPayload int
}

func DefaultLimits() Limits {
	return Limits{MaxPayload: DefaultMaxPayload}
}

func (l Limits) maxPayload() int {
	if l.MaxPayload <= 0 {
		return DefaultMaxPayload
	}
	return l.MaxPayload
}

// TypeOf reads the protocol control information nibble.
func TypeOf(frame []byte) (FrameType, error) {
	if len(frame) == 0 {
		return 0, ErrEmptyFrame
	}
	t := FrameType(frame[0] >> 4)
	if t > FlowControl {
		return t, fmt.Errorf("%w: 0x%02X", ErrUnknownFrameType, frame[0])
	}
	return t, nil
}

// Encoder segments payloads into link-layer frames.
type Encoder struct {
	FrameSize int
	Padding   bool
	PadByte   byte
	Limits    Limits
}

func NewEncoder(frameSize int) (*Encoder, error) {
	if frameSize != ClassicFrameSize && frameSize != FDFrameSize {
		return nil, fmt.Errorf("%w: %d", ErrFrameSize, frameSize)
	}
	return &Encoder{FrameSize: frameSize, Padding: true, PadByte: PaddingByte, Limits: DefaultLimits()}, nil
}

func (e *Encoder) pad(frame []byte) []byte {
	if !e.Padding {
		return frame
	}
	if e.FrameSize == ClassicFrameSize {
		return padTo(frame, ClassicFrameSize, e.PadByte)
	}
	return padTo(frame, PaddedLength(len(frame)), e.PadByte)
}

// Encode returns the frames carrying payload, in send order.
func (e *Encoder) Encode(payload []byte) ([][]byte, error) {
	n := len(payload)
	if n == 0 {
		return nil, ErrEmptyPayload
	}
	if uint64(n) > 0xFFFFFFFF {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	if limit := e.Limits.maxPayload(); n > limit {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, n, limit)
	}

	if n <= 7 {
		sf := append([]byte{byte(n)}, payload...)
		return [][]byte{e.pad(sf)}, nil
	}
	if e.FrameSize == FDFrameSize && n <= FDFrameSize-2 {
		sf := append([]byte{0x00, byte(n)}, payload...)
		return [][]byte{e.pad(sf)}, nil
	}

	var ff []byte
	if n <= 0xFFF {
		ff = []byte{0x10 | byte(n>>8), byte(n)}
	} else {
		ff = make([]byte, 6)
		ff[0] = 0x10
		binary.BigEndian.PutUint32(ff[2:], uint32(n))
	}
	take := e.FrameSize - len(ff)
	ff = append(ff, payload[:take]...)
	frames := [][]byte{ff}

	rest := payload[take:]
	sn := byte(1)
	for len(rest) > 0 {
		chunk := min(len(rest), e.FrameSize-1)
		cf := append([]byte{0x20 | sn}, rest[:chunk]...)
		rest = rest[chunk:]
		if len(rest) == 0 {
			cf = e.pad(cf)
		}
		frames = append(frames, cf)
		sn = (sn + 1) & 0x0F
	}
	return frames, nil
}

// Result is the outcome of feeding one frame to a Reassembler.
type Result struct {
	Type     FrameType
	Payload  []byte
	Complete bool

	// FlowStatus, BlockSize and STmin are set for flow-control frames.
	FlowStatus FlowStatus
	BlockSize  uint8
	STmin      float64
}

// Reassembler rebuilds payloads from received frames. It is not safe for
// concurrent use. First frames announcing more than Limits allow are
// rejected with ErrPayloadTooLarge before anything is buffered.
type Reassembler struct {
	Limits Limits

	buf      []byte
	expected int
	nextSN   byte
	active   bool
}

func (r *Reassembler) Reset() {
	r.buf = nil
	r.expected = 0
	r.nextSN = 0
	r.active = false
}

// InProgress reports whether a segmented transfer is waiting for frames.
func (r *Reassembler) InProgress() bool { return r.active }

func (r *Reassembler) Feed(frame []byte) (Result, error) {
	t, err := TypeOf(frame)
	if err != nil {
		return Result{}, err
	}
	res := Result{Type: t}
	switch t {
	case SingleFrame:
		r.Reset()
		n, off := int(frame[0]&0x0F), 1
		if n == 0 {
			if len(frame) < 2 {
				return res, fmt.Errorf("%w: escaped single frame too short", ErrInvalidLength)
			}
			n, off = int(frame[1]), 2
		}
		if n == 0 || off+n > len(frame) {
			return res, fmt.Errorf("%w: single frame length %d in %d bytes", ErrInvalidLength, n, len(frame))
		}
		res.Payload = append([]byte(nil), frame[off:off+n]...)
		res.Complete = true
	case FirstFrame:
		r.Reset()
		if len(frame) < 2 {
			return res, fmt.Errorf("%w: first frame too short", ErrInvalidLength)
		}
		n, off := int(frame[0]&0x0F)<<8|int(frame[1]), 2
		if n == 0 {
			if len(frame) < 6 {
				return res, fmt.Errorf("%w: escaped first frame too short", ErrInvalidLength)
			}
			n, off = int(binary.BigEndian.Uint32(frame[2:6])), 6
		}
		if n == 0 {
			return res, fmt.Errorf("%w: first frame length 0", ErrInvalidLength)
		}
		if limit := r.Limits.maxPayload(); n < 0 || n > limit {
			return res, fmt.Errorf("%w: first frame announces %d bytes, limit %d", ErrPayloadTooLarge, n, limit)
		}
		r.expected = n
		r.buf = make([]byte, 0, n)
		r.buf = append(r.buf, frame[off:min(len(frame), off+n)]...)
		r.nextSN = 1
		r.active = true
	case ConsecutiveFrame:
		if !r.active {
			return res, ErrUnexpectedCF
		}
		sn := frame[0] & 0x0F
		if sn != r.nextSN {
			want := r.nextSN
			r.Reset()
			return res, fmt.Errorf("%w: got %d want %d", ErrSequence, sn, want)
		}
		r.nextSN = (r.nextSN + 1) & 0x0F
		need := r.expected - len(r.buf)
		data := frame[1:]
		r.buf = append(r.buf, data[:min(len(data), need)]...)
		if len(r.buf) == r.expected {
			res.Payload = r.buf
			res.Complete = true
			r.buf = nil
			r.active = false
		}
	case FlowControl:
		fs, bs, st, err := ParseFlowControl(frame)
		if err != nil {
			return res, err
		}
		res.FlowStatus, res.BlockSize, res.STmin = fs, bs, st
	}
	return res, nil
}
