package isotp

import (
	"errors"
	"fmt"
	"math"
)

// PaddingByte fills frames up to the next allowed length.
const PaddingByte byte = 0xCC

// frameLengths is the ladder of allowed CAN FD data lengths.
var frameLengths = [...]int{8, 12, 16, 20, 24, 32, 48, 64}

// PaddedLength returns the smallest allowed frame length holding n bytes.
// Lengths above 64 are returned unchanged.
func PaddedLength(n int) int {
	for _, l := range frameLengths {
		if n <= l {
			return l
		}
	}
	return n
}

// PadMessage returns a copy of msg padded with PaddingByte to the next
// allowed frame length.
func PadMessage(msg []byte) []byte {
	return padTo(msg, PaddedLength(len(msg)), PaddingByte)
}

func padTo(msg []byte, n int, pad byte) []byte {
	out := make([]byte, len(msg), max(n, len(msg)))
	copy(out, msg)
	for len(out) < n {
		out = append(out, pad)
	}
	return out
}

var (
	ErrInvalidSTmin      = errors.New("isotp: invalid separation time")
	ErrInvalidFlowStatus = errors.New("isotp: invalid flow status")
)

// EncodeSTmin encodes a separation time in milliseconds. Values below 1 ms
// use the 100 us steps 0xF1..0xF9; sub-step precision is truncated.
func EncodeSTmin(ms float64) (byte, error) {
	if math.IsNaN(ms) || math.IsInf(ms, 0) || ms < 0 || ms > 127 {
		return 0, fmt.Errorf("%w: %v ms", ErrInvalidSTmin, ms)
	}
	if ms == 0 || ms >= 1 {
		return byte(ms), nil
	}
	steps := int(math.Floor(ms*10 + 1e-9))
	if steps < 1 {
		return 0, fmt.Errorf("%w: %v ms is below 100 us", ErrInvalidSTmin, ms)
	}
	return 0xF0 | byte(steps), nil
}

// DecodeSTmin is the inverse of EncodeSTmin. Reserved values decode as
// the 127 ms maximum, as receivers are required to do.
func DecodeSTmin(b byte) float64 {
	switch {
	case b <= 0x7F:
		return float64(b)
	case b >= 0xF1 && b <= 0xF9:
		return float64(b&0x0F) / 10
	default:
		return 127
	}
}

type FlowStatus uint8

const (
	ContinueToSend FlowStatus = 0
	Wait           FlowStatus = 1
	Overflow       FlowStatus = 2
)

// ParseFlowControl decodes a [0x30|fs, bs, stmin] frame.
func ParseFlowControl(frame []byte) (FlowStatus, uint8, float64, error) {
	t, err := TypeOf(frame)
	if err != nil {
		return 0, 0, 0, err
	}
	if t != FlowControl {
		return 0, 0, 0, fmt.Errorf("%w: %s is not flow control", ErrUnknownFrameType, t)
	}
	if len(frame) < 3 {
		return 0, 0, 0, fmt.Errorf("%w: flow control too short", ErrInvalidLength)
	}
	fs := FlowStatus(frame[0] & 0x0F)
	if fs > Overflow {
		return 0, 0, 0, fmt.Errorf("%w: %d", ErrInvalidFlowStatus, fs)
	}
	return fs, frame[1], DecodeSTmin(frame[2]), nil
}

// FlowControlFrame builds [0x30|fs, bs, stmin].
func FlowControlFrame(fs FlowStatus, blockSize uint8, stminMs float64) ([]byte, error) {
	if fs > Overflow {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFlowStatus, fs)
	}
	st, err := EncodeSTmin(stminMs)
	if err != nil {
		return nil, err
	}
	return []byte{0x30 | byte(fs), blockSize, st}, nil
}
