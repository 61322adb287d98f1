package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is tag (u8) + length (u16).
const HeaderLen = 3

const MaxValueLen = 0xFFFF

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrValueTooLarge    = errors.New("tlv: value too large")
)

// Tags carried by test reports.
const (
	TagTestReport    uint8 = 0x6E
	TagFailureReason uint8 = 0x6F
)

// Field is one decoded TLV entry. Unknown tags are preserved as-is.
type Field struct {
	Tag   uint8
	Value []byte
}

func Text(tag uint8, v string) Field {
	return Field{Tag: tag, Value: []byte(v)}
}

func EncodeField(f Field) ([]byte, error) {
	if len(f.Value) > MaxValueLen {
		return nil, fmt.Errorf("%w: tag=0x%02X len=%d", ErrValueTooLarge, f.Tag, len(f.Value))
	}
	buf := make([]byte, HeaderLen+len(f.Value))
	buf[0] = f.Tag
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(f.Value)))
	copy(buf[3:], f.Value)
	return buf, nil
}

func EncodeFields(fields []Field) ([]byte, error) {
	out := make([]byte, 0)
	for _, f := range fields {
		b, err := EncodeField(f)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		tag := payload[i]
		l := int(binary.BigEndian.Uint16(payload[i+1 : i+3]))
		i += HeaderLen
		if len(payload)-i < l {
			return nil, ErrShortFieldValue
		}
		val := make([]byte, l)
		copy(val, payload[i:i+l])
		i += l
		fields = append(fields, Field{Tag: tag, Value: val})
	}
	return fields, nil
}

// GetField returns the first field carrying tag.
func GetField(fields []Field, tag uint8) (Field, bool) {
	for _, f := range fields {
		if f.Tag == tag {
			return f, true
		}
	}
	return Field{}, false
}
