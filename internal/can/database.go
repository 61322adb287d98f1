package can

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/BurntSushi/toml"
)

var (
	ErrUnknownMessage = errors.New("can: unknown message")
	ErrUnknownSignal  = errors.New("can: unknown signal")
	ErrSignalRange    = errors.New("can: signal value out of range")
	ErrFrameLength    = errors.New("can: frame shorter than message")
	ErrInvalidDB      = errors.New("can: invalid signal database")
)

type ByteOrder string

const (
	LittleEndian ByteOrder = "little_endian"
	BigEndian    ByteOrder = "big_endian"
)

// Signal is one field of a message. Start follows DBC numbering: the LSB
// for little endian signals and the MSB for big endian ones.
type Signal struct {
	Name      string    `toml:"name"`
	Start     int       `toml:"start"`
	Length    int       `toml:"length"`
	ByteOrder ByteOrder `toml:"byte_order"`
	Signed    bool      `toml:"signed"`
	Scale     *float64  `toml:"scale"`
	Offset    float64   `toml:"offset"`
	Unit      string    `toml:"unit"`
}

func (s *Signal) scale() float64 {
	if s.Scale == nil || *s.Scale == 0 {
		return 1
	}
	return *s.Scale
}

type Message struct {
	Name     string   `toml:"name"`
	ID       uint32   `toml:"id"`
	Length   int      `toml:"length"`
	Extended bool     `toml:"extended"`
	Signals  []Signal `toml:"signals"`
}

// Database is a signal database decoded from TOML:
//
//	[[messages]]
//	name = "EngineStatus"
//	id = 0x100
//	length = 8
//	  [[messages.signals]]
//	  name = "rpm"
//	  start = 0
//	  length = 16
//	  byte_order = "little_endian"
//	  scale = 0.25
type Database struct {
	Messages []Message `toml:"messages"`

	byName map[string]*Message
	byID   map[uint32]*Message
}

func LoadDatabase(path string) (*Database, error) {
	var db Database
	if _, err := toml.DecodeFile(path, &db); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidDB, path, err)
	}
	return &db, db.index()
}

func ParseDatabase(data string) (*Database, error) {
	var db Database
	if _, err := toml.Decode(data, &db); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDB, err)
	}
	return &db, db.index()
}

func (db *Database) index() error {
	db.byName = make(map[string]*Message, len(db.Messages))
	db.byID = make(map[uint32]*Message, len(db.Messages))
	for i := range db.Messages {
		m := &db.Messages[i]
		if m.Name == "" {
			return fmt.Errorf("%w: messages[%d] has no name", ErrInvalidDB, i)
		}
		if m.Length <= 0 {
			m.Length = 8
		}
		if m.Length > 64 {
			return fmt.Errorf("%w: %s: length %d exceeds 64", ErrInvalidDB, m.Name, m.Length)
		}
		if _, dup := db.byName[m.Name]; dup {
			return fmt.Errorf("%w: duplicate message %s", ErrInvalidDB, m.Name)
		}
		if _, dup := db.byID[m.ID]; dup {
			return fmt.Errorf("%w: duplicate frame id 0x%X", ErrInvalidDB, m.ID)
		}
		for j := range m.Signals {
			s := &m.Signals[j]
			if s.ByteOrder == "" {
				s.ByteOrder = LittleEndian
			}
			if s.ByteOrder != LittleEndian && s.ByteOrder != BigEndian {
				return fmt.Errorf("%w: %s.%s: byte order %q", ErrInvalidDB, m.Name, s.Name, s.ByteOrder)
			}
			if s.Length < 1 || s.Length > 64 {
				return fmt.Errorf("%w: %s.%s: length %d", ErrInvalidDB, m.Name, s.Name, s.Length)
			}
			for _, p := range bitPositions(s) {
				if p < 0 || p >= m.Length*8 {
					return fmt.Errorf("%w: %s.%s does not fit in %d bytes", ErrInvalidDB, m.Name, s.Name, m.Length)
				}
			}
		}
		db.byName[m.Name] = m
		db.byID[m.ID] = m
	}
	return nil
}

func (db *Database) ByName(name string) (*Message, bool) {
	m, ok := db.byName[name]
	return m, ok
}

func (db *Database) ByID(id uint32) (*Message, bool) {
	m, ok := db.byID[id]
	return m, ok
}

func (db *Database) Names() []string {
	out := make([]string, 0, len(db.byName))
	for n := range db.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// bitPositions lists the frame bit positions of s from MSB to LSB, with
// bit 0 the LSB of byte 0.
func bitPositions(s *Signal) []int {
	out := make([]int, s.Length)
	if s.ByteOrder == BigEndian {
		p := s.Start
		for i := 0; i < s.Length; i++ {
			out[i] = p
			if p%8 == 0 {
				p += 15
			} else {
				p--
			}
		}
		return out
	}
	for i := 0; i < s.Length; i++ {
		out[s.Length-1-i] = s.Start + i
	}
	return out
}

func (s *Signal) extract(data []byte) float64 {
	var raw uint64
	for _, p := range bitPositions(s) {
		raw = raw<<1 | uint64(data[p/8]>>(p%8)&1)
	}
	if s.Signed && s.Length < 64 && raw&(1<<(s.Length-1)) != 0 {
		raw |= ^uint64(0) << s.Length
	}
	if s.Signed {
		return float64(int64(raw))*s.scale() + s.Offset
	}
	return float64(raw)*s.scale() + s.Offset
}

func (s *Signal) insert(data []byte, value float64) error {
	rawf := math.Round((value - s.Offset) / s.scale())
	var lo, hi float64
	if s.Signed {
		lo, hi = -math.Ldexp(1, s.Length-1), math.Ldexp(1, s.Length-1)-1
	} else {
		lo, hi = 0, math.Ldexp(1, s.Length)-1
	}
	if math.IsNaN(rawf) || rawf < lo || rawf > hi {
		return fmt.Errorf("%w: %s=%v", ErrSignalRange, s.Name, value)
	}
	var raw uint64
	if s.Signed {
		raw = uint64(int64(rawf))
	} else {
		raw = uint64(rawf)
	}
	pos := bitPositions(s)
	for i, p := range pos {
		bit := byte(raw>>(len(pos)-1-i)) & 1
		data[p/8] = data[p/8]&^(1<<(p%8)) | bit<<(p%8)
	}
	return nil
}

// Decode returns the physical value of every signal in data.
func (m *Message) Decode(data []byte) (map[string]float64, error) {
	if len(data) < m.Length {
		return nil, fmt.Errorf("%w: %s wants %d bytes, got %d", ErrFrameLength, m.Name, m.Length, len(data))
	}
	out := make(map[string]float64, len(m.Signals))
	for i := range m.Signals {
		s := &m.Signals[i]
		out[s.Name] = s.extract(data)
	}
	return out, nil
}

// Encode packs values into a frame of m.Length bytes. Signals without a
// value are zero.
func (m *Message) Encode(values map[string]float64) ([]byte, error) {
	data := make([]byte, m.Length)
	for name := range values {
		if m.signal(name) == nil {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownSignal, m.Name, name)
		}
	}
	for i := range m.Signals {
		s := &m.Signals[i]
		v, ok := values[s.Name]
		if !ok {
			continue
		}
		if err := s.insert(data, v); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (m *Message) signal(name string) *Signal {
	for i := range m.Signals {
		if m.Signals[i].Name == name {
			return &m.Signals[i]
		}
	}
	return nil
}
