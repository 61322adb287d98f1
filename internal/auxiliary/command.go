package auxiliary

import (
	"fmt"

	"github.com/danmuck/benchctl/internal/connector"
	"github.com/danmuck/benchctl/internal/protocol"
)

type CommandKind int

const (
	KindUnknown CommandKind = iota
	KindRaw
	KindMessage
)

func (k CommandKind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Command is what a caller asks an auxiliary to do. Exactly one of Raw or
// Message is meaningful, selected by Kind.
type Command struct {
	Kind    CommandKind
	Raw     []byte
	Route   connector.SendOptions
	Message *protocol.Message
	// Label names an unknown command for logging.
	Label string
}

func RawCommand(payload []byte, opts ...connector.SendOption) Command {
	return Command{
		Kind:  KindRaw,
		Raw:   append([]byte(nil), payload...),
		Route: connector.ApplySendOptions(opts),
	}
}

func MessageCommand(m *protocol.Message) Command {
	return Command{Kind: KindMessage, Message: m}
}

func UnknownCommand(label string) Command {
	return Command{Kind: KindUnknown, Label: label}
}

func (c Command) String() string {
	switch c.Kind {
	case KindRaw:
		return fmt.Sprintf("raw[% X]", c.Raw)
	case KindMessage:
		return c.Message.String()
	default:
		return fmt.Sprintf("unknown(%s)", c.Label)
	}
}

// valid reports whether c is a well-formed variant.
func (c Command) valid() bool {
	switch c.Kind {
	case KindRaw:
		return true
	case KindMessage:
		return c.Message != nil
	default:
		return false
	}
}
