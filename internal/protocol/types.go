package protocol

import (
	"fmt"

	"github.com/danmuck/benchctl/internal/protocol/frame"
	"github.com/danmuck/benchctl/internal/protocol/schema"
)

// HeaderSize is the number of bytes a transport must read before the
// variable TLV region.
const HeaderSize = frame.HeaderSize

type MessageType uint8

const (
	TypeCommand MessageType = MessageType(schema.MsgCommand)
	TypeReport  MessageType = MessageType(schema.MsgReport)
	TypeAck     MessageType = MessageType(schema.MsgAck)
	TypeLog     MessageType = MessageType(schema.MsgLog)
)

func (t MessageType) String() string {
	if name := schema.TypeName(uint8(t)); name != "" {
		return name
	}
	return fmt.Sprintf("TYPE(%d)", uint8(t))
}

// SubType is interpreted relative to a MessageType.
type SubType uint8

const (
	SubPing              SubType = SubType(schema.SubPing)
	SubTestSuiteSetup    SubType = SubType(schema.SubTestSuiteSetup)
	SubTestSuiteTeardown SubType = SubType(schema.SubTestSuiteTeardown)
	SubTestCaseSetup     SubType = SubType(schema.SubTestCaseSetup)
	SubTestCaseRun       SubType = SubType(schema.SubTestCaseRun)
	SubTestCaseTeardown  SubType = SubType(schema.SubTestCaseTeardown)
	SubAbort             SubType = SubType(schema.SubAbort)

	SubReportPass           SubType = SubType(schema.SubReportPass)
	SubReportFailed         SubType = SubType(schema.SubReportFailed)
	SubReportNotImplemented SubType = SubType(schema.SubReportNotImplemented)

	SubAck  SubType = SubType(schema.SubAck)
	SubNack SubType = SubType(schema.SubNack)
)
