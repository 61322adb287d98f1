package schema

import (
	"fmt"

	"github.com/danmuck/benchctl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs.
const (
	MsgCommand uint8 = 0
	MsgReport  uint8 = 1
	MsgAck     uint8 = 2
	MsgLog     uint8 = 3
)

// Command subtypes.
const (
	SubPing              uint8 = 0
	SubTestSuiteSetup    uint8 = 1
	SubTestSuiteTeardown uint8 = 2
	SubTestCaseSetup     uint8 = 11
	SubTestCaseRun       uint8 = 12
	SubTestCaseTeardown  uint8 = 13
	SubAbort             uint8 = 99
)

// Report subtypes.
const (
	SubReportPass           uint8 = 0
	SubReportFailed         uint8 = 1
	SubReportNotImplemented uint8 = 2
)

// Ack subtypes.
const (
	SubAck  uint8 = 0
	SubNack uint8 = 1
)

// Log subtypes.
const (
	SubLogReserved uint8 = 0
)

type ValidationError struct {
	MessageType uint8
	SubType     uint8
	Tag         uint8
	Reason      string
}

func (e ValidationError) Error() string {
	if e.Tag == 0 {
		return fmt.Sprintf("schema: message_type=%d subtype=%d: %s", e.MessageType, e.SubType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d subtype=%d tag=0x%02X: %s", e.MessageType, e.SubType, e.Tag, e.Reason)
}

var subtypes = map[uint8]map[uint8]string{
	MsgCommand: {
		SubPing:              "PING",
		SubTestSuiteSetup:    "TEST_SUITE_SETUP",
		SubTestSuiteTeardown: "TEST_SUITE_TEARDOWN",
		SubTestCaseSetup:     "TEST_CASE_SETUP",
		SubTestCaseRun:       "TEST_CASE_RUN",
		SubTestCaseTeardown:  "TEST_CASE_TEARDOWN",
		SubAbort:             "ABORT",
	},
	MsgReport: {
		SubReportPass:           "TEST_PASS",
		SubReportFailed:         "TEST_FAILED",
		SubReportNotImplemented: "TEST_NOT_IMPLEMENTED",
	},
	MsgAck: {
		SubAck:  "ACK",
		SubNack: "NACK",
	},
	MsgLog: {
		SubLogReserved: "RESERVED",
	},
}

var typeNames = map[uint8]string{
	MsgCommand: "COMMAND",
	MsgReport:  "REPORT",
	MsgAck:     "ACK",
	MsgLog:     "LOG",
}

// TypeName returns the symbolic name of a message type, or "" if unknown.
func TypeName(messageType uint8) string {
	return typeNames[messageType]
}

// SubTypeName returns the symbolic name of a subtype within its type.
func SubTypeName(messageType, subType uint8) string {
	return subtypes[messageType][subType]
}

// Validate enforces that subType is defined for messageType and that a
// failed report carries a failure reason. Unknown TLV tags are ignored.
func Validate(messageType, subType uint8, fields []tlv.Field) error {
	log.Trace().Uint8("type", messageType).Uint8("subtype", subType).Int("tlvs", len(fields)).Msg("schema.Validate")
	known, ok := subtypes[messageType]
	if !ok {
		log.Error().Uint8("type", messageType).Msg("schema.Validate unknown message type")
		return ValidationError{MessageType: messageType, SubType: subType, Reason: "unknown message_type"}
	}
	if _, ok := known[subType]; !ok {
		log.Error().Uint8("type", messageType).Uint8("subtype", subType).Msg("schema.Validate unknown subtype")
		return ValidationError{MessageType: messageType, SubType: subType, Reason: "unknown subtype"}
	}
	if messageType == MsgReport && subType == SubReportFailed {
		if _, found := tlv.GetField(fields, tlv.TagFailureReason); !found {
			log.Error().Uint8("type", messageType).Msg("schema.Validate failed report without reason")
			return ValidationError{
				MessageType: messageType,
				SubType:     subType,
				Tag:         tlv.TagFailureReason,
				Reason:      "missing required field",
			}
		}
	}
	return nil
}
