// Package protocol owns the command/report message model exchanged with a
// device under test.
//
// Ownership boundary:
// - message construction, tokens and ack correlation
// - serialization through frame and tlv primitives
// - subtype validation through schema
package protocol
