// Package connector moves raw bytes on one transport.
//
// A Connector has no concurrency of its own. It is owned by exactly one
// auxiliary, or by one proxy multiplexer that re-exposes it as virtual
// connectors.
package connector
