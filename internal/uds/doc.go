// Package uds is a diagnostic responder auxiliary. It reassembles ISO-TP
// requests from a connector, dispatches them to registered callbacks and
// sends the segmented responses back.
package uds
