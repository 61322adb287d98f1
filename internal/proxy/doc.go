// Package proxy shares one physical connector between several auxiliaries.
//
// Sends from every virtual connector are serialized on one lock. A single
// receive loop owns the physical Receive and copies each frame into the
// inbound buffer of every virtual connector whose filter accepts it.
package proxy
