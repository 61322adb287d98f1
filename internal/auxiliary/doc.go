// Package auxiliary runs the lifecycle shared by every bench actor.
//
// An Auxiliary owns a Handler and drives it from two goroutines: a
// transmit worker draining a bounded FIFO of commands and a receive worker
// polling the handler with a short timeout. Callers block in RunCommand
// until the handler publishes a result or the bounded wait expires.
//
//	STOPPED -> STARTING -> RUNNING <-> SUSPENDED -> STOPPING -> STOPPED
package auxiliary
