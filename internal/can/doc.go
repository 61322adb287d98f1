// Package can decodes CAN frames into named signals and keeps the most
// recent value of every message for tests to inspect.
package can
