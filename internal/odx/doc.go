// Package odx resolves symbolic diagnostic requests to coded values.
//
// Full ODX parsing is out of scope; Resolver is the lookup the diagnostic
// server consumes, and Table is a YAML-backed implementation of it.
package odx
