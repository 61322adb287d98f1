// Package tools wraps host binaries the bench shells out to, such as
// firmware flashing utilities.
package tools
