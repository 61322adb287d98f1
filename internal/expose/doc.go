// Package expose serves a small HTTP control surface over a built bench:
// auxiliary listing and lifecycle, DUT ping, UDS callback listing, CAN
// signal access and Prometheus metrics.
package expose
