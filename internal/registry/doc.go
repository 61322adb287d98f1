// Package registry owns the live auxiliaries and connectors of a bench and
// builds them from a config.Bench, provisioning a proxy for every
// connector that several auxiliaries share.
package registry
