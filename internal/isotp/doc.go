// Package isotp implements the ISO 15765-2 transport transform used by the
// diagnostic server: single/first/consecutive frame segmentation,
// reassembly, padding and flow-control frames. It does no I/O.
package isotp
