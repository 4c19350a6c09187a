// Package x3dh implements the X3DH key agreement used to derive the
// initial Double Ratchet root key between two devices (spec §4.3),
// adapted from the teacher's internal/protocol/x3dh/x3dh.go.
package x3dh
