// Package contactshare encodes/decodes and applies contact-share payloads
// (spec §4.11): the small AEAD-sealed JSON blob that bootstraps a new DR
// session and propagates profile updates, sealed under the invite secret
// for the first exchange or the conversation token afterward. Grounded on
// internal/aead's WrapJSON/UnwrapJSON (itself generalized from the
// teacher's store/crypto_envelope.go sealed-blob pattern).
package contactshare
