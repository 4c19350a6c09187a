// Package pipeline classifies a raw domain.WireEnvelope into a canonical
// domain.ReplayItem and orders a batch of them for processing (spec §4.6).
package pipeline
