// Package replay implements Route A, the bulk/hybrid fetcher used on
// initial load and catch-up: a bulk `includeKeys=true` list fetch per
// conversation, grouped and ordered the way the envelope pipeline requires,
// with groups fetched in parallel and items within a group processed
// strictly in order (spec §4.8).
package replay
