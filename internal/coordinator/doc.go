// Package coordinator implements Route B, the live per-peer decrypt
// pipeline that runs whenever a packet arrives over an already-open
// transport (spec §4.7). One actor goroutine per peerKey drains a bounded
// FIFO, so state mutation for a given peer is naturally single-writer
// without an explicit mutex; the store's own map access stays guarded
// independently inside sessionstore.
package coordinator
