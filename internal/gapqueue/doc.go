// Package gapqueue fills counter gaps the live and replay paths could not
// resolve inline: one FIFO per conversation ordered by targetCounter, probed
// against the relay's max-counter endpoint and drained into the live
// coordinator, with an offline-tolerant backoff so a down relay doesn't spin
// the drain loop (spec §4.9).
package gapqueue
