// Package vault implements the Message Key Vault (spec §4.5): a
// server-backed, MK-wrapped store of per-message keys that lets any of the
// account's devices replay a prior message without exposing plaintext or
// long-term DR state to the server.
//
// Every write goes through the RelayClient first — durability there is the
// real commit point the live coordinator gates counter advancement on
// (spec §4.5 "Critical contract") — then best-effort mirrors to a local
// disk cache and a small in-process LRU for offline/low-latency reads.
package vault
