// Package sessionstore holds the in-memory per-peer Double Ratchet state
// map (spec §4.4): get/getOrInit/clear, a bounded state-change trace for
// forensics, and snapshot/hydrate glue onto the MK-wrapped backup layer.
//
// The store does not lock DR-state mutation (spec §5): that is serialized
// by the live coordinator's per-peer actor, not by this package. A mutex
// guards only the map's membership.
package sessionstore
