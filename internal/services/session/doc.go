// Package session runs X3DH key agreement and turns its output into a
// Double Ratchet state registered in the session store, for both roles:
// InitiateConversation (fetch a peer's bundle, run the initiator side,
// produce the dr_init bootstrap blob) and AcceptConversation (consume a
// dr_init blob, run the responder side). Adapted from the teacher's
// internal/services/session/service.go, generalized from the teacher's
// flat per-username session to spec §4.2/§4.3's per-PeerKey DR state.
package session
