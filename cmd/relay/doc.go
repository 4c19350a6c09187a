// Package main runs the in-memory HTTP relay implementing the opaque-blob
// server boundary from spec §6: account-digest issuance, prekey bundle
// publish/fetch with single-use OPK consumption, secure-message storage with
// per-(conversation,sender) transport counters, the Message Key Vault, and
// contact-share uplink/downlink. It never sees plaintext or long-term key
// material — only ciphertext, wrapped blobs and routing tokens.
//
// HTTP API (spec §6)
//
//	POST /auth/sdm/exchange
//	    Exchange a physical-credential tap for {account_token, account_digest,
//	    wrapped_mk}. account_digest is HMAC-derived from uid and stable
//	    across exchanges; wrapped_mk is stable per-account server material
//	    (NOT Master-Key-wrapped — see crypto.DeriveMasterKey's doc comment).
//	    account_token is a signed JWT the relay verifies on every other call.
//
//	POST /prekeys/bundle
//	    Publish or replace this device's prekey bundle.
//
//	GET /prekeys/{accountDigest}?device={deviceId}
//	    Fetch a published bundle; consumes its one-time prekey, if any.
//
//	POST /devkeys/store, GET /devkeys/fetch
//	    Store/fetch the caller's account-scoped wrapped device-private backup.
//
//	POST /messages/secure
//	    Store one DR message envelope. Rejects a counter at or below the
//	    sender's current max for the conversation with COUNTER_TOO_LOW.
//
//	GET /messages/secure?conversation_id=&limit=&cursor_ts=&cursor_id=&include_keys=
//	    List envelopes for a conversation in (created_at, id) order.
//
//	GET /messages/by-counter?conversation_id=&counter=&sender_device_id=
//	    Fetch exactly one envelope by its transport counter.
//
//	GET /messages/secure/max-counter?conversation_id=&sender_device_id=
//	    Return the highest stored counter for that sender in that conversation.
//
//	PUT/GET/DELETE /message-key-vault, GET /message-key-vault/latest-state
//	    The Message Key Vault (spec §4.5): idempotent put (first write wins),
//	    get, delete, and per-direction latest processed counter.
//
//	POST /contacts/uplink, GET /contacts/downlink
//	    Same-account encrypted backup mailbox shared by the account's devices.
//
// All state is held in memory and lost on process exit. The default listen
// address is :8080.
package main
