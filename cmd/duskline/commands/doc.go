// Package commands defines the duskline CLI and wires dependencies for subcommands.
//
// Commands
//
//   - init       Create or rotate the local identity
//   - fingerprint Print the identity fingerprint
//   - login      Exchange a physical-credential tap for an account session
//   - register   Publish your prekey bundle to a relay
//   - send       Encrypt and send a message, bootstrapping X3DH if needed
//   - recv       Drain queued packets through the envelope pipeline
//   - share      Mint or accept a contact-share invite
//   - sync       Run the restore bring-up pipeline and drain the gap queue
//
// # Implementation
//
// The root command constructs an HTTP client and builds a dependency graph
// (stores, services, relay client) before any subcommand runs, so handlers can
// use a shared app context with timeouts and connection pooling. A session is
// auto-unlocked from the locally sealed Master Key when --passphrase and a
// prior login are both present; commands that need a session otherwise fail
// fast with a prompt to run login first.
package commands
