// Package restore implements the six-stage bring-up pipeline run once per
// unlock (spec §4.10): verify credentials, load cached DR secrets, merge a
// remote cross-device backup, hydrate DR states, compute and enqueue gaps
// per conversation (with a lazy offline-unread shortcut), then emit the
// terminal done signal. Every stage logs ok/reasonCode via log/slog, the
// teacher's own logging idiom in cmd/relay/main.go.
package restore
