// Package domain defines the core data models and interfaces shared across
// the secure-messaging core. It contains plain types (wire/state) and
// contracts (interfaces) only — no behavior.
package domain
