// Package app assembles the dependency graph for the CLI and the local
// relay test double, adapted from the teacher's internal/app/{app,wire}.go.
package app

import (
	"sync"

	"duskline/internal/domain"
)

// sessionHolder is a goroutine-safe box around the single mutable
// domain.Session value (DESIGN NOTES §9): unset before unlock, replaced
// wholesale on unlock/logout, read by every component that needs the
// current MK/accountToken/deviceId. It also retains the unlock passphrase
// in memory for the session's lifetime, since IdentityStore reads (X3DH
// handshake) are sealed under the passphrase, not the MK.
type sessionHolder struct {
	mu         sync.RWMutex
	current    domain.Session
	passphrase string
}

func (h *sessionHolder) Get() domain.Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

func (h *sessionHolder) Set(s domain.Session, passphrase string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = s
	h.passphrase = passphrase
}

func (h *sessionHolder) Passphrase() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.passphrase
}

// Clear wipes the session and passphrase on lock/logout.
func (h *sessionHolder) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = domain.Session{}
	h.passphrase = ""
}
