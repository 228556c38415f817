package web

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// authStateTTL bounds how long an authorization redirect stays valid.
const authStateTTL = 5 * time.Minute

// pendingAuth is one administrator's in-flight OAuth authorization.
type pendingAuth struct {
	adminID   string
	createdAt time.Time
}

// authStates maps OAuth state strings to the administrator who started the
// flow, so the callback knows whose token it is storing. States are single
// use and expire.
type authStates struct {
	mu     sync.Mutex
	states map[string]pendingAuth
}

func newAuthStates() *authStates {
	return &authStates{states: make(map[string]pendingAuth)}
}

// begin registers a new flow for adminID and returns its state string.
func (a *authStates) begin(adminID string) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	state := hex.EncodeToString(b)

	a.mu.Lock()
	defer a.mu.Unlock()
	for s, pending := range a.states {
		if time.Since(pending.createdAt) > authStateTTL {
			delete(a.states, s)
		}
	}
	a.states[state] = pendingAuth{adminID: adminID, createdAt: time.Now()}
	return state, nil
}

// consume resolves and invalidates a state string.
func (a *authStates) consume(state string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pending, ok := a.states[state]
	if !ok {
		return "", false
	}
	delete(a.states, state)
	if time.Since(pending.createdAt) > authStateTTL {
		return "", false
	}
	return pending.adminID, true
}
