// Package identity tracks who is signed in to a page session and verifies
// Firebase ID tokens.
package identity

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"firebase.google.com/go/v4/auth"
)

// ErrInvalidToken is returned for a token that cannot be verified.
var ErrInvalidToken = errors.New("identity: invalid token")

// Identity is a verified recipient.
type Identity struct {
	UID   string
	Email string
	Admin bool // may publish news and announce events
}

// Verifier turns a bearer token into an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type idTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// FirebaseVerifier verifies Firebase Authentication ID tokens.
type FirebaseVerifier struct {
	client idTokenVerifier
}

// NewFirebaseVerifier wraps an auth client, typically from firebase.App.Auth.
func NewFirebaseVerifier(client *auth.Client) *FirebaseVerifier {
	return &FirebaseVerifier{client: client}
}

// Verify checks the token signature, expiry and audience.
func (v *FirebaseVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	tok, err := v.client.VerifyIDToken(ctx, token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	email, _ := tok.Claims["email"].(string)
	admin, _ := tok.Claims["admin"].(bool)
	return Identity{UID: tok.UID, Email: email, Admin: admin}, nil
}

// DevVerifier accepts "uid", "uid:email" or "uid:email:admin" as the token.
// Local development only.
type DevVerifier struct{}

// Verify parses the token without any cryptographic check.
func (DevVerifier) Verify(_ context.Context, token string) (Identity, error) {
	parts := strings.SplitN(strings.TrimSpace(token), ":", 3)
	if parts[0] == "" {
		return Identity{}, ErrInvalidToken
	}
	id := Identity{UID: parts[0]}
	if len(parts) > 1 {
		id.Email = parts[1]
	}
	if len(parts) > 2 {
		id.Admin = parts[2] == "admin"
	}
	return id, nil
}

// Session is the sign-in state of one page. Listeners run synchronously, in
// registration order, on the goroutine that changed the state, and must not
// call back into the session's mutators.
type Session struct {
	listeners map[int]func(Identity, bool)
	current   Identity
	mu        sync.Mutex
	next      int
	signedIn  bool
}

// NewSession returns a signed-out session.
func NewSession() *Session {
	return &Session{listeners: make(map[int]func(Identity, bool))}
}

// SignIn makes id current and notifies listeners. Signing in again with the
// same identity is a no-op.
func (s *Session) SignIn(id Identity) {
	s.mu.Lock()
	if s.signedIn && s.current == id {
		s.mu.Unlock()
		return
	}
	s.current, s.signedIn = id, true
	fns := s.snapshotLocked()
	s.mu.Unlock()

	for _, fn := range fns {
		fn(id, true)
	}
}

// SignOut clears the current identity and notifies listeners.
func (s *Session) SignOut() {
	s.mu.Lock()
	if !s.signedIn {
		s.mu.Unlock()
		return
	}
	s.current, s.signedIn = Identity{}, false
	fns := s.snapshotLocked()
	s.mu.Unlock()

	for _, fn := range fns {
		fn(Identity{}, false)
	}
}

// Current returns the signed-in identity, if any.
func (s *Session) Current() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.signedIn
}

// OnChange registers fn for sign-in and sign-out transitions. It is called
// immediately with the current state.
func (s *Session) OnChange(fn func(id Identity, signedIn bool)) (remove func()) {
	s.mu.Lock()
	key := s.next
	s.next++
	s.listeners[key] = fn
	id, ok := s.current, s.signedIn
	s.mu.Unlock()

	fn(id, ok)
	return func() {
		s.mu.Lock()
		delete(s.listeners, key)
		s.mu.Unlock()
	}
}

func (s *Session) snapshotLocked() []func(Identity, bool) {
	fns := make([]func(Identity, bool), 0, len(s.listeners))
	for _, k := range slices.Sorted(maps.Keys(s.listeners)) {
		fns = append(fns, s.listeners[k])
	}
	return fns
}
