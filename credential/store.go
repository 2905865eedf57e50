// Copyright 2026 The OpsLedger Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package credential holds the short-lived bearer credential and answers
// expiry questions without network access. The long-lived renewal credential
// is never stored here; it lives only in the HTTP-only cookie managed by the
// transport's jar.
package credential

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/opsledger/opsledger-go/storage"
)

// storageKey is the slot the access credential persists under when a backend
// is attached, so a process restart within the credential's lifetime resumes
// the session without re-login.
const storageKey = "credential.access"

var ErrMalformedCredential = errors.New("malformed access credential")

// Claims are the identity and tenant claims embedded in the access
// credential. The client decodes them for display and for tier-1 role
// resolution; it does not verify the signature. The platform is the only
// party that needs to trust the token.
type Claims struct {
	Subject    string
	Name       string
	Email      string
	TenantID   string
	TenantRole string // tier-1 role name, "" when the identity has none
	ExpiresAt  time.Time
}

type wireClaims struct {
	jwt.RegisteredClaims
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	TenantID   string `json:"tenant_id,omitempty"`
	TenantRole string `json:"tenant_role,omitempty"`
}

// Store is the process-wide slot for the bearer credential. Mutations happen
// only through the session manager; every other component reads.
type Store struct {
	mu      sync.RWMutex
	token   string
	claims  *Claims
	backend storage.Store
}

// NewStore creates a credential store. backend may be nil for a purely
// volatile store; with a backend attached, a previously persisted credential
// is restored (and discarded if it no longer parses).
func NewStore(backend storage.Store) *Store {
	s := &Store{backend: backend}
	if backend != nil {
		if tok, ok := backend.Get(storageKey); ok && tok != "" {
			if claims, err := decode(tok); err == nil {
				s.token = tok
				s.claims = claims
			} else {
				_ = backend.Delete(storageKey)
			}
		}
	}
	return s
}

// Save installs a new access credential. A token whose claims cannot be
// decoded is rejected so the store never holds a credential it cannot answer
// expiry questions about.
func (s *Store) Save(token string) error {
	claims, err := decode(token)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.claims = claims
	if s.backend != nil {
		if err := s.backend.Set(storageKey, token); err != nil {
			return fmt.Errorf("persist access credential: %w", err)
		}
	}
	return nil
}

// Read returns the current credential and whether one is held.
func (s *Store) Read() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// Clear drops the credential from memory and from the persisted slot.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.claims = nil
	if s.backend != nil {
		if err := s.backend.Delete(storageKey); err != nil {
			return fmt.Errorf("clear persisted credential: %w", err)
		}
	}
	return nil
}

// IsExpired reports whether the credential is absent or expires within skew
// of now. The skew treats the token as expired slightly early so a request
// never races the platform's clock.
func (s *Store) IsExpired(skew time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims == nil {
		return true
	}
	return !time.Now().Add(skew).Before(s.claims.ExpiresAt)
}

// Claims returns the decoded claims of the held credential.
func (s *Store) Claims() (*Claims, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims == nil {
		return nil, false
	}
	c := *s.claims
	return &c, true
}

// decode parses the credential without verifying its signature. Validation
// is deliberately skipped: expiry is checked against local time in IsExpired,
// and authenticity is the platform's concern on every request.
func decode(token string) (*Claims, error) {
	var wc wireClaims
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(token, &wc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
	if wc.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing expiry claim", ErrMalformedCredential)
	}
	return &Claims{
		Subject:    wc.Subject,
		Name:       wc.Name,
		Email:      wc.Email,
		TenantID:   wc.TenantID,
		TenantRole: wc.TenantRole,
		ExpiresAt:  wc.ExpiresAt.Time,
	}, nil
}
