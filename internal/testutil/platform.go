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

// Package testutil provides an in-process fake of the OpsLedger platform for
// package tests: the auth endpoints with their cookie behavior, the tenant
// directory, and a scoped ping endpoint that reflects the headers it saw.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/opsledger/opsledger-go/api"
	"github.com/opsledger/opsledger-go/directory"
)

// SigningKey signs the HS256 test tokens.
const SigningKey = "testutil-signing-key"

// Account is a provisioned test identity.
type Account struct {
	Identifier string
	Secret     string
	Identity   api.Identity
	TenantID   string
	TenantRole string // tier-1 role, "" for none
	Locked     bool
}

// Platform is the fake remote service.
type Platform struct {
	Server   *httptest.Server
	TokenTTL time.Duration

	// RenewDelay stalls the renew handler, widening the window in which
	// concurrent renewals must collapse into one.
	RenewDelay time.Duration

	// Call counters, for single-flight and retry assertions.
	LoginCalls  atomic.Int32
	RenewCalls  atomic.Int32
	LogoutCalls atomic.Int32
	SwitchCalls atomic.Int32
	ListCalls   atomic.Int32
	PingCalls   atomic.Int32

	mu        sync.Mutex
	accounts  map[string]*Account // by identifier
	companies map[string][]directory.Company
	refresh   map[string]string // refresh cookie value → identity id
	revoked   map[string]bool
	renewFail bool
}

// NewPlatform starts the fake. Callers must Close it.
func NewPlatform() *Platform {
	p := &Platform{
		TokenTTL:  time.Minute,
		accounts:  make(map[string]*Account),
		companies: make(map[string][]directory.Company),
		refresh:   make(map[string]string),
		revoked:   make(map[string]bool),
	}

	r := chi.NewRouter()
	r.Post(api.PathLogin, p.handleLogin)
	r.Post(api.PathRenew, p.handleRenew)
	r.Post(api.PathLogout, p.handleLogout)
	r.Post(api.PathSwitchCompany, p.handleSwitch)
	r.Get(api.PathCompanies, p.handleCompanies)
	r.Get("/app/ping", p.handlePing)

	p.Server = httptest.NewServer(r)
	return p
}

func (p *Platform) Close() { p.Server.Close() }

// URL returns the fake's base URL.
func (p *Platform) URL() *url.URL {
	u, _ := url.Parse(p.Server.URL)
	return u
}

// AddAccount provisions an account with its accessible companies.
func (p *Platform) AddAccount(acct Account, companies ...directory.Company) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := acct
	p.accounts[acct.Identifier] = &a
	p.companies[acct.Identity.ID] = companies
}

// Revoke removes companyID from every directory response and makes scoped
// calls under it fail with the context-access-revoked code.
func (p *Platform) Revoke(companyID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked[companyID] = true
}

// SetRenewFail makes renewal attempts fail until reset.
func (p *Platform) SetRenewFail(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.renewFail = fail
}

// MintToken issues an access credential for the account, expiring after ttl.
func (p *Platform) MintToken(acct *Account, ttl time.Duration) string {
	claims := jwt.MapClaims{
		"jti":         uuid.NewString(),
		"sub":         acct.Identity.ID,
		"name":        acct.Identity.Name,
		"email":       acct.Identity.Email,
		"tenant_id":   acct.TenantID,
		"tenant_role": acct.TenantRole,
		"exp":         time.Now().Add(ttl).Unix(),
		"iat":         time.Now().Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(SigningKey))
	if err != nil {
		panic(fmt.Sprintf("testutil: sign token: %v", err))
	}
	return tok
}

func (p *Platform) handleLogin(w http.ResponseWriter, r *http.Request) {
	p.LoginCalls.Add(1)

	var req api.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body")
		return
	}

	p.mu.Lock()
	acct, ok := p.accounts[req.Identifier]
	p.mu.Unlock()

	if !ok || acct.Secret != req.Secret {
		writeError(w, http.StatusUnauthorized, api.CodeInvalidCredentials, "unknown identifier or wrong secret")
		return
	}
	if acct.Locked {
		writeError(w, http.StatusUnauthorized, api.CodeAccountLocked, "account is locked")
		return
	}

	refresh := uuid.NewString()
	p.mu.Lock()
	p.refresh[refresh] = acct.Identity.ID
	p.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name: api.CookieRefresh, Value: refresh, Path: "/",
		HttpOnly: true, SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name: api.CookieCSRF, Value: uuid.NewString(), Path: "/",
		SameSite: http.SameSiteStrictMode,
	})

	writeSuccess(w, api.LoginResponse{
		Identity:         acct.Identity,
		AccessCredential: p.MintToken(acct, p.TokenTTL),
	})
}

func (p *Platform) handleRenew(w http.ResponseWriter, r *http.Request) {
	p.RenewCalls.Add(1)
	if p.RenewDelay > 0 {
		time.Sleep(p.RenewDelay)
	}

	p.mu.Lock()
	fail := p.renewFail
	p.mu.Unlock()
	if fail {
		writeError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "renewal credential rejected")
		return
	}

	acct := p.accountFromRefresh(r)
	if acct == nil {
		writeError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "missing renewal credential")
		return
	}
	writeSuccess(w, api.RenewResponse{AccessCredential: p.MintToken(acct, p.TokenTTL)})
}

func (p *Platform) handleLogout(w http.ResponseWriter, r *http.Request) {
	p.LogoutCalls.Add(1)
	if c, err := r.Cookie(api.CookieRefresh); err == nil {
		p.mu.Lock()
		delete(p.refresh, c.Value)
		p.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: api.CookieRefresh, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	writeSuccess(w, map[string]string{"status": "signed_out"})
}

func (p *Platform) handleCompanies(w http.ResponseWriter, r *http.Request) {
	p.ListCalls.Add(1)
	acct := p.authenticate(w, r)
	if acct == nil {
		return
	}
	p.mu.Lock()
	var visible []directory.Company
	for _, c := range p.companies[acct.Identity.ID] {
		if !p.revoked[c.ID] {
			visible = append(visible, c)
		}
	}
	p.mu.Unlock()
	writeSuccess(w, visible)
}

func (p *Platform) handleSwitch(w http.ResponseWriter, r *http.Request) {
	p.SwitchCalls.Add(1)
	acct := p.authenticate(w, r)
	if acct == nil {
		return
	}
	if !p.csrfOK(r) {
		writeError(w, http.StatusForbidden, "csrf_mismatch", "anti-forgery header missing or wrong")
		return
	}

	var req api.SwitchCompanyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body")
		return
	}

	p.mu.Lock()
	ok := false
	for _, c := range p.companies[acct.Identity.ID] {
		if c.ID == req.CompanyID && c.Active && !p.revoked[c.ID] {
			ok = true
			break
		}
	}
	p.mu.Unlock()
	if !ok {
		writeError(w, http.StatusForbidden, api.CodeContextAccessRevoked, "no access to requested company")
		return
	}
	writeSuccess(w, api.SwitchCompanyResponse{AccessCredential: p.MintToken(acct, p.TokenTTL)})
}

// handlePing is a stand-in for any company-scoped feature endpoint. It
// reflects the identity/context headers so tests can assert what the gateway
// attached.
func (p *Platform) handlePing(w http.ResponseWriter, r *http.Request) {
	p.PingCalls.Add(1)
	acct := p.authenticate(w, r)
	if acct == nil {
		return
	}
	companyID := r.Header.Get(api.HeaderCompanyID)
	p.mu.Lock()
	revoked := p.revoked[companyID]
	p.mu.Unlock()
	if revoked {
		writeError(w, http.StatusForbidden, api.CodeContextAccessRevoked, "no access to this context")
		return
	}
	writeSuccess(w, map[string]string{
		"companyId": companyID,
		"requestId": r.Header.Get(api.HeaderRequestID),
	})
}

// authenticate verifies the bearer credential, responding 401 itself when it
// is missing, bad, or expired. Returns nil after responding.
func (p *Platform) authenticate(w http.ResponseWriter, r *http.Request) *Account {
	auth := r.Header.Get(api.HeaderAuthorization)
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		writeError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "missing bearer credential")
		return nil
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(auth[len(prefix):], claims, func(t *jwt.Token) (any, error) {
		return []byte(SigningKey), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		writeError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "invalid or expired credential")
		return nil
	}

	sub, _ := claims["sub"].(string)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.accounts {
		if a.Identity.ID == sub {
			return a
		}
	}
	writeError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "unknown identity")
	return nil
}

func (p *Platform) csrfOK(r *http.Request) bool {
	c, err := r.Cookie(api.CookieCSRF)
	if err != nil {
		return false
	}
	return r.Header.Get(api.HeaderCSRFToken) == c.Value
}

func (p *Platform) accountFromRefresh(r *http.Request) *Account {
	c, err := r.Cookie(api.CookieRefresh)
	if err != nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.refresh[c.Value]
	if !ok {
		return nil
	}
	for _, a := range p.accounts {
		if a.Identity.ID == id {
			return a
		}
	}
	return nil
}

func writeSuccess(w http.ResponseWriter, data any) {
	raw, _ := json.Marshal(data)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(api.Envelope{Success: true, Data: raw})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.Envelope{Success: false, Error: &api.Error{Code: code, Message: msg}})
}
