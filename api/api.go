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

// Package api defines the wire contract between the client core and the
// OpsLedger platform: endpoint paths, header and cookie names, the response
// envelope, and the machine-readable error codes the core branches on.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Endpoint paths. The exact prefixes are an external contract owned by the
// platform; everything here is relative to the configured base URL.
const (
	PathLogin         = "/auth/login"
	PathLogout        = "/auth/logout"
	PathRenew         = "/auth/renew"
	PathSwitchCompany = "/auth/switch-company"
	PathCompanies     = "/tenant/companies"
)

// Request headers emitted by the gateway.
const (
	HeaderAuthorization = "Authorization"
	HeaderCompanyID     = "X-Company-ID"
	HeaderCSRFToken     = "X-CSRF-Token"
	HeaderRequestID     = "X-Request-ID"
)

// Cookies set by the platform. CookieRefresh is HTTP-only and is never read
// by the client core; it travels with requests via the cookie jar. CookieCSRF
// is script-readable and is mirrored into HeaderCSRFToken on state-changing
// verbs (double-submit).
const (
	CookieRefresh = "opsledger_refresh"
	CookieCSRF    = "opsledger_csrf"
)

// Stable machine-readable error codes. The core branches on
// CodeUnauthenticated (renewal protocol) and CodeContextAccessRevoked
// (directory resync protocol); the rest are surfaced to callers.
const (
	CodeInvalidCredentials   = "invalid_credentials"
	CodeAccountLocked        = "account_locked"
	CodeUnauthenticated      = "unauthenticated"
	CodePermissionDenied     = "permission_denied"
	CodeContextAccessRevoked = "context_access_revoked"
)

// Envelope is the uniform response shape of every platform endpoint.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a protocol-level platform error carried in the envelope.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`

	// Status is the HTTP status the error arrived with. Not part of the
	// wire payload; filled in by DecodeResponse.
	Status int `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("platform error: %s (%s)", e.Code, e.Message)
}

// Identity describes the authenticated account as returned by the platform.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

// LoginResponse is the data of a successful login.
type LoginResponse struct {
	Identity         Identity `json:"identity"`
	AccessCredential string   `json:"accessCredential"`
}

// RenewResponse is the data of a successful POST /auth/renew.
type RenewResponse struct {
	AccessCredential string `json:"accessCredential"`
}

// SwitchCompanyRequest is the body of POST /auth/switch-company.
type SwitchCompanyRequest struct {
	CompanyID string `json:"companyId"`
}

// SwitchCompanyResponse carries the credential re-scoped to the new context.
type SwitchCompanyResponse struct {
	AccessCredential string `json:"accessCredential"`
}

// DecodeResponse reads an envelope from body and either unmarshals its data
// into out (out may be nil when the caller only cares about success) or
// returns the embedded *Error annotated with the HTTP status. A body that is
// not a valid envelope is reported as a decode error, never silently
// accepted.
func DecodeResponse(status int, body io.Reader, out any) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response envelope (status %d): %w", status, err)
	}

	if !env.Success {
		if env.Error == nil {
			return fmt.Errorf("platform reported failure without error detail (status %d)", status)
		}
		env.Error.Status = status
		return env.Error
	}

	if out == nil {
		return nil
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("platform response missing data (status %d)", status)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

// CSRFToken returns the value of the script-readable anti-forgery cookie for
// base, or "" when the jar holds none (pre-login).
func CSRFToken(jar http.CookieJar, base *url.URL) string {
	if jar == nil || base == nil {
		return ""
	}
	for _, c := range jar.Cookies(base) {
		if c.Name == CookieCSRF {
			return c.Value
		}
	}
	return ""
}

// StateChanging reports whether a verb requires the anti-forgery header.
func StateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

type noResyncKey struct{}

// DisableContextResync marks ctx so the gateway will not run the
// revoked-context resync protocol for calls issued under it. The context
// manager uses it for the calls a resync itself makes; without the marker a
// revoked switch target could re-enter the resync on the same goroutine.
func DisableContextResync(ctx context.Context) context.Context {
	return context.WithValue(ctx, noResyncKey{}, true)
}

// ContextResyncDisabled reports whether ctx carries the marker.
func ContextResyncDisabled(ctx context.Context) bool {
	v, _ := ctx.Value(noResyncKey{}).(bool)
	return v
}
