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

// Package session orchestrates the credential lifecycle: login, logout,
// renewal and the single-flight guarantee that any number of concurrent
// callers hitting an expired credential produce exactly one renewal request.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opsledger/opsledger-go/api"
	"github.com/opsledger/opsledger-go/credential"
	"github.com/opsledger/opsledger-go/internal/observability/logger"
)

// Domain errors
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrRenewalFailed      = errors.New("session renewal failed")
	ErrNotAuthenticated   = errors.New("not authenticated")
)

// Options configures a Manager.
type Options struct {
	// HTTPClient must carry the cookie jar holding the renewal and
	// anti-forgery cookies. It is shared with the request gateway.
	HTTPClient *http.Client

	// BaseURL is the platform base URL.
	BaseURL *url.URL

	// Credentials is the process-wide credential store.
	Credentials *credential.Store

	// ExpirySkew treats the credential as expired this early. Defaults to
	// 30s when zero.
	ExpirySkew time.Duration

	// RenewalTimeout bounds a renewal request. A timeout is a renewal
	// failure. Defaults to 10s when zero.
	RenewalTimeout time.Duration
}

// Manager owns the session lifecycle. All mutation of the credential store
// goes through it.
type Manager struct {
	httpc        *http.Client
	base         *url.URL
	creds        *credential.Store
	skew         time.Duration
	renewTimeout time.Duration

	group singleflight.Group
	state atomic.Int32

	mu   sync.Mutex
	subs []chan error
}

// NewManager creates a session manager. A credential restored from durable
// storage and still unexpired resumes an authenticated session.
func NewManager(opts Options) *Manager {
	if opts.ExpirySkew <= 0 {
		opts.ExpirySkew = 30 * time.Second
	}
	if opts.RenewalTimeout <= 0 {
		opts.RenewalTimeout = 10 * time.Second
	}
	m := &Manager{
		httpc:        opts.HTTPClient,
		base:         opts.BaseURL,
		creds:        opts.Credentials,
		skew:         opts.ExpirySkew,
		renewTimeout: opts.RenewalTimeout,
	}
	if _, ok := m.creds.Read(); ok && !m.creds.IsExpired(m.skew) {
		m.state.Store(int32(StateAuthenticated))
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// SignOuts returns a channel that receives the cause whenever the session is
// forcibly terminated (renewal failure, double 401). Each caller gets its own
// channel; a slow consumer misses signals rather than blocking the manager.
func (m *Manager) SignOuts() <-chan error {
	ch := make(chan error, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Login authenticates with the platform. On success the platform sets the
// HTTP-only renewal cookie and the script-readable anti-forgery cookie on the
// shared jar, and the returned access credential is installed in the store.
func (m *Manager) Login(ctx context.Context, identifier, secret string) (*api.Identity, error) {
	m.state.Store(int32(StateAuthenticating))

	var out api.LoginResponse
	err := m.post(ctx, api.PathLogin, api.LoginRequest{Identifier: identifier, Secret: secret}, &out)
	if err != nil {
		m.state.Store(int32(StateAnonymous))
		var apiErr *api.Error
		if errors.As(err, &apiErr) {
			switch apiErr.Code {
			case api.CodeInvalidCredentials:
				return nil, fmt.Errorf("login: %w", ErrInvalidCredentials)
			case api.CodeAccountLocked:
				return nil, fmt.Errorf("login: %w", ErrAccountLocked)
			}
		}
		return nil, fmt.Errorf("login: %w", err)
	}

	if err := m.creds.Save(out.AccessCredential); err != nil {
		m.state.Store(int32(StateAnonymous))
		return nil, fmt.Errorf("install access credential: %w", err)
	}
	m.state.Store(int32(StateAuthenticated))
	attrs := []any{logger.IdentityID(out.Identity.ID)}
	if claims, ok := m.creds.Claims(); ok {
		attrs = append(attrs, logger.TenantID(claims.TenantID))
	}
	slog.InfoContext(ctx, "session_login", attrs...)
	return &out.Identity, nil
}

// Logout invalidates the session remotely on a best-effort basis, then
// unconditionally clears local state regardless of the remote outcome.
func (m *Manager) Logout(ctx context.Context) error {
	remoteErr := m.post(ctx, api.PathLogout, nil, nil)
	if remoteErr != nil {
		slog.WarnContext(ctx, "session_logout_remote_failed", logger.Error(remoteErr))
	}
	if err := m.creds.Clear(); err != nil {
		return fmt.Errorf("clear credential store: %w", err)
	}
	m.state.Store(int32(StateAnonymous))
	slog.InfoContext(ctx, "session_logout")
	return nil
}

// EnsureFresh returns a credential that is not expired, renewing if needed.
func (m *Manager) EnsureFresh(ctx context.Context) (string, error) {
	if tok, ok := m.creds.Read(); ok && !m.creds.IsExpired(m.skew) {
		return tok, nil
	}
	if m.State() == StateAnonymous {
		if _, ok := m.creds.Read(); !ok {
			return "", ErrNotAuthenticated
		}
	}
	return m.Renew(ctx)
}

// Renew obtains a fresh access credential. Concurrent callers collapse into
// one renewal request and share its outcome. Cancelling ctx detaches the
// caller from the shared renewal without aborting it; other waiters still
// receive the result.
func (m *Manager) Renew(ctx context.Context) (string, error) {
	ch := m.group.DoChan("renew", func() (any, error) {
		return m.doRenew()
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate terminates the session without a renewal attempt. The gateway
// uses it when a retried call still comes back 401.
func (m *Manager) Invalidate(cause error) {
	m.forceSignOut(cause)
}

// doRenew performs the actual renewal under its own bounded context; the
// renewal credential rides along automatically in the cookie jar. Any
// failure, structured or transport-level, is fatal to the session.
func (m *Manager) doRenew() (string, error) {
	m.state.Store(int32(StateRefreshing))

	ctx, cancel := context.WithTimeout(context.Background(), m.renewTimeout)
	defer cancel()

	var out api.RenewResponse
	if err := m.post(ctx, api.PathRenew, nil, &out); err != nil {
		m.forceSignOut(err)
		return "", fmt.Errorf("renew access credential: %w", ErrRenewalFailed)
	}
	if err := m.creds.Save(out.AccessCredential); err != nil {
		m.forceSignOut(err)
		return "", fmt.Errorf("install renewed credential: %w", ErrRenewalFailed)
	}
	m.state.Store(int32(StateAuthenticated))
	slog.Debug("session_renewed")
	return out.AccessCredential, nil
}

func (m *Manager) forceSignOut(cause error) {
	_ = m.creds.Clear()
	m.state.Store(int32(StateAnonymous))
	slog.Warn("session_forced_signout",
		logger.Error(cause), logger.SessionState(StateAnonymous.String()))

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cause:
		default:
		}
	}
}

// post issues a session endpoint call outside the gateway: the auth endpoints
// are the one surface that must work while no valid bearer credential exists.
// The anti-forgery header is mirrored from the jar when present.
func (m *Manager) post(ctx context.Context, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.base.JoinPath(path).String(), rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := api.CSRFToken(m.httpc.Jar, m.base); tok != "" {
		req.Header.Set(api.HeaderCSRFToken, tok)
	}

	resp, err := m.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	return api.DecodeResponse(resp.StatusCode, resp.Body, out)
}
