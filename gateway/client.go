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

// Package gateway wraps every outbound platform call with identity and
// context headers and implements the core's two recovery protocols: one
// 401 → renew → retry, and one context-revoked 403 → directory resync.
// Everything else propagates unchanged to the calling feature module.
package gateway

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
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/opsledger/opsledger-go/api"
	"github.com/opsledger/opsledger-go/internal/observability/logger"
)

// Domain errors
var (
	// ErrSessionExpired is returned by every call waiting on a renewal that
	// failed, and by a call whose retry still came back unauthorized. The UI
	// maps it to "please sign in again".
	ErrSessionExpired = errors.New("session expired")

	// ErrContextRevoked is returned after the platform rejected the active
	// company and the directory was resynced. The caller re-issues its call
	// under the corrected context.
	ErrContextRevoked = errors.New("company context revoked")
)

// TokenSource supplies and renews the bearer credential. Satisfied by
// *session.Manager.
type TokenSource interface {
	EnsureFresh(ctx context.Context) (string, error)
	Renew(ctx context.Context) (string, error)
	Invalidate(cause error)
}

// ContextSource snapshots the active company at header-attachment time.
// Satisfied by *company.Manager.
type ContextSource interface {
	Active() (string, bool)
}

// Resyncer corrects the active context after the platform revoked it.
// Satisfied by *company.Manager.
type Resyncer interface {
	Resync(ctx context.Context) error
}

// Options configures a Client.
type Options struct {
	// HTTPClient shares its cookie jar with the session manager so the
	// renewal and anti-forgery cookies travel automatically.
	HTTPClient *http.Client

	// BaseURL is the platform base URL.
	BaseURL *url.URL

	Tokens   TokenSource
	Contexts ContextSource // optional; calls go unscoped without one
	Resync   Resyncer      // optional; revoked-context 403s propagate without one

	// Limiter optionally throttles outbound calls client-side.
	Limiter *rate.Limiter
}

// Client is the single choke point for outbound platform calls.
type Client struct {
	httpc    *http.Client
	base     *url.URL
	tokens   TokenSource
	contexts ContextSource
	resync   Resyncer
	limiter  *rate.Limiter
	metrics  *metrics
}

// New creates a request gateway.
func New(opts Options) *Client {
	return &Client{
		httpc:    opts.HTTPClient,
		base:     opts.BaseURL,
		tokens:   opts.Tokens,
		contexts: opts.Contexts,
		resync:   opts.Resync,
		limiter:  opts.Limiter,
		metrics:  newMetrics(),
	}
}

// Do issues an authorized platform call and decodes the response envelope
// into out (out may be nil). body, when non-nil, is sent as JSON.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	start := time.Now()
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		payload = raw
	}

	tok, err := c.tokens.EnsureFresh(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("refresh session for %s %s: %w", method, path, ErrSessionExpired)
	}

	resp, err := c.send(ctx, method, path, payload, tok)
	if err != nil {
		return fmt.Errorf("call %s %s: %w", method, path, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		c.metrics.renewals.Add(ctx, 1)
		slog.DebugContext(ctx, "gateway_unauthorized_renewing",
			logger.Method(method), logger.Path(path))

		tok, err = c.tokens.Renew(ctx)
		if err != nil {
			c.metrics.signouts.Add(ctx, 1)
			return fmt.Errorf("renew after unauthorized %s %s: %w", method, path, ErrSessionExpired)
		}

		c.metrics.retries.Add(ctx, 1)
		resp, err = c.send(ctx, method, path, payload, tok)
		if err != nil {
			return fmt.Errorf("retry %s %s: %w", method, path, err)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			c.tokens.Invalidate(ErrSessionExpired)
			c.metrics.signouts.Add(ctx, 1)
			return fmt.Errorf("still unauthorized after renewal on %s %s: %w", method, path, ErrSessionExpired)
		}
	}

	c.metrics.request(ctx, resp.StatusCode)
	slog.DebugContext(ctx, "gateway_request_completed",
		logger.Method(method), logger.Path(path),
		logger.StatusCode(resp.StatusCode),
		logger.Duration(time.Since(start).Milliseconds()))

	err = api.DecodeResponse(resp.StatusCode, resp.Body, out)
	resp.Body.Close()
	if err == nil {
		return nil
	}

	var apiErr *api.Error
	if errors.As(err, &apiErr) &&
		apiErr.Status == http.StatusForbidden &&
		apiErr.Code == api.CodeContextAccessRevoked &&
		c.resync != nil &&
		!api.ContextResyncDisabled(ctx) {
		c.metrics.resyncs.Add(ctx, 1)
		slog.InfoContext(ctx, "gateway_context_revoked_resyncing",
			logger.Method(method), logger.Path(path))
		if rerr := c.resync.Resync(ctx); rerr != nil {
			return errors.Join(ErrContextRevoked, rerr)
		}
		return fmt.Errorf("%s %s rejected for revoked context, selection corrected: %w", method, path, ErrContextRevoked)
	}

	return err
}

// Get issues an authorized GET.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post issues an authorized POST.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

// Put issues an authorized PUT.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPut, path, body, out)
}

// Delete issues an authorized DELETE.
func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodDelete, path, nil, out)
}

// send builds and issues one attempt. The active-company header is a
// synchronous snapshot taken here, at attachment time, so a request can
// never carry a context older than the one that authorized issuing it.
func (c *Client) send(ctx context.Context, method, path string, payload []byte, tok string) (*http.Response, error) {
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(api.HeaderAuthorization, "Bearer "+tok)
	req.Header.Set(api.HeaderRequestID, uuid.NewString())
	if c.contexts != nil {
		if id, ok := c.contexts.Active(); ok {
			req.Header.Set(api.HeaderCompanyID, id)
		}
	}
	if api.StateChanging(method) {
		if t := api.CSRFToken(c.httpc.Jar, c.base); t != "" {
			req.Header.Set(api.HeaderCSRFToken, t)
		}
	}
	return c.httpc.Do(req)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
