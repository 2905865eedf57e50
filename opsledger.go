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

// Package opsledger assembles the client core of the OpsLedger platform:
// session lifecycle, active-company context, the permission engine, and the
// request gateway every feature module calls through.
package opsledger

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/opsledger/opsledger-go/api"
	"github.com/opsledger/opsledger-go/authz"
	"github.com/opsledger/opsledger-go/company"
	"github.com/opsledger/opsledger-go/credential"
	"github.com/opsledger/opsledger-go/directory"
	"github.com/opsledger/opsledger-go/gateway"
	"github.com/opsledger/opsledger-go/internal/observability/logger"
	"github.com/opsledger/opsledger-go/internal/observability/tracing"
	"github.com/opsledger/opsledger-go/session"
	"github.com/opsledger/opsledger-go/storage"
)

// Client is the assembled client core. The exported components are safe for
// concurrent use; their state is mutated only through their own operations.
type Client struct {
	Credentials *credential.Store
	Session     *session.Manager
	Companies   *company.Manager
	Directory   *directory.Client
	Gateway     *gateway.Client

	cfg    Config
	base   *url.URL
	httpc  *http.Client
	store  storage.Store
	tracer *tracing.Provider
	cancel context.CancelFunc
}

// Version identifies this client build to the trace pipeline.
const Version = "1.0.0"

// contextSource and resyncSource defer to the company manager at call time;
// they exist because the gateway is constructed before the manager.
type contextSource struct{ c *Client }

func (s contextSource) Active() (string, bool) { return s.c.Companies.Active() }

type resyncSource struct{ c *Client }

func (s resyncSource) Resync(ctx context.Context) error { return s.c.Companies.Resync(ctx) }

// New wires the client core together: one cookie-jarred HTTP client shared
// by the session manager and the gateway, a state store for the persisted
// selection and credential, and the cross-cutting watchers.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	httpc := &http.Client{
		Jar:       jar,
		Timeout:   cfg.RequestTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	var store storage.Store
	if cfg.VolatileState {
		store = storage.NewMemory()
	} else {
		path, err := cfg.statePath()
		if err != nil {
			return nil, err
		}
		store, err = storage.NewFile(path)
		if err != nil {
			return nil, err
		}
	}

	c := &Client{
		cfg:   cfg,
		base:  base,
		httpc: httpc,
		store: store,
	}
	c.Credentials = credential.NewStore(store)
	c.Session = session.NewManager(session.Options{
		HTTPClient:     httpc,
		BaseURL:        base,
		Credentials:    c.Credentials,
		ExpirySkew:     cfg.ExpirySkew,
		RenewalTimeout: cfg.RenewalTimeout,
	})

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	c.Gateway = gateway.New(gateway.Options{
		HTTPClient: httpc,
		BaseURL:    base,
		Tokens:     c.Session,
		Contexts:   contextSource{c},
		Resync:     resyncSource{c},
		Limiter:    limiter,
	})
	c.Directory = directory.New(c.Gateway)
	c.Companies = company.NewManager(company.Options{
		Directory:    c.Directory,
		Store:        store,
		SwitchRemote: c.switchRemote,
		FetchTimeout: cfg.DirectoryTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.Companies.WatchExternal(ctx)
	// Subscribe here, not in the goroutine: a forced sign-out racing startup
	// must still land in the buffered channel.
	go c.watchSignOuts(ctx, c.Session.SignOuts())

	return c, nil
}

// InitLogging installs the global slog logger per the config. Optional;
// embedding applications that own their logging skip it.
func (c *Client) InitLogging() {
	logger.InitLogger(logger.Config{
		Level:       c.cfg.LogLevel,
		Format:      c.cfg.LogFormat,
		ServiceName: c.cfg.ServiceName,
	})
}

// InitTracing installs the global trace pipeline the instrumented transport
// reports into. Optional; without it spans are no-ops. The pipeline is shut
// down by Close.
func (c *Client) InitTracing(ctx context.Context) error {
	p, err := tracing.Init(ctx, tracing.Config{
		Enabled:        c.cfg.TracingEnabled,
		ServiceName:    c.cfg.ServiceName,
		ServiceVersion: Version,
		SamplingRate:   c.cfg.TraceSamplingRate,
	})
	if err != nil {
		return err
	}
	c.tracer = p
	return nil
}

// Login authenticates and initializes the company context. The returned
// error may be company.ErrNoAccessibleCompany, in which case the login
// succeeded but the identity has no company to work in; callers render that
// state rather than treating it as a failed login.
func (c *Client) Login(ctx context.Context, identifier, secret string) (*api.Identity, error) {
	id, err := c.Session.Login(ctx, identifier, secret)
	if err != nil {
		return nil, err
	}
	if err := c.Companies.Initialize(ctx); err != nil {
		return id, err
	}
	return id, nil
}

// Logout invalidates the session (best-effort remotely, unconditionally
// locally) and clears the company context.
func (c *Client) Logout(ctx context.Context) error {
	err := c.Session.Logout(ctx)
	c.Companies.Clear()
	return err
}

// Checker resolves the effective role for the active company: the tier-1
// role from the session claims when one exists, else the tier-2 role from
// the directory row of the active company.
func (c *Client) Checker() authz.Checker {
	tier1 := authz.RoleNone
	if claims, ok := c.Credentials.Claims(); ok {
		tier1 = authz.Role(claims.TenantRole)
	}
	tier2 := authz.RoleNone
	if id, ok := c.Companies.Active(); ok {
		if r, ok := c.Companies.RoleFor(id); ok {
			tier2 = r
		}
	}
	return authz.For(authz.ResolveEffectiveRole(tier1, tier2))
}

// Can reports whether the caller holds p in the active company.
func (c *Client) Can(p authz.Permission) bool { return c.Checker().Can(p) }

// CanAny reports whether the caller holds any of ps in the active company.
func (c *Client) CanAny(ps ...authz.Permission) bool { return c.Checker().CanAny(ps...) }

// CanAll reports whether the caller holds all of ps in the active company.
func (c *Client) CanAll(ps ...authz.Permission) bool { return c.Checker().CanAll(ps...) }

// Close stops the background watchers and releases resources. It does not
// log the session out.
func (c *Client) Close() error {
	c.cancel()
	err := c.store.Close()
	if c.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if terr := c.tracer.Shutdown(ctx); terr != nil && err == nil {
			err = terr
		}
		cancel()
	}
	c.httpc.CloseIdleConnections()
	return err
}

// switchRemote re-scopes the session to companyID and installs the returned
// credential. Used by the company manager for Switch and Resync.
func (c *Client) switchRemote(ctx context.Context, companyID string) error {
	var out api.SwitchCompanyResponse
	if err := c.Gateway.Post(ctx, api.PathSwitchCompany, api.SwitchCompanyRequest{CompanyID: companyID}, &out); err != nil {
		return err
	}
	return c.Credentials.Save(out.AccessCredential)
}

// watchSignOuts clears the company context whenever the session is forcibly
// terminated, so no scoped call can go out under a dead identity.
func (c *Client) watchSignOuts(ctx context.Context, ch <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			c.Companies.Clear()
		}
	}
}
