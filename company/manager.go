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

// Package company holds the single active-company selection the whole client
// is scoped to. The selection is always either absent or a member of the
// last-fetched accessible set; a switch is atomic with respect to every
// subsequent read, persists across restarts, and is announced to caches and
// to other processes of the same user session.
package company

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opsledger/opsledger-go/api"
	"github.com/opsledger/opsledger-go/authz"
	"github.com/opsledger/opsledger-go/directory"
	"github.com/opsledger/opsledger-go/internal/observability/logger"
	"github.com/opsledger/opsledger-go/storage"
)

// Domain errors
var (
	// ErrUnknownOrInactiveCompany rejects a switch to a company outside the
	// last-known accessible set or marked inactive. No state changes.
	ErrUnknownOrInactiveCompany = errors.New("unknown or inactive company")

	// ErrNoAccessibleCompany reports the terminal state of an identity with
	// no active company left. Callers render it distinctly from loading or
	// error states.
	ErrNoAccessibleCompany = errors.New("no accessible company")
)

// selectionKey is the persisted slot for the active-company id.
const selectionKey = "company.active"

// Lister fetches the accessible-company set. Satisfied by *directory.Client.
type Lister interface {
	ListAccessibleCompanies(ctx context.Context) ([]directory.Company, error)
}

// SwitchFunc performs the remote side of a context switch: it calls the
// platform's switch-company endpoint and installs the re-scoped credential.
// May be nil when the platform does not re-scope credentials.
type SwitchFunc func(ctx context.Context, companyID string) error

// Options configures a Manager.
type Options struct {
	Directory    Lister
	Store        storage.Store
	SwitchRemote SwitchFunc

	// FetchTimeout bounds a directory fetch. A timeout propagates like any
	// other fetch failure and leaves the selection unchanged. Defaults to
	// 10s when zero.
	FetchTimeout time.Duration
}

// Manager is the process-wide owner of the active-company selection.
type Manager struct {
	dir          Lister
	store        storage.Store
	switchRemote SwitchFunc
	fetchTimeout time.Duration

	resyncs singleflight.Group

	mu        sync.RWMutex
	companies []directory.Company
	active    string

	subMu sync.Mutex
	subs  []chan string
}

// NewManager creates a context manager. Call Initialize after login.
func NewManager(opts Options) *Manager {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	return &Manager{
		dir:          opts.Directory,
		store:        opts.Store,
		switchRemote: opts.SwitchRemote,
		fetchTimeout: opts.FetchTimeout,
	}
}

// Invalidations returns a channel receiving the new active-company id after
// every adopted change. Feature modules drop their company-scoped caches on
// receipt; the core knows only that it must announce, not what is cached.
func (m *Manager) Invalidations() <-chan string {
	ch := make(chan string, 4)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

// Initialize fetches the accessible set and establishes the selection: the
// persisted company when still present and active, else the first active
// entry, else absent. Returns ErrNoAccessibleCompany in the last case; the
// selection state is still valid (absent).
func (m *Manager) Initialize(ctx context.Context) error {
	list, err := m.fetch(ctx)
	if err != nil {
		return err
	}

	persisted, _ := m.store.Get(selectionKey)

	m.mu.Lock()
	m.companies = list
	chosen := ""
	if persisted != "" && memberActive(list, persisted) {
		chosen = persisted
	} else if first := firstActive(list); first != "" {
		chosen = first
	}
	changed := chosen != m.active
	m.active = chosen
	persistErr := m.persistLocked()
	m.mu.Unlock()

	if persistErr != nil {
		return persistErr
	}
	if changed {
		m.broadcast(chosen)
	}
	if chosen == "" {
		return ErrNoAccessibleCompany
	}
	slog.DebugContext(ctx, "company_context_initialized", logger.CompanyID(chosen))
	return nil
}

// Switch atomically moves the active context to companyID. The id must be in
// the last-known accessible set and active; otherwise the call fails with
// ErrUnknownOrInactiveCompany and nothing changes. On success the remote
// context is re-scoped first, then memory, persisted selection, cache
// invalidation and cross-process broadcast update together.
func (m *Manager) Switch(ctx context.Context, companyID string) error {
	m.mu.RLock()
	valid := memberActive(m.companies, companyID)
	m.mu.RUnlock()
	if !valid {
		return fmt.Errorf("switch to %q: %w", companyID, ErrUnknownOrInactiveCompany)
	}

	if m.switchRemote != nil {
		if err := m.switchRemote(ctx, companyID); err != nil {
			return fmt.Errorf("switch company context: %w", err)
		}
	}

	m.mu.Lock()
	// Re-validate under the write lock: a concurrent resync may have shrunk
	// the accessible set while the remote switch was in flight. The selection
	// must never leave the last-fetched set.
	if !memberActive(m.companies, companyID) {
		m.mu.Unlock()
		return fmt.Errorf("switch to %q: %w", companyID, ErrUnknownOrInactiveCompany)
	}
	m.active = companyID
	persistErr := m.persistLocked()
	m.mu.Unlock()
	if persistErr != nil {
		return persistErr
	}

	m.broadcast(companyID)
	role, _ := m.RoleFor(companyID)
	slog.InfoContext(ctx, "company_context_switched",
		logger.CompanyID(companyID), logger.Role(string(role)))
	return nil
}

// Active returns the active company id, or false when no context is set.
func (m *Manager) Active() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, m.active != ""
}

// Companies returns a copy of the last-fetched accessible set.
func (m *Manager) Companies() []directory.Company {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]directory.Company, len(m.companies))
	copy(out, m.companies)
	return out
}

// RoleFor returns the caller's tier-2 role in companyID from the last-fetched
// set.
func (m *Manager) RoleFor(companyID string) (authz.Role, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.companies {
		if c.ID == companyID {
			return c.Role, true
		}
	}
	return authz.RoleNone, false
}

// Resync re-fetches the accessible set after the platform reported that the
// current context is no longer reachable. If the active company survived the
// re-fetch the selection stands; if it dropped out, the manager auto-switches
// to the first active company or, with none left, clears the selection and
// reports ErrNoAccessibleCompany. Concurrent resyncs (several scoped calls
// all hitting the revoked-context 403 at once) collapse into one.
func (m *Manager) Resync(ctx context.Context) error {
	_, err, _ := m.resyncs.Do("resync", func() (any, error) {
		return nil, m.doResync(ctx)
	})
	return err
}

func (m *Manager) doResync(ctx context.Context) error {
	// Calls made while resyncing must not re-enter the resync protocol.
	ctx = api.DisableContextResync(ctx)

	list, err := m.fetch(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.companies = list
	current := m.active
	m.mu.Unlock()

	if current != "" && memberActive(list, current) {
		return nil
	}

	next := firstActive(list)
	if next == "" {
		m.mu.Lock()
		m.active = ""
		persistErr := m.persistLocked()
		m.mu.Unlock()
		if persistErr != nil {
			return persistErr
		}
		m.broadcast("")
		return ErrNoAccessibleCompany
	}

	if m.switchRemote != nil {
		if err := m.switchRemote(ctx, next); err != nil {
			return fmt.Errorf("switch to surviving company: %w", err)
		}
	}
	m.mu.Lock()
	m.active = next
	persistErr := m.persistLocked()
	m.mu.Unlock()
	if persistErr != nil {
		return persistErr
	}
	m.broadcast(next)
	slog.InfoContext(ctx, "company_context_resynced", logger.CompanyID(next))
	return nil
}

// Clear drops the selection and the cached set. Used at logout and on forced
// sign-out.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.active = ""
	m.companies = nil
	_ = m.store.Delete(selectionKey)
	m.mu.Unlock()
}

// WatchExternal adopts selection changes persisted by other processes of the
// same user session until ctx is done. An adopted value inside the cached set
// applies immediately; one outside it triggers a directory re-fetch before
// reconciling. Run it on its own goroutine.
func (m *Manager) WatchExternal(ctx context.Context) {
	ch := m.store.Watch(ctx, selectionKey)
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			m.reconcileExternal(ctx, v)
		}
	}
}

func (m *Manager) reconcileExternal(ctx context.Context, v string) {
	m.mu.Lock()
	if v == m.active {
		m.mu.Unlock()
		return
	}
	if v == "" || memberActive(m.companies, v) {
		m.active = v
		m.mu.Unlock()
		m.broadcast(v)
		return
	}
	m.mu.Unlock()

	// The other process switched to a company we have not seen; refresh the
	// set before adopting.
	list, err := m.fetch(ctx)
	if err != nil {
		slog.WarnContext(ctx, "company_context_reconcile_fetch_failed", logger.Error(err))
		return
	}
	m.mu.Lock()
	m.companies = list
	adopt := memberActive(list, v)
	if adopt {
		m.active = v
	}
	m.mu.Unlock()
	if adopt {
		m.broadcast(v)
		return
	}
	if err := m.Resync(ctx); err != nil && !errors.Is(err, ErrNoAccessibleCompany) {
		slog.WarnContext(ctx, "company_context_reconcile_failed", logger.Error(err))
	}
}

func (m *Manager) fetch(ctx context.Context) ([]directory.Company, error) {
	ctx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	defer cancel()
	return m.dir.ListAccessibleCompanies(ctx)
}

// persistLocked mirrors the in-memory selection into the observable store.
func (m *Manager) persistLocked() error {
	if m.active == "" {
		if err := m.store.Delete(selectionKey); err != nil {
			return fmt.Errorf("clear persisted selection: %w", err)
		}
		return nil
	}
	if err := m.store.Set(selectionKey, m.active); err != nil {
		return fmt.Errorf("persist selection: %w", err)
	}
	return nil
}

func (m *Manager) broadcast(companyID string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- companyID:
		default:
		}
	}
}

func memberActive(list []directory.Company, id string) bool {
	for _, c := range list {
		if c.ID == id {
			return c.Active
		}
	}
	return false
}

func firstActive(list []directory.Company) string {
	for _, c := range list {
		if c.Active {
			return c.ID
		}
	}
	return ""
}
