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

package opsledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	opsledger "github.com/opsledger/opsledger-go"
	"github.com/opsledger/opsledger-go/api"
	"github.com/opsledger/opsledger-go/authz"
	"github.com/opsledger/opsledger-go/company"
	"github.com/opsledger/opsledger-go/directory"
	"github.com/opsledger/opsledger-go/gateway"
	"github.com/opsledger/opsledger-go/internal/testutil"
	"github.com/opsledger/opsledger-go/session"
)

var e2eAccount = testutil.Account{
	Identifier: "grace@example.com",
	Secret:     "hunter2",
	Identity:   api.Identity{ID: "usr_e2e", Name: "Grace Hopper", Email: "grace@example.com"},
	TenantID:   "ten_e2e",
}

var e2eCompanies = []directory.Company{
	{ID: "co_alpha", Name: "Alpha Logistics", EntityType: directory.EntityCorporation, Role: authz.RoleAdministrator, Active: true},
	{ID: "co_beta", Name: "Beta Trading", EntityType: directory.EntityLLC, Role: authz.RoleGeneralStaff, Active: true},
}

func newPlatformAndClient(t *testing.T) (*testutil.Platform, *opsledger.Client) {
	t.Helper()
	p := testutil.NewPlatform()
	t.Cleanup(p.Close)
	p.AddAccount(e2eAccount, e2eCompanies...)

	c, err := opsledger.New(opsledger.Config{
		BaseURL:        p.URL().String(),
		VolatileState:  true,
		RequestTimeout: 5 * time.Second,
		ExpirySkew:     time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return p, c
}

func TestClient_LoginEstablishesCompanyContext(t *testing.T) {
	_, c := newPlatformAndClient(t)

	id, err := c.Login(t.Context(), e2eAccount.Identifier, e2eAccount.Secret)
	require.NoError(t, err)
	assert.Equal(t, "usr_e2e", id.ID)
	assert.Equal(t, session.StateAuthenticated, c.Session.State())

	active, ok := c.Companies.Active()
	require.True(t, ok)
	assert.Equal(t, "co_alpha", active)
	assert.Len(t, c.Companies.Companies(), 2)
}

func TestClient_LoginWithoutCompanies(t *testing.T) {
	p := testutil.NewPlatform()
	t.Cleanup(p.Close)
	p.AddAccount(e2eAccount) // no companies

	c, err := opsledger.New(opsledger.Config{BaseURL: p.URL().String(), VolatileState: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	id, err := c.Login(t.Context(), e2eAccount.Identifier, e2eAccount.Secret)
	assert.ErrorIs(t, err, company.ErrNoAccessibleCompany)
	require.NotNil(t, id, "login itself succeeded")
	assert.Equal(t, session.StateAuthenticated, c.Session.State())
	_, ok := c.Companies.Active()
	assert.False(t, ok)
}

func TestClient_ScopedCallCarriesActiveCompany(t *testing.T) {
	_, c := newPlatformAndClient(t)
	_, err := c.Login(t.Context(), e2eAccount.Identifier, e2eAccount.Secret)
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, c.Gateway.Get(t.Context(), "/app/ping", &out))
	assert.Equal(t, "co_alpha", out["companyId"])
	assert.NotEmpty(t, out["requestId"])
}

func TestClient_ExpiredCredentialRenewsTransparently(t *testing.T) {
	p, c := newPlatformAndClient(t)
	_, err := c.Login(t.Context(), e2eAccount.Identifier, e2eAccount.Secret)
	require.NoError(t, err)

	acct := e2eAccount
	require.NoError(t, c.Credentials.Save(p.MintToken(&acct, -time.Minute)))

	var out map[string]string
	require.NoError(t, c.Gateway.Get(t.Context(), "/app/ping", &out))
	assert.Equal(t, int32(1), p.RenewCalls.Load())
	assert.False(t, c.Credentials.IsExpired(time.Second))
}

func TestClient_PermissionsFollowActiveCompany(t *testing.T) {
	_, c := newPlatformAndClient(t)
	_, err := c.Login(t.Context(), e2eAccount.Identifier, e2eAccount.Secret)
	require.NoError(t, err)

	// Administrator in co_alpha.
	assert.True(t, c.Can(authz.PermTeamInvite))
	assert.True(t, c.CanAll(authz.PermInventoryView, authz.PermFinanceView))

	require.NoError(t, c.Companies.Switch(t.Context(), "co_beta"))

	// General staff in co_beta.
	assert.False(t, c.Can(authz.PermTeamInvite))
	assert.True(t, c.Can(authz.PermInventoryView))
}

func TestClient_TenantRoleOverridesCompanyRole(t *testing.T) {
	p := testutil.NewPlatform()
	t.Cleanup(p.Close)
	owner := e2eAccount
	owner.TenantRole = string(authz.RoleOwner)
	p.AddAccount(owner, e2eCompanies...)

	c, err := opsledger.New(opsledger.Config{BaseURL: p.URL().String(), VolatileState: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Login(t.Context(), owner.Identifier, owner.Secret)
	require.NoError(t, err)
	require.NoError(t, c.Companies.Switch(t.Context(), "co_beta"))

	// Owner sees everything even where the directory row says general staff.
	assert.True(t, c.Can(authz.PermCompanySettings))
	assert.True(t, c.Can(authz.PermFinanceManage))
}

func TestClient_RevokedContextResyncsAndAutoSwitches(t *testing.T) {
	p, c := newPlatformAndClient(t)
	_, err := c.Login(t.Context(), e2eAccount.Identifier, e2eAccount.Secret)
	require.NoError(t, err)

	p.Revoke("co_alpha")

	err = c.Gateway.Get(t.Context(), "/app/ping", nil)
	assert.ErrorIs(t, err, gateway.ErrContextRevoked)

	active, ok := c.Companies.Active()
	require.True(t, ok)
	assert.Equal(t, "co_beta", active, "selection corrected to a surviving company")

	// The re-issued call succeeds under the corrected context.
	var out map[string]string
	require.NoError(t, c.Gateway.Get(t.Context(), "/app/ping", &out))
	assert.Equal(t, "co_beta", out["companyId"])
}

func TestClient_RenewalFailureSignsOutAndClearsContext(t *testing.T) {
	p, c := newPlatformAndClient(t)
	_, err := c.Login(t.Context(), e2eAccount.Identifier, e2eAccount.Secret)
	require.NoError(t, err)

	p.SetRenewFail(true)
	acct := e2eAccount
	require.NoError(t, c.Credentials.Save(p.MintToken(&acct, -time.Minute)))

	err = c.Gateway.Get(t.Context(), "/app/ping", nil)
	assert.ErrorIs(t, err, gateway.ErrSessionExpired)
	assert.Equal(t, session.StateAnonymous, c.Session.State())

	assert.Eventually(t, func() bool {
		_, ok := c.Companies.Active()
		return !ok
	}, time.Second, 10*time.Millisecond, "forced sign-out must clear the company context")
}

// The sign-out subscription is registered during New, so a forced sign-out
// is observed no matter how early it fires relative to the watcher goroutine.
func TestClient_ImmediateInvalidateClearsCompanyContext(t *testing.T) {
	_, c := newPlatformAndClient(t)
	_, err := c.Login(t.Context(), e2eAccount.Identifier, e2eAccount.Secret)
	require.NoError(t, err)

	c.Session.Invalidate(gateway.ErrSessionExpired)

	assert.Equal(t, session.StateAnonymous, c.Session.State())
	assert.Eventually(t, func() bool {
		_, ok := c.Companies.Active()
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestClient_LogoutClearsEverything(t *testing.T) {
	p, c := newPlatformAndClient(t)
	_, err := c.Login(t.Context(), e2eAccount.Identifier, e2eAccount.Secret)
	require.NoError(t, err)

	require.NoError(t, c.Logout(t.Context()))
	assert.Equal(t, int32(1), p.LogoutCalls.Load())
	assert.Equal(t, session.StateAnonymous, c.Session.State())
	_, ok := c.Companies.Active()
	assert.False(t, ok)
	_, ok = c.Credentials.Read()
	assert.False(t, ok)
	assert.False(t, c.Can(authz.PermInventoryView))
}

func TestClient_SwitchInstallsRescopedCredential(t *testing.T) {
	p, c := newPlatformAndClient(t)
	_, err := c.Login(t.Context(), e2eAccount.Identifier, e2eAccount.Secret)
	require.NoError(t, err)

	before, ok := c.Credentials.Read()
	require.True(t, ok)

	require.NoError(t, c.Companies.Switch(t.Context(), "co_beta"))
	assert.Equal(t, int32(1), p.SwitchCalls.Load())

	after, ok := c.Credentials.Read()
	require.True(t, ok)
	assert.NotEqual(t, before, after, "switch re-scopes the access credential")
}

func TestNew_RejectsInvalidBaseURL(t *testing.T) {
	_, err := opsledger.New(opsledger.Config{BaseURL: "not a url", VolatileState: true})
	assert.Error(t, err)

	_, err = opsledger.New(opsledger.Config{VolatileState: true})
	assert.Error(t, err)
}
