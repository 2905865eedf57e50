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

package session_test

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/publicsuffix"

	"github.com/opsledger/opsledger-go/api"
	"github.com/opsledger/opsledger-go/credential"
	"github.com/opsledger/opsledger-go/internal/testutil"
	"github.com/opsledger/opsledger-go/session"
)

var testAccount = testutil.Account{
	Identifier: "ada@example.com",
	Secret:     "s3cret",
	Identity:   api.Identity{ID: "usr_1", Name: "Ada Lovelace", Email: "ada@example.com"},
	TenantID:   "ten_1",
}

func setup(t *testing.T) (*testutil.Platform, *session.Manager, *credential.Store) {
	t.Helper()

	p := testutil.NewPlatform()
	t.Cleanup(p.Close)
	p.AddAccount(testAccount)

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	require.NoError(t, err)
	httpc := &http.Client{Jar: jar, Timeout: 5 * time.Second}

	creds := credential.NewStore(nil)
	m := session.NewManager(session.Options{
		HTTPClient:     httpc,
		BaseURL:        p.URL(),
		Credentials:    creds,
		ExpirySkew:     time.Second,
		RenewalTimeout: 5 * time.Second,
	})
	return p, m, creds
}

func login(t *testing.T, m *session.Manager) {
	t.Helper()
	_, err := m.Login(t.Context(), testAccount.Identifier, testAccount.Secret)
	require.NoError(t, err)
}

func expireCredential(t *testing.T, p *testutil.Platform, creds *credential.Store) {
	t.Helper()
	acct := testAccount
	require.NoError(t, creds.Save(p.MintToken(&acct, -time.Minute)))
}

func TestLogin_Success(t *testing.T) {
	_, m, creds := setup(t)

	id, err := m.Login(t.Context(), testAccount.Identifier, testAccount.Secret)
	require.NoError(t, err)
	assert.Equal(t, "usr_1", id.ID)
	assert.Equal(t, session.StateAuthenticated, m.State())

	claims, ok := creds.Claims()
	require.True(t, ok)
	assert.Equal(t, "ten_1", claims.TenantID)
	assert.False(t, creds.IsExpired(time.Second))
}

func TestLogin_InvalidCredentials(t *testing.T) {
	_, m, creds := setup(t)

	_, err := m.Login(t.Context(), testAccount.Identifier, "wrong")
	assert.ErrorIs(t, err, session.ErrInvalidCredentials)
	assert.Equal(t, session.StateAnonymous, m.State())
	_, ok := creds.Read()
	assert.False(t, ok)
}

func TestLogin_AccountLocked(t *testing.T) {
	p, m, _ := setup(t)
	locked := testAccount
	locked.Identifier = "locked@example.com"
	locked.Identity.ID = "usr_2"
	locked.Locked = true
	p.AddAccount(locked)

	_, err := m.Login(t.Context(), locked.Identifier, locked.Secret)
	assert.ErrorIs(t, err, session.ErrAccountLocked)
}

func TestEnsureFresh_ReturnsCurrentWhileValid(t *testing.T) {
	p, m, creds := setup(t)
	login(t, m)

	want, _ := creds.Read()
	got, err := m.EnsureFresh(t.Context())
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, int32(0), p.RenewCalls.Load())
}

func TestEnsureFresh_NotAuthenticated(t *testing.T) {
	_, m, _ := setup(t)
	_, err := m.EnsureFresh(t.Context())
	assert.ErrorIs(t, err, session.ErrNotAuthenticated)
}

// Any number of concurrent callers hitting an expired credential must
// collapse into exactly one renewal request, all observing its outcome.
func TestRenew_SingleFlight(t *testing.T) {
	p, m, creds := setup(t)
	login(t, m)

	p.RenewDelay = 150 * time.Millisecond
	expireCredential(t, p, creds)

	const callers = 8
	tokens := make([]string, callers)
	errs := make([]error, callers)

	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			start.Wait()
			tokens[i], errs[i] = m.EnsureFresh(context.Background())
		}(i)
	}
	start.Done()
	done.Wait()

	assert.Equal(t, int32(1), p.RenewCalls.Load(), "concurrent renewals must collapse into one")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.NotEmpty(t, tokens[i])
		assert.Equal(t, tokens[0], tokens[i], "all callers share the renewal outcome")
	}
	assert.Equal(t, session.StateAuthenticated, m.State())
}

// A caller abandoning its wait must not abort the shared renewal other
// callers depend on.
func TestRenew_CancelledCallerDoesNotAbortSharedRenewal(t *testing.T) {
	p, m, creds := setup(t)
	login(t, m)

	p.RenewDelay = 200 * time.Millisecond
	expireCredential(t, p, creds)

	cancelCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)

	var cancelledErr, survivorErr error
	var survivorTok string
	go func() {
		defer wg.Done()
		_, cancelledErr = m.Renew(cancelCtx)
	}()
	go func() {
		defer wg.Done()
		time.Sleep(50 * time.Millisecond)
		survivorTok, survivorErr = m.Renew(context.Background())
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	wg.Wait()

	assert.ErrorIs(t, cancelledErr, context.Canceled)
	require.NoError(t, survivorErr)
	assert.NotEmpty(t, survivorTok)
	assert.Equal(t, int32(1), p.RenewCalls.Load())
}

func TestRenew_FailureForcesSignOut(t *testing.T) {
	p, m, creds := setup(t)
	login(t, m)

	signouts := m.SignOuts()
	p.SetRenewFail(true)
	expireCredential(t, p, creds)

	_, err := m.EnsureFresh(t.Context())
	assert.ErrorIs(t, err, session.ErrRenewalFailed)
	assert.Equal(t, session.StateAnonymous, m.State())

	_, ok := creds.Read()
	assert.False(t, ok, "credential store must be cleared")

	select {
	case cause := <-signouts:
		assert.Error(t, cause)
	case <-time.After(time.Second):
		t.Fatal("sign-out signal not emitted")
	}
}

// A transport failure during renewal is just as fatal as a structured
// rejection.
func TestRenew_TransportFailureIsRenewalFailure(t *testing.T) {
	p, m, creds := setup(t)
	login(t, m)
	expireCredential(t, p, creds)

	p.Close()

	_, err := m.Renew(t.Context())
	assert.ErrorIs(t, err, session.ErrRenewalFailed)
	assert.Equal(t, session.StateAnonymous, m.State())
}

func TestLogout_RemoteFailureStillClearsLocalState(t *testing.T) {
	p, m, creds := setup(t)
	login(t, m)

	p.Close()

	require.NoError(t, m.Logout(t.Context()))
	assert.Equal(t, session.StateAnonymous, m.State())
	_, ok := creds.Read()
	assert.False(t, ok)
}

func TestLogout_InvalidatesRenewalCredential(t *testing.T) {
	p, m, _ := setup(t)
	login(t, m)

	require.NoError(t, m.Logout(t.Context()))
	assert.Equal(t, int32(1), p.LogoutCalls.Load())

	// The renewal credential is gone on both sides.
	_, err := m.Renew(t.Context())
	assert.ErrorIs(t, err, session.ErrRenewalFailed)
}

func TestNewManager_ResumesFromPersistedCredential(t *testing.T) {
	p := testutil.NewPlatform()
	t.Cleanup(p.Close)
	p.AddAccount(testAccount)

	acct := testAccount
	creds := credential.NewStore(nil)
	require.NoError(t, creds.Save(p.MintToken(&acct, time.Minute)))

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	require.NoError(t, err)
	m := session.NewManager(session.Options{
		HTTPClient:  &http.Client{Jar: jar, Timeout: 5 * time.Second},
		BaseURL:     p.URL(),
		Credentials: creds,
	})
	assert.Equal(t, session.StateAuthenticated, m.State())
}
