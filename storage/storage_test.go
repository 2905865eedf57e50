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

package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SetGetDelete(t *testing.T) {
	m := NewMemory()

	_, ok := m.Get("k")
	assert.False(t, ok)

	require.NoError(t, m.Set("k", "v"))
	v, ok := m.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, m.Delete("k"))
	_, ok = m.Get("k")
	assert.False(t, ok)

	// Deleting an absent key is not an error.
	assert.NoError(t, m.Delete("k"))
}

func TestMemory_WatchDeliversChanges(t *testing.T) {
	m := NewMemory()
	ch := m.Watch(t.Context(), "k")

	require.NoError(t, m.Set("k", "one"))
	assert.Equal(t, "one", <-ch)

	require.NoError(t, m.Delete("k"))
	assert.Equal(t, "", <-ch)
}

func TestMemory_WatchIgnoresNoOpWrites(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Set("k", "v"))
	ch := m.Watch(t.Context(), "k")

	require.NoError(t, m.Set("k", "v"))
	select {
	case got := <-ch:
		t.Fatalf("unexpected delivery %q for unchanged value", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	f, err := NewFile(path)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Set("company.active", "co_1"))
	require.NoError(t, f.Set("credential.access", "tok"))

	// A second handle sees what the first one wrote.
	g, err := NewFile(path)
	require.NoError(t, err)
	defer g.Close()

	v, ok := g.Get("company.active")
	assert.True(t, ok)
	assert.Equal(t, "co_1", v)
}

func TestFile_WatchSeesExternalWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	a, err := NewFile(path)
	require.NoError(t, err)
	defer a.Close()
	a.SetPollInterval(10 * time.Millisecond)

	b, err := NewFile(path)
	require.NoError(t, err)
	defer b.Close()

	ch := a.Watch(t.Context(), "company.active")

	// Writes through another handle are "another window" of the same
	// session.
	require.NoError(t, b.Set("company.active", "co_2"))

	select {
	case v := <-ch:
		assert.Equal(t, "co_2", v)
	case <-time.After(2 * time.Second):
		t.Fatal("external write was not observed")
	}
}

func TestFile_WatchSkipsOwnWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	f, err := NewFile(path)
	require.NoError(t, err)
	defer f.Close()
	f.SetPollInterval(10 * time.Millisecond)

	ch := f.Watch(t.Context(), "k")
	require.NoError(t, f.Set("k", "v"))

	select {
	case got := <-ch:
		t.Fatalf("own write echoed back: %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}
