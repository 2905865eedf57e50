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

// Package storage provides the durable client-local slots the core persists
// state into: the active-company selection and, optionally, the access
// credential. A Store is observable so a second process of the same user
// session can adopt changes made elsewhere.
package storage

import (
	"context"
	"sync"
)

// Store is a small observable key-value slot.
type Store interface {
	// Get returns the value for key and whether it is set.
	Get(key string) (string, bool)

	// Set writes key to value.
	Set(key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error

	// Watch delivers the new value of key whenever it changes, until ctx is
	// done. A deletion is delivered as "".
	Watch(ctx context.Context, key string) <-chan string

	// Close releases any resources held by the store.
	Close() error
}

// Memory is an in-process Store. Watchers on the same handle observe writes
// through it, which makes Memory usable both as a volatile slot and as a
// stand-in for an externally shared store in tests.
type Memory struct {
	mu       sync.Mutex
	data     map[string]string
	watchers map[string][]chan string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data:     make(map[string]string),
		watchers: make(map[string][]chan string),
	}
}

func (m *Memory) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.data[key]; ok && old == value {
		return nil
	}
	m.data[key] = value
	m.notifyLocked(key, value)
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return nil
	}
	delete(m.data, key)
	m.notifyLocked(key, "")
	return nil
}

func (m *Memory) Watch(ctx context.Context, key string) <-chan string {
	ch := make(chan string, 4)
	m.mu.Lock()
	m.watchers[key] = append(m.watchers[key], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[key]
		for i, w := range ws {
			if w == ch {
				m.watchers[key] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
	}()
	return ch
}

func (m *Memory) Close() error { return nil }

// notifyLocked delivers value to every watcher of key without blocking; a
// watcher whose buffer is full misses updates rather than stalling writers.
func (m *Memory) notifyLocked(key, value string) {
	for _, ch := range m.watchers[key] {
		select {
		case ch <- value:
		default:
		}
	}
}
