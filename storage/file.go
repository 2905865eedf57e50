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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const defaultPollInterval = 500 * time.Millisecond

// File is a Store backed by a single JSON document. Writes are atomic
// (temp file + rename) and a modtime poller picks up writes made by other
// processes of the same user, which is how a switch in one window reaches
// the others.
type File struct {
	path     string
	interval time.Duration

	mu       sync.Mutex
	data     map[string]string
	lastMod  time.Time
	watchers map[string][]chan string

	pollOnce sync.Once
	done     chan struct{}
}

// NewFile opens (or creates the directory for) the state file at path.
func NewFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	f := &File{
		path:     path,
		interval: defaultPollInterval,
		data:     make(map[string]string),
		watchers: make(map[string][]chan string),
		done:     make(chan struct{}),
	}
	if err := f.loadLocked(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}

func (f *File) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if old, ok := f.data[key]; ok && old == value {
		return nil
	}
	f.data[key] = value
	return f.flushLocked()
}

func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return nil
	}
	delete(f.data, key)
	return f.flushLocked()
}

func (f *File) Watch(ctx context.Context, key string) <-chan string {
	f.pollOnce.Do(func() { go f.poll() })

	ch := make(chan string, 4)
	f.mu.Lock()
	f.watchers[key] = append(f.watchers[key], ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		ws := f.watchers[key]
		for i, w := range ws {
			if w == ch {
				f.watchers[key] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
	}()
	return ch
}

func (f *File) Close() error {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
	return nil
}

// SetPollInterval adjusts how often external changes are checked for. Only
// effective before the first Watch call.
func (f *File) SetPollInterval(d time.Duration) {
	if d > 0 {
		f.interval = d
	}
}

// poll reloads the file whenever its modtime moves past the last write or
// reload this handle performed, and notifies watchers of changed keys.
func (f *File) poll() {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
		}

		info, err := os.Stat(f.path)
		if err != nil {
			continue
		}

		f.mu.Lock()
		if !info.ModTime().After(f.lastMod) {
			f.mu.Unlock()
			continue
		}
		old := f.data
		if err := f.loadLocked(); err != nil {
			f.mu.Unlock()
			continue
		}
		for key, chans := range f.watchers {
			if len(chans) == 0 {
				continue
			}
			oldV := old[key]
			newV := f.data[key]
			if oldV == newV {
				continue
			}
			for _, ch := range chans {
				select {
				case ch <- newV:
				default:
				}
			}
		}
		f.mu.Unlock()
	}
}

func (f *File) loadLocked() error {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		f.data = make(map[string]string)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}
	data := make(map[string]string)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("decode state file: %w", err)
		}
	}
	f.data = data
	if info, err := os.Stat(f.path); err == nil {
		f.lastMod = info.ModTime()
	}
	return nil
}

func (f *File) flushLocked() error {
	raw, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state file: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	if info, err := os.Stat(f.path); err == nil {
		f.lastMod = info.ModTime()
	}
	return nil
}
