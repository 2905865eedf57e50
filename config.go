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

package opsledger

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config configures the client core.
type Config struct {
	// BaseURL is the platform base URL. Required.
	BaseURL string `env:"OPSLEDGER_BASE_URL"`

	// RequestTimeout bounds every outbound call end to end.
	RequestTimeout time.Duration `env:"OPSLEDGER_REQUEST_TIMEOUT" envDefault:"30s"`

	// RenewalTimeout bounds a credential renewal; a timeout is a renewal
	// failure.
	RenewalTimeout time.Duration `env:"OPSLEDGER_RENEWAL_TIMEOUT" envDefault:"10s"`

	// DirectoryTimeout bounds an accessible-company fetch.
	DirectoryTimeout time.Duration `env:"OPSLEDGER_DIRECTORY_TIMEOUT" envDefault:"10s"`

	// ExpirySkew treats the access credential as expired this early.
	ExpirySkew time.Duration `env:"OPSLEDGER_EXPIRY_SKEW" envDefault:"30s"`

	// StatePath is the JSON state file holding the persisted company
	// selection and access credential. Empty selects a default under the
	// user config directory.
	StatePath string `env:"OPSLEDGER_STATE_PATH"`

	// VolatileState keeps all client state in memory. Nothing survives the
	// process and other processes observe nothing.
	VolatileState bool `env:"OPSLEDGER_VOLATILE_STATE"`

	// Logging for InitLogging.
	LogLevel    string `env:"OPSLEDGER_LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"OPSLEDGER_LOG_FORMAT" envDefault:"text"`
	ServiceName string `env:"OPSLEDGER_SERVICE_NAME" envDefault:"opsledger-client"`

	// Tracing for InitTracing. The exporter endpoint follows the standard
	// OTEL_EXPORTER_OTLP_* environment variables.
	TracingEnabled    bool    `env:"OPSLEDGER_TRACING_ENABLED"`
	TraceSamplingRate float64 `env:"OPSLEDGER_TRACE_SAMPLING_RATE" envDefault:"1.0"`

	// RateLimit optionally throttles outbound calls, in requests per
	// second. Zero disables the limiter.
	RateLimit float64 `env:"OPSLEDGER_RATE_LIMIT"`
	RateBurst int     `env:"OPSLEDGER_RATE_BURST" envDefault:"1"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base URL is required (OPSLEDGER_BASE_URL)")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid base URL %q", c.BaseURL)
	}
	return nil
}

// statePath resolves the state file location.
func (c *Config) statePath() (string, error) {
	if c.StatePath != "" {
		return c.StatePath, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config directory: %w", err)
	}
	return filepath.Join(dir, "opsledger", "state.json"), nil
}
