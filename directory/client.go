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

// Package directory fetches the companies reachable by the current identity
// within its tenant, together with the caller's role in each. It is a pure
// remote read; retry policy belongs to the caller.
package directory

import (
	"context"
	"fmt"
	"net/http"

	"github.com/opsledger/opsledger-go/api"
	"github.com/opsledger/opsledger-go/authz"
)

// EntityType discriminates the legal form of a company.
type EntityType string

const (
	EntityCorporation    EntityType = "corporation"
	EntityLLC            EntityType = "llc"
	EntitySoleProprietor EntityType = "sole_proprietor"
	EntityBranch         EntityType = "branch"
)

// Company is one entry of the accessible-company set. Role is the caller's
// tier-2 role in that company; tier-1 holders see their superuser role
// reflected by the platform on every row.
type Company struct {
	ID         string     `json:"companyId"`
	Name       string     `json:"name"`
	LegalName  string     `json:"legalName"`
	EntityType EntityType `json:"entityType"`
	LogoRef    string     `json:"logoRef,omitempty"`
	Role       authz.Role `json:"role"`
	Active     bool       `json:"active"`
}

// Doer issues an authorized platform call. Implemented by the request
// gateway; the indirection keeps this package free of the gateway's renewal
// and resync machinery.
type Doer interface {
	Do(ctx context.Context, method, path string, body, out any) error
}

// Client reads the tenant directory.
type Client struct {
	doer Doer
}

// New creates a directory client over an authorized Doer.
func New(doer Doer) *Client {
	return &Client{doer: doer}
}

// ListAccessibleCompanies returns the companies the current identity can
// reach, in platform order. The tenant scope is implicit in the session's
// claims. Errors propagate unchanged.
func (c *Client) ListAccessibleCompanies(ctx context.Context) ([]Company, error) {
	var out []Company
	if err := c.doer.Do(ctx, http.MethodGet, api.PathCompanies, nil, &out); err != nil {
		return nil, fmt.Errorf("list accessible companies: %w", err)
	}
	return out, nil
}
