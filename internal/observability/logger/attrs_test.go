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

package logger

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttrKeys(t *testing.T) {
	cases := []struct {
		attr  slog.Attr
		key   string
		value string
	}{
		{Method("POST"), "method", "POST"},
		{Path("/auth/renew"), "path", "/auth/renew"},
		{IdentityID("usr_1"), "identity_id", "usr_1"},
		{TenantID("ten_1"), "tenant_id", "ten_1"},
		{CompanyID("co_1"), "company_id", "co_1"},
		{Role("finance"), "role", "finance"},
		{SessionState("authenticated"), "session_state", "authenticated"},
		{Error(errors.New("boom")), "error", "boom"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.key, tc.attr.Key)
		assert.Equal(t, tc.value, tc.attr.Value.String())
	}

	assert.Equal(t, "status_code", StatusCode(403).Key)
	assert.Equal(t, int64(403), StatusCode(403).Value.Int64())
	assert.Equal(t, "duration_ms", Duration(12).Key)
	assert.Equal(t, int64(12), Duration(12).Value.Int64())
	assert.Equal(t, "", Error(nil).Value.String())
}
