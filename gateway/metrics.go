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

package gateway

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics counts the gateway's recovery protocols. Instruments come from the
// global meter provider; with none configured they are no-ops, same as the
// rest of the otel wiring.
type metrics struct {
	requests metric.Int64Counter
	renewals metric.Int64Counter
	retries  metric.Int64Counter
	signouts metric.Int64Counter
	resyncs  metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("github.com/opsledger/opsledger-go/gateway")
	m := &metrics{}
	m.requests, _ = meter.Int64Counter("client.gateway.requests",
		metric.WithDescription("Platform calls issued through the gateway"))
	m.renewals, _ = meter.Int64Counter("client.gateway.renewals",
		metric.WithDescription("Credential renewals triggered by a 401"))
	m.retries, _ = meter.Int64Counter("client.gateway.retries",
		metric.WithDescription("Calls retried after a successful renewal"))
	m.signouts, _ = meter.Int64Counter("client.gateway.signouts",
		metric.WithDescription("Forced sign-outs observed by the gateway"))
	m.resyncs, _ = meter.Int64Counter("client.gateway.resyncs",
		metric.WithDescription("Directory resyncs triggered by a revoked context"))
	return m
}

func (m *metrics) request(ctx context.Context, status int) {
	m.requests.Add(ctx, 1, metric.WithAttributes(attribute.Int("status", status)))
}
