// Copyright 2025 Tom Barlow
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

package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/metrics"

// Instruments created from the global meter delegate to whichever provider
// SetupMeterProvider installs later; until then they record nothing.
var (
	meter = otel.Meter(meterName)

	startupDuration, _ = meter.Float64Histogram(
		"olympian.mcp.server.startup.duration",
		metric.WithDescription("Time from spawn to a completed handshake and tool discovery"),
		metric.WithUnit("s"),
	)

	discoveredTools, _ = meter.Int64Histogram(
		"olympian.mcp.server.tools",
		metric.WithDescription("Number of tools a server advertised on discovery"),
		metric.WithUnit("{tool}"),
	)
)

// SetupMeterProvider installs a global OpenTelemetry MeterProvider whose
// instruments are exported through reg, next to the native collectors.
func SetupMeterProvider(reg prometheus.Registerer) (*sdkmetric.MeterProvider, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(mp)
	return mp, nil
}

// RecordStartup records how long a server took to become running.
func RecordStartup(ctx context.Context, server string, d time.Duration) {
	startupDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("server", server)))
}

// RecordDiscovery records the size of a server's tool list.
func RecordDiscovery(ctx context.Context, server string, tools int) {
	discoveredTools.Record(ctx, int64(tools), metric.WithAttributes(attribute.String("server", server)))
}
