/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package metrics provides the OpenTelemetry-based metrics exporter for Herald
Sentinel. It bridges OTel instruments to a Prometheus registry scraped from
the metrics server.
*/
package metrics

import (
	"context"
	"fmt"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	otelMeter metric.Meter

	// TicksTotal counts scheduler tick invocations.
	TicksTotal metric.Int64Counter
	// FetchFailuresTotal counts upstream warmap fetch failures.
	FetchFailuresTotal metric.Int64Counter
	// SnapshotsChangedTotal counts ticks whose canonical hash advanced.
	SnapshotsChangedTotal metric.Int64Counter

	// UAAlertsSentTotal counts delivered under-attack alerts.
	UAAlertsSentTotal metric.Int64Counter
	// UAAlertsSkippedTotal counts UA alerts suppressed by gates or claims.
	UAAlertsSkippedTotal metric.Int64Counter
	// CaptureAlertsSentTotal counts delivered capture alerts.
	CaptureAlertsSentTotal metric.Int64Counter
	// PlayerAlertsSentTotal counts delivered player-activity alerts.
	PlayerAlertsSentTotal metric.Int64Counter
	// PlayersScannedTotal counts tracked-player profile scans.
	PlayersScannedTotal metric.Int64Counter

	// WebhookSentTotal counts successful webhook POSTs.
	WebhookSentTotal metric.Int64Counter
	// Webhook429Total counts rate-limited webhook responses.
	Webhook429Total metric.Int64Counter
	// WebhookCooldownSkipsTotal counts endpoints skipped while cooling down.
	WebhookCooldownSkipsTotal metric.Int64Counter
	// WebhookFailuresTotal counts non-429 webhook delivery failures.
	WebhookFailuresTotal metric.Int64Counter
	// WebhookSendDurationSeconds observes successful POST latency.
	WebhookSendDurationSeconds metric.Float64Histogram

	// KVEvictionsTotal counts memory-backend evictions (TTL or LRU).
	KVEvictionsTotal metric.Int64Counter
)

func init() {
	// Instruments start on the global no-op provider so library code and
	// tests can record before InitExporter has run.
	if err := register(otel.Meter("herald-sentinel")); err != nil {
		panic(err)
	}
}

// InitExporter installs the OTel-to-Prometheus bridge on the given registry
// and rebinds all instruments to it. The returned function shuts the
// provider down.
func InitExporter(registry promclient.Registerer) (func(context.Context) error, error) {
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	if err := register(provider.Meter("herald-sentinel")); err != nil {
		return nil, err
	}
	return provider.Shutdown, nil
}

// register binds every instrument to the meter in compact loops.
func register(meter metric.Meter) error {
	otelMeter = meter

	type cSpec struct {
		name string
		dest *metric.Int64Counter
	}
	type hSpec struct {
		name string
		dest *metric.Float64Histogram
	}

	counters := []cSpec{
		{"heraldsentinel_ticks_total", &TicksTotal},
		{"heraldsentinel_fetch_failures_total", &FetchFailuresTotal},
		{"heraldsentinel_snapshots_changed_total", &SnapshotsChangedTotal},
		{"heraldsentinel_ua_alerts_sent_total", &UAAlertsSentTotal},
		{"heraldsentinel_ua_alerts_skipped_total", &UAAlertsSkippedTotal},
		{"heraldsentinel_capture_alerts_sent_total", &CaptureAlertsSentTotal},
		{"heraldsentinel_player_alerts_sent_total", &PlayerAlertsSentTotal},
		{"heraldsentinel_players_scanned_total", &PlayersScannedTotal},
		{"heraldsentinel_webhook_sent_total", &WebhookSentTotal},
		{"heraldsentinel_webhook_429_total", &Webhook429Total},
		{"heraldsentinel_webhook_cooldown_skips_total", &WebhookCooldownSkipsTotal},
		{"heraldsentinel_webhook_failures_total", &WebhookFailuresTotal},
		{"heraldsentinel_kv_evictions_total", &KVEvictionsTotal},
	}
	for _, s := range counters {
		v, err := otelMeter.Int64Counter(s.name)
		if err != nil {
			return err
		}
		*s.dest = v
	}

	hists := []hSpec{
		{"heraldsentinel_webhook_send_duration_seconds", &WebhookSendDurationSeconds},
	}
	for _, s := range hists {
		v, err := otelMeter.Float64Histogram(s.name)
		if err != nil {
			return err
		}
		*s.dest = v
	}
	return nil
}
