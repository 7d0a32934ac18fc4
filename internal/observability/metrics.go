// Package observability provides client-side metrics for job runs.
package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the client's instruments. All Record methods are nil-safe so
// components can run without metrics wired.
type Metrics struct {
	meter metric.Meter

	// Submission
	SubmissionsTotal   metric.Int64Counter
	SubmissionRetries  metric.Int64Counter
	SubmissionDuration metric.Float64Histogram

	// Tracking
	PollsTotal       metric.Int64Counter
	PollFailures     metric.Int64Counter
	TerminalStates   metric.Int64Counter
	AttachedDuration metric.Float64Histogram

	// Log streaming
	ChunksTotal     metric.Int64Counter
	ReconnectsTotal metric.Int64Counter
	GapsTotal       metric.Int64Counter
}

// NewMetrics creates and registers all instruments with a Prometheus
// exporter. The returned handler serves the scrape endpoint.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("hfjobs")
	m := &Metrics{meter: meter}

	m.SubmissionsTotal, err = meter.Int64Counter(
		"hfjobs_submissions_total",
		metric.WithDescription("Total job submissions attempted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SubmissionRetries, err = meter.Int64Counter(
		"hfjobs_submission_retries_total",
		metric.WithDescription("Submissions retried after pre-acceptance connection failures"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SubmissionDuration, err = meter.Float64Histogram(
		"hfjobs_submission_duration_seconds",
		metric.WithDescription("Job submission latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PollsTotal, err = meter.Int64Counter(
		"hfjobs_status_polls_total",
		metric.WithDescription("Total status poll requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PollFailures, err = meter.Int64Counter(
		"hfjobs_status_poll_failures_total",
		metric.WithDescription("Transient status poll failures"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TerminalStates, err = meter.Int64Counter(
		"hfjobs_terminal_states_total",
		metric.WithDescription("Jobs observed reaching a terminal state, by state"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.AttachedDuration, err = meter.Float64Histogram(
		"hfjobs_attached_run_duration_seconds",
		metric.WithDescription("Wall time of attached runs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 60, 300, 900, 3600, 14400),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ChunksTotal, err = meter.Int64Counter(
		"hfjobs_log_chunks_total",
		metric.WithDescription("Log chunks delivered to the terminal"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ReconnectsTotal, err = meter.Int64Counter(
		"hfjobs_log_reconnects_total",
		metric.WithDescription("Log stream reconnects"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.GapsTotal, err = meter.Int64Counter(
		"hfjobs_log_gaps_total",
		metric.WithDescription("Log gaps detected after reconnects"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordSubmission records a submission attempt and its latency.
func (m *Metrics) RecordSubmission(ctx context.Context, flavor string, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("flavor", flavor))
	m.SubmissionsTotal.Add(ctx, 1, attrs)
	m.SubmissionDuration.Record(ctx, durationSeconds, attrs)
}

// RecordSubmissionRetry records a safe submission retry.
func (m *Metrics) RecordSubmissionRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.SubmissionRetries.Add(ctx, 1)
}

// RecordPoll records a status poll and whether it failed transiently.
func (m *Metrics) RecordPoll(ctx context.Context, failed bool) {
	if m == nil {
		return
	}
	m.PollsTotal.Add(ctx, 1)
	if failed {
		m.PollFailures.Add(ctx, 1)
	}
}

// RecordTerminal records an observed terminal state.
func (m *Metrics) RecordTerminal(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.TerminalStates.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordAttachedRun records the wall time of a completed attached run.
func (m *Metrics) RecordAttachedRun(ctx context.Context, durationSeconds float64) {
	if m == nil {
		return
	}
	m.AttachedDuration.Record(ctx, durationSeconds)
}

// RecordChunks records delivered log chunks.
func (m *Metrics) RecordChunks(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.ChunksTotal.Add(ctx, n)
}

// RecordReconnect records a log stream reconnect.
func (m *Metrics) RecordReconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Add(ctx, 1)
}

// RecordGap records a detected log gap.
func (m *Metrics) RecordGap(ctx context.Context) {
	if m == nil {
		return
	}
	m.GapsTotal.Add(ctx, 1)
}
