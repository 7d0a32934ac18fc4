// Package track observes remote job status through polling with bounded
// retry, enforcing the lifecycle's partial order on everything it reports.
package track

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lhoestq/hfjobs/internal/api"
	"github.com/lhoestq/hfjobs/internal/apperrors"
	"github.com/lhoestq/hfjobs/internal/job"
	"github.com/lhoestq/hfjobs/internal/observability"
	"github.com/lhoestq/hfjobs/pkg/backoff"
)

// StatusClient is the backend query the tracker observes through.
type StatusClient interface {
	Status(ctx context.Context, h job.Handle) (job.Status, error)
}

// Config for a Tracker. Zero values use defaults.
type Config struct {
	// PollInterval is the cadence between successful polls (default: 1s).
	PollInterval time.Duration
	// MaxConsecutiveFailures is the transient-failure budget per observation
	// (default: 5). Fatal failures are surfaced immediately.
	MaxConsecutiveFailures int
	// Backoff shapes the retry delays between transient failures.
	Backoff *backoff.Config
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.Backoff == nil {
		c.Backoff = &backoff.Config{Initial: 200 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.2}
	}
	return c
}

// Tracker polls job status. State mutation happens remotely only; the
// tracker observes and never writes.
type Tracker struct {
	client  StatusClient
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a Tracker.
func New(client StatusClient, cfg Config, metrics *observability.Metrics) *Tracker {
	return &Tracker{
		client:  client,
		cfg:     cfg.withDefaults(),
		logger:  slog.With("component", "track"),
		metrics: metrics,
	}
}

// Observe returns the job's current status, absorbing transient observation
// failures with capped exponential backoff. It fails fast when the job is
// gone or the credential is rejected, and returns an observation error only
// after MaxConsecutiveFailures transient failures in a row.
func (t *Tracker) Observe(ctx context.Context, h job.Handle) (job.Status, error) {
	var lastErr error
	for attempt := 1; attempt <= t.cfg.MaxConsecutiveFailures; attempt++ {
		st, err := t.client.Status(ctx, h)
		if err == nil {
			t.metrics.RecordPoll(ctx, false)
			return st, nil
		}
		if isFatal(err) {
			return job.Status{}, err
		}
		if ctx.Err() != nil {
			return job.Status{}, ctx.Err()
		}

		lastErr = err
		t.metrics.RecordPoll(ctx, true)
		t.logger.Debug("Status poll failed, retrying",
			"jobId", h.ID,
			"attempt", attempt,
			"error", err,
		)
		if attempt < t.cfg.MaxConsecutiveFailures {
			if err := backoff.Sleep(ctx, attempt, t.cfg.Backoff); err != nil {
				return job.Status{}, err
			}
		}
	}
	return job.Status{}, apperrors.Observation("track.observe", lastErr)
}

// Wait polls until the job reaches a terminal state and returns that status.
// Every accepted transition is sent to transitions when non-nil (the terminal
// one included). Observations that would move backward in the partial order,
// such as stale reads from a lagging replica, are dropped; consumers
// therefore never see a terminal status superseded or a state regress.
func (t *Tracker) Wait(ctx context.Context, h job.Handle, transitions chan<- job.Status) (job.Status, error) {
	var (
		current job.Status
		seeded  bool
	)

	for {
		st, err := t.Observe(ctx, h)
		if err != nil {
			return job.Status{}, err
		}

		accepted := false
		switch {
		case !seeded:
			current, seeded, accepted = st, true, true
		case current.State == st.State:
			// No transition; keep the richer terminal payload if one shows up.
			if st.Terminal() {
				current = st
			}
		case current.State.Supersedes(st.State):
			current, accepted = st, true
		default:
			t.logger.Debug("Dropping out-of-order status observation",
				"jobId", h.ID,
				"current", current.State,
				"observed", st.State,
			)
		}

		if accepted && transitions != nil {
			select {
			case transitions <- current:
			case <-ctx.Done():
				return job.Status{}, ctx.Err()
			}
		}

		if current.Terminal() {
			t.metrics.RecordTerminal(ctx, string(current.State))
			return current, nil
		}

		timer := time.NewTimer(t.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return job.Status{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// isFatal reports whether an observation failure cannot be cured by retrying:
// the job no longer exists or the credential is rejected.
func isFatal(err error) bool {
	return errors.Is(err, api.ErrJobNotFound) || errors.Is(err, apperrors.ErrAuth)
}
