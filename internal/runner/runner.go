// Package runner coordinates the run command: submission, attached log
// streaming and status tracking, exit-code derivation, and interrupt
// handling.
package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/lhoestq/hfjobs/internal/apperrors"
	"github.com/lhoestq/hfjobs/internal/job"
	"github.com/lhoestq/hfjobs/internal/logstream"
	"github.com/lhoestq/hfjobs/internal/observability"
	"github.com/lhoestq/hfjobs/internal/redact"
	"github.com/lhoestq/hfjobs/internal/track"
)

// Backend is the remote API surface the runner drives. *api.Client
// implements it.
type Backend interface {
	Submit(ctx context.Context, owner string, spec job.Spec) (job.Handle, error)
	Status(ctx context.Context, h job.Handle) (job.Status, error)
	Cancel(ctx context.Context, h job.Handle) error
	OpenLogStream(ctx context.Context, h job.Handle, since uint64) (io.ReadCloser, error)
	MonitorURL(h job.Handle) string
}

// Options configures a Runner.
type Options struct {
	Stdout io.Writer
	Stderr io.Writer
	// Timestamps prefixes each log line with the chunk timestamp.
	Timestamps bool
	Tracker    track.Config
	Stream     logstream.Config
	Metrics    *observability.Metrics
}

// cancelGrace bounds the best-effort remote cancel issued on interrupt.
const cancelGrace = 10 * time.Second

// Runner drives the job lifecycle for a single invocation.
type Runner struct {
	backend  Backend
	redactor *redact.Redactor
	opts     Options
	logger   *slog.Logger
}

// New creates a Runner. The redactor must be registered with the spec's
// secret values so diagnostics never echo them.
func New(backend Backend, redactor *redact.Redactor, opts Options) *Runner {
	return &Runner{
		backend:  backend,
		redactor: redactor,
		opts:     opts,
		logger:   slog.With("component", "runner"),
	}
}

// Run submits the spec and, unless detached, stays attached until the job
// reaches a terminal state. It returns the process exit code.
//
// Detached mode returns immediately after submission with exit code 0; the
// job's eventual outcome is deliberately not reflected (poll with ps or
// inspect instead).
func (r *Runner) Run(ctx context.Context, owner string, spec job.Spec) (int, error) {
	h, err := r.backend.Submit(ctx, owner, spec)
	if err != nil {
		return apperrors.ExitCode(err), err
	}

	if spec.Detach {
		fmt.Fprintln(r.opts.Stdout, h.ID)
		return apperrors.ExitOK, nil
	}

	fmt.Fprintf(r.opts.Stderr, "Job started: %s\n", h.ID)
	fmt.Fprintf(r.opts.Stderr, "View at %s\n", r.backend.MonitorURL(h))

	start := time.Now()
	code, err := r.attach(ctx, h)
	r.opts.Metrics.RecordAttachedRun(ctx, time.Since(start).Seconds())
	return code, err
}

// Attach follows an already-submitted job: the logs command path.
func (r *Runner) Attach(ctx context.Context, h job.Handle) (int, error) {
	return r.attach(ctx, h)
}

func (r *Runner) attach(parent context.Context, h job.Handle) (int, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	tracker := track.New(r.backend, r.opts.Tracker, r.opts.Metrics)
	reader := logstream.New(r.backend, tracker, r.opts.Stream, r.opts.Metrics)

	out := make(chan job.LogChunk, 128)
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- reader.Run(ctx, h, out)
	}()

	type trackResult struct {
		status job.Status
		err    error
	}
	trackDone := make(chan trackResult, 1)
	go func() {
		st, err := tracker.Wait(ctx, h, nil)
		trackDone <- trackResult{status: st, err: err}
	}()

	var (
		final       job.Status
		finalKnown  bool
		streamErr   error
		streamEnded bool
	)

	for !finalKnown || !streamEnded {
		select {
		case <-parent.Done():
			// Operator interrupt: request remote cancellation before exiting
			// so the job is not left running.
			cancel()
			return r.interrupt(h)

		case c := <-out:
			r.printChunk(c)

		case err := <-streamDone:
			streamEnded = true
			streamErr = err
			streamDone = nil
			if err != nil {
				// Tracking alone still yields the outcome; stop streaming but
				// warn that the transcript is incomplete.
				fmt.Fprintf(r.opts.Stderr, "WARNING: log streaming stopped: %s\n", r.redactor.RedactErr(err))
			}

		case res := <-trackDone:
			trackDone = nil
			if res.err != nil {
				cancel()
				return apperrors.ExitCode(res.err), res.err
			}
			final = res.status
			finalKnown = true
		}
	}

	// Flush whatever the reader delivered before it stopped.
	for {
		select {
		case c := <-out:
			r.printChunk(c)
		default:
			return r.finalize(final, streamErr)
		}
	}
}

// interrupt performs the best-effort remote cancel after a local interrupt.
func (r *Runner) interrupt(h job.Handle) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelGrace)
	defer cancel()

	if err := r.backend.Cancel(ctx, h); err != nil {
		fmt.Fprintf(r.opts.Stderr, "WARNING: failed to cancel job %s: %s\n", h.ID, r.redactor.RedactErr(err))
	} else {
		fmt.Fprintf(r.opts.Stderr, "Interrupted; cancellation requested for job %s\n", h.ID)
	}
	return apperrors.ExitCancelled, nil
}

// finalize maps the terminal status to the process exit code. Backend-side
// job failures are reported verbatim through a remote-job error; the exit
// code still reflects the job, not the stream, even when the transcript came
// up short.
func (r *Runner) finalize(final job.Status, streamErr error) (int, error) {
	if streamErr != nil {
		r.logger.Debug("Stream ended with error before terminal state", "error", streamErr)
	}
	code := ExitCodeForStatus(final)

	switch final.State {
	case job.StateFailed:
		msg := final.Message
		if msg == "" {
			msg = "job failed"
		}
		return code, apperrors.RemoteJob(fmt.Sprintf("%s (exit code %d)", r.redactor.Redact(msg), code))
	case job.StateErrored:
		msg := final.Message
		if final.Err != "" {
			msg = fmt.Sprintf("%s (%s)", final.Message, final.Err)
		}
		return code, apperrors.RemoteJob("job errored: " + r.redactor.Redact(msg))
	case job.StateCancelled:
		fmt.Fprintln(r.opts.Stderr, "Job was cancelled")
	case job.StateTimedOut:
		fmt.Fprintln(r.opts.Stderr, "Job exceeded its configured timeout")
	}
	return code, nil
}

func (r *Runner) printChunk(c job.LogChunk) {
	if c.Gap {
		fmt.Fprintf(r.opts.Stderr, "WARNING: log output gap detected before sequence %d; transcript is incomplete\n", c.Seq)
		return
	}
	if r.opts.Timestamps && !c.Timestamp.IsZero() {
		fmt.Fprintf(r.opts.Stdout, "[%s] %s\n", c.Timestamp.Format(time.RFC3339), c.Data)
		return
	}
	fmt.Fprintln(r.opts.Stdout, c.Data)
}

// ExitCodeForStatus maps a terminal job status to the process exit code.
// FAILED propagates the job's own exit code verbatim when the backend
// reported one.
func ExitCodeForStatus(st job.Status) int {
	switch st.State {
	case job.StateSucceeded:
		return apperrors.ExitOK
	case job.StateFailed:
		if st.ExitCode != nil && *st.ExitCode != 0 {
			return *st.ExitCode
		}
		return apperrors.ExitFailure
	case job.StateCancelled:
		return apperrors.ExitCancelled
	case job.StateTimedOut:
		return apperrors.ExitTimedOut
	case job.StateErrored:
		return apperrors.ExitErrored
	default:
		return apperrors.ExitFailure
	}
}
