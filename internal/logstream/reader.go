// Package logstream reads a job's remote log stream, delivering chunks in
// strict sequence order across reconnects and marking gaps it cannot repair.
package logstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lhoestq/hfjobs/internal/api"
	"github.com/lhoestq/hfjobs/internal/apperrors"
	"github.com/lhoestq/hfjobs/internal/job"
	"github.com/lhoestq/hfjobs/internal/observability"
	"github.com/lhoestq/hfjobs/pkg/backoff"
)

// Transport opens the raw chunked log connection.
type Transport interface {
	OpenLogStream(ctx context.Context, h job.Handle, since uint64) (io.ReadCloser, error)
}

// Prober answers liveness questions about the job when the stream goes quiet.
type Prober interface {
	Observe(ctx context.Context, h job.Handle) (job.Status, error)
}

// Config for a Reader. Zero values use defaults.
type Config struct {
	// From is the sequence number to start from; 0 replays from the
	// beginning when the backend supports it.
	From uint64
	// Inactivity bounds how long a read may sit idle before the reader
	// probes job liveness (default: 20s).
	Inactivity time.Duration
	// DrainGrace bounds how long the reader keeps draining buffered output
	// after the job is known terminal (default: 2s).
	DrainGrace time.Duration
	// MaxConsecutiveFailures is the reconnect budget (default: 5).
	MaxConsecutiveFailures int
	// Backoff shapes reconnect delays.
	Backoff *backoff.Config
}

func (c Config) withDefaults() Config {
	if c.Inactivity <= 0 {
		c.Inactivity = 20 * time.Second
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 2 * time.Second
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.Backoff == nil {
		c.Backoff = &backoff.Config{Initial: 200 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.2}
	}
	return c
}

// Reader streams a job's log chunks.
//
// Ordering contract: chunks are sent to the caller in strictly increasing
// sequence order. Replayed duplicates after a reconnect are dropped. When the
// backend resumes past the requested offset (a tail-only sink), a chunk with
// Gap set is emitted at the discontinuity instead of silently skipping.
type Reader struct {
	transport Transport
	prober    Prober
	cfg       Config
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// New creates a Reader.
func New(transport Transport, prober Prober, cfg Config, metrics *observability.Metrics) *Reader {
	return &Reader{
		transport: transport,
		prober:    prober,
		cfg:       cfg.withDefaults(),
		logger:    slog.With("component", "logstream"),
		metrics:   metrics,
	}
}

// streamState carries delivery progress across reconnects.
type streamState struct {
	lastSeq   uint64
	delivered bool
}

type connResult int

const (
	connRetry connResult = iota // stream dropped, job still running
	connFinal                   // job terminal at stream end; drain once more
	connDone                    // finished cleanly
)

// Run streams chunks to out until the job reaches a terminal state, the
// context is cancelled, or the failure budget is exhausted. The out channel
// is not closed; the caller owns it. A nil return means the stream ended
// because the job terminated and all reachable output was delivered.
func (r *Reader) Run(ctx context.Context, h job.Handle, out chan<- job.LogChunk) error {
	state := &streamState{}
	next := r.cfg.From
	if next > 0 {
		// A caller-supplied offset counts everything before it as delivered,
		// so a resume past it is reported as a gap.
		state.lastSeq = next - 1
		state.delivered = true
	}

	failures := 0
	finalPass := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		body, err := r.transport.OpenLogStream(ctx, h, next)
		if err != nil {
			if isFatal(err) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			if failures >= r.cfg.MaxConsecutiveFailures {
				return apperrors.Observation("logstream.open", err)
			}
			r.logger.Debug("Log stream open failed, retrying", "jobId", h.ID, "attempt", failures, "error", err)
			if err := backoff.Sleep(ctx, failures, r.cfg.Backoff); err != nil {
				return err
			}
			continue
		}
		failures = 0

		res, err := r.consume(ctx, h, body, state, out, finalPass)
		if err != nil {
			return err
		}

		switch res {
		case connDone:
			return nil
		case connFinal:
			if finalPass {
				return nil
			}
			finalPass = true
		case connRetry:
			r.metrics.RecordReconnect(ctx)
			r.logger.Debug("Log stream disconnected, reconnecting", "jobId", h.ID, "lastSeq", state.lastSeq)
		}
		if state.delivered {
			next = state.lastSeq + 1
		}
	}
}

// consume reads one connection until it ends, goes idle past the inactivity
// bound with the job terminal, or the context is cancelled.
func (r *Reader) consume(ctx context.Context, h job.Handle, body io.ReadCloser, state *streamState, out chan<- job.LogChunk, draining bool) (connResult, error) {
	defer body.Close()

	lines := make(chan string)
	readEnd := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readEnd <- scanner.Err() // nil means EOF
	}()

	timer := time.NewTimer(r.waitBound(draining))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return connDone, ctx.Err()

		case line := <-lines:
			chunk, ok := parseChunk(line)
			if ok {
				if err := r.deliver(ctx, chunk, state, out); err != nil {
					return connDone, err
				}
			}
			resetTimer(timer, r.waitBound(draining))

		case err := <-readEnd:
			if err != nil && ctx.Err() == nil {
				r.logger.Debug("Log stream read error", "jobId", h.ID, "error", err)
			}
			if draining {
				return connDone, nil
			}
			st, perr := r.prober.Observe(ctx, h)
			if perr != nil {
				return connDone, perr
			}
			if st.Terminal() {
				return connFinal, nil
			}
			return connRetry, nil

		case <-timer.C:
			if draining {
				// Terminal and quiet: everything reachable was delivered.
				return connDone, nil
			}
			st, perr := r.prober.Observe(ctx, h)
			if perr != nil {
				return connDone, perr
			}
			if st.Terminal() {
				draining = true
			}
			resetTimer(timer, r.waitBound(draining))
		}
	}
}

func (r *Reader) waitBound(draining bool) time.Duration {
	if draining {
		return r.cfg.DrainGrace
	}
	return r.cfg.Inactivity
}

// deliver enforces the ordering contract for one parsed chunk.
func (r *Reader) deliver(ctx context.Context, c job.LogChunk, state *streamState, out chan<- job.LogChunk) error {
	if state.delivered && c.Seq <= state.lastSeq {
		// Replayed duplicate after reconnect.
		return nil
	}
	if state.delivered && c.Seq > state.lastSeq+1 {
		r.metrics.RecordGap(ctx)
		r.logger.Debug("Log gap detected", "after", state.lastSeq, "resumedAt", c.Seq)
		if err := send(ctx, out, job.LogChunk{Seq: c.Seq, Gap: true}); err != nil {
			return err
		}
	}
	if err := send(ctx, out, c); err != nil {
		return err
	}
	state.lastSeq = c.Seq
	state.delivered = true
	r.metrics.RecordChunks(ctx, 1)
	return nil
}

func send(ctx context.Context, out chan<- job.LogChunk, c job.LogChunk) error {
	select {
	case out <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wireChunk is one server-sent log event.
type wireChunk struct {
	Seq       uint64 `json:"seq"`
	Data      string `json:"data"`
	Timestamp string `json:"timestamp"`
	Stream    string `json:"stream"`
}

const dataPrefix = "data: {"

// parseChunk decodes a server-sent event line. Keepalives, comments, and
// blank lines are ignored.
func parseChunk(line string) (job.LogChunk, bool) {
	if !strings.HasPrefix(line, dataPrefix) {
		return job.LogChunk{}, false
	}
	var w wireChunk
	if err := json.Unmarshal([]byte(line[len("data: "):]), &w); err != nil {
		return job.LogChunk{}, false
	}
	chunk := job.LogChunk{
		Seq:    w.Seq,
		Data:   w.Data,
		Stream: w.Stream,
	}
	if w.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, w.Timestamp); err == nil {
			chunk.Timestamp = ts
		}
	}
	return chunk, true
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func isFatal(err error) bool {
	return errors.Is(err, api.ErrJobNotFound) || errors.Is(err, apperrors.ErrAuth)
}
