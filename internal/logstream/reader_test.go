package logstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lhoestq/hfjobs/internal/api"
	"github.com/lhoestq/hfjobs/internal/apperrors"
	"github.com/lhoestq/hfjobs/internal/config"
	"github.com/lhoestq/hfjobs/internal/job"
	"github.com/lhoestq/hfjobs/internal/testutil"
	"github.com/lhoestq/hfjobs/pkg/backoff"
)

// scriptedProber returns statuses in order; the last repeats.
type scriptedProber struct {
	mu     sync.Mutex
	states []job.State
	calls  int
}

func (p *scriptedProber) Observe(ctx context.Context, h job.Handle) (job.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.states) {
		idx = len(p.states) - 1
	}
	p.calls++
	return job.Status{State: p.states[idx]}, nil
}

func fastConfig() Config {
	return Config{
		Inactivity:             100 * time.Millisecond,
		DrainGrace:             20 * time.Millisecond,
		MaxConsecutiveFailures: 3,
		Backoff:                &backoff.Config{Initial: time.Millisecond, Max: time.Millisecond},
	}
}

func backendTransport(fb *testutil.FakeBackend) *api.Client {
	return api.New(&config.ClientConfig{
		Endpoint:    fb.Server.URL,
		Token:       "hf_testtoken",
		HTTPTimeout: 5 * time.Second,
	}, nil)
}

// collect runs the reader and gathers everything it delivers.
func collect(t *testing.T, r *Reader, h job.Handle) ([]job.LogChunk, error) {
	t.Helper()
	out := make(chan job.LogChunk, 256)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := r.Run(ctx, h, out)
	close(out)

	var chunks []job.LogChunk
	for c := range out {
		chunks = append(chunks, c)
	}
	return chunks, err
}

func chunkLines(n int) []testutil.LogLine {
	lines := make([]testutil.LogLine, 0, n)
	for i := 1; i <= n; i++ {
		lines = append(lines, testutil.LogLine{Seq: uint64(i), Data: fmt.Sprintf("line %d", i), Stream: "stdout"})
	}
	return lines
}

func seqs(chunks []job.LogChunk) []uint64 {
	out := make([]uint64, 0, len(chunks))
	for _, c := range chunks {
		if !c.Gap {
			out = append(out, c.Seq)
		}
	}
	return out
}

func TestRun_OrderedDelivery(t *testing.T) {
	t.Parallel()

	fb := testutil.NewFakeBackend(t, "alice", "job-1")
	fb.SetChunks(chunkLines(5)...)
	prober := &scriptedProber{states: []job.State{job.StateSucceeded}}

	r := New(backendTransport(fb), prober, fastConfig(), nil)
	chunks, err := collect(t, r, job.Handle{ID: "job-1", Owner: "alice"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := seqs(chunks)
	if len(got) != 5 {
		t.Fatalf("delivered %v, want 5 chunks", got)
	}
	for i, s := range got {
		if s != uint64(i+1) {
			t.Fatalf("delivered %v, want 1..5 in order", got)
		}
	}
	for _, c := range chunks {
		if c.Gap {
			t.Errorf("unexpected gap marker at seq %d", c.Seq)
		}
	}
}

func TestRun_ReconnectWithoutGapOrDuplicate(t *testing.T) {
	t.Parallel()

	fb := testutil.NewFakeBackend(t, "alice", "job-1")
	fb.SetChunks(chunkLines(5)...)
	fb.DisconnectEvery(2)
	prober := &scriptedProber{states: []job.State{job.StateRunning, job.StateRunning, job.StateSucceeded}}

	r := New(backendTransport(fb), prober, fastConfig(), nil)
	chunks, err := collect(t, r, job.Handle{ID: "job-1", Owner: "alice"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := seqs(chunks)
	want := []uint64{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered %v, want %v", got, want)
		}
	}
	for _, c := range chunks {
		if c.Gap {
			t.Errorf("gap-free resumption should produce no gap markers, got one at %d", c.Seq)
		}
	}
	if opens := fb.StreamOpens(); opens < 3 {
		t.Errorf("stream opens = %d, want at least 3 (reconnects happened)", opens)
	}
}

func TestRun_GapMarkerOnTailOnlyBackend(t *testing.T) {
	t.Parallel()

	fb := testutil.NewFakeBackend(t, "alice", "job-1")
	fb.SetChunks(chunkLines(6)...)
	fb.DisconnectEvery(2)
	fb.TailOnly()
	prober := &scriptedProber{states: []job.State{job.StateRunning, job.StateRunning, job.StateSucceeded}}

	r := New(backendTransport(fb), prober, fastConfig(), nil)
	chunks, err := collect(t, r, job.Handle{ID: "job-1", Owner: "alice"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Sequence numbers must never decrease, and the lost chunk must be
	// announced by a gap marker, not silently skipped.
	var last uint64
	gaps := 0
	for _, c := range chunks {
		if c.Seq < last {
			t.Fatalf("sequence went backward: %d after %d", c.Seq, last)
		}
		if c.Gap {
			gaps++
			continue
		}
		last = c.Seq
	}
	if gaps == 0 {
		t.Error("expected at least one gap marker from the tail-only backend")
	}
	for _, c := range chunks {
		if !c.Gap && c.Seq == 3 {
			t.Error("chunk 3 was lost by the backend and must not reappear")
		}
	}
}

// pipeTransport feeds a controllable stream to the reader.
type pipeTransport struct {
	mu     sync.Mutex
	reader *io.PipeReader
	writer *io.PipeWriter
	opens  int
	err    error
}

func newPipeTransport() *pipeTransport {
	pr, pw := io.Pipe()
	return &pipeTransport{reader: pr, writer: pw}
}

func (p *pipeTransport) OpenLogStream(ctx context.Context, h job.Handle, since uint64) (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens++
	if p.err != nil {
		return nil, p.err
	}
	return p.reader, nil
}

func (p *pipeTransport) writeChunk(seq uint64, data string) {
	fmt.Fprintf(p.writer, "data: {\"seq\":%d,\"data\":%q,\"stream\":\"stdout\"}\n", seq, data)
}

// flagProber reports RUNNING until the test flips it to terminal.
type flagProber struct {
	terminal atomic.Bool
}

func (p *flagProber) Observe(ctx context.Context, h job.Handle) (job.Status, error) {
	if p.terminal.Load() {
		return job.Status{State: job.StateSucceeded}, nil
	}
	return job.Status{State: job.StateRunning}, nil
}

func TestRun_IdleProbeKeepsWaitingWhileRunning(t *testing.T) {
	t.Parallel()

	transport := newPipeTransport()
	prober := &flagProber{}

	cfg := fastConfig()
	cfg.Inactivity = 30 * time.Millisecond
	r := New(transport, prober, cfg, nil)

	out := make(chan job.LogChunk, 16)
	done := make(chan error, 1)
	go func() {
		done <- r.Run(context.Background(), job.Handle{ID: "job-1"}, out)
	}()

	// Sit idle long enough for at least one liveness probe (job still
	// running), then produce a late chunk on the same connection.
	time.Sleep(50 * time.Millisecond)
	transport.writeChunk(1, "late output")

	select {
	case c := <-out:
		if c.Seq != 1 || c.Data != "late output" {
			t.Errorf("chunk = %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("late chunk never delivered; reader gave up on a live job")
	}

	// Once the job is terminal, the next idle probe drains and ends the run.
	prober.terminal.Store(true)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not terminate after job became terminal")
	}
}

func TestRun_OpenFailureBudget(t *testing.T) {
	t.Parallel()

	transport := newPipeTransport()
	transport.err = errors.New("gateway unreachable")
	prober := &scriptedProber{states: []job.State{job.StateRunning}}

	r := New(transport, prober, fastConfig(), nil)
	out := make(chan job.LogChunk, 1)
	err := r.Run(context.Background(), job.Handle{ID: "job-1"}, out)
	if !errors.Is(err, apperrors.ErrObservation) {
		t.Errorf("Run = %v, want ErrObservation after budget", err)
	}
	if transport.opens != 3 {
		t.Errorf("open attempts = %d, want 3", transport.opens)
	}
}

func TestRun_FatalOpenError(t *testing.T) {
	t.Parallel()

	transport := newPipeTransport()
	transport.err = fmt.Errorf("%w: job expired", api.ErrJobNotFound)
	prober := &scriptedProber{states: []job.State{job.StateRunning}}

	r := New(transport, prober, fastConfig(), nil)
	out := make(chan job.LogChunk, 1)
	err := r.Run(context.Background(), job.Handle{ID: "job-1"}, out)
	if !errors.Is(err, api.ErrJobNotFound) {
		t.Errorf("Run = %v, want ErrJobNotFound surfaced immediately", err)
	}
	if transport.opens != 1 {
		t.Errorf("open attempts = %d, want 1 (no retry on fatal)", transport.opens)
	}
}

func TestParseChunk(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
		want job.LogChunk
		ok   bool
	}{
		{
			name: "valid chunk",
			line: `data: {"seq":7,"data":"hello","stream":"stderr"}`,
			want: job.LogChunk{Seq: 7, Data: "hello", Stream: "stderr"},
			ok:   true,
		},
		{
			name: "with timestamp",
			line: `data: {"seq":1,"data":"x","timestamp":"2024-05-01T12:00:00Z"}`,
			want: job.LogChunk{Seq: 1, Data: "x", Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
			ok:   true,
		},
		{name: "keepalive comment", line: ": ping", ok: false},
		{name: "blank line", line: "", ok: false},
		{name: "done sentinel", line: "data: [DONE]", ok: false},
		{name: "malformed json", line: "data: {not json", ok: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := parseChunk(tt.line)
			if ok != tt.ok {
				t.Fatalf("parseChunk(%q) ok = %v, want %v", tt.line, ok, tt.ok)
			}
			if !ok {
				return
			}
			if got.Seq != tt.want.Seq || got.Data != tt.want.Data || got.Stream != tt.want.Stream || !got.Timestamp.Equal(tt.want.Timestamp) {
				t.Errorf("parseChunk(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
		})
	}
}
