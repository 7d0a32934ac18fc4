package track

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lhoestq/hfjobs/internal/api"
	"github.com/lhoestq/hfjobs/internal/apperrors"
	"github.com/lhoestq/hfjobs/internal/config"
	"github.com/lhoestq/hfjobs/internal/job"
	"github.com/lhoestq/hfjobs/internal/testutil"
	"github.com/lhoestq/hfjobs/pkg/backoff"
)

func newBackendClient(fb *testutil.FakeBackend) *api.Client {
	return api.New(&config.ClientConfig{
		Endpoint:    fb.Server.URL,
		Token:       "hf_testtoken",
		HTTPTimeout: 5 * time.Second,
	}, nil)
}

type response struct {
	status job.Status
	err    error
}

// scriptedClient returns scripted responses in order; the last one repeats.
type scriptedClient struct {
	mu        sync.Mutex
	responses []response
	calls     int
}

func (s *scriptedClient) Status(ctx context.Context, h job.Handle) (job.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	r := s.responses[idx]
	return r.status, r.err
}

func (s *scriptedClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fastConfig() Config {
	return Config{
		PollInterval:           time.Millisecond,
		MaxConsecutiveFailures: 3,
		Backoff:                &backoff.Config{Initial: time.Millisecond, Max: time.Millisecond},
	}
}

func running() response { return response{status: job.Status{State: job.StateRunning}} }
func pending() response { return response{status: job.Status{State: job.StatePending}} }
func succeeded() response {
	code := 0
	return response{status: job.Status{State: job.StateSucceeded, ExitCode: &code}}
}
func transientErr() response { return response{err: errors.New("connection reset")} }

func TestObserve_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{responses: []response{transientErr(), transientErr(), running()}}
	tr := New(client, fastConfig(), nil)

	st, err := tr.Observe(context.Background(), job.Handle{ID: "j"})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if st.State != job.StateRunning {
		t.Errorf("state = %s, want RUNNING", st.State)
	}
	if client.callCount() != 3 {
		t.Errorf("calls = %d, want 3", client.callCount())
	}
}

func TestObserve_SurfacesAfterBudget(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{responses: []response{transientErr()}}
	tr := New(client, fastConfig(), nil)

	_, err := tr.Observe(context.Background(), job.Handle{ID: "j"})
	if !errors.Is(err, apperrors.ErrObservation) {
		t.Fatalf("Observe = %v, want ErrObservation", err)
	}
	if client.callCount() != 3 {
		t.Errorf("calls = %d, want budget of 3", client.callCount())
	}
}

func TestObserve_FatalSurfacedImmediately(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{"job gone", fmt.Errorf("%w: expired", api.ErrJobNotFound)},
		{"unauthorized", apperrors.Auth("token revoked")},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client := &scriptedClient{responses: []response{{err: tt.err}}}
			tr := New(client, fastConfig(), nil)

			_, err := tr.Observe(context.Background(), job.Handle{ID: "j"})
			if !errors.Is(err, tt.err) && !errors.Is(err, apperrors.ErrAuth) && !errors.Is(err, api.ErrJobNotFound) {
				t.Fatalf("Observe = %v, want the fatal error", err)
			}
			if client.callCount() != 1 {
				t.Errorf("calls = %d, want 1 (no retry on fatal)", client.callCount())
			}
		})
	}
}

func TestWait_MonotonicTransitions(t *testing.T) {
	t.Parallel()

	// A stale PENDING read arrives after RUNNING was observed; it must be
	// dropped, and exactly one terminal value must end the sequence.
	client := &scriptedClient{responses: []response{
		pending(),
		running(),
		pending(), // stale replica read
		running(),
		succeeded(),
	}}
	tr := New(client, fastConfig(), nil)

	transitions := make(chan job.Status, 16)
	final, err := tr.Wait(context.Background(), job.Handle{ID: "j"}, transitions)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	close(transitions)

	if final.State != job.StateSucceeded {
		t.Errorf("final state = %s, want SUCCEEDED", final.State)
	}

	var seen []job.State
	for st := range transitions {
		seen = append(seen, st.State)
	}
	want := []job.State{job.StatePending, job.StateRunning, job.StateSucceeded}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", seen, want)
		}
	}

	terminals := 0
	for _, s := range seen {
		if s.Terminal() {
			terminals++
		}
	}
	if terminals != 1 || !seen[len(seen)-1].Terminal() {
		t.Errorf("sequence must contain exactly one terminal value, as the last: %v", seen)
	}
}

func TestWait_PendingStraightToTerminal(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{responses: []response{
		pending(),
		{status: job.Status{State: job.StateErrored, Message: "scheduling failure"}},
	}}
	tr := New(client, fastConfig(), nil)

	final, err := tr.Wait(context.Background(), job.Handle{ID: "j"}, nil)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.State != job.StateErrored || final.Message != "scheduling failure" {
		t.Errorf("final = %+v", final)
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{responses: []response{running()}}
	tr := New(client, fastConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := tr.Wait(ctx, job.Handle{ID: "j"}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Wait = %v, want context.Canceled", err)
	}
}

// Wait against the real HTTP client and a fake backend, retrying through
// injected poll failures.
func TestWait_AgainstBackend(t *testing.T) {
	t.Parallel()

	fb := testutil.NewFakeBackend(t, "alice", "job-1")
	code := 17
	fb.SetStatusSequence(
		testutil.StatusStep{Stage: "PENDING"},
		testutil.StatusStep{Stage: "RUNNING"},
		testutil.StatusStep{Stage: "FAILED", ExitCode: &code, Message: "exploded"},
	)
	fb.FailPolls(1)

	client := newBackendClient(fb)
	tr := New(client, fastConfig(), nil)

	final, err := tr.Wait(context.Background(), job.Handle{ID: "job-1", Owner: "alice"}, nil)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.State != job.StateFailed || final.ExitCode == nil || *final.ExitCode != 17 {
		t.Errorf("final = %+v", final)
	}
}
