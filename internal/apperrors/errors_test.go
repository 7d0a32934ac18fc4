package apperrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"usage", Usage("timeout", "invalid timeout"), ErrUsage},
		{"auth", Auth("token rejected"), ErrAuth},
		{"submission", Submission("api.submit", errors.New("boom")), ErrSubmission},
		{"observation", Observation("api.status", errors.New("unreachable")), ErrObservation},
		{"remote job", RemoteJob("exit code 17"), ErrRemoteJob},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false, want true", tt.err, tt.sentinel)
			}
		})
	}
}

func TestUnwrapCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := Submission("api.submit", cause)

	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}
	if !errors.Is(err, ErrSubmission) {
		t.Error("sentinel not reachable via errors.Is")
	}
}

func TestWrappedClassification(t *testing.T) {
	t.Parallel()

	// Errors wrapped with %w keep their classification.
	err := fmt.Errorf("while running: %w", Auth("bad token"))
	if !errors.Is(err, ErrAuth) {
		t.Error("fmt-wrapped auth error lost its classification")
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"usage", Usage("flavor", "unknown flavor"), ExitUsage},
		{"auth", Auth("no token"), ExitAuth},
		{"submission", Submission("api.submit", errors.New("400")), ExitSubmission},
		{"observation", Observation("api.status", errors.New("down")), ExitObservation},
		{"remote job", RemoteJob("job failed"), ExitFailure},
		{"plain error", errors.New("oops"), ExitFailure},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestExitCodesDistinct(t *testing.T) {
	t.Parallel()

	codes := []int{ExitOK, ExitFailure, ExitUsage, ExitAuth, ExitSubmission, ExitObservation, ExitTimedOut, ExitErrored, ExitCancelled}
	seen := make(map[int]bool)
	for _, c := range codes {
		if seen[c] {
			t.Fatalf("exit code %d assigned twice", c)
		}
		seen[c] = true
	}
}
