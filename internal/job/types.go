// Package job defines the job lifecycle types shared by the submission
// client, state tracker, log reader, and runner.
package job

import "time"

// Spec is the immutable description of a requested job, built once from
// validated user input.
type Spec struct {
	// Image is a Docker image reference. Mutually exclusive with SpaceID.
	Image string
	// SpaceID is set instead of Image when the user passed a Space URL
	// shorthand (e.g. hf.co/spaces/user/app).
	SpaceID string
	// Command is the full command line to execute, argv-style.
	Command []string
	// Flavor names the hardware configuration (e.g. "cpu-basic", "a10g-small").
	Flavor string
	// Env holds plaintext environment variables. May be echoed in diagnostics.
	Env map[string]string
	// Secrets holds secret environment variables. Transmitted through a
	// separate wire field and never echoed by the client.
	Secrets map[string]string
	// TimeoutSeconds is enforced by the backend; 0 means the backend default.
	TimeoutSeconds int64
	// Detach requests fire-and-forget submission.
	Detach bool
}

// Handle identifies a submitted job. Immutable; freely shared across the
// tracker and log reader. A handle refers to exactly one remote job for its
// entire lifetime.
type Handle struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"createdAt"`
}

// Status is the observed lifecycle state of a job. Replaced wholesale on each
// observed transition, never mutated in place.
type Status struct {
	State State `json:"state"`
	// ExitCode is the job's own exit code, present only for terminal states
	// where the backend reported one.
	ExitCode *int `json:"exitCode,omitempty"`
	// Message is the backend's human-readable detail, if any.
	Message string `json:"message,omitempty"`
	// Err is the backend's error identifier, if any.
	Err string `json:"error,omitempty"`
}

// Terminal reports whether the status is terminal.
func (s Status) Terminal() bool {
	return s.State.Terminal()
}

// LogChunk is an ordered unit of job output. Seq is monotonically increasing
// per job; consumers receive chunks in non-decreasing Seq order.
type LogChunk struct {
	Seq       uint64    `json:"seq"`
	Data      string    `json:"data"`
	Stream    string    `json:"stream,omitempty"` // "stdout" or "stderr" where distinguishable
	Timestamp time.Time `json:"timestamp,omitzero"`
	// Gap marks a detected discontinuity: chunks between the previously
	// delivered Seq and this chunk's Seq were lost across a reconnect and the
	// backend could not replay them. A gap chunk carries no payload.
	Gap bool `json:"gap,omitempty"`
}

// Stream tags for LogChunk.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)
