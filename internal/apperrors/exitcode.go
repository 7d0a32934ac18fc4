package apperrors

import "errors"

// Process exit codes. Scripts rely on these staying distinguishable:
// usage, auth, submission, and observation failures must never collide
// with a job's own exit code semantics.
const (
	ExitOK          = 0
	ExitFailure     = 1 // generic / unclassified failure
	ExitUsage       = 2
	ExitAuth        = 3
	ExitSubmission  = 4
	ExitObservation = 5
	ExitTimedOut    = 124 // mirrors timeout(1)
	ExitErrored     = 125 // infrastructure failure on the backend
	ExitCancelled   = 130 // 128+SIGINT
)

// ExitCode maps an error to the process exit code for that error class.
// A nil error maps to ExitOK.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrUsage):
		return ExitUsage
	case errors.Is(err, ErrAuth):
		return ExitAuth
	case errors.Is(err, ErrSubmission):
		return ExitSubmission
	case errors.Is(err, ErrObservation):
		return ExitObservation
	default:
		return ExitFailure
	}
}
