package pipeline

import (
	"github.com/dtc-ops/imageprep/pkg/errors"
)

// FailureSummary is the operator-facing description of a pipeline failure:
// which stage broke, what it was touching, and what to do about it.
type FailureSummary struct {
	Stage      string
	Resource   string
	Detail     string
	Suggestion string
}

// Summarize classifies an error into a failure summary for the transcript
func Summarize(stage string, err error) FailureSummary {
	s := FailureSummary{Stage: stage, Detail: err.Error()}

	var exitErr *errors.ExitError
	var stateErr *errors.StateError
	var expired *errors.SnapshotExpiredError

	switch {
	case errors.As(err, &expired):
		s.Resource = expired.SnapshotID
		s.Suggestion = "the shadow copy was reclaimed mid-read; rerun the capture to take a fresh snapshot"
	case errors.As(err, &exitErr):
		s.Resource = exitErr.Command
		s.Suggestion = "inspect the tool output above and rerun once the underlying condition is fixed"
	case errors.As(err, &stateErr):
		s.Resource = stateErr.Subject
		s.Suggestion = "the disk is not in the expected state; detach it and rerun from the start"
	case errors.Is(err, errors.ErrSecretRejected):
		s.Suggestion = "the repository password was not accepted; verify the secret for this client/site"
	case errors.Is(err, errors.ErrNoneAvailable):
		s.Suggestion = "no drive letters are free; release mapped drives or substitutions and rerun"
	case errors.IsTransient(err):
		s.Suggestion = "a bounded wait ran out of attempts; the operation may succeed on rerun"
	}

	return s
}
