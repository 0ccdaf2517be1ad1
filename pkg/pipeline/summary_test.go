package pipeline

import (
	"fmt"
	"strings"
	"testing"

	"github.com/dtc-ops/imageprep/pkg/errors"
)

func TestSummarize(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		wantResource   string
		wantSuggestion string
	}{
		{
			name:           "snapshot expiry names the shadow copy",
			err:            &errors.SnapshotExpiredError{SnapshotID: "{abc-123}", Detail: "the handle is invalid"},
			wantResource:   "{abc-123}",
			wantSuggestion: "fresh snapshot",
		},
		{
			name:           "wrapped snapshot expiry still classified",
			err:            fmt.Errorf("backup: %w", &errors.SnapshotExpiredError{SnapshotID: "{abc-123}", Detail: "access is denied"}),
			wantResource:   "{abc-123}",
			wantSuggestion: "fresh snapshot",
		},
		{
			name:           "tool exit names the command",
			err:            &errors.ExitError{Command: "diskpart", ExitCode: 1},
			wantResource:   "diskpart",
			wantSuggestion: "tool output",
		},
		{
			name:           "state error names the subject",
			err:            &errors.StateError{Subject: "vdisk", From: "created", To: "mounted"},
			wantResource:   "vdisk",
			wantSuggestion: "detach",
		},
		{
			name:           "rejected secret",
			err:            errors.Wrap(errors.ErrSecretRejected, "verify"),
			wantSuggestion: "password",
		},
		{
			name:           "no drive letters",
			err:            errors.ErrNoneAvailable,
			wantSuggestion: "drive letters",
		},
		{
			name:           "transient exhaustion",
			err:            &errors.TransientError{Op: "resolve_path", Detail: "poll exhausted"},
			wantSuggestion: "rerun",
		},
		{
			name: "unclassified error has no suggestion",
			err:  errors.New("something unexpected"),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := Summarize("backup", tc.err)
			if s.Stage != "backup" {
				t.Errorf("stage = %s, want backup", s.Stage)
			}
			if s.Detail == "" {
				t.Error("detail should carry the error text")
			}
			if s.Resource != tc.wantResource {
				t.Errorf("resource = %q, want %q", s.Resource, tc.wantResource)
			}
			if tc.wantSuggestion == "" {
				if s.Suggestion != "" {
					t.Errorf("unexpected suggestion %q", s.Suggestion)
				}
			} else if !strings.Contains(s.Suggestion, tc.wantSuggestion) {
				t.Errorf("suggestion %q does not mention %q", s.Suggestion, tc.wantSuggestion)
			}
		})
	}
}
