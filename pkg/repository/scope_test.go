package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildLocation_Deterministic(t *testing.T) {
	scope := Scope{Client: "acme", Site: "hq"}

	first := BuildLocation("s3:s3.amazonaws.com/backups", scope)
	second := BuildLocation("s3:s3.amazonaws.com/backups", scope)

	assert.Equal(t, "s3:s3.amazonaws.com/backups/acme-hq", first)
	assert.Equal(t, first, second)
}

func TestBuildLocation_TrailingSlash(t *testing.T) {
	scope := Scope{Client: "acme", Site: "hq"}
	assert.Equal(t,
		"s3:s3.amazonaws.com/backups/acme-hq",
		BuildLocation("s3:s3.amazonaws.com/backups/", scope))
}

func TestScopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		scope   Scope
		wantErr bool
	}{
		{"valid", Scope{Client: "acme", Site: "hq"}, false},
		{"valid with dashes", Scope{Client: "acme-corp", Site: "site-01"}, false},
		{"uppercase client", Scope{Client: "Acme", Site: "hq"}, true},
		{"empty site", Scope{Client: "acme", Site: ""}, true},
		{"traversal attempt", Scope{Client: "../etc", Site: "hq"}, true},
		{"slash in site", Scope{Client: "acme", Site: "hq/other"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.scope.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
