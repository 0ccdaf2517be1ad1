// Package repository derives deterministic backup-repository locations from
// organizational identity, manages the per-scope repository secret, and
// drives tagged backup and restore through the backup engine.
package repository

import (
	"strings"

	"github.com/dtc-ops/imageprep/pkg/security"
)

// Scope is the organizational identity a repository belongs to.
type Scope struct {
	Client string
	Site   string
}

// ID returns the scope's stable identifier used in locations and cache keys.
func (s Scope) ID() string {
	return s.Client + "-" + s.Site
}

// Validate checks both slugs.
func (s Scope) Validate() error {
	if err := security.ValidateSlug("client", s.Client); err != nil {
		return err
	}
	return security.ValidateSlug("site", s.Site)
}

// BuildLocation deterministically derives the repository location for a
// scope. It is a pure function of its inputs: repeated operations on the
// same scope always resolve to the identical location, with no lookup table.
func BuildLocation(storageRoot string, scope Scope) string {
	return strings.TrimSuffix(storageRoot, "/") + "/" + scope.ID()
}
