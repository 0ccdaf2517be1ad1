// Package security validates operator-supplied identifiers and paths before
// they reach storage locations or external tool invocations.
package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// ValidateSlug checks an organizational identifier (client, site, role) used
// to derive storage locations. Slugs are lowercase, DNS-safe, and can never
// escape the storage root.
func ValidateSlug(field, value string) error {
	if !slugPattern.MatchString(value) {
		slog.Error("security_slug_rejected", "field", field, "value", value)
		return fmt.Errorf("security: %s must be a lowercase DNS-safe slug, got %q", field, value)
	}
	return nil
}

// ValidateExclusion checks a caller-supplied backup exclusion path. Relative
// traversal segments are rejected so an exclusion can never widen beyond the
// captured tree.
func ValidateExclusion(path string) error {
	clean := filepath.Clean(path)
	if strings.Contains(clean, "..") {
		slog.Error("security_exclusion_rejected", "path", path, "reason", "path_traversal")
		return fmt.Errorf("security: traversal in exclusion path: %s", path)
	}
	return nil
}
