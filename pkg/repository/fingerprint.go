package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"strings"

	"github.com/dtc-ops/imageprep/pkg/procrun"
)

// Fingerprint derives a short stable hardware identifier for backup tagging.
// The platform UUID is preferred; when it cannot be read the hostname is
// hashed instead so tagging still works on a degraded system.
func Fingerprint(ctx context.Context, runner procrun.Runner) string {
	code, lines, err := procrun.RunCollect(ctx, runner,
		procrun.PowerShell(`(Get-CimInstance Win32_ComputerSystemProduct).UUID`, nil))
	if err == nil && code == 0 {
		for _, line := range lines {
			line = strings.TrimSpace(line)
			if len(line) >= 32 {
				return shortHash(strings.ToLower(line))
			}
		}
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	slog.Warn("fingerprint_fallback", "hostname", host)
	return shortHash(strings.ToLower(host))
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}
