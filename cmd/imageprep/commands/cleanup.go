package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dtc-ops/imageprep/internal/config"
	"github.com/dtc-ops/imageprep/pkg/errors"
	"github.com/dtc-ops/imageprep/pkg/procrun"
	"github.com/dtc-ops/imageprep/pkg/snapshot"
	"github.com/spf13/cobra"
)

var (
	cleanupAll     bool
	cleanupMounts  bool
	cleanupShadows bool
	cleanupYes     bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up leftover snapshot exposures, scripts, and shadow copies",
	Long: `Clean up resources left behind by interrupted runs:
  --mounts     Remove drive substitutions and junction points created for shadow copies
  --shadows    Delete all shadow copies on this machine (destructive)
  --all        Both of the above, plus stale diskpart scripts`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Clean all leftovers")
	cleanupCmd.Flags().BoolVar(&cleanupMounts, "mounts", false, "Clean substitutions and junctions")
	cleanupCmd.Flags().BoolVar(&cleanupShadows, "shadows", false, "Delete all shadow copies")
	cleanupCmd.Flags().BoolVar(&cleanupYes, "yes", false, "Skip the interactive confirmation (automation only)")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	if !cleanupAll && !cleanupMounts && !cleanupShadows {
		return fmt.Errorf("must specify --all, --mounts, or --shadows")
	}

	ctx := context.Background()
	runner := newRunner()

	if cleanupAll || cleanupMounts {
		if err := cleanupExposures(ctx, runner, cfg.WorkDir); err != nil {
			return err
		}
	}

	if cleanupAll || cleanupShadows {
		hostname, err := os.Hostname()
		if err != nil {
			return errors.Wrap(err, "hostname lookup failed")
		}
		if !cleanupYes {
			if err := confirmHostname("shadow copy deletion", hostname); err != nil {
				return err
			}
		}
		if err := cleanupShadowCopies(ctx, runner); err != nil {
			return err
		}
	}

	if cleanupAll {
		scriptDir := filepath.Join(cfg.WorkDir, "scripts")
		if err := os.RemoveAll(scriptDir); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "failed to remove script directory")
		}
		fmt.Println("Removed stale scripts")
	}

	return nil
}

var substLinePattern = regexp.MustCompile(`^([A-Z]):\\: => (.+)$`)

// cleanupExposures drops substitutions pointing at shadow copy devices and
// removes junction directories under the work directory
func cleanupExposures(ctx context.Context, runner procrun.Runner, workDir string) error {
	removed := 0

	_, lines, err := procrun.RunCollect(ctx, runner, procrun.Spec{Command: "subst"})
	if err == nil {
		for _, line := range lines {
			m := substLinePattern.FindStringSubmatch(strings.TrimSpace(line))
			if m == nil || !strings.Contains(m[2], "GLOBALROOT") {
				continue
			}
			code, _ := runner.Run(ctx, procrun.Spec{Command: "subst", Args: []string{m[1] + ":", "/D"}})
			if code == 0 {
				fmt.Printf("Removed substitution %s:\n", m[1])
				removed++
			}
		}
	}

	mountDir := filepath.Join(workDir, "mounts")
	if entries, err := os.ReadDir(mountDir); err == nil {
		for _, entry := range entries {
			if !strings.HasPrefix(entry.Name(), "snap-") {
				continue
			}
			path := filepath.Join(mountDir, entry.Name())
			if err := os.Remove(path); err != nil {
				fmt.Printf("Failed to remove junction %s: %v\n", path, err)
				continue
			}
			fmt.Printf("Removed junction %s\n", path)
			removed++
		}
	}

	fmt.Printf("Removed %d leftover exposures\n", removed)
	return nil
}

// cleanupShadowCopies deletes every shadow copy on the machine
func cleanupShadowCopies(ctx context.Context, runner procrun.Runner) error {
	manager := snapshot.NewManager(runner)

	ids, err := manager.ListIDs(ctx)
	if err != nil {
		return errors.Wrap(err, "shadow copy enumeration failed")
	}
	if len(ids) == 0 {
		fmt.Println("No shadow copies found")
		return nil
	}

	for _, id := range ids {
		manager.Destroy(ctx, &snapshot.Handle{ID: id})
		fmt.Printf("Deleted shadow copy %s\n", id)
	}

	fmt.Printf("Deleted %d shadow copies\n", len(ids))
	return nil
}
