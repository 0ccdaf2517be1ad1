package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dtc-ops/imageprep/internal/config"
	"github.com/dtc-ops/imageprep/pkg/catalog"
	"github.com/dtc-ops/imageprep/pkg/errors"
	"github.com/dtc-ops/imageprep/pkg/pipeline"
	"github.com/dtc-ops/imageprep/pkg/procrun"
	"github.com/dtc-ops/imageprep/pkg/sysprep"
	"github.com/spf13/cobra"
)

var (
	generalizeClient      string
	generalizeSite        string
	generalizeAdminUser   string
	generalizeAdminPass   string
	generalizeAppPatterns []string
	generalizeSkipCleanup bool
	generalizeYes         bool
)

var generalizeCmd = &cobra.Command{
	Use:   "generalize",
	Short: "Prepare and generalize this machine for imaging",
	Long: `Runs the pre-generalization cleanup (stale profiles, blocking apps,
agent identity, volume encryption), writes the answer file, then drives the
generalization tool through its blocker-removal loop. On success the machine
shuts down.`,
	RunE: runGeneralize,
}

func init() {
	rootCmd.AddCommand(generalizeCmd)
	generalizeCmd.Flags().StringVar(&generalizeClient, "client", "", "Client identifier")
	generalizeCmd.Flags().StringVar(&generalizeSite, "site", "", "Site identifier")
	generalizeCmd.Flags().StringVar(&generalizeAdminUser, "admin-user", "Administrator", "Local admin account for the answer file")
	generalizeCmd.Flags().StringVar(&generalizeAdminPass, "admin-pass", "", "Local admin password for the answer file")
	generalizeCmd.Flags().StringSliceVar(&generalizeAppPatterns, "remove-app",
		[]string{"Veeam", "SnapAgent", "Blackpoint"}, "App name patterns to uninstall first")
	generalizeCmd.Flags().BoolVar(&generalizeSkipCleanup, "skip-cleanup", false, "Skip the pre-generalization cleanup steps")
	generalizeCmd.Flags().BoolVar(&generalizeYes, "yes", false, "Skip the interactive confirmation (automation only)")
	generalizeCmd.MarkFlagRequired("client")
	generalizeCmd.MarkFlagRequired("site")
}

func runGeneralize(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	if err := ensureDirectories(cfg.CatalogPath, "", cfg.WorkDir); err != nil {
		return err
	}

	hostname, err := os.Hostname()
	if err != nil {
		return errors.Wrap(err, "hostname lookup failed")
	}

	if !generalizeYes {
		if err := confirmHostname("generalization", hostname); err != nil {
			return err
		}
	}

	cat, err := catalog.NewCatalog(cfg.CatalogPath)
	if err != nil {
		return errors.Wrap(err, "catalog init failed")
	}
	defer cat.Close()

	op := &catalog.Operation{
		Kind:   catalog.KindGeneralize,
		Client: generalizeClient,
		Site:   generalizeSite,
		Status: catalog.StatusRunning,
	}
	if err := cat.Create(op); err != nil {
		return errors.Wrap(err, "failed to record operation")
	}

	transcript, err := pipeline.NewTranscript(cfg.WorkDir, "generalize")
	if err != nil {
		return err
	}
	defer transcript.Close()

	runner := newRunner()
	onLine := func(stream procrun.Stream, line string) {
		transcript.Line(line)
	}

	if !generalizeSkipCleanup {
		preparer := sysprep.NewPreparer(runner)
		opts := sysprep.PrepareOptions{AppPatterns: generalizeAppPatterns}
		if err := preparer.Run(ctx, opts, onLine); err != nil {
			cat.UpdateStatus(op.ID, catalog.StatusFailed, err.Error())
			return errors.Wrap(err, "pre-generalization cleanup failed")
		}
	}

	unattendPath := filepath.Join(cfg.WorkDir, "unattend.xml")
	err = sysprep.WriteUnattend(unattendPath, sysprep.UnattendOptions{
		AdminUser:     generalizeAdminUser,
		AdminPassword: generalizeAdminPass,
	})
	if err != nil {
		cat.UpdateStatus(op.ID, catalog.StatusFailed, err.Error())
		return errors.Wrap(err, "answer file write failed")
	}

	loop := sysprep.NewLoop(sysprep.NewBlockerRemover(runner), cfg.SysprepPath, unattendPath, cfg.PantherDir)
	loop.MaxAttempts = cfg.SysprepAttempts
	loop.SettleDelay = time.Duration(cfg.SettleSeconds) * time.Second

	result, err := loop.Run(ctx)
	if err != nil {
		cat.UpdateStatus(op.ID, catalog.StatusFailed, err.Error())
		return errors.Wrap(err, "generalization loop failed")
	}

	for _, attempt := range result.Attempts {
		transcript.Line(attemptSummary(attempt))
	}

	switch result.Outcome {
	case sysprep.OutcomeShutdown:
		// The tool has initiated shutdown; record success while we still can.
		cat.UpdateStatus(op.ID, catalog.StatusSucceeded, "")
		slog.Info("generalize_shutdown", "attempts", len(result.Attempts), "transcript", transcript.Path())
		return nil
	default:
		cat.UpdateStatus(op.ID, catalog.StatusFailed, string(result.Reason))
		transcript.Line("generalization failed: " + string(result.Reason))
		for _, line := range result.RawLog {
			transcript.Line("  " + line)
		}
		return errors.New("generalization failed: " + string(result.Reason))
	}
}

func attemptSummary(a sysprep.Attempt) string {
	if len(a.Blockers) == 0 {
		return fmt.Sprintf("attempt %d: no blockers found", a.Index)
	}
	return fmt.Sprintf("attempt %d: blockers %s", a.Index, strings.Join(a.Blockers, ", "))
}
