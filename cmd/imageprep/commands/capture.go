package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/dtc-ops/imageprep/internal/config"
	"github.com/dtc-ops/imageprep/pkg/catalog"
	"github.com/dtc-ops/imageprep/pkg/errors"
	"github.com/dtc-ops/imageprep/pkg/pipeline"
	"github.com/dtc-ops/imageprep/pkg/resource"
	"github.com/dtc-ops/imageprep/pkg/snapshot"
	"github.com/dtc-ops/imageprep/pkg/vdisk"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
)

var (
	captureClient     string
	captureSite       string
	captureRole       string
	captureVolume     string
	captureExclusions []string
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture a live volume into the client's encrypted repository",
	RunE:  runCapture,
}

func init() {
	rootCmd.AddCommand(captureCmd)
	captureCmd.Flags().StringVar(&captureClient, "client", "", "Client identifier")
	captureCmd.Flags().StringVar(&captureSite, "site", "", "Site identifier")
	captureCmd.Flags().StringVar(&captureRole, "role", "workstation", "Machine role tag")
	captureCmd.Flags().StringVar(&captureVolume, "volume", "C:", "Volume to capture")
	captureCmd.Flags().StringSliceVar(&captureExclusions, "exclude", nil, "Additional exclusion paths")
	captureCmd.MarkFlagRequired("client")
	captureCmd.MarkFlagRequired("site")
}

func runCapture(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	if err := ensureDirectories(cfg.CatalogPath, cfg.FSMDBPath, cfg.WorkDir); err != nil {
		return err
	}

	cat, err := catalog.NewCatalog(cfg.CatalogPath)
	if err != nil {
		return errors.Wrap(err, "catalog init failed")
	}
	defer cat.Close()

	repos, err := buildBroker(ctx, cfg)
	if err != nil {
		return err
	}

	transcript, err := pipeline.NewTranscript(cfg.WorkDir, "capture")
	if err != nil {
		return err
	}
	defer transcript.Close()

	runner := newRunner()
	broker := resource.NewBroker()
	defer broker.ReleaseAll()

	snapshots := snapshot.NewManager(runner)
	snapshots.ResolveAttempts = cfg.ResolveAttempts
	disks := vdisk.NewManager(runner, cfg.WorkDir)

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := pipeline.NewMachine(runner, broker, snapshots, disks, repos, cat, transcript, cfg.WorkDir, cfg.FSMMaxRetries)
	start, _, err := machine.RegisterCapture(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	req := &pipeline.CaptureRequest{
		Client:       captureClient,
		Site:         captureSite,
		Role:         captureRole,
		SourceVolume: captureVolume,
		Exclusions:   captureExclusions,
	}
	resp := &pipeline.CaptureResponse{}

	version, err := start(ctx, captureClient+"/"+captureSite, fsm.NewRequest(req, resp))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}

	slog.Info("fsm started", "version", version)

	if err := manager.Wait(ctx, version); err != nil {
		return errors.Wrap(err, "FSM execution failed")
	}

	slog.Info("capture completed",
		"backup_id", resp.BackupID,
		"snapshot_id", resp.ResticSnapshotID,
		"size_bytes", resp.SizeBytes,
		"transcript", transcript.Path(),
	)

	return nil
}
