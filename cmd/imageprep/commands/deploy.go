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
	deployClient   string
	deploySite     string
	deployBackupID string
	deployVHDPath  string
	deploySizeGB   int64
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Restore a captured backup onto a bootable virtual disk",
	RunE:  runDeploy,
}

func init() {
	rootCmd.AddCommand(deployCmd)
	deployCmd.Flags().StringVar(&deployClient, "client", "", "Client identifier")
	deployCmd.Flags().StringVar(&deploySite, "site", "", "Site identifier")
	deployCmd.Flags().StringVar(&deployBackupID, "backup-id", "", "Backup id tag to restore, or \"latest\"")
	deployCmd.Flags().StringVar(&deployVHDPath, "vhd-path", "", "Virtual disk file to create")
	deployCmd.Flags().Int64Var(&deploySizeGB, "size-gb", 128, "Virtual disk size in GB")
	deployCmd.MarkFlagRequired("client")
	deployCmd.MarkFlagRequired("site")
	deployCmd.MarkFlagRequired("backup-id")
	deployCmd.MarkFlagRequired("vhd-path")
}

func runDeploy(cmd *cobra.Command, args []string) error {
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

	transcript, err := pipeline.NewTranscript(cfg.WorkDir, "deploy")
	if err != nil {
		return err
	}
	defer transcript.Close()

	runner := newRunner()
	broker := resource.NewBroker()
	defer broker.ReleaseAll()

	snapshots := snapshot.NewManager(runner)
	disks := vdisk.NewManager(runner, cfg.WorkDir)
	disks.EFISizeMB = cfg.EFISizeMB
	disks.RecoverySizeMB = cfg.RecoverySizeMB

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := pipeline.NewMachine(runner, broker, snapshots, disks, repos, cat, transcript, cfg.WorkDir, cfg.FSMMaxRetries)
	start, _, err := machine.RegisterDeploy(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	req := &pipeline.DeployRequest{
		Client:   deployClient,
		Site:     deploySite,
		BackupID: deployBackupID,
		VHDPath:  deployVHDPath,
		SizeGB:   deploySizeGB,
	}
	resp := &pipeline.DeployResponse{}

	version, err := start(ctx, deployBackupID, fsm.NewRequest(req, resp))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}

	slog.Info("fsm started", "version", version)

	if err := manager.Wait(ctx, version); err != nil {
		return errors.Wrap(err, "FSM execution failed")
	}

	slog.Info("deploy completed",
		"backup_id", deployBackupID,
		"vhd_path", deployVHDPath,
		"transcript", transcript.Path(),
	)

	return nil
}
