package commands

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dtc-ops/imageprep/internal/config"
	"github.com/dtc-ops/imageprep/pkg/errors"
	"github.com/dtc-ops/imageprep/pkg/procrun"
	"github.com/dtc-ops/imageprep/pkg/repository"
	"github.com/dtc-ops/imageprep/pkg/storage"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(catalogPath, fsmDBPath, workDir string) error {
	// Create catalog directory
	if err := os.MkdirAll(filepath.Dir(catalogPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create catalog directory")
	}

	if fsmDBPath != "" {
		if err := os.MkdirAll(filepath.Dir(fsmDBPath), 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	if workDir != "" {
		if err := os.MkdirAll(workDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
	}

	return nil
}

func newRunner() procrun.Runner {
	return procrun.NewExecRunner()
}

// buildBroker wires the repository broker with the operator-facing confirmer
// and, when a bucket is configured, the read-only S3 prober
func buildBroker(ctx context.Context, cfg *config.Config) (*repository.Broker, error) {
	store, err := repository.NewSecretStore(cfg.SecretsDir)
	if err != nil {
		return nil, errors.Wrap(err, "secret store init failed")
	}

	var prober repository.Prober
	if cfg.S3Bucket != "" {
		client, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			slog.Warn("s3_prober_unavailable", "error", err)
		} else {
			prober = client
		}
	}

	broker := repository.NewBroker(newRunner(), store, &promptConfirmer{}, prober, cfg.StorageRoot)
	broker.EnginePath = cfg.ResticPath
	return broker, nil
}
