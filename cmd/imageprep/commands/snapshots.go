package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/dtc-ops/imageprep/internal/config"
	"github.com/dtc-ops/imageprep/pkg/errors"
	"github.com/dtc-ops/imageprep/pkg/repository"
	"github.com/spf13/cobra"
)

var (
	snapshotsClient string
	snapshotsSite   string
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List snapshots in a client's repository",
	RunE:  runSnapshots,
}

func init() {
	rootCmd.AddCommand(snapshotsCmd)
	snapshotsCmd.Flags().StringVar(&snapshotsClient, "client", "", "Client identifier")
	snapshotsCmd.Flags().StringVar(&snapshotsSite, "site", "", "Site identifier")
	snapshotsCmd.MarkFlagRequired("client")
	snapshotsCmd.MarkFlagRequired("site")
}

func runSnapshots(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	broker, err := buildBroker(ctx, cfg)
	if err != nil {
		return err
	}

	scope := repository.Scope{Client: snapshotsClient, Site: snapshotsSite}
	if err := scope.Validate(); err != nil {
		return err
	}

	secret, err := broker.GetOrCreateSecret(ctx, scope)
	if err != nil {
		return errors.Wrap(err, "secret resolution failed")
	}

	snaps, err := broker.ListSnapshots(ctx, broker.Location(scope), secret)
	if err != nil {
		return errors.Wrap(err, "snapshot list failed")
	}

	if len(snaps) == 0 {
		fmt.Println("No snapshots found")
		return nil
	}

	fmt.Printf("%-10s %-25s %-20s %-40s\n", "SHORT ID", "TIME", "HOSTNAME", "TAGS")
	fmt.Println(strings.Repeat("-", 96))

	for _, s := range snaps {
		fmt.Printf("%-10s %-25s %-20s %-40s\n",
			s.ShortID, s.Time, s.Hostname, strings.Join(s.Tags, ","))
	}

	return nil
}
