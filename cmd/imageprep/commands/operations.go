package commands

import (
	"fmt"
	"strings"

	"github.com/dtc-ops/imageprep/internal/config"
	"github.com/dtc-ops/imageprep/pkg/catalog"
	"github.com/dtc-ops/imageprep/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	operationsClient string
	operationsSite   string
)

var operationsCmd = &cobra.Command{
	Use:   "operations",
	Short: "List recorded capture, deploy, and generalize runs",
	RunE:  runOperations,
}

func init() {
	rootCmd.AddCommand(operationsCmd)
	operationsCmd.Flags().StringVar(&operationsClient, "client", "", "Filter by client")
	operationsCmd.Flags().StringVar(&operationsSite, "site", "", "Filter by site")
}

func runOperations(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	if err := ensureDirectories(cfg.CatalogPath, "", ""); err != nil {
		return err
	}

	cat, err := catalog.NewCatalog(cfg.CatalogPath)
	if err != nil {
		return errors.Wrap(err, "catalog init failed")
	}
	defer cat.Close()

	var ops []*catalog.Operation
	if operationsClient != "" && operationsSite != "" {
		ops, err = cat.ListByScope(operationsClient, operationsSite)
	} else {
		ops, err = cat.List()
	}
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(ops) == 0 {
		fmt.Println("No operations found")
		return nil
	}

	fmt.Printf("%-6s %-12s %-20s %-30s %-10s %-12s %-20s\n",
		"ID", "KIND", "CLIENT/SITE", "BACKUP ID", "SIZE MB", "STATUS", "CREATED")
	fmt.Println(strings.Repeat("-", 114))

	for _, op := range ops {
		backupID := op.BackupID
		if backupID == "" {
			backupID = "-"
		}
		sizeStr := "-"
		if op.SizeBytes > 0 {
			sizeStr = fmt.Sprintf("%d", op.SizeBytes/1024/1024)
		}

		fmt.Printf("%-6d %-12s %-20s %-30s %-10s %-12s %-20s\n",
			op.ID, op.Kind, op.Client+"/"+op.Site, backupID, sizeStr, op.Status, op.CreatedAt)
	}

	return nil
}
