package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "imageprep",
	Short: "Windows image capture and deployment",
	Long:  `Captures live Windows volumes into encrypted repositories via shadow copies, deploys them onto bootable virtual disks, and runs the generalization loop before imaging.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("catalog-path", ".artifacts/catalog.db", "Operation catalog SQLite path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm.db", "FSM BoltDB path")
	rootCmd.PersistentFlags().String("storage-root", "", "Repository storage root (s3:... or a path)")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket backing the storage root")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().String("restic-path", "restic", "Backup engine binary")
	rootCmd.PersistentFlags().String("work-dir", `C:\imageprep`, "Working directory")
	rootCmd.PersistentFlags().String("secrets-dir", `C:\imageprep\secrets`, "Repository secret cache directory")

	viper.BindPFlag("catalog-path", rootCmd.PersistentFlags().Lookup("catalog-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("storage-root", rootCmd.PersistentFlags().Lookup("storage-root"))
	viper.BindPFlag("s3-bucket", rootCmd.PersistentFlags().Lookup("s3-bucket"))
	viper.BindPFlag("s3-region", rootCmd.PersistentFlags().Lookup("s3-region"))
	viper.BindPFlag("restic-path", rootCmd.PersistentFlags().Lookup("restic-path"))
	viper.BindPFlag("work-dir", rootCmd.PersistentFlags().Lookup("work-dir"))
	viper.BindPFlag("secrets-dir", rootCmd.PersistentFlags().Lookup("secrets-dir"))
}
