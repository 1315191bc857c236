package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/VirtualCable/openuds-sub007/internal/config"
	"github.com/VirtualCable/openuds-sub007/internal/log"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

var configPath string

var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "udsd",
	Short:   "udsd is the UDS core engine daemon",
	Long:    `udsd reconciles virtual desktop/app service pools: deploying, caching, assigning, and retiring user services on a schedule, backed by a shared Postgres store.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd == versionCmd {
			return nil
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("udsd version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (env vars still apply on top)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("udsd version %s (commit %s)\n", Version, Commit)
		return nil
	},
}
