// Studiod is the autonomous software studio daemon.
//
// It runs build sessions through a pm -> arch -> human gate -> engineer
// -> qa pipeline, delegating the creative work to an external agent CLI
// and exposing the session lifecycle over HTTP.
//
// Usage:
//
//	# Start the daemon with defaults
//	studiod serve
//
//	# Configure via file and environment
//	studiod serve --config studiod.yaml
//	SERVER_PORT=9000 STORE_PATH=/var/lib/studiod studiod serve
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// cfgFile is the YAML config path shared by all subcommands.
	cfgFile string
	// version information (set via ldflags during build)
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "studiod",
	Short: "Autonomous software studio daemon",
	Long: `studiod orchestrates multi-agent software build sessions.

A session runs an external agent through product definition, architecture,
a human approval gate, implementation, and QA, checkpointing after every
phase so interrupted sessions resume where they left off.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "studiod.yaml", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("studiod by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}
