package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/studiod/internal/config"
	"github.com/fyrsmithlabs/studiod/internal/orchestrator"
	"github.com/fyrsmithlabs/studiod/internal/phase"
)

var (
	sessionsStatus string
	sessionsLimit  int
	exportOutput   string
)

func init() {
	sessionsCmd.Flags().StringVar(&sessionsStatus, "status", "", "filter by status (pending, running, awaiting_approval, completed, failed, expired)")
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 0, "maximum sessions to list")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "write the export to a file instead of stdout")
}

// sessionsCmd lists sessions straight from the store, so it works
// whether or not the daemon is running.
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions",
	Long: `List sessions from the configured store.

Examples:
  # All sessions, newest first
  studiod sessions

  # Only sessions waiting at the human gate
  studiod sessions --status awaiting_approval`,
	RunE: runSessions,
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	status := phase.Status(sessionsStatus)
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown status %q", sessionsStatus)
	}

	store, checkpoints, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
		_ = checkpoints.Close()
	}()

	sessions, err := store.List(cmd.Context(), status, sessionsLimit)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPROJECT\tSTATUS\tPHASE\tITER\tUPDATED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.ID, s.ProjectName, s.Status, s.Phase, s.IterationCount,
			s.UpdatedAt.Local().Format(time.RFC3339))
	}
	return w.Flush()
}

// cleanupCmd applies the TTL policy once, outside the daemon's sweep.
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Expire sessions older than the configured TTL",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}

		store, checkpoints, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer func() {
			_ = store.Close()
			_ = checkpoints.Close()
		}()

		n, err := store.ExpireStale(cmd.Context(), cfg.Orchestrator.SessionTTL.Duration())
		if err != nil {
			return fmt.Errorf("expire sessions: %w", err)
		}
		fmt.Printf("expired %d session(s)\n", n)
		return nil
	},
}

// exportCmd serializes a session record plus its checkpoint chain so a
// session can be backed up or moved between deployments.
var exportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session and its checkpoint chain as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}

		store, checkpoints, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer func() {
			_ = store.Close()
			_ = checkpoints.Close()
		}()

		exp, err := orchestrator.Export(cmd.Context(), store, checkpoints, args[0])
		if err != nil {
			return fmt.Errorf("export session: %w", err)
		}

		data, err := json.MarshalIndent(exp, "", "  ")
		if err != nil {
			return fmt.Errorf("encode export: %w", err)
		}
		if exportOutput == "" {
			fmt.Println(string(data))
			return nil
		}
		if err := os.WriteFile(exportOutput, data, 0o644); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
		fmt.Printf("exported session %s to %s\n", args[0], exportOutput)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a previously exported session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read export file: %w", err)
		}
		var exp orchestrator.SessionExport
		if err := json.Unmarshal(data, &exp); err != nil {
			return fmt.Errorf("parse export file: %w", err)
		}

		store, checkpoints, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer func() {
			_ = store.Close()
			_ = checkpoints.Close()
		}()

		id, err := orchestrator.Import(cmd.Context(), store, checkpoints, &exp)
		if err != nil {
			return fmt.Errorf("import session: %w", err)
		}
		fmt.Printf("imported session %s\n", id)
		return nil
	},
}
