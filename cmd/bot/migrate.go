package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/digkill/TGVideoBot/internal/config"
	"github.com/digkill/TGVideoBot/internal/database"
	"github.com/digkill/TGVideoBot/pkg/logger"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tools",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Run all pending migrations",
			RunE:  runMigrateUp,
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show migration status",
			RunE:  runMigrateStatus,
		},
	)
	return cmd
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(false)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logr := logger.New(cfg.LogFormat, cfg.LogLevel)

	db, dialect, err := database.Connect(cfg)
	if err != nil {
		return fmt.Errorf("database connect: %w", err)
	}
	defer db.Close()

	version, err := database.Migrate(cmd.Context(), db, dialect)
	if err != nil {
		return fmt.Errorf("database migrate: %w", err)
	}
	logr.Info("migrations completed", "driver", dialect, "schema_version", version)
	return nil
}

func runMigrateStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(false)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	db, dialect, err := database.Connect(cfg)
	if err != nil {
		return fmt.Errorf("database connect: %w", err)
	}
	defer db.Close()

	states, err := database.Status(cmd.Context(), db, dialect)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tSTATE\tAPPLIED AT\tFILE")
	for _, s := range states {
		state, appliedAt := "pending", "-"
		if s.Applied {
			state = "applied"
			appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Version, state, appliedAt, s.Path)
	}
	return w.Flush()
}
