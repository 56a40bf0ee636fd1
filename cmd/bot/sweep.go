package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/digkill/TGVideoBot/internal/config"
	"github.com/digkill/TGVideoBot/internal/database"
	"github.com/digkill/TGVideoBot/internal/ledger"
	"github.com/digkill/TGVideoBot/internal/notify"
	"github.com/digkill/TGVideoBot/internal/provider"
	"github.com/digkill/TGVideoBot/internal/recovery"
	"github.com/digkill/TGVideoBot/internal/repository"
	"github.com/digkill/TGVideoBot/pkg/logger"
)

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one recovery pass and print the report",
		Long: `Reaps abandoned generations and re-checks recently failed ones with the provider.
Recovered videos are logged instead of being sent to users.`,
		RunE: runSweep,
	}
}

func runSweep(cmd *cobra.Command, _ []string) error {
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

	sweeper := recovery.New(
		provider.NewClient(cfg, logr),
		repository.NewGenerationRepository(db, dialect),
		ledger.New(db, dialect, ledger.Options{WelcomeBonus: cfg.WelcomeBonusCredits, Logger: logr}),
		recovery.Options{
			Lookback:      cfg.RecoveryLookback(),
			OrphanHorizon: cfg.OrphanHorizon,
			Notifier:      notify.LogNotifier{Log: logr},
			Logger:        logr,
		},
	)

	report, err := sweeper.RunOnce(cmd.Context())
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(report); encErr != nil {
		return encErr
	}
	return err
}
