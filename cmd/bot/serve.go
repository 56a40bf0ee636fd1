package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/digkill/TGVideoBot/internal/admin"
	"github.com/digkill/TGVideoBot/internal/config"
	"github.com/digkill/TGVideoBot/internal/database"
	"github.com/digkill/TGVideoBot/internal/gate"
	"github.com/digkill/TGVideoBot/internal/ledger"
	"github.com/digkill/TGVideoBot/internal/notify"
	"github.com/digkill/TGVideoBot/internal/orchestrator"
	"github.com/digkill/TGVideoBot/internal/provider"
	"github.com/digkill/TGVideoBot/internal/ratelimit"
	"github.com/digkill/TGVideoBot/internal/recovery"
	"github.com/digkill/TGVideoBot/internal/repository"
	"github.com/digkill/TGVideoBot/internal/service"
	"github.com/digkill/TGVideoBot/internal/storage"
	"github.com/digkill/TGVideoBot/internal/telegram"
	"github.com/digkill/TGVideoBot/pkg/logger"
)

const limiterTrimInterval = time.Minute

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the admin API and background jobs",
		RunE:  runServe,
	}
}

// botNotifier forwards to the bot once it exists; the gate is built before it.
type botNotifier struct {
	bot *telegram.Bot
}

func (n *botNotifier) Notify(ctx context.Context, chatID int64, kind notify.Kind, p notify.Payload) error {
	if n.bot == nil {
		return fmt.Errorf("notify %s: bot not started", kind)
	}
	return n.bot.Notify(ctx, chatID, kind, p)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(true)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logr := logger.New(cfg.LogFormat, cfg.LogLevel)

	db, dialect, err := database.Connect(cfg)
	if err != nil {
		return fmt.Errorf("database connect: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	version, err := database.Migrate(ctx, db, dialect)
	if err != nil {
		return fmt.Errorf("database migrate: %w", err)
	}
	logr.Info("database ready", "driver", dialect, "schema_version", version)

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return fmt.Errorf("telegram bot: %w", err)
	}

	providerClient := provider.NewClient(cfg, logr)
	credits := ledger.New(db, dialect, ledger.Options{WelcomeBonus: cfg.WelcomeBonusCredits, Logger: logr})

	userRepo := repository.NewUserRepository(db, dialect)
	generationRepo := repository.NewGenerationRepository(db, dialect)
	promoRepo := repository.NewPromoRepository(db, dialect)

	notifier := &botNotifier{}
	serviceGate := gate.New(providerClient, gate.Options{
		LowThreshold:      cfg.BalanceLowThreshold,
		CriticalThreshold: cfg.BalanceCriticalThreshold,
		Interval:          cfg.GateCheckInterval,
		FailureIntervals:  cfg.GateFailureIntervals,
		CooldownLow:       cfg.NotifyCooldownLow,
		CooldownCritical:  cfg.NotifyCooldownCritical,
		AdminChatIDs:      cfg.AdminChatIDs,
		Notifier:          notifier,
		Logger:            logr,
	})

	limiter := ratelimit.New()
	orch := orchestrator.New(orchestrator.Config{
		PollInterval:       cfg.PollInterval,
		PollMaxAttempts:    cfg.PollMaxAttempts,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RateLimitPerHour:   cfg.RateLimitPerHour,
		Logger:             logr,
	}, credits, generationRepo, providerClient, serviceGate, limiter)

	promoService := service.NewPromoService(promoRepo, credits, cfg.PromoBonusCredits, logr)

	var images telegram.ImageStorage
	if cfg.S3Enabled() {
		uploader, err := storage.NewUploader(storage.ConfigFrom(cfg))
		if err != nil {
			return fmt.Errorf("storage uploader: %w", err)
		}
		images = uploader
	} else {
		logr.Warn("S3 is not configured, image-to-video is disabled")
	}

	bot := telegram.NewBot(cfg, botAPI, logr, credits, orch, promoService, images)
	notifier.bot = bot

	sweeper := recovery.New(providerClient, generationRepo, credits, recovery.Options{
		Interval:      cfg.RecoveryInterval,
		Lookback:      cfg.RecoveryLookback(),
		OrphanHorizon: cfg.OrphanHorizon,
		Notifier:      bot,
		Jobs:          orch,
		Logger:        logr,
	})

	adminServer := admin.NewServer(cfg.AdminListenAddr, cfg.AdminUsername, cfg.AdminPassword, logr, admin.Deps{
		Ledger:      credits,
		Gate:        serviceGate,
		Sweeper:     sweeper,
		Broadcaster: bot,
		Audience:    userRepo,
		Promos:      promoService,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serviceGate.Run(gctx) })
	g.Go(func() error { return limiter.Run(gctx, limiterTrimInterval) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return adminServer.Run(gctx) })
	g.Go(func() error { return bot.Run(gctx) })

	if err := g.Wait(); err != nil {
		logr.Error("videobot stopped", "err", err)
		return err
	}
	logr.Info("videobot stopped")
	return nil
}
