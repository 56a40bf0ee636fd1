// Package recovery reconciles generations that failed locally with what the
// provider actually did, and reaps generations no job owns anymore.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/digkill/TGVideoBot/internal/ledger"
	"github.com/digkill/TGVideoBot/internal/metrics"
	"github.com/digkill/TGVideoBot/internal/models"
	"github.com/digkill/TGVideoBot/internal/notify"
	"github.com/digkill/TGVideoBot/internal/provider"
	"github.com/digkill/TGVideoBot/internal/repository"
)

type Provider interface {
	Status(ctx context.Context, taskID string) (*provider.TaskStatus, error)
}

type Generations interface {
	ListRecoverable(ctx context.Context, since time.Time) ([]models.Generation, error)
	ListStale(ctx context.Context, olderThan time.Time) ([]models.Generation, error)
	MarkRecovered(ctx context.Context, id int64, artifactURL string, at time.Time) (bool, error)
}

type Ledger interface {
	User(ctx context.Context, userID int64) (*models.User, error)
	FinalizeGeneration(ctx context.Context, generationID int64, to models.GenerationStatus, f repository.Finish) (*ledger.Settlement, error)
	PendingBefore(ctx context.Context, before time.Time) ([]models.Transaction, error)
}

// Jobs reports whether a running job still owns a generation.
type Jobs interface {
	IsActive(generationID int64) bool
}

type Options struct {
	Interval time.Duration
	// Lookback bounds how old a failure may be and still get healed.
	Lookback time.Duration
	// OrphanHorizon is the age after which a non-terminal generation without a job is reaped.
	// It must exceed the generation timeout.
	OrphanHorizon time.Duration
	Notifier      notify.Notifier
	Jobs          Jobs
	Logger        *slog.Logger
	Now           func() time.Time
}

type Sweeper struct {
	provider    Provider
	generations Generations
	ledger      Ledger
	opts        Options
	log         *slog.Logger

	mu sync.Mutex
}

func New(p Provider, generations Generations, l Ledger, opts Options) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 24 * time.Hour
	}
	if opts.OrphanHorizon <= 0 {
		opts.OrphanHorizon = 30 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{
		provider:    p,
		generations: generations,
		ledger:      l,
		opts:        opts,
		log:         opts.Logger.With("component", "recovery"),
	}
}

// Report summarises one pass.
type Report struct {
	Checked int `json:"checked"`
	Healed  int `json:"healed"`
	Reaped  int `json:"reaped"`
	// Stray counts pending entries past the horizon that no reap could settle.
	Stray int `json:"stray_pending"`
}

// Run sweeps on every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("recovery pass", "err", err)
		}
	}
}

// RunOnce reaps orphans, then heals failed generations that completed upstream.
// Passes are serialised; running it twice over the same window changes nothing the
// second time.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report Report
	reaped, reapErr := s.reap(ctx)
	report.Reaped = reaped
	if reapErr == nil {
		report.Stray, reapErr = s.strayPending(ctx)
	}

	checked, healed, healErr := s.heal(ctx)
	report.Checked = checked
	report.Healed = healed

	if report.Healed > 0 || report.Reaped > 0 || report.Stray > 0 {
		s.log.Info("recovery pass finished", "checked", checked, "healed", healed, "reaped", reaped, "stray_pending", report.Stray)
	}
	return report, errors.Join(reapErr, healErr)
}

func (s *Sweeper) now() time.Time { return s.opts.Now().UTC() }

func (s *Sweeper) reap(ctx context.Context) (int, error) {
	stale, err := s.generations.ListStale(ctx, s.now().Add(-s.opts.OrphanHorizon))
	if err != nil {
		return 0, fmt.Errorf("list stale generations: %w", err)
	}

	reaped := 0
	for _, gen := range stale {
		if s.opts.Jobs != nil && s.opts.Jobs.IsActive(gen.ID) {
			continue
		}
		settlement, err := s.ledger.FinalizeGeneration(ctx, gen.ID, models.StatusFailed, repository.Finish{
			ErrorKind:    models.ErrorInternal,
			ErrorMessage: "generation abandoned without a running job",
			CompletedAt:  s.now(),
		})
		if err != nil {
			s.log.Error("reap orphan", "generation_id", gen.ID, "err", err)
			continue
		}
		if settlement.Changed {
			reaped++
			metrics.OrphansReaped.Inc()
			s.log.Warn("orphan generation reaped", "generation_id", gen.ID, "user_id", gen.UserID,
				"status", gen.Status, "refunded", settlement.Refund != nil)
		}
	}
	return reaped, nil
}

// strayPending reports pending entries older than the horizon that survived the reap.
// Every pending debit belongs to a non-terminal generation, so any hit is ledger drift
// for an operator to look at; nothing is rewritten automatically.
func (s *Sweeper) strayPending(ctx context.Context) (int, error) {
	entries, err := s.ledger.PendingBefore(ctx, s.now().Add(-s.opts.OrphanHorizon))
	if err != nil {
		return 0, err
	}
	stray := 0
	for _, entry := range entries {
		if entry.GenerationID != nil && s.opts.Jobs != nil && s.opts.Jobs.IsActive(*entry.GenerationID) {
			continue
		}
		stray++
		s.log.Error("pending transaction past orphan horizon", "transaction_id", entry.ID,
			"user_id", entry.UserID, "kind", entry.Kind, "amount", entry.Amount, "created_at", entry.CreatedAt)
	}
	return stray, nil
}

func (s *Sweeper) heal(ctx context.Context) (checked, healed int, err error) {
	failed, err := s.generations.ListRecoverable(ctx, s.now().Add(-s.opts.Lookback))
	if err != nil {
		return 0, 0, fmt.Errorf("list recoverable generations: %w", err)
	}

	for _, gen := range failed {
		if ctx.Err() != nil {
			return checked, healed, ctx.Err()
		}
		checked++
		log := s.log.With("generation_id", gen.ID, "task_id", gen.ProviderTaskID)

		status, err := s.provider.Status(ctx, gen.ProviderTaskID)
		if err != nil {
			log.Warn("recovery status check failed", "err", err)
			continue
		}
		url := status.Artifact()
		if !status.Completed() || url == "" {
			continue
		}

		ok, err := s.generations.MarkRecovered(ctx, gen.ID, url, s.now())
		if err != nil {
			log.Error("mark recovered", "err", err)
			continue
		}
		if !ok {
			continue
		}
		healed++
		metrics.RecoveryHealed.Inc()
		log.Info("generation recovered", "user_id", gen.UserID, "artifact_url", url)
		s.notify(ctx, gen, url, log)
	}
	return checked, healed, nil
}

func (s *Sweeper) notify(ctx context.Context, gen models.Generation, url string, log *slog.Logger) {
	if s.opts.Notifier == nil {
		return
	}
	user, err := s.ledger.User(ctx, gen.UserID)
	if err != nil {
		log.Error("load user for recovery notice", "err", err)
		return
	}
	payload := notify.Payload{GenerationID: gen.ID, VideoURL: url}
	if err := s.opts.Notifier.Notify(ctx, user.TelegramID, notify.KindVideoRecovered, payload); err != nil {
		log.Warn("recovery notice failed", "chat_id", user.TelegramID, "err", err)
	}
}
