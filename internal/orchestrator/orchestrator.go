// Package orchestrator owns the lifecycle of a generation: admission, debit,
// provider submission, polling, progress, and settlement.
package orchestrator

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
	"github.com/digkill/TGVideoBot/internal/provider"
	"github.com/digkill/TGVideoBot/internal/ratelimit"
	"github.com/digkill/TGVideoBot/internal/repository"
)

// Provider is the subset of the provider client a job drives.
type Provider interface {
	Submit(ctx context.Context, r provider.Request) (string, error)
	Status(ctx context.Context, taskID string) (*provider.TaskStatus, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// Gate is the admission predicate.
type Gate interface {
	Available() bool
	RequestRefresh()
}

type Ledger interface {
	User(ctx context.Context, userID int64) (*models.User, error)
	Debit(ctx context.Context, userID int64, gen *models.Generation) (*models.Transaction, error)
	FinalizeGeneration(ctx context.Context, generationID int64, to models.GenerationStatus, f repository.Finish) (*ledger.Settlement, error)
}

type Generations interface {
	MarkProcessing(ctx context.Context, id int64, taskID string, startedAt time.Time) (bool, error)
	UpdateProgress(ctx context.Context, id int64, progress int, at time.Time) error
	SetTelegramFileID(ctx context.Context, id int64, fileID string, at time.Time) error
}

type Config struct {
	PollInterval       time.Duration
	PollMaxAttempts    int
	RateLimitPerMinute int
	RateLimitPerHour   int

	// SubmitAttempts bounds provider submit tries on transient errors.
	SubmitAttempts int
	// MaxPollErrors is how many consecutive transient status errors are tolerated.
	MaxPollErrors int
	// RetryInterval is the initial backoff delay for submit and status retries.
	RetryInterval time.Duration
	// PublishInterval forces a progress publish even without a new value.
	PublishInterval time.Duration
	// FinalizeTimeout bounds settlement, which runs detached from the job context.
	FinalizeTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollMaxAttempts <= 0 {
		c.PollMaxAttempts = 180
	}
	if c.RateLimitPerMinute <= 0 {
		c.RateLimitPerMinute = 3
	}
	if c.RateLimitPerHour <= 0 {
		c.RateLimitPerHour = 30
	}
	if c.SubmitAttempts <= 0 {
		c.SubmitAttempts = 3
	}
	if c.MaxPollErrors <= 0 {
		c.MaxPollErrors = 5
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 3 * time.Second
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Timeout is the generation budget measured from the Processing transition.
func (c Config) Timeout() time.Duration {
	return c.PollInterval * time.Duration(c.PollMaxAttempts)
}

type Orchestrator struct {
	cfg         Config
	ledger      Ledger
	generations Generations
	provider    Provider
	gate        Gate
	limiter     *ratelimit.Limiter
	log         *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
	jobs   map[int64]*Job
}

func New(cfg Config, l Ledger, generations Generations, p Provider, g Gate, limiter *ratelimit.Limiter) *Orchestrator {
	cfg.setDefaults()
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:         cfg,
		ledger:      l,
		generations: generations,
		provider:    p,
		gate:        g,
		limiter:     limiter,
		log:         cfg.Logger.With("component", "orchestrator"),
		baseCtx:     ctx,
		stop:        stop,
		jobs:        make(map[int64]*Job),
	}
}

func (o *Orchestrator) now() time.Time { return o.cfg.Now().UTC() }

func (o *Orchestrator) reject(reason models.ErrorKind, err *JobError) (*Job, error) {
	metrics.AdmissionRejected.WithLabelValues(string(reason)).Inc()
	return nil, err
}

// Submit runs admission synchronously and, once the debit committed, hands the
// generation to a background job. Admission failures leave no generation and no
// transaction behind.
func (o *Orchestrator) Submit(ctx context.Context, intent Intent) (*Job, error) {
	if o.baseCtx.Err() != nil {
		return o.reject(models.ErrorUnavailable, newJobError(models.ErrorUnavailable, errors.New("shutting down")))
	}
	if err := intent.normalize(); err != nil {
		return o.reject(models.ErrorInvalidIntent, newJobError(models.ErrorInvalidIntent, err))
	}

	user, err := o.ledger.User(ctx, intent.UserID)
	if err != nil {
		return o.reject(models.ErrorInternal, newJobError(models.ErrorInternal, fmt.Errorf("load user: %w", err)))
	}
	if user.IsBanned {
		return o.reject(models.ErrorForbidden, newJobError(models.ErrorForbidden, nil))
	}

	uid := user.ID
	minuteSlot, ok := o.limiter.Reserve(uid, ratelimit.KeyPerMinute, o.cfg.RateLimitPerMinute, time.Minute)
	if !ok {
		jerr := newJobError(models.ErrorRateLimited, nil)
		jerr.RetryAfter = o.limiter.RemainingTime(uid, ratelimit.KeyPerMinute, time.Minute)
		return o.reject(models.ErrorRateLimited, jerr)
	}
	hourSlot, ok := o.limiter.Reserve(uid, ratelimit.KeyPerHour, o.cfg.RateLimitPerHour, time.Hour)
	if !ok {
		o.limiter.Release(uid, ratelimit.KeyPerMinute, minuteSlot)
		jerr := newJobError(models.ErrorRateLimited, nil)
		jerr.RetryAfter = o.limiter.RemainingTime(uid, ratelimit.KeyPerHour, time.Hour)
		return o.reject(models.ErrorRateLimited, jerr)
	}
	release := func() {
		o.limiter.Release(uid, ratelimit.KeyPerMinute, minuteSlot)
		o.limiter.Release(uid, ratelimit.KeyPerHour, hourSlot)
	}

	if !o.gate.Available() {
		release()
		return o.reject(models.ErrorUnavailable, newJobError(models.ErrorUnavailable, nil))
	}

	cost, priced := Cost(intent.Model, intent.Duration)
	if !priced {
		o.log.Warn("no price for model and duration, using default", "model", intent.Model, "duration", intent.Duration, "cost", cost)
	}

	gen := intent.generation(cost)
	if _, err := o.ledger.Debit(ctx, uid, gen); err != nil {
		release()
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			return o.reject(models.ErrorInsufficientCredits, newJobError(models.ErrorInsufficientCredits, err))
		}
		return o.reject(models.ErrorInternal, newJobError(models.ErrorInternal, err))
	}

	job := newJob(gen, intent, minuteSlot, hourSlot)
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		release()
		o.abandon(ctx, gen)
		return o.reject(models.ErrorUnavailable, newJobError(models.ErrorUnavailable, errors.New("shutting down")))
	}
	o.jobs[job.generationID] = job
	o.wg.Add(1)
	o.mu.Unlock()

	metrics.GenerationsAdmitted.WithLabelValues(string(intent.Model)).Inc()
	metrics.ActiveJobs.Inc()
	o.log.Info("generation admitted", "generation_id", gen.ID, "user_id", uid, "model", intent.Model,
		"duration", intent.Duration, "cost", cost, "bonus_funded", gen.BonusFunded)

	go o.run(job)
	return job, nil
}

// abandon refunds a generation debited after shutdown began.
func (o *Orchestrator) abandon(ctx context.Context, gen *models.Generation) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FinalizeTimeout)
	defer cancel()
	_, err := o.ledger.FinalizeGeneration(fctx, gen.ID, models.StatusFailed, repository.Finish{
		ErrorKind:    models.ErrorUnavailable,
		ErrorMessage: "shutting down",
		CompletedAt:  o.now(),
	})
	if err != nil {
		o.log.Error("refund generation admitted during shutdown", "generation_id", gen.ID, "err", err)
	}
}

// ActiveJob returns the running job for a generation, if this process owns one.
func (o *Orchestrator) ActiveJob(generationID int64) (*Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	job, ok := o.jobs[generationID]
	return job, ok
}

// IsActive reports whether a job in this process still owns the generation.
func (o *Orchestrator) IsActive(generationID int64) bool {
	_, ok := o.ActiveJob(generationID)
	return ok
}

// Cancel requests cancellation of a running generation owned by userID.
func (o *Orchestrator) Cancel(generationID, userID int64) bool {
	job, ok := o.ActiveJob(generationID)
	if !ok || job.userID != userID {
		return false
	}
	job.Cancel()
	return true
}

// ActiveForUser lists the running jobs of one user.
func (o *Orchestrator) ActiveForUser(userID int64) []*Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*Job
	for _, job := range o.jobs {
		if job.userID == userID {
			out = append(out, job)
		}
	}
	return out
}

// RecordDelivery stores the chat-platform cached id of a delivered clip.
func (o *Orchestrator) RecordDelivery(ctx context.Context, generationID int64, fileID string) error {
	if fileID == "" {
		return nil
	}
	if err := o.generations.SetTelegramFileID(ctx, generationID, fileID, o.now()); err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// Run blocks until ctx ends, then shuts the orchestrator down.
func (o *Orchestrator) Run(ctx context.Context) error {
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), o.cfg.FinalizeTimeout+5*time.Second)
	defer cancel()
	return o.Shutdown(shutdownCtx)
}

// Shutdown stops admission, interrupts every running job and waits for their settlement.
// Interrupted jobs end as Failed{Internal} with a refund.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

// outcome is the terminal decision of a job before settlement.
type outcome struct {
	status models.GenerationStatus
	kind   models.ErrorKind
	err    error
	url    string
	video  []byte
}

func failed(kind models.ErrorKind, err error) outcome {
	status := models.StatusFailed
	if kind == models.ErrorCancelled {
		status = models.StatusCancelled
	}
	return outcome{status: status, kind: kind, err: err}
}

func (o *Orchestrator) run(job *Job) {
	defer o.wg.Done()
	log := o.log.With("generation_id", job.generationID, "user_id", job.userID)

	result := o.execute(o.baseCtx, job, log)
	o.finalize(job, result, log)

	o.mu.Lock()
	delete(o.jobs, job.generationID)
	o.mu.Unlock()
	metrics.ActiveJobs.Dec()
}

// finalize closes the bus, settles the generation and the debit, and releases the
// rate reservations of unsuccessful jobs.
func (o *Orchestrator) finalize(job *Job, res outcome, log *slog.Logger) {
	if res.status == models.StatusCompleted {
		job.bus.Publish(progressUpdate(100, "completed"))
	}
	job.bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.FinalizeTimeout)
	defer cancel()

	finish := repository.Finish{ArtifactURL: res.url, ErrorKind: res.kind, CompletedAt: o.now()}
	if res.err != nil {
		finish.ErrorMessage = truncate(res.err.Error(), 1000)
	}
	settlement, err := o.ledger.FinalizeGeneration(ctx, job.generationID, res.status, finish)
	if err != nil {
		log.Error("finalize generation", "status", res.status, "err", err)
		res = failed(models.ErrorInternal, fmt.Errorf("settle generation: %w", err))
	} else if !settlement.Changed {
		log.Warn("generation already finalized elsewhere", "status", settlement.Status)
	}

	if res.status != models.StatusCompleted {
		o.limiter.Release(job.userID, ratelimit.KeyPerMinute, job.minuteSlot)
		o.limiter.Release(job.userID, ratelimit.KeyPerHour, job.hourSlot)
	}

	metrics.GenerationsFinished.WithLabelValues(string(res.status), string(res.kind)).Inc()
	if res.status == models.StatusCompleted {
		log.Info("generation completed", "artifact_url", res.url, "downloaded", res.video != nil)
		job.finish(&Result{GenerationID: job.generationID, ArtifactURL: res.url, Video: res.video}, nil)
		return
	}
	log.Info("generation ended", "status", res.status, "error_kind", res.kind, "err", res.err)
	job.finish(nil, newJobError(res.kind, res.err))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
