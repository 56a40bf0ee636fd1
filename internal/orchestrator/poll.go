package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/digkill/TGVideoBot/internal/metrics"
	"github.com/digkill/TGVideoBot/internal/models"
	"github.com/digkill/TGVideoBot/internal/progress"
	"github.com/digkill/TGVideoBot/internal/provider"
)

var errShutdown = errors.New("interrupted by shutdown")

// statusAnchors maps provider status labels to a progress floor.
var statusAnchors = map[string]int{
	"created":    5,
	"queued":     5,
	"pending":    5,
	"starting":   5,
	"processing": 15,
	"running":    15,
	"rendering":  35,
	"finalizing": 55,
	"completed":  100,
}

// syntheticProgress blends elapsed time (0..85 over the timeout) with the status
// anchor and caps non-terminal values at 95.
func syntheticProgress(elapsed, timeout time.Duration, status string) int {
	timeBased := 0
	if timeout > 0 && elapsed > 0 {
		timeBased = int(int64(85) * int64(elapsed) / int64(timeout))
	}
	if timeBased > 85 {
		timeBased = 85
	}
	pct := max(timeBased, statusAnchors[strings.ToLower(status)])
	if pct > 95 {
		pct = 95
	}
	return pct
}

func progressUpdate(pct int, status string) progress.Update {
	return progress.Update{Percent: pct, Status: status}
}

func (o *Orchestrator) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryInterval
	b.MaxInterval = 10 * o.cfg.RetryInterval
	b.Reset()
	return b
}

// sleep waits for d unless the job is cancelled or the process shuts down.
func sleep(ctx context.Context, job *Job, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errShutdown
	case <-job.cancelled:
		return ErrCancelled
	case <-timer.C:
		return nil
	}
}

func interrupted(err error) outcome {
	if errors.Is(err, ErrCancelled) {
		return failed(models.ErrorCancelled, ErrCancelled)
	}
	return failed(models.ErrorInternal, errShutdown)
}

// execute drives one job from Pending to a terminal outcome.
func (o *Orchestrator) execute(ctx context.Context, job *Job, log *slog.Logger) outcome {
	job.bus.Publish(progressUpdate(0, "pending"))

	taskID, res, ok := o.submit(ctx, job, log)
	if !ok {
		return res
	}

	startedAt := o.now()
	marked, err := o.generations.MarkProcessing(context.WithoutCancel(ctx), job.generationID, taskID, startedAt)
	if err != nil || !marked {
		if err == nil {
			err = fmt.Errorf("generation %d left pending", job.generationID)
		}
		log.Error("mark processing", "task_id", taskID, "err", err)
		return failed(models.ErrorInternal, err)
	}
	log.Info("generation processing", "task_id", taskID)

	res = o.poll(ctx, job, taskID, log)
	metrics.GenerationSeconds.WithLabelValues(string(job.intent.Model), string(res.status)).
		Observe(o.now().Sub(startedAt).Seconds())
	return res
}

// submit creates the upstream task, retrying transient failures with backoff.
func (o *Orchestrator) submit(ctx context.Context, job *Job, log *slog.Logger) (string, outcome, bool) {
	b := o.newBackOff()
	req := job.intent.request()

	var lastErr error
	for attempt := 1; attempt <= o.cfg.SubmitAttempts; attempt++ {
		if job.isCancelled() {
			return "", failed(models.ErrorCancelled, ErrCancelled), false
		}
		if ctx.Err() != nil {
			return "", failed(models.ErrorInternal, errShutdown), false
		}

		taskID, err := o.provider.Submit(ctx, req)
		if err == nil {
			return taskID, outcome{}, true
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", failed(models.ErrorInternal, errShutdown), false
		}

		switch provider.Classify(err) {
		case provider.ClassContentRejected:
			return "", failed(models.ErrorContentRejected, err), false
		case provider.ClassQuotaExhausted:
			o.gate.RequestRefresh()
			return "", failed(models.ErrorUnavailable, err), false
		case provider.ClassTransient:
		default:
			return "", failed(models.ErrorUpstream, err), false
		}
		if attempt == o.cfg.SubmitAttempts {
			break
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		log.Warn("provider submit failed, retrying", "attempt", attempt, "delay", delay, "err", err)
		if err := sleep(ctx, job, delay); err != nil {
			return "", interrupted(err), false
		}
	}
	return "", failed(models.ErrorUpstream, fmt.Errorf("submit failed after retries: %w", lastErr)), false
}

// poll watches the upstream task until it ends, the budget runs out, or the job is cancelled.
func (o *Orchestrator) poll(ctx context.Context, job *Job, taskID string, log *slog.Logger) outcome {
	timeout := o.cfg.Timeout()
	started := o.now()
	b := o.newBackOff()

	var (
		consecutiveErrors int
		lastPublished     = -1
		lastPublishAt     time.Time
		lastPersisted     int
		wait              = o.cfg.PollInterval
	)

	for attempt := 1; ; attempt++ {
		if err := sleep(ctx, job, wait); err != nil {
			return interrupted(err)
		}
		wait = o.cfg.PollInterval

		elapsed := o.now().Sub(started)
		if attempt > o.cfg.PollMaxAttempts || elapsed >= timeout {
			return failed(models.ErrorTimeout, fmt.Errorf("%w after %s", ErrTimeout, elapsed.Round(time.Second)))
		}
		if job.isCancelled() {
			return failed(models.ErrorCancelled, ErrCancelled)
		}

		status, err := o.provider.Status(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return failed(models.ErrorInternal, errShutdown)
			}
			if !provider.IsTransient(err) {
				return failed(models.ErrorUpstream, err)
			}
			consecutiveErrors++
			if consecutiveErrors > o.cfg.MaxPollErrors {
				return failed(models.ErrorUpstream, fmt.Errorf("%d consecutive status errors: %w", consecutiveErrors, err))
			}
			if delay := b.NextBackOff(); delay != backoff.Stop && delay > wait {
				wait = delay
			}
			log.Warn("status poll failed", "task_id", taskID, "consecutive", consecutiveErrors, "err", err)
			continue
		}
		consecutiveErrors = 0
		b.Reset()

		switch {
		case status.Completed():
			url := status.Artifact()
			if url == "" {
				return failed(models.ErrorUpstream, errors.New("task completed without outputs"))
			}
			return o.deliver(ctx, url, log)
		case status.Failed():
			msg := status.Error
			if msg == "" {
				msg = "task failed"
			}
			if status.FailureClass() == provider.ClassContentRejected {
				return failed(models.ErrorContentRejected, errors.New(msg))
			}
			return failed(models.ErrorUpstream, errors.New(msg))
		}

		now := o.now()
		pct := syntheticProgress(now.Sub(started), timeout, status.Status)
		if pct > lastPublished || now.Sub(lastPublishAt) >= o.cfg.PublishInterval {
			if job.bus.Publish(progressUpdate(max(pct, lastPublished), status.Status)) {
				lastPublished = max(pct, lastPublished)
				lastPublishAt = now
			}
		}
		if pct >= lastPersisted+10 {
			if err := o.generations.UpdateProgress(ctx, job.generationID, pct, now); err != nil {
				log.Warn("persist progress", "err", err)
			} else {
				lastPersisted = pct
			}
		}
	}
}

// deliver downloads the finished clip. A failed download still completes the
// generation; the chat side then sends the URL instead of the bytes.
func (o *Orchestrator) deliver(ctx context.Context, url string, log *slog.Logger) outcome {
	video, err := o.provider.Download(ctx, url)
	if err != nil {
		log.Warn("artifact download failed, delivering url only", "url", url, "err", err)
		video = nil
	}
	o.gate.RequestRefresh()
	return outcome{status: models.StatusCompleted, url: url, video: video}
}
