package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/digkill/TGVideoBot/internal/models"
	"github.com/digkill/TGVideoBot/internal/progress"
)

// Result is what a successful job delivers.
type Result struct {
	GenerationID int64
	ArtifactURL  string
	// Video holds the downloaded clip; nil when the download failed and only the URL is usable.
	Video []byte
}

// Job is the handle of one admitted generation.
type Job struct {
	generationID int64
	userID       int64
	cost         int64
	intent       Intent
	bus          *progress.Bus

	minuteSlot time.Time
	hourSlot   time.Time

	cancelOnce sync.Once
	cancelled  chan struct{}

	done   chan struct{}
	result *Result
	err    error
}

func newJob(gen *models.Generation, intent Intent, minuteSlot, hourSlot time.Time) *Job {
	return &Job{
		generationID: gen.ID,
		userID:       gen.UserID,
		cost:         gen.Cost,
		intent:       intent,
		bus:          progress.NewBus(),
		minuteSlot:   minuteSlot,
		hourSlot:     hourSlot,
		cancelled:    make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (j *Job) GenerationID() int64 { return j.generationID }

func (j *Job) UserID() int64 { return j.userID }

func (j *Job) Cost() int64 { return j.cost }

// Progress streams non-decreasing progress updates and is closed when the job ends.
func (j *Job) Progress() <-chan progress.Update { return j.bus.Updates() }

// Cancel requests early termination. The job unwinds within one poll interval.
func (j *Job) Cancel() {
	j.cancelOnce.Do(func() { close(j.cancelled) })
}

func (j *Job) isCancelled() bool {
	select {
	case <-j.cancelled:
		return true
	default:
		return false
	}
}

// Done is closed once the job reached a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job ends or ctx is done. Failures are *JobError values.
func (j *Job) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-j.done:
		return j.result, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (j *Job) finish(result *Result, err error) {
	j.result = result
	j.err = err
	close(j.done)
}
