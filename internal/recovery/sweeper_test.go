package recovery_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TGVideoBot/internal/database"
	"github.com/digkill/TGVideoBot/internal/database/databasetest"
	"github.com/digkill/TGVideoBot/internal/ledger"
	"github.com/digkill/TGVideoBot/internal/models"
	"github.com/digkill/TGVideoBot/internal/notify"
	"github.com/digkill/TGVideoBot/internal/provider"
	"github.com/digkill/TGVideoBot/internal/recovery"
	"github.com/digkill/TGVideoBot/internal/repository"
	"github.com/digkill/TGVideoBot/pkg/logger"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeProvider struct {
	mu       sync.Mutex
	statuses map[string]*provider.TaskStatus
	calls    int
}

func (p *fakeProvider) Status(_ context.Context, taskID string) (*provider.TaskStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	st, ok := p.statuses[taskID]
	if !ok {
		return nil, &provider.Error{Class: provider.ClassTransient, StatusCode: 502}
	}
	return st, nil
}

type sent struct {
	chatID  int64
	kind    notify.Kind
	payload notify.Payload
}

type recorder struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recorder) Notify(_ context.Context, chatID int64, kind notify.Kind, payload notify.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{chatID: chatID, kind: kind, payload: payload})
	return nil
}

type activeSet map[int64]bool

func (a activeSet) IsActive(id int64) bool { return a[id] }

type harness struct {
	db       *sql.DB
	ledger   *ledger.Ledger
	gens     *repository.GenerationRepository
	provider *fakeProvider
	notifier *recorder
	active   activeSet
	now      time.Time
	sweeper  *recovery.Sweeper
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := databasetest.New(t)
	h := &harness{
		db:       db,
		gens:     repository.NewGenerationRepository(db, database.DialectSQLite),
		provider: &fakeProvider{statuses: map[string]*provider.TaskStatus{}},
		notifier: &recorder{},
		active:   activeSet{},
		now:      start,
	}
	h.ledger = ledger.New(db, database.DialectSQLite, ledger.Options{
		WelcomeBonus: 10,
		Logger:       logger.Discard(),
		Now:          func() time.Time { return start },
	})
	h.sweeper = recovery.New(h.provider, h.gens, h.ledger, recovery.Options{
		Lookback:      24 * time.Hour,
		OrphanHorizon: 30 * time.Minute,
		Notifier:      h.notifier,
		Jobs:          h.active,
		Logger:        logger.Discard(),
		Now:           func() time.Time { return h.now },
	})
	return h
}

func (h *harness) user(t *testing.T, telegramID, balance int64) *models.User {
	t.Helper()
	ctx := context.Background()
	u, _, err := h.ledger.EnsureUser(ctx, ledger.Profile{TelegramID: telegramID})
	require.NoError(t, err)
	_, err = h.ledger.Credit(ctx, u.ID, balance-u.Balance, models.TxPurchase, "top up")
	require.NoError(t, err)
	return u
}

func (h *harness) debit(t *testing.T, userID, cost int64) *models.Generation {
	t.Helper()
	gen := &models.Generation{Mode: models.ModeTextToVideo, Model: models.ModelSeedancePro, Resolution: "1080p",
		Duration: 5, AspectRatio: "16:9", Prompt: "a fox in the snow", Cost: cost}
	_, err := h.ledger.Debit(context.Background(), userID, gen)
	require.NoError(t, err)
	return gen
}

// timedOut leaves a generation the way an expired job does: processing with a task id, then failed and refunded.
func (h *harness) timedOut(t *testing.T, userID int64, taskID string) *models.Generation {
	t.Helper()
	ctx := context.Background()
	gen := h.debit(t, userID, 25)
	ok, err := h.gens.MarkProcessing(ctx, gen.ID, taskID, start)
	require.NoError(t, err)
	require.True(t, ok)
	s, err := h.ledger.FinalizeGeneration(ctx, gen.ID, models.StatusFailed, repository.Finish{
		ErrorKind: models.ErrorTimeout, ErrorMessage: "generation timed out", CompletedAt: start.Add(6 * time.Minute),
	})
	require.NoError(t, err)
	require.NotNil(t, s.Refund)
	return gen
}

func (h *harness) txCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, h.db.QueryRow(`SELECT COUNT(*) FROM transactions`).Scan(&n))
	return n
}

func (h *harness) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func TestHealsTimedOutGenerationWithoutRedebit(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, 777, 100)
	gen := h.timedOut(t, u.ID, "task-42")
	require.EqualValues(t, 100, h.balance(t, u.ID))

	h.provider.statuses["task-42"] = &provider.TaskStatus{ID: "task-42", Status: "completed", Outputs: []string{"https://cdn/late.mp4"}}
	h.now = start.Add(11 * time.Minute)
	txBefore := h.txCount(t)

	report, err := h.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Healed)

	got, err := h.gens.GetByID(context.Background(), gen.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "https://cdn/late.mp4", got.ArtifactURL)
	assert.Equal(t, 100, got.Progress)

	assert.EqualValues(t, 100, h.balance(t, u.ID), "recovered clips are not charged again")
	assert.Equal(t, txBefore, h.txCount(t))

	require.Len(t, h.notifier.sent, 1)
	assert.EqualValues(t, 777, h.notifier.sent[0].chatID)
	assert.Equal(t, notify.KindVideoRecovered, h.notifier.sent[0].kind)
	assert.Equal(t, gen.ID, h.notifier.sent[0].payload.GenerationID)
	assert.Equal(t, "https://cdn/late.mp4", h.notifier.sent[0].payload.VideoURL)

	report, err = h.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Healed)
	assert.Zero(t, report.Checked)
	assert.Equal(t, txBefore, h.txCount(t))
	assert.Len(t, h.notifier.sent, 1)

	audit, err := h.ledger.Audit(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Zero(t, audit.Drift)
}

func TestLeavesStillFailedAndUnreachableTasks(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, 1, 100)
	failedUpstream := h.timedOut(t, u.ID, "task-failed")
	unreachable := h.timedOut(t, u.ID, "task-missing")
	h.provider.statuses["task-failed"] = &provider.TaskStatus{Status: "failed", Error: "boom"}
	h.now = start.Add(time.Hour)

	report, err := h.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Zero(t, report.Healed)

	for _, id := range []int64{failedUpstream.ID, unreachable.ID} {
		got, err := h.gens.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
	}
	assert.Empty(t, h.notifier.sent)
}

func TestLookbackWindow(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, 1, 100)
	h.timedOut(t, u.ID, "task-old")
	h.provider.statuses["task-old"] = &provider.TaskStatus{Status: "completed", Outputs: []string{"https://cdn/old.mp4"}}
	h.now = start.Add(25 * time.Hour)

	report, err := h.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
	assert.Zero(t, h.provider.calls)
}

func TestFailuresWithoutTaskAreNotChecked(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, 1, 100)
	gen := h.debit(t, u.ID, 25)
	_, err := h.ledger.FinalizeGeneration(context.Background(), gen.ID, models.StatusFailed,
		repository.Finish{ErrorKind: models.ErrorUpstream, CompletedAt: start})
	require.NoError(t, err)
	h.now = start.Add(time.Minute)

	report, err := h.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
}

func TestReapsOrphansAndSkipsActiveJobs(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, 1, 100)
	orphan := h.debit(t, u.ID, 25)
	owned := h.debit(t, u.ID, 25)
	h.active[owned.ID] = true
	require.EqualValues(t, 50, h.balance(t, u.ID))

	h.now = start.Add(10 * time.Minute)
	report, err := h.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Reaped, "younger than the horizon")

	h.now = start.Add(31 * time.Minute)
	report, err = h.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reaped)
	assert.Zero(t, report.Stray, "the owned debit is skipped, the orphan one was settled")

	got, err := h.gens.GetByID(context.Background(), orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, models.ErrorInternal, got.ErrorKind)

	got, err = h.gens.GetByID(context.Background(), owned.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.EqualValues(t, 75, h.balance(t, u.ID))

	report, err = h.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Reaped)
	assert.EqualValues(t, 75, h.balance(t, u.ID))
}

func TestReportsPendingDebitOfTerminalGeneration(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, 1, 100)
	gen := h.debit(t, u.ID, 25)
	// a generation closed outside the ledger leaves its debit pending
	_, err := h.db.Exec(`UPDATE generations SET status = ? WHERE id = ?`, string(models.StatusCompleted), gen.ID)
	require.NoError(t, err)

	h.now = start.Add(10 * time.Minute)
	report, err := h.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Stray)

	h.now = start.Add(31 * time.Minute)
	report, err = h.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Reaped)
	assert.Equal(t, 1, report.Stray)
	assert.EqualValues(t, 75, h.balance(t, u.ID), "nothing is rewritten")
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, int64, notify.Kind, notify.Payload) error {
	return errors.New("chat unreachable")
}

func TestNotificationFailureStillHeals(t *testing.T) {
	db := databasetest.New(t)
	gens := repository.NewGenerationRepository(db, database.DialectSQLite)
	l := ledger.New(db, database.DialectSQLite, ledger.Options{WelcomeBonus: 10, Logger: logger.Discard(), Now: func() time.Time { return start }})
	p := &fakeProvider{statuses: map[string]*provider.TaskStatus{
		"t": {Status: "completed", Outputs: []string{"https://cdn/x.mp4"}},
	}}

	ctx := context.Background()
	u, _, err := l.EnsureUser(ctx, ledger.Profile{TelegramID: 5})
	require.NoError(t, err)
	gen := &models.Generation{Mode: models.ModeTextToVideo, Model: models.ModelSeedanceLite, Resolution: "720p",
		Duration: 5, AspectRatio: "16:9", Prompt: "p", Cost: 10}
	_, err = l.Debit(ctx, u.ID, gen)
	require.NoError(t, err)
	_, err = gens.MarkProcessing(ctx, gen.ID, "t", start)
	require.NoError(t, err)
	_, err = l.FinalizeGeneration(ctx, gen.ID, models.StatusFailed, repository.Finish{ErrorKind: models.ErrorTimeout, CompletedAt: start})
	require.NoError(t, err)

	s := recovery.New(p, gens, l, recovery.Options{Notifier: failingNotifier{}, Logger: logger.Discard(),
		Now: func() time.Time { return start.Add(time.Minute) }})
	report, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Healed)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sweeper.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
