package ledger_test

import (
	"context"
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
	"github.com/digkill/TGVideoBot/internal/repository"
	"github.com/digkill/TGVideoBot/pkg/logger"
)

const welcome = 10

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	db := databasetest.New(t)
	return ledger.New(db, database.DialectSQLite, ledger.Options{
		WelcomeBonus: welcome,
		Logger:       logger.Discard(),
		Now:          func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
}

// newFunded registers a user and tops the balance up to exactly balance credits.
func newFunded(t *testing.T, l *ledger.Ledger, telegramID, balance int64) *models.User {
	t.Helper()
	ctx := context.Background()
	user, created, err := l.EnsureUser(ctx, ledger.Profile{TelegramID: telegramID, Username: "tester"})
	require.NoError(t, err)
	require.True(t, created)
	if balance > welcome {
		_, err := l.Credit(ctx, user.ID, balance-welcome, models.TxPurchase, "top up")
		require.NoError(t, err)
	} else if balance < welcome {
		gen := &models.Generation{Mode: models.ModeTextToVideo, Model: models.ModelSeedanceLite, Resolution: "720p",
			Duration: 5, AspectRatio: "16:9", Prompt: "drain", Cost: welcome - balance}
		_, err := l.Debit(ctx, user.ID, gen)
		require.NoError(t, err)
		_, err = l.FinalizeGeneration(ctx, gen.ID, models.StatusCompleted, repository.Finish{ArtifactURL: "https://cdn/x.mp4"})
		require.NoError(t, err)
	}
	got, err := l.Balance(ctx, user.ID)
	require.NoError(t, err)
	require.EqualValues(t, balance, got)
	return user
}

func newGeneration(cost int64) *models.Generation {
	return &models.Generation{
		Mode:        models.ModeTextToVideo,
		Model:       models.ModelSeedancePro,
		Resolution:  "1080p",
		Duration:    5,
		AspectRatio: "16:9",
		Prompt:      "a cat surfing",
		Cost:        cost,
	}
}

func assertConserved(t *testing.T, l *ledger.Ledger, userID int64) {
	t.Helper()
	report, err := l.Audit(context.Background(), userID)
	require.NoError(t, err)
	assert.Zero(t, report.Drift, "balance %d expected %d", report.Balance, report.Expected)
	assert.GreaterOrEqual(t, report.Balance, int64(0))
}

func TestEnsureUserAwardsWelcomeBonusOnce(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	user, created, err := l.EnsureUser(ctx, ledger.Profile{TelegramID: 42, FirstName: "Ann"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.EqualValues(t, welcome, user.Balance)
	assert.EqualValues(t, welcome, user.WelcomeBonus)
	assert.EqualValues(t, welcome, user.BonusCreditsReceived)

	again, created, err := l.EnsureUser(ctx, ledger.Profile{TelegramID: 42, FirstName: "Anna"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, user.ID, again.ID)
	assert.Equal(t, "Anna", again.FirstName)
	assert.EqualValues(t, welcome, again.Balance)

	txs, err := l.Transactions(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)
	assertConserved(t, l, user.ID)
}

func TestDebitInsufficientCreditsWritesNothing(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	user := newFunded(t, l, 1, 10)

	gen := newGeneration(25)
	_, err := l.Debit(ctx, user.ID, gen)
	require.ErrorIs(t, err, ledger.ErrInsufficientCredits)
	assert.Zero(t, gen.ID)

	balance, err := l.Balance(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 10, balance)

	txs, err := l.Transactions(ctx, user.ID)
	require.NoError(t, err)
	for _, tx := range txs {
		assert.NotEqual(t, models.TxGeneration, tx.Kind)
	}
	assertConserved(t, l, user.ID)
}

func TestDebitCompleteKeepsCharge(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	user := newFunded(t, l, 1, 50)

	gen := newGeneration(25)
	debit, err := l.Debit(ctx, user.ID, gen)
	require.NoError(t, err)
	assert.NotZero(t, gen.ID)
	assert.Equal(t, models.StatusPending, gen.Status)
	assert.Equal(t, models.TxStatusPending, debit.Status)
	assert.EqualValues(t, -25, debit.Amount)
	assert.EqualValues(t, 50, debit.BalanceBefore)
	assert.EqualValues(t, 25, debit.BalanceAfter)

	balance, err := l.Balance(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 25, balance)
	assertConserved(t, l, user.ID)

	require.NoError(t, l.Complete(ctx, debit.ID))
	err = l.Complete(ctx, debit.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	u, err := l.User(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 25, u.Balance)
	assert.EqualValues(t, 25, u.CreditsSpent)
	assertConserved(t, l, user.ID)
}

func TestRefundRules(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	user := newFunded(t, l, 1, 100)

	gen := newGeneration(25)
	debit, err := l.Debit(ctx, user.ID, gen)
	require.NoError(t, err)

	_, err = l.Refund(ctx, debit.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition, "pending entries cannot be refunded")

	require.NoError(t, l.Complete(ctx, debit.ID))
	refund, err := l.Refund(ctx, debit.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TxRefund, refund.Kind)
	assert.EqualValues(t, 25, refund.Amount)
	require.NotNil(t, refund.RefundOf)
	assert.Equal(t, debit.ID, *refund.RefundOf)
	assert.Equal(t, models.TxStatusCompleted, refund.Status)

	_, err = l.Refund(ctx, debit.ID)
	assert.ErrorIs(t, err, ledger.ErrAlreadyRefunded)

	_, err = l.Refund(ctx, refund.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition, "refunds do not chain")

	u, err := l.User(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 100, u.Balance)
	assert.Zero(t, u.CreditsSpent)
	assertConserved(t, l, user.ID)
}

func TestRefundOfSpentCreditIsRefused(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	user := newFunded(t, l, 1, 10)

	gift, err := l.Credit(ctx, user.ID, 30, models.TxAdminGift, "sorry")
	require.NoError(t, err)

	gen := newGeneration(35)
	_, err = l.Debit(ctx, user.ID, gen)
	require.NoError(t, err)

	_, err = l.Refund(ctx, gift.ID)
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)
	assertConserved(t, l, user.ID)
}

func TestCreditRejectsInvalidInput(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	user := newFunded(t, l, 1, 10)

	_, err := l.Credit(ctx, user.ID, 0, models.TxBonus, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = l.Credit(ctx, user.ID, 5, models.TxRefund, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidKind)

	_, err = l.Credit(ctx, 999, 5, models.TxBonus, "")
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)
}

func TestCreditCountersByKind(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	user := newFunded(t, l, 1, 10)

	_, err := l.Credit(ctx, user.ID, 40, models.TxPurchase, "pack")
	require.NoError(t, err)
	_, err = l.Credit(ctx, user.ID, 15, models.TxBonus, "promo")
	require.NoError(t, err)

	u, err := l.User(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 65, u.Balance)
	assert.EqualValues(t, 40, u.CreditsBought)
	assert.EqualValues(t, welcome+15, u.BonusCreditsReceived)
	assertConserved(t, l, user.ID)
}

func TestFinalizeFailureRefundsExactlyOnce(t *testing.T) {
	for _, status := range []models.GenerationStatus{models.StatusFailed, models.StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			l := newLedger(t)
			ctx := context.Background()
			user := newFunded(t, l, 1, 100)

			gen := newGeneration(25)
			debit, err := l.Debit(ctx, user.ID, gen)
			require.NoError(t, err)

			finish := repository.Finish{ErrorKind: models.ErrorContentRejected, ErrorMessage: "flagged"}
			s, err := l.FinalizeGeneration(ctx, gen.ID, status, finish)
			require.NoError(t, err)
			assert.True(t, s.Changed)
			require.NotNil(t, s.Refund)
			assert.EqualValues(t, 25, s.Refund.Amount)
			assert.EqualValues(t, 100, s.Balance)

			again, err := l.FinalizeGeneration(ctx, gen.ID, status, finish)
			require.NoError(t, err)
			assert.False(t, again.Changed)
			assert.Nil(t, again.Refund)

			txs, err := l.Transactions(ctx, user.ID)
			require.NoError(t, err)
			var refunds int
			for _, tx := range txs {
				if tx.Kind == models.TxRefund {
					refunds++
					assert.Equal(t, debit.ID, *tx.RefundOf)
				}
				if tx.ID == debit.ID {
					assert.Equal(t, models.TxStatusRefunded, tx.Status)
				}
			}
			assert.Equal(t, 1, refunds)

			balance, err := l.Balance(ctx, user.ID)
			require.NoError(t, err)
			assert.EqualValues(t, 100, balance)
			assertConserved(t, l, user.ID)
		})
	}
}

func TestFinalizeSuccessCompletesDebit(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	user := newFunded(t, l, 1, 50)

	gen := newGeneration(25)
	debit, err := l.Debit(ctx, user.ID, gen)
	require.NoError(t, err)

	_, err = l.FinalizeGeneration(ctx, gen.ID, models.StatusCompleted, repository.Finish{})
	require.Error(t, err, "completion requires an artifact")

	s, err := l.FinalizeGeneration(ctx, gen.ID, models.StatusCompleted, repository.Finish{ArtifactURL: "https://cdn/v.mp4"})
	require.NoError(t, err)
	assert.True(t, s.Changed)
	assert.Nil(t, s.Refund)
	assert.Equal(t, models.TxStatusCompleted, s.Debit.Status)

	// a late failure signal after success must not refund
	late, err := l.FinalizeGeneration(ctx, gen.ID, models.StatusFailed, repository.Finish{ErrorKind: models.ErrorTimeout})
	require.NoError(t, err)
	assert.False(t, late.Changed)

	txs, err := l.Transactions(ctx, user.ID)
	require.NoError(t, err)
	for _, tx := range txs {
		if tx.ID == debit.ID {
			assert.Equal(t, models.TxStatusCompleted, tx.Status)
		}
		assert.NotEqual(t, models.TxRefund, tx.Kind)
	}
	balance, err := l.Balance(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 25, balance)
	assertConserved(t, l, user.ID)
}

func TestConcurrentDebitsAreLinearised(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	user := newFunded(t, l, 1, 30)

	const workers = 2
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		okGens []*models.Generation
		errs   []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gen := newGeneration(20)
			_, err := l.Debit(ctx, user.ID, gen)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			okGens = append(okGens, gen)
		}()
	}
	wg.Wait()

	require.Len(t, okGens, 1)
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], ledger.ErrInsufficientCredits))

	_, err := l.FinalizeGeneration(ctx, okGens[0].ID, models.StatusCompleted, repository.Finish{ArtifactURL: "https://cdn/v.mp4"})
	require.NoError(t, err)
	balance, err := l.Balance(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 10, balance)
	assertConserved(t, l, user.ID)
}

func TestManyConcurrentDebitsNeverOverdraw(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	user := newFunded(t, l, 1, 100)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Debit(ctx, user.ID, newGeneration(15))
		}()
	}
	wg.Wait()

	balance, err := l.Balance(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 10, balance, "six debits of 15 fit into 100")
	assertConserved(t, l, user.ID)
}

func TestBonusFundedClassification(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	user := newFunded(t, l, 1, 10)

	_, err := l.Credit(ctx, user.ID, 20, models.TxBonus, "promo")
	require.NoError(t, err)
	_, err = l.Credit(ctx, user.ID, 100, models.TxPurchase, "pack")
	require.NoError(t, err)

	// lifetime bonus is 30: the first 25 is covered, the second is not
	first := newGeneration(25)
	_, err = l.Debit(ctx, user.ID, first)
	require.NoError(t, err)
	assert.True(t, first.BonusFunded)

	second := newGeneration(25)
	_, err = l.Debit(ctx, user.ID, second)
	require.NoError(t, err)
	assert.False(t, second.BonusFunded)

	// a refunded bonus-funded generation frees its share again
	_, err = l.FinalizeGeneration(ctx, first.ID, models.StatusFailed, repository.Finish{ErrorKind: models.ErrorUpstream})
	require.NoError(t, err)
	third := newGeneration(25)
	_, err = l.Debit(ctx, user.ID, third)
	require.NoError(t, err)
	assert.True(t, third.BonusFunded)
	assertConserved(t, l, user.ID)
}

func TestRecoveredGenerationDoesNotConsumeBonus(t *testing.T) {
	db := databasetest.New(t)
	l := ledger.New(db, database.DialectSQLite, ledger.Options{WelcomeBonus: welcome, Logger: logger.Discard()})
	gens := repository.NewGenerationRepository(db, database.DialectSQLite)
	ctx := context.Background()

	user, _, err := l.EnsureUser(ctx, ledger.Profile{TelegramID: 11})
	require.NoError(t, err)

	first := newGeneration(welcome)
	_, err = l.Debit(ctx, user.ID, first)
	require.NoError(t, err)
	require.True(t, first.BonusFunded)

	s, err := l.FinalizeGeneration(ctx, first.ID, models.StatusFailed, repository.Finish{ErrorKind: models.ErrorTimeout})
	require.NoError(t, err)
	require.NotNil(t, s.Refund)
	healed, err := gens.MarkRecovered(ctx, first.ID, "https://cdn/late.mp4", time.Now())
	require.NoError(t, err)
	require.True(t, healed)

	// the refund stands, so the welcome bonus is still unspent
	second := newGeneration(welcome)
	_, err = l.Debit(ctx, user.ID, second)
	require.NoError(t, err)
	assert.True(t, second.BonusFunded)
	assertConserved(t, l, user.ID)
}

func TestRefundEntryContinuesBalanceChain(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	user := newFunded(t, l, 12, welcome)

	purchase, err := l.Credit(ctx, user.ID, 50, models.TxPurchase, "pack")
	require.NoError(t, err)
	_, err = l.Credit(ctx, user.ID, 5, models.TxAdminGift, "sorry")
	require.NoError(t, err)

	refund, err := l.Refund(ctx, purchase.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 65, refund.BalanceBefore)
	assert.EqualValues(t, 15, refund.BalanceAfter)

	txs, err := l.Transactions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	for i := 1; i < len(txs); i++ {
		assert.Equal(t, txs[i-1].BalanceAfter, txs[i].BalanceBefore, "entry #%d", txs[i].ID)
		assert.Equal(t, txs[i].BalanceBefore+txs[i].Amount, txs[i].BalanceAfter, "entry #%d", txs[i].ID)
	}
	assertConserved(t, l, user.ID)
}

func TestAuditDetectsDrift(t *testing.T) {
	db := databasetest.New(t)
	l := ledger.New(db, database.DialectSQLite, ledger.Options{WelcomeBonus: welcome, Logger: logger.Discard()})
	ctx := context.Background()

	user, _, err := l.EnsureUser(ctx, ledger.Profile{TelegramID: 7})
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE users SET balance = balance + 3 WHERE id = ?`, user.ID)
	require.NoError(t, err)

	report, err := l.Audit(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, report.Drift)
}

func TestSetBanned(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	user := newFunded(t, l, 1, 10)

	require.NoError(t, l.SetBanned(ctx, user.ID, true))
	u, err := l.UserByTelegramID(ctx, 1)
	require.NoError(t, err)
	assert.True(t, u.IsBanned)

	_, err = l.UserByTelegramID(ctx, 2)
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)
}
