// Package ledger is the authority over user balances. Every balance change is a
// transaction row written in the same database transaction as the balance update,
// with the user row locked first.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/digkill/TGVideoBot/internal/database"
	"github.com/digkill/TGVideoBot/internal/metrics"
	"github.com/digkill/TGVideoBot/internal/models"
	"github.com/digkill/TGVideoBot/internal/repository"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidTransition   = errors.New("invalid transaction status transition")
	ErrAlreadyRefunded     = errors.New("transaction already refunded")
	ErrUserNotFound        = errors.New("user not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrGenerationNotFound  = errors.New("generation not found")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidKind         = errors.New("transaction kind not allowed here")
)

type Options struct {
	WelcomeBonus int64
	Logger       *slog.Logger
	Now          func() time.Time
}

type Ledger struct {
	db           *sql.DB
	users        *repository.UserRepository
	generations  *repository.GenerationRepository
	transactions *repository.TransactionRepository
	welcomeBonus int64
	log          *slog.Logger
	now          func() time.Time
}

func New(db *sql.DB, dialect database.Dialect, opts Options) *Ledger {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		db:           db,
		users:        repository.NewUserRepository(db, dialect),
		generations:  repository.NewGenerationRepository(db, dialect),
		transactions: repository.NewTransactionRepository(db, dialect),
		welcomeBonus: opts.WelcomeBonus,
		log:          log.With("component", "ledger"),
		now:          func() time.Time { return now().UTC() },
	}
}

// Tx is a ledger view bound to one open database transaction.
type Tx struct {
	sql          *sql.Tx
	users        *repository.UserRepository
	generations  *repository.GenerationRepository
	transactions *repository.TransactionRepository
	now          time.Time
}

// SQL exposes the underlying transaction so callers can bind their own repositories to it.
func (t *Tx) SQL() *sql.Tx { return t.sql }

// Now is the timestamp every write of this transaction carries.
func (t *Tx) Now() time.Time { return t.now }

// InTx runs fn inside one database transaction and commits when fn returns nil.
func (l *Ledger) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	tx := &Tx{
		sql:          sqlTx,
		users:        l.users.WithTx(sqlTx),
		generations:  l.generations.WithTx(sqlTx),
		transactions: l.transactions.WithTx(sqlTx),
		now:          l.now(),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (t *Tx) lockUser(ctx context.Context, userID int64) (*models.User, error) {
	user, err := t.users.LockByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("user %d: %w", userID, ErrUserNotFound)
	}
	return user, nil
}

// insert validates the balance arithmetic of an entry and writes it.
func (t *Tx) insert(ctx context.Context, entry *models.Transaction) error {
	if entry.BalanceBefore < 0 || entry.BalanceAfter < 0 {
		return fmt.Errorf("%s entry for user %d: negative balance %d -> %d: %w",
			entry.Kind, entry.UserID, entry.BalanceBefore, entry.BalanceAfter, ErrInsufficientCredits)
	}
	if entry.BalanceAfter != entry.BalanceBefore+entry.Amount {
		return fmt.Errorf("%s entry for user %d: balance %d + %d != %d",
			entry.Kind, entry.UserID, entry.BalanceBefore, entry.Amount, entry.BalanceAfter)
	}
	entry.CreatedAt = t.now
	if err := t.transactions.Create(ctx, entry); err != nil {
		return err
	}
	metrics.LedgerEntries.WithLabelValues(string(entry.Kind)).Inc()
	amount := entry.Amount
	if amount < 0 {
		amount = -amount
	}
	metrics.LedgerCredits.WithLabelValues(string(entry.Kind)).Add(float64(amount))
	return nil
}

func (t *Tx) applyDelta(ctx context.Context, userID int64, d repository.UserDelta) error {
	if err := t.users.ApplyDelta(ctx, userID, d); err != nil {
		if errors.Is(err, repository.ErrNoRowsAffected) {
			return fmt.Errorf("user %d: %w", userID, ErrInsufficientCredits)
		}
		return err
	}
	return nil
}

// Profile is the chat-side identity used to register or refresh a user.
type Profile struct {
	TelegramID int64
	Username   string
	FirstName  string
	LastName   string
	Language   string
}

// EnsureUser returns the user behind profile, creating it with the welcome bonus on
// first contact. The bonus is recorded as welcome_bonus rather than as a transaction.
func (l *Ledger) EnsureUser(ctx context.Context, p Profile) (*models.User, bool, error) {
	var (
		user    *models.User
		created bool
	)
	err := l.InTx(ctx, func(tx *Tx) error {
		existing, err := tx.users.FindByTelegramID(ctx, p.TelegramID)
		if err != nil {
			return err
		}
		if existing != nil {
			if err := tx.users.Touch(ctx, existing.ID, p.Username, p.FirstName, p.LastName, tx.now); err != nil {
				return err
			}
			existing.Username, existing.FirstName, existing.LastName = p.Username, p.FirstName, p.LastName
			existing.LastActiveAt = tx.now
			user = existing
			return nil
		}

		user, err = tx.users.Create(ctx, &models.User{
			TelegramID:           p.TelegramID,
			Username:             p.Username,
			FirstName:            p.FirstName,
			LastName:             p.LastName,
			Language:             p.Language,
			Balance:              l.welcomeBonus,
			BonusCreditsReceived: l.welcomeBonus,
			WelcomeBonus:         l.welcomeBonus,
			CreatedAt:            tx.now,
			LastActiveAt:         tx.now,
		})
		created = err == nil
		return err
	})
	if err != nil {
		// Two first messages can race on the unique telegram_id; the loser reads the winner's row.
		if existing, findErr := l.users.FindByTelegramID(ctx, p.TelegramID); findErr == nil && existing != nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("ensure user: %w", err)
	}
	if created {
		l.log.Info("user registered", "user_id", user.ID, "telegram_id", user.TelegramID, "welcome_bonus", l.welcomeBonus)
	}
	return user, created, nil
}

// Debit charges gen.Cost to userID and persists gen as Pending together with a
// Pending generation debit. gen.ID, gen.UserID, gen.Status and gen.BonusFunded are set.
func (l *Ledger) Debit(ctx context.Context, userID int64, gen *models.Generation) (*models.Transaction, error) {
	if gen.Cost <= 0 {
		return nil, fmt.Errorf("debit %d: %w", gen.Cost, ErrInvalidAmount)
	}
	var entry *models.Transaction
	err := l.InTx(ctx, func(tx *Tx) error {
		user, err := tx.lockUser(ctx, userID)
		if err != nil {
			return err
		}
		if user.Balance < gen.Cost {
			return fmt.Errorf("balance %d, cost %d: %w", user.Balance, gen.Cost, ErrInsufficientCredits)
		}

		bonusSpent, err := tx.generations.SumBonusFundedSpend(ctx, userID)
		if err != nil {
			return err
		}
		gen.UserID = userID
		gen.Status = models.StatusPending
		gen.BonusFunded = user.BonusCreditsReceived-bonusSpent >= gen.Cost
		gen.CreatedAt = tx.now
		if err := tx.generations.Create(ctx, gen); err != nil {
			return err
		}

		genID := gen.ID
		entry = &models.Transaction{
			UserID:        userID,
			GenerationID:  &genID,
			Kind:          models.TxGeneration,
			Amount:        -gen.Cost,
			BalanceBefore: user.Balance,
			BalanceAfter:  user.Balance - gen.Cost,
			Status:        models.TxStatusPending,
			Description:   fmt.Sprintf("%s %ds %s", gen.Model, gen.Duration, gen.Resolution),
		}
		if err := tx.insert(ctx, entry); err != nil {
			return err
		}
		return tx.applyDelta(ctx, userID, repository.UserDelta{Balance: -gen.Cost, CreditsSpent: gen.Cost})
	})
	if err != nil {
		return nil, fmt.Errorf("debit user %d: %w", userID, err)
	}
	return entry, nil
}

// Credit adds amount to the user's balance as an immediately completed entry.
func (l *Ledger) Credit(ctx context.Context, userID, amount int64, kind models.TransactionKind, note string) (*models.Transaction, error) {
	var entry *models.Transaction
	err := l.InTx(ctx, func(tx *Tx) error {
		var err error
		entry, err = tx.Credit(ctx, userID, amount, kind, note)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("credit user %d: %w", userID, err)
	}
	l.log.Info("credits granted", "user_id", userID, "kind", kind, "amount", amount, "balance", entry.BalanceAfter)
	return entry, nil
}

// Credit is the in-transaction form of Ledger.Credit.
func (t *Tx) Credit(ctx context.Context, userID, amount int64, kind models.TransactionKind, note string) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credit %d: %w", amount, ErrInvalidAmount)
	}
	delta := repository.UserDelta{Balance: amount}
	switch {
	case kind == models.TxPurchase:
		delta.CreditsBought = amount
	case kind.IsBonus():
		delta.BonusCreditsReceived = amount
	default:
		return nil, fmt.Errorf("credit as %s: %w", kind, ErrInvalidKind)
	}

	user, err := t.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	entry := &models.Transaction{
		UserID:        userID,
		Kind:          kind,
		Amount:        amount,
		BalanceBefore: user.Balance,
		BalanceAfter:  user.Balance + amount,
		Status:        models.TxStatusCompleted,
		Description:   strings.TrimSpace(note),
	}
	if err := t.insert(ctx, entry); err != nil {
		return nil, err
	}
	if err := t.applyDelta(ctx, userID, delta); err != nil {
		return nil, err
	}
	return entry, nil
}

// Complete settles a pending entry.
func (l *Ledger) Complete(ctx context.Context, txID int64) error {
	err := l.InTx(ctx, func(tx *Tx) error {
		entry, _, err := tx.lockEntry(ctx, txID)
		if err != nil {
			return err
		}
		return tx.complete(ctx, entry)
	})
	if err != nil {
		return fmt.Errorf("complete transaction %d: %w", txID, err)
	}
	return nil
}

// Refund reverses a completed entry with a compensating Refund entry and marks it Refunded.
func (l *Ledger) Refund(ctx context.Context, txID int64) (*models.Transaction, error) {
	var refund *models.Transaction
	err := l.InTx(ctx, func(tx *Tx) error {
		entry, user, err := tx.lockEntry(ctx, txID)
		if err != nil {
			return err
		}
		refund, err = tx.refund(ctx, user, entry)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("refund transaction %d: %w", txID, err)
	}
	l.log.Info("transaction refunded", "transaction_id", txID, "refund_id", refund.ID, "amount", refund.Amount)
	return refund, nil
}

// lockEntry locks the owning user row and then the entry itself. The returned user
// is the locked row, so its balance is current for the rest of the transaction.
func (t *Tx) lockEntry(ctx context.Context, txID int64) (*models.Transaction, *models.User, error) {
	entry, err := t.transactions.GetByID(ctx, txID)
	if err != nil {
		return nil, nil, err
	}
	if entry == nil {
		return nil, nil, fmt.Errorf("transaction %d: %w", txID, ErrTransactionNotFound)
	}
	user, err := t.lockUser(ctx, entry.UserID)
	if err != nil {
		return nil, nil, err
	}
	entry, err = t.transactions.LockByID(ctx, txID)
	if err != nil {
		return nil, nil, err
	}
	if entry == nil {
		return nil, nil, fmt.Errorf("transaction %d: %w", txID, ErrTransactionNotFound)
	}
	return entry, user, nil
}

func (t *Tx) complete(ctx context.Context, entry *models.Transaction) error {
	if entry.Status != models.TxStatusPending {
		return fmt.Errorf("%s -> %s: %w", entry.Status, models.TxStatusCompleted, ErrInvalidTransition)
	}
	ok, err := t.transactions.SetStatus(ctx, entry.ID, models.TxStatusPending, models.TxStatusCompleted, t.now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("transaction %d moved concurrently: %w", entry.ID, ErrInvalidTransition)
	}
	entry.Status = models.TxStatusCompleted
	return nil
}

// refund assumes the user row is already locked; user carries its current balance.
func (t *Tx) refund(ctx context.Context, user *models.User, entry *models.Transaction) (*models.Transaction, error) {
	switch {
	case entry.Status == models.TxStatusRefunded:
		return nil, ErrAlreadyRefunded
	case entry.Status != models.TxStatusCompleted:
		return nil, fmt.Errorf("%s -> %s: %w", entry.Status, models.TxStatusRefunded, ErrInvalidTransition)
	case entry.Kind == models.TxRefund:
		return nil, fmt.Errorf("refund of a refund: %w", ErrInvalidTransition)
	}
	existing, err := t.transactions.FindRefundOf(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadyRefunded
	}

	amount := -entry.Amount
	delta := repository.UserDelta{Balance: amount}
	switch {
	case entry.Kind == models.TxGeneration:
		delta.CreditsSpent = entry.Amount
	case entry.Kind == models.TxPurchase:
		delta.CreditsBought = amount
	case entry.Kind.IsBonus():
		delta.BonusCreditsReceived = amount
	}

	originalID := entry.ID
	refund := &models.Transaction{
		UserID:        entry.UserID,
		GenerationID:  entry.GenerationID,
		Kind:          models.TxRefund,
		Amount:        amount,
		BalanceBefore: user.Balance,
		BalanceAfter:  user.Balance + amount,
		Status:        models.TxStatusCompleted,
		RefundOf:      &originalID,
		Description:   fmt.Sprintf("refund of #%d", entry.ID),
	}
	if err := t.insert(ctx, refund); err != nil {
		return nil, err
	}
	ok, err := t.transactions.SetStatus(ctx, entry.ID, models.TxStatusCompleted, models.TxStatusRefunded, t.now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("transaction %d moved concurrently: %w", entry.ID, ErrInvalidTransition)
	}
	if err := t.applyDelta(ctx, entry.UserID, delta); err != nil {
		return nil, err
	}
	entry.Status = models.TxStatusRefunded
	user.Balance += amount
	return refund, nil
}

// Settlement reports what FinalizeGeneration did.
type Settlement struct {
	// Changed is false when the generation was already terminal and nothing was written.
	Changed bool
	Status  models.GenerationStatus
	Debit   *models.Transaction
	Refund  *models.Transaction
	UserID  int64
	Balance int64
}

// FinalizeGeneration moves a generation into a terminal status and settles its debit
// in the same database transaction: success completes the debit, failure and
// cancellation complete it and then refund it. Calling it again on a terminal
// generation is a no-op.
func (l *Ledger) FinalizeGeneration(ctx context.Context, generationID int64, to models.GenerationStatus, f repository.Finish) (*Settlement, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("finalize generation %d as %s: %w", generationID, to, ErrInvalidTransition)
	}
	if to == models.StatusCompleted && f.ArtifactURL == "" {
		return nil, fmt.Errorf("finalize generation %d: completed without artifact", generationID)
	}

	var s *Settlement
	err := l.InTx(ctx, func(tx *Tx) error {
		gen, err := tx.generations.GetByID(ctx, generationID)
		if err != nil {
			return err
		}
		if gen == nil {
			return fmt.Errorf("generation %d: %w", generationID, ErrGenerationNotFound)
		}
		user, err := tx.lockUser(ctx, gen.UserID)
		if err != nil {
			return err
		}
		s = &Settlement{Status: gen.Status, UserID: user.ID, Balance: user.Balance}

		if f.CompletedAt.IsZero() {
			f.CompletedAt = tx.now
		}
		changed, err := tx.generations.Finish(ctx, generationID, to, f)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		s.Changed = true
		s.Status = to

		debit, err := tx.transactions.LockDebitForGeneration(ctx, generationID)
		if err != nil {
			return err
		}
		if debit == nil {
			return fmt.Errorf("debit for generation %d: %w", generationID, ErrTransactionNotFound)
		}
		s.Debit = debit

		if debit.Status == models.TxStatusPending {
			if err := tx.complete(ctx, debit); err != nil {
				return err
			}
		}
		if to == models.StatusCompleted {
			return nil
		}
		if debit.Status == models.TxStatusRefunded {
			return nil
		}
		s.Refund, err = tx.refund(ctx, user, debit)
		if err != nil {
			return err
		}
		s.Balance = user.Balance
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("finalize generation %d: %w", generationID, err)
	}
	if s.Changed {
		l.log.Info("generation finalized", "generation_id", generationID, "status", to,
			"error_kind", f.ErrorKind, "refunded", s.Refund != nil, "balance", s.Balance)
	}
	return s, nil
}

func (l *Ledger) Balance(ctx context.Context, userID int64) (int64, error) {
	user, err := l.users.FindByID(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("balance: %w", err)
	}
	if user == nil {
		return 0, fmt.Errorf("balance for user %d: %w", userID, ErrUserNotFound)
	}
	return user.Balance, nil
}

func (l *Ledger) User(ctx context.Context, userID int64) (*models.User, error) {
	user, err := l.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user %d: %w", userID, ErrUserNotFound)
	}
	return user, nil
}

func (l *Ledger) UserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	user, err := l.users.FindByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("telegram user %d: %w", telegramID, ErrUserNotFound)
	}
	return user, nil
}

func (l *Ledger) SetBanned(ctx context.Context, userID int64, banned bool) error {
	if err := l.users.SetBanned(ctx, userID, banned); err != nil {
		return err
	}
	l.log.Info("user ban updated", "user_id", userID, "banned", banned)
	return nil
}

func (l *Ledger) Transactions(ctx context.Context, userID int64) ([]models.Transaction, error) {
	return l.transactions.ListByUser(ctx, userID)
}

// PendingBefore lists entries still pending that were written before the horizon.
func (l *Ledger) PendingBefore(ctx context.Context, before time.Time) ([]models.Transaction, error) {
	entries, err := l.transactions.ListPendingBefore(ctx, before)
	if err != nil {
		return nil, fmt.Errorf("list pending transactions: %w", err)
	}
	return entries, nil
}

// AuditReport compares the stored balance with the one implied by the transaction log.
type AuditReport struct {
	UserID   int64
	Balance  int64
	Expected int64
	Drift    int64
}

// Audit recomputes welcome_bonus plus every entry whose amount is reflected in the balance.
func (l *Ledger) Audit(ctx context.Context, userID int64) (AuditReport, error) {
	report := AuditReport{UserID: userID}
	err := l.InTx(ctx, func(tx *Tx) error {
		user, err := tx.users.FindByID(ctx, userID)
		if err != nil {
			return err
		}
		if user == nil {
			return fmt.Errorf("user %d: %w", userID, ErrUserNotFound)
		}
		applied, err := tx.transactions.SumApplied(ctx, userID)
		if err != nil {
			return err
		}
		report.Balance = user.Balance
		report.Expected = user.WelcomeBonus + applied
		report.Drift = report.Balance - report.Expected
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("audit user %d: %w", userID, err)
	}
	if report.Drift != 0 {
		l.log.Error("ledger drift detected", "user_id", userID, "balance", report.Balance, "expected", report.Expected)
	}
	return report, nil
}
