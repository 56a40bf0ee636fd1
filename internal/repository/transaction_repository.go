package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/TGVideoBot/internal/database"
	"github.com/digkill/TGVideoBot/internal/models"
)

const transactionColumns = `id, user_id, generation_id, kind, amount, balance_before, balance_after, status, refund_of,
COALESCE(description, ''), created_at, updated_at`

type TransactionRepository struct {
	db      DBTX
	dialect database.Dialect
}

func NewTransactionRepository(db DBTX, dialect database.Dialect) *TransactionRepository {
	return &TransactionRepository{db: db, dialect: dialect}
}

func (r *TransactionRepository) WithTx(tx *sql.Tx) *TransactionRepository {
	return &TransactionRepository{db: tx, dialect: r.dialect}
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var (
		t                      models.Transaction
		kind, status           string
		generationID, refundOf sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.UserID, &generationID, &kind, &t.Amount, &t.BalanceBefore, &t.BalanceAfter, &status,
		&refundOf, &t.Description, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Kind = models.TransactionKind(kind)
	t.Status = models.TransactionStatus(status)
	t.GenerationID = int64Ptr(generationID)
	t.RefundOf = int64Ptr(refundOf)
	return &t, nil
}

func (r *TransactionRepository) findOne(ctx context.Context, query string, args ...any) (*models.Transaction, error) {
	t, err := scanTransaction(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	return t, nil
}

func (r *TransactionRepository) list(ctx context.Context, query string, args ...any) ([]models.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *TransactionRepository) Create(ctx context.Context, t *models.Transaction) error {
	const query = `
INSERT INTO transactions (user_id, generation_id, kind, amount, balance_before, balance_after, status, refund_of,
    description, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	created := t.CreatedAt.UTC()
	res, err := r.db.ExecContext(ctx, query, t.UserID, nullInt64(t.GenerationID), string(t.Kind), t.Amount,
		t.BalanceBefore, t.BalanceAfter, string(t.Status), nullInt64(t.RefundOf), nullString(t.Description), created, created)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("transaction last insert id: %w", err)
	}
	t.ID = id
	t.UpdatedAt = created
	return nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id int64) (*models.Transaction, error) {
	return r.findOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
}

func (r *TransactionRepository) LockByID(ctx context.Context, id int64) (*models.Transaction, error) {
	return r.findOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`+r.dialect.ForUpdate(), id)
}

// LockDebitForGeneration returns the generation debit linked to generationID under a write lock.
func (r *TransactionRepository) LockDebitForGeneration(ctx context.Context, generationID int64) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE generation_id = ? AND kind = ?` + r.dialect.ForUpdate()
	return r.findOne(ctx, query, generationID, string(models.TxGeneration))
}

// FindRefundOf returns the compensating entry of originalID, if one exists.
func (r *TransactionRepository) FindRefundOf(ctx context.Context, originalID int64) (*models.Transaction, error) {
	return r.findOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE refund_of = ?`, originalID)
}

// SetStatus advances a transaction from one status to another; false means the guard failed.
func (r *TransactionRepository) SetStatus(ctx context.Context, id int64, from, to models.TransactionStatus, at time.Time) (bool, error) {
	const query = `UPDATE transactions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := r.db.ExecContext(ctx, query, string(to), at.UTC(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("set transaction status: %w", err)
	}
	return affected(res)
}

func (r *TransactionRepository) ListByUser(ctx context.Context, userID int64) ([]models.Transaction, error) {
	return r.list(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE user_id = ? ORDER BY id`, userID)
}

func (r *TransactionRepository) ListByGeneration(ctx context.Context, generationID int64) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
WHERE generation_id = ? OR refund_of IN (SELECT id FROM transactions WHERE generation_id = ?)
ORDER BY id`
	return r.list(ctx, query, generationID, generationID)
}

// SumApplied totals the amounts currently reflected in the user balance.
func (r *TransactionRepository) SumApplied(ctx context.Context, userID int64) (int64, error) {
	const query = `SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE user_id = ? AND status IN (?, ?, ?)`
	var total int64
	err := r.db.QueryRowContext(ctx, query, userID,
		string(models.TxStatusPending), string(models.TxStatusCompleted), string(models.TxStatusRefunded)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum applied transactions: %w", err)
	}
	return total, nil
}

// ListPendingBefore returns pending transactions created before the horizon.
func (r *TransactionRepository) ListPendingBefore(ctx context.Context, before time.Time) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE status = ? AND created_at < ? ORDER BY id`
	return r.list(ctx, query, string(models.TxStatusPending), before.UTC())
}
