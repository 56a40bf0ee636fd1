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

const userColumns = `id, telegram_id, COALESCE(username, ''), COALESCE(first_name, ''), COALESCE(last_name, ''), language,
balance, credits_bought, credits_spent, bonus_credits_received, welcome_bonus, is_banned, created_at, last_active_at`

type UserRepository struct {
	db      DBTX
	dialect database.Dialect
}

func NewUserRepository(db DBTX, dialect database.Dialect) *UserRepository {
	return &UserRepository{db: db, dialect: dialect}
}

// WithTx returns a copy of the repository bound to tx.
func (r *UserRepository) WithTx(tx *sql.Tx) *UserRepository {
	return &UserRepository{db: tx, dialect: r.dialect}
}

// UserDelta is applied atomically to a user's balance and lifetime counters.
type UserDelta struct {
	Balance              int64
	CreditsBought        int64
	CreditsSpent         int64
	BonusCreditsReceived int64
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.LastName, &u.Language,
		&u.Balance, &u.CreditsBought, &u.CreditsSpent, &u.BonusCreditsReceived, &u.WelcomeBonus, &u.IsBanned,
		&u.CreatedAt, &u.LastActiveAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepository) findOne(ctx context.Context, query string, args ...any) (*models.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

func (r *UserRepository) FindByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = ?`, telegramID)
}

func (r *UserRepository) FindByID(ctx context.Context, id int64) (*models.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// LockByID reads the user row under a write lock. Only meaningful inside a transaction.
func (r *UserRepository) LockByID(ctx context.Context, id int64) (*models.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`+r.dialect.ForUpdate(), id)
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	const query = `
INSERT INTO users (telegram_id, username, first_name, last_name, language, balance, credits_bought, credits_spent,
    bonus_credits_received, welcome_bonus, is_banned, created_at, last_active_at)
VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?, 0, ?, ?)`
	if user.Language == "" {
		user.Language = "en"
	}
	res, err := r.db.ExecContext(ctx, query, user.TelegramID, nullString(user.Username), nullString(user.FirstName),
		nullString(user.LastName), user.Language, user.Balance, user.BonusCreditsReceived, user.WelcomeBonus,
		user.CreatedAt.UTC(), user.LastActiveAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	user.ID = id
	return user, nil
}

// Touch refreshes profile fields and last activity.
func (r *UserRepository) Touch(ctx context.Context, userID int64, username, firstName, lastName string, at time.Time) error {
	const query = `
UPDATE users SET username = ?, first_name = ?, last_name = ?, last_active_at = ?
WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, nullString(username), nullString(firstName), nullString(lastName), at.UTC(), userID); err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	return nil
}

// ApplyDelta moves the balance and counters. The guard refuses any change that would
// take the balance below zero.
func (r *UserRepository) ApplyDelta(ctx context.Context, userID int64, d UserDelta) error {
	const query = `
UPDATE users SET balance = balance + ?, credits_bought = credits_bought + ?, credits_spent = credits_spent + ?,
    bonus_credits_received = bonus_credits_received + ?
WHERE id = ? AND balance + ? >= 0`
	res, err := r.db.ExecContext(ctx, query, d.Balance, d.CreditsBought, d.CreditsSpent, d.BonusCreditsReceived, userID, d.Balance)
	if err != nil {
		return fmt.Errorf("apply balance delta: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return fmt.Errorf("balance rows affected: %w", err)
	}
	if !ok {
		return fmt.Errorf("apply balance delta for user %d: %w", userID, ErrNoRowsAffected)
	}
	return nil
}

func (r *UserRepository) SetBanned(ctx context.Context, userID int64, banned bool) error {
	const query = `UPDATE users SET is_banned = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, banned, userID); err != nil {
		return fmt.Errorf("set banned: %w", err)
	}
	return nil
}

func (r *UserRepository) ListTelegramIDs(ctx context.Context) ([]int64, error) {
	const query = `SELECT telegram_id FROM users WHERE is_banned = 0 ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list telegram ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan telegram id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
