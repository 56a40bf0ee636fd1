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

// ErrPromoExhausted reports a promo code whose uses reached max_uses.
var ErrPromoExhausted = errors.New("promo code exhausted")

type PromoRepository struct {
	db      DBTX
	dialect database.Dialect
}

func NewPromoRepository(db DBTX, dialect database.Dialect) *PromoRepository {
	return &PromoRepository{db: db, dialect: dialect}
}

func (r *PromoRepository) WithTx(tx *sql.Tx) *PromoRepository {
	return &PromoRepository{db: tx, dialect: r.dialect}
}

func (r *PromoRepository) get(ctx context.Context, query string, args ...any) (*models.PromoCode, error) {
	var promo models.PromoCode
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&promo.ID, &promo.Code, &promo.MaxUses, &promo.Uses, &promo.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan promo: %w", err)
	}
	return &promo, nil
}

func (r *PromoRepository) GetByCode(ctx context.Context, code string) (*models.PromoCode, error) {
	return r.get(ctx, `SELECT id, code, max_uses, uses, created_at FROM promo_codes WHERE code = ?`, code)
}

func (r *PromoRepository) GetByID(ctx context.Context, id int64) (*models.PromoCode, error) {
	return r.get(ctx, `SELECT id, code, max_uses, uses, created_at FROM promo_codes WHERE id = ?`, id)
}

// LockByCode reads the promo row under a write lock.
func (r *PromoRepository) LockByCode(ctx context.Context, code string) (*models.PromoCode, error) {
	return r.get(ctx, `SELECT id, code, max_uses, uses, created_at FROM promo_codes WHERE code = ?`+r.dialect.ForUpdate(), code)
}

func (r *PromoRepository) List(ctx context.Context) ([]models.PromoCode, error) {
	const query = `SELECT id, code, max_uses, uses, created_at FROM promo_codes ORDER BY id DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list promos: %w", err)
	}
	defer rows.Close()

	var promos []models.PromoCode
	for rows.Next() {
		var promo models.PromoCode
		if err := rows.Scan(&promo.ID, &promo.Code, &promo.MaxUses, &promo.Uses, &promo.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan promo list: %w", err)
		}
		promos = append(promos, promo)
	}
	return promos, rows.Err()
}

func (r *PromoRepository) Create(ctx context.Context, code string, maxUses int, at time.Time) (*models.PromoCode, error) {
	const query = `INSERT INTO promo_codes (code, max_uses, uses, created_at) VALUES (?, ?, 0, ?)`
	res, err := r.db.ExecContext(ctx, query, code, maxUses, at.UTC())
	if err != nil {
		return nil, fmt.Errorf("create promo: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("promo last insert id: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *PromoRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM promo_codes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete promo: %w", err)
	}
	return nil
}

func (r *PromoRepository) IncrementUsage(ctx context.Context, promoID int64) error {
	const query = `UPDATE promo_codes SET uses = uses + 1 WHERE id = ? AND uses < max_uses`
	res, err := r.db.ExecContext(ctx, query, promoID)
	if err != nil {
		return fmt.Errorf("increment promo usage: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return fmt.Errorf("promo usage rows affected: %w", err)
	}
	if !ok {
		return ErrPromoExhausted
	}
	return nil
}

func (r *PromoRepository) HasUserRedeemed(ctx context.Context, userID, promoID int64) (bool, error) {
	const query = `SELECT 1 FROM promo_redemptions WHERE user_id = ? AND promo_code_id = ?`
	var dummy int
	if err := r.db.QueryRowContext(ctx, query, userID, promoID).Scan(&dummy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check promo redemption: %w", err)
	}
	return true, nil
}

func (r *PromoRepository) RecordRedemption(ctx context.Context, userID, promoID int64, at time.Time) error {
	const query = `INSERT INTO promo_redemptions (user_id, promo_code_id, created_at) VALUES (?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, userID, promoID, at.UTC()); err != nil {
		return fmt.Errorf("record redemption: %w", err)
	}
	return nil
}
