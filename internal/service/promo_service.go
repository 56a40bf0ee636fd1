package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/digkill/TGVideoBot/internal/ledger"
	"github.com/digkill/TGVideoBot/internal/models"
	"github.com/digkill/TGVideoBot/internal/repository"
)

var ErrPromoInvalid = errors.New("promo code invalid")
var ErrPromoAlreadyRedeemed = errors.New("promo code already redeemed")
var ErrPromoExhausted = repository.ErrPromoExhausted

type PromoService struct {
	promos *repository.PromoRepository
	ledger *ledger.Ledger
	bonus  int64
	log    *slog.Logger
	now    func() time.Time
}

func NewPromoService(promos *repository.PromoRepository, l *ledger.Ledger, bonus int64, log *slog.Logger) *PromoService {
	return &PromoService{promos: promos, ledger: l, bonus: bonus, log: log.With("component", "promo"), now: time.Now}
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Apply redeems code for userID and credits the promo bonus. A user redeems each code once.
func (s *PromoService) Apply(ctx context.Context, userID int64, code string) (*models.Transaction, error) {
	code = normalizeCode(code)
	if code == "" {
		return nil, ErrPromoInvalid
	}

	// Unlocked pre-check; repeated under lock below.
	promo, err := s.promos.GetByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("get promo: %w", err)
	}
	if promo == nil {
		return nil, ErrPromoInvalid
	}
	if promo.Uses >= promo.MaxUses {
		return nil, ErrPromoExhausted
	}
	redeemed, err := s.promos.HasUserRedeemed(ctx, userID, promo.ID)
	if err != nil {
		return nil, err
	}
	if redeemed {
		return nil, ErrPromoAlreadyRedeemed
	}

	var credited *models.Transaction
	err = s.ledger.InTx(ctx, func(tx *ledger.Tx) error {
		// The credit locks the user row before the promo row is touched.
		entry, err := tx.Credit(ctx, userID, s.bonus, models.TxBonus, "promo "+code)
		if err != nil {
			return err
		}

		promos := s.promos.WithTx(tx.SQL())
		locked, err := promos.LockByCode(ctx, code)
		if err != nil {
			return err
		}
		if locked == nil {
			return ErrPromoInvalid
		}
		redeemed, err := promos.HasUserRedeemed(ctx, userID, locked.ID)
		if err != nil {
			return err
		}
		if redeemed {
			return ErrPromoAlreadyRedeemed
		}
		if err := promos.IncrementUsage(ctx, locked.ID); err != nil {
			return err
		}
		if err := promos.RecordRedemption(ctx, userID, locked.ID, tx.Now()); err != nil {
			return err
		}
		credited = entry
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrPromoInvalid) || errors.Is(err, ErrPromoExhausted) || errors.Is(err, ErrPromoAlreadyRedeemed) {
			return nil, err
		}
		return nil, fmt.Errorf("apply promo: %w", err)
	}

	s.log.Info("promo redeemed", "user_id", userID, "code", code, "credits", s.bonus, "balance", credited.BalanceAfter)
	return credited, nil
}

func (s *PromoService) List(ctx context.Context) ([]models.PromoCode, error) {
	return s.promos.List(ctx)
}

func (s *PromoService) Create(ctx context.Context, code string, maxUses int) (*models.PromoCode, error) {
	code = normalizeCode(code)
	if code == "" || maxUses <= 0 {
		return nil, fmt.Errorf("create promo: code and positive max uses required")
	}
	return s.promos.Create(ctx, code, maxUses, s.now())
}

func (s *PromoService) Delete(ctx context.Context, id int64) error {
	return s.promos.Delete(ctx, id)
}
