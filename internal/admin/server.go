package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/digkill/TGVideoBot/internal/gate"
	"github.com/digkill/TGVideoBot/internal/ledger"
	"github.com/digkill/TGVideoBot/internal/models"
	"github.com/digkill/TGVideoBot/internal/recovery"
	"github.com/digkill/TGVideoBot/internal/telegram"
)

type Ledger interface {
	UserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error)
	Audit(ctx context.Context, userID int64) (ledger.AuditReport, error)
	Credit(ctx context.Context, userID, amount int64, kind models.TransactionKind, note string) (*models.Transaction, error)
	SetBanned(ctx context.Context, userID int64, banned bool) error
}

type Gate interface {
	Snapshot() gate.Snapshot
}

type Sweeper interface {
	RunOnce(ctx context.Context) (recovery.Report, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, chatIDs []int64, text string) (telegram.BroadcastResult, error)
}

// Audience lists the chats a broadcast goes to.
type Audience interface {
	ListTelegramIDs(ctx context.Context) ([]int64, error)
}

type Promos interface {
	List(ctx context.Context) ([]models.PromoCode, error)
	Create(ctx context.Context, code string, maxUses int) (*models.PromoCode, error)
	Delete(ctx context.Context, id int64) error
}

type Deps struct {
	Ledger      Ledger
	Gate        Gate
	Sweeper     Sweeper
	Broadcaster Broadcaster
	Audience    Audience
	Promos      Promos
}

type Server struct {
	addr     string
	username string
	password string
	log      *slog.Logger
	deps     Deps
	router   *chi.Mux
}

func NewServer(addr, username, password string, log *slog.Logger, deps Deps) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:     addr,
		username: username,
		password: password,
		log:      log.With("component", "admin"),
		deps:     deps,
		router:   r,
	}
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Get("/gate", s.handleGate)
		protected.Route("/users/{telegramID}", func(r chi.Router) {
			r.Get("/balance", s.handleBalance)
			r.Post("/gift", s.handleGift)
			r.Post("/ban", s.handleBan)
		})
		protected.Post("/recovery/run", s.handleRecovery)
		protected.Post("/broadcast", s.handleBroadcast)
		protected.Route("/promo-codes", func(r chi.Router) {
			r.Get("/", s.handleListPromos)
			r.Post("/", s.handleCreatePromo)
			r.Delete("/{id}", s.handleDeletePromo)
		})
	})
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("admin shutdown error", "err", err)
		}
	}()

	s.log.Info("admin server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin listen: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGate(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Gate.Snapshot())
}

// user resolves the {telegramID} path parameter, writing the error response itself.
func (s *Server) user(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	telegramID, err := parseID(chi.URLParam(r, "telegramID"))
	if err != nil {
		http.Error(w, "invalid telegram id", http.StatusBadRequest)
		return nil, false
	}
	user, err := s.deps.Ledger.UserByTelegramID(r.Context(), telegramID)
	if err != nil {
		if errors.Is(err, ledger.ErrUserNotFound) {
			http.Error(w, "user not found", http.StatusNotFound)
			return nil, false
		}
		s.internalError(w, err)
		return nil, false
	}
	return user, true
}

type balanceResponse struct {
	TelegramID           int64 `json:"telegram_id"`
	Balance              int64 `json:"balance"`
	CreditsBought        int64 `json:"credits_bought"`
	CreditsSpent         int64 `json:"credits_spent"`
	BonusCreditsReceived int64 `json:"bonus_credits_received"`
	Expected             int64 `json:"expected_balance"`
	Drift                int64 `json:"drift"`
	Banned               bool  `json:"banned"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	audit, err := s.deps.Ledger.Audit(r.Context(), user.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balanceResponse{
		TelegramID:           user.TelegramID,
		Balance:              audit.Balance,
		CreditsBought:        user.CreditsBought,
		CreditsSpent:         user.CreditsSpent,
		BonusCreditsReceived: user.BonusCreditsReceived,
		Expected:             audit.Expected,
		Drift:                audit.Drift,
		Banned:               user.IsBanned,
	})
}

// maxNoteLength matches transactions.description.
const maxNoteLength = 255

type giftRequest struct {
	Amount int64  `json:"amount"`
	Note   string `json:"note"`
}

func (s *Server) handleGift(w http.ResponseWriter, r *http.Request) {
	var req giftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		http.Error(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	note := strings.TrimSpace(req.Note)
	if utf8.RuneCountInString(note) > maxNoteLength {
		http.Error(w, fmt.Sprintf("note must be at most %d characters", maxNoteLength), http.StatusBadRequest)
		return
	}
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	if note == "" {
		note = "admin gift"
	}
	entry, err := s.deps.Ledger.Credit(r.Context(), user.ID, req.Amount, models.TxAdminGift, note)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"transaction_id": entry.ID,
		"amount":         entry.Amount,
		"balance":        entry.BalanceAfter,
	})
}

type banRequest struct {
	Banned bool `json:"banned"`
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	if err := s.deps.Ledger.SetBanned(r.Context(), user.ID, req.Banned); err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"telegram_id": user.TelegramID, "banned": req.Banned})
}

func (s *Server) handleRecovery(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Sweeper.RunOnce(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

type broadcastRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	ids, err := s.deps.Audience.ListTelegramIDs(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}
	res, err := s.deps.Broadcaster.Broadcast(ctx, ids, req.Message)
	if err != nil {
		s.log.Warn("broadcast interrupted", "sent", res.Sent, "total", res.Total, "err", err)
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListPromos(w http.ResponseWriter, r *http.Request) {
	promos, err := s.deps.Promos.List(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	if promos == nil {
		promos = []models.PromoCode{}
	}
	s.writeJSON(w, http.StatusOK, promos)
}

type promoRequest struct {
	Code    string `json:"code"`
	MaxUses int    `json:"max_uses"`
}

func (s *Server) handleCreatePromo(w http.ResponseWriter, r *http.Request) {
	var req promoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Code == "" || req.MaxUses <= 0 {
		http.Error(w, "code and max_uses required", http.StatusBadRequest)
		return
	}
	promo, err := s.deps.Promos.Create(r.Context(), req.Code, req.MaxUses)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, promo)
}

func (s *Server) handleDeletePromo(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := s.deps.Promos.Delete(r.Context(), id); err != nil {
		s.badRequest(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.username || pass != s.password {
				w.Header().Set("WWW-Authenticate", `Basic realm="videobot"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("admin handler error", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func parseID(value string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}
