// Package gate decides whether new generations may be admitted, based on the
// upstream account balance, and alerts admins when it runs low.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/digkill/TGVideoBot/internal/metrics"
	"github.com/digkill/TGVideoBot/internal/notify"
)

type State int

const (
	StateNormal State = iota
	StateLow
	StateCritical
)

func (s State) String() string {
	switch s {
	case StateLow:
		return "low"
	case StateCritical:
		return "critical"
	default:
		return "normal"
	}
}

// BalanceSource reports the upstream monetary balance.
type BalanceSource interface {
	AccountBalance(ctx context.Context) (float64, error)
}

type Options struct {
	LowThreshold      float64
	CriticalThreshold float64
	Interval          time.Duration
	// FailureIntervals is how many check intervals a failed balance check keeps the gate closed.
	FailureIntervals int
	CooldownLow      time.Duration
	CooldownCritical time.Duration
	AdminChatIDs     []int64
	Notifier         notify.Notifier
	Logger           *slog.Logger
	Now              func() time.Time
}

type Gate struct {
	src  BalanceSource
	opts Options
	log  *slog.Logger
	now  func() time.Time

	refresh chan struct{}

	mu          sync.RWMutex
	state       State
	balance     float64
	lastSuccess time.Time
	lastFailure time.Time
	lastErr     error
	lastAlert   map[State]time.Time
	alerted     bool
}

func New(src BalanceSource, opts Options) *Gate {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.FailureIntervals <= 0 {
		opts.FailureIntervals = 1
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	metrics.GateAvailable.Set(1)
	return &Gate{
		src:       src,
		opts:      opts,
		log:       log.With("component", "gate"),
		now:       now,
		refresh:   make(chan struct{}, 1),
		lastAlert: make(map[State]time.Time),
	}
}

func (g *Gate) classify(balance float64) State {
	switch {
	case balance <= g.opts.CriticalThreshold:
		return StateCritical
	case balance <= g.opts.LowThreshold:
		return StateLow
	default:
		return StateNormal
	}
}

// Available is false when the last known balance is at or below the critical
// threshold, or when the latest check failed within the failure window. Before the
// first check the gate is open.
func (g *Gate) Available() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.availableLocked(g.now())
}

func (g *Gate) availableLocked(now time.Time) bool {
	if !g.lastSuccess.IsZero() && g.state == StateCritical {
		return false
	}
	if !g.lastFailure.IsZero() && g.lastFailure.After(g.lastSuccess) {
		window := g.opts.Interval * time.Duration(g.opts.FailureIntervals)
		if now.Sub(g.lastFailure) <= window {
			return false
		}
	}
	return true
}

// Check polls the balance once and updates state, metrics and alerts.
func (g *Gate) Check(ctx context.Context) error {
	balance, err := g.src.AccountBalance(ctx)
	now := g.now()

	g.mu.Lock()
	if err != nil {
		g.lastFailure = now
		g.lastErr = err
		metrics.GateAvailable.Set(boolGauge(g.availableLocked(now)))
		g.mu.Unlock()
		g.log.Warn("balance check failed", "err", err)
		return fmt.Errorf("check provider balance: %w", err)
	}

	prev := g.state
	g.balance = balance
	g.lastSuccess = now
	g.lastErr = nil
	g.state = g.classify(balance)
	state := g.state
	available := g.availableLocked(now)

	var alert notify.Kind
	switch {
	case state != StateNormal && g.cooledDown(state, now):
		g.lastAlert[state] = now
		g.alerted = true
		alert = notify.KindBalanceLow
		if state == StateCritical {
			alert = notify.KindBalanceCritical
		}
	case state == StateNormal && prev != StateNormal && g.alerted:
		g.alerted = false
		alert = notify.KindBalanceRestored
	}
	g.mu.Unlock()

	metrics.ProviderBalance.Set(balance)
	metrics.GateState.Set(float64(state))
	metrics.GateAvailable.Set(boolGauge(available))

	if state != prev {
		g.log.Info("gate state changed", "from", prev, "to", state, "balance", balance, "available", available)
	}
	if alert != "" {
		g.alertAdmins(ctx, alert, balance)
	}
	return nil
}

// cooledDown reports whether an alert for state may be sent; callers hold mu.
func (g *Gate) cooledDown(state State, now time.Time) bool {
	last, ok := g.lastAlert[state]
	if !ok {
		return true
	}
	cooldown := g.opts.CooldownLow
	if state == StateCritical {
		cooldown = g.opts.CooldownCritical
	}
	return now.Sub(last) >= cooldown
}

func (g *Gate) alertAdmins(ctx context.Context, kind notify.Kind, balance float64) {
	if g.opts.Notifier == nil {
		g.log.Warn("gate alert with no notifier", "kind", kind, "balance", balance)
		return
	}
	for _, chatID := range g.opts.AdminChatIDs {
		if err := g.opts.Notifier.Notify(ctx, chatID, kind, notify.Payload{Balance: balance}); err != nil {
			g.log.Error("send gate alert", "chat_id", chatID, "kind", kind, "err", err)
		}
	}
}

// RequestRefresh asks Run for an out-of-band check without blocking.
func (g *Gate) RequestRefresh() {
	select {
	case g.refresh <- struct{}{}:
	default:
	}
}

// Run checks immediately, then on every interval or refresh request until ctx ends.
func (g *Gate) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.opts.Interval)
	defer ticker.Stop()

	_ = g.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-g.refresh:
		}
		_ = g.Check(ctx)
	}
}

type Snapshot struct {
	State       string    `json:"state"`
	Balance     float64   `json:"balance"`
	Available   bool      `json:"available"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

func (g *Gate) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s := Snapshot{
		State:       g.state.String(),
		Balance:     g.balance,
		Available:   g.availableLocked(g.now()),
		LastSuccess: g.lastSuccess,
		LastFailure: g.lastFailure,
	}
	if g.lastErr != nil {
		s.LastError = g.lastErr.Error()
	}
	return s
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
