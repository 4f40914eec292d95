package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/affiliate/engine/pkg/affiliate"
)

type SimConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// LockedProfitDegradation defaults to DefaultLockedProfitDegradation.
	LockedProfitDegradation uint64
}

func (cfg *SimConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.LockedProfitDegradation == 0 {
		cfg.LockedProfitDegradation = DefaultLockedProfitDegradation
	}
	return nil
}

// Sim is an in-process vault. It keeps share accounting and locked profit the
// way the on-chain vault does, but moves no tokens.
type Sim struct {
	log *slog.Logger
	cfg SimConfig

	mu         sync.Mutex
	enabled    bool
	total      uint64
	idle       uint64
	supply     uint64
	balances   map[solana.PublicKey]uint64
	strategies map[solana.PublicKey]uint64
	tracker    LockedProfitTracker
}

func NewSim(cfg SimConfig) (*Sim, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sim{
		log:        cfg.Logger,
		cfg:        cfg,
		enabled:    true,
		balances:   make(map[solana.PublicKey]uint64),
		strategies: make(map[solana.PublicKey]uint64),
		tracker: LockedProfitTracker{
			LastReport:              unixSeconds(cfg.Clock.Now()),
			LockedProfitDegradation: cfg.LockedProfitDegradation,
		},
	}, nil
}

func unixSeconds(t time.Time) uint64 {
	if t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())
}

func opFailed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", affiliate.ErrVaultOperationFailed, fmt.Sprintf(format, args...))
}

func (s *Sim) UnlockedAmount(_ context.Context, at time.Time) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.UnlockedAmount(s.total, unixSeconds(at))
}

func (s *Sim) LPSupply(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supply, nil
}

func (s *Sim) LPBalance(_ context.Context, holder solana.PublicKey) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[holder], nil
}

func (s *Sim) State(_ context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := unixSeconds(s.cfg.Clock.Now())
	locked, err := s.tracker.LockedProfit(now)
	if err != nil {
		return State{}, err
	}
	unlocked, err := s.tracker.UnlockedAmount(s.total, now)
	if err != nil {
		return State{}, err
	}
	return State{
		TotalAmount:    s.total,
		UnlockedAmount: unlocked,
		LockedProfit:   locked,
		LPSupply:       s.supply,
	}, nil
}

// SetEnabled toggles deposits. Withdrawals are always allowed.
func (s *Sim) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

// ReportProfit adds yield to the vault. It is released to share holders
// gradually as the locked profit degrades.
func (s *Sim) ReportProfit(profit uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if profit > ^uint64(0)-s.total {
		return fmt.Errorf("%w: vault total %d + %d", affiliate.ErrMathOverflow, s.total, profit)
	}
	if err := s.tracker.Report(profit, unixSeconds(s.cfg.Clock.Now())); err != nil {
		return err
	}
	s.total += profit
	s.idle += profit
	s.log.Debug("vault: reported profit", "profit", profit, "total", s.total)
	return nil
}

// Allocate moves idle liquidity into a strategy.
func (s *Sim) Allocate(strategy solana.PublicKey, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amount > s.idle {
		return opFailed("allocate %d exceeds idle liquidity %d", amount, s.idle)
	}
	s.idle -= amount
	s.strategies[strategy] += amount
	return nil
}

// StrategyLiquidity returns what is allocated to a strategy.
func (s *Sim) StrategyLiquidity(strategy solana.PublicKey) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategies[strategy]
}

func (s *Sim) Perform(_ context.Context, op Operation) (Receipt, error) {
	if err := op.Kind.Validate(); err != nil {
		return Receipt{}, opFailed("%v", err)
	}
	if op.Amount == 0 {
		return Receipt{}, opFailed("zero amount")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	unlocked, err := s.tracker.UnlockedAmount(s.total, unixSeconds(s.cfg.Clock.Now()))
	if err != nil {
		return Receipt{}, opFailed("%v", err)
	}

	switch op.Kind {
	case OperationDeposit:
		return s.deposit(op, unlocked)
	default:
		return s.withdraw(op, unlocked)
	}
}

func (s *Sim) deposit(op Operation, unlocked uint64) (Receipt, error) {
	if !s.enabled {
		return Receipt{}, opFailed("vault is disabled")
	}
	shares := op.Amount
	if s.supply > 0 {
		if unlocked == 0 {
			return Receipt{}, opFailed("vault has shares but no unlocked amount")
		}
		v, err := mulDiv(op.Amount, s.supply, unlocked)
		if err != nil {
			return Receipt{}, opFailed("%v", err)
		}
		shares = v
	}
	if shares == 0 || shares < op.MinOut {
		return Receipt{}, opFailed("slippage: %d shares minted, %d required", shares, op.MinOut)
	}
	if op.Amount > ^uint64(0)-s.total || shares > ^uint64(0)-s.supply {
		return Receipt{}, opFailed("%v", affiliate.ErrMathOverflow)
	}

	s.total += op.Amount
	s.idle += op.Amount
	s.supply += shares
	s.balances[op.Holder] += shares
	return Receipt{Operation: op, TokenAmount: op.Amount, ShareAmount: shares}, nil
}

func (s *Sim) withdraw(op Operation, unlocked uint64) (Receipt, error) {
	if s.balances[op.Holder] < op.Amount {
		return Receipt{}, opFailed("insufficient shares: %d held, %d requested", s.balances[op.Holder], op.Amount)
	}
	out, err := mulDiv(op.Amount, unlocked, s.supply)
	if err != nil {
		return Receipt{}, opFailed("%v", err)
	}
	if out < op.MinOut {
		return Receipt{}, opFailed("slippage: %d tokens out, %d required", out, op.MinOut)
	}

	if op.Kind == OperationStrategyWithdraw {
		if s.strategies[op.Strategy] < out {
			return Receipt{}, opFailed("strategy %s has %d, %d requested", op.Strategy, s.strategies[op.Strategy], out)
		}
		s.strategies[op.Strategy] -= out
	} else {
		if s.idle < out {
			return Receipt{}, opFailed("insufficient idle liquidity: %d available, %d requested", s.idle, out)
		}
		s.idle -= out
	}

	s.total -= out
	s.supply -= op.Amount
	s.balances[op.Holder] -= op.Amount
	return Receipt{Operation: op, TokenAmount: out, ShareAmount: op.Amount}, nil
}

// Revert undoes an operation returned by Perform.
func (s *Sim) Revert(_ context.Context, r Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Operation.Kind {
	case OperationDeposit:
		if s.balances[r.Operation.Holder] < r.ShareAmount || s.idle < r.TokenAmount {
			return fmt.Errorf("cannot revert deposit for %s", r.Operation.Holder)
		}
		s.balances[r.Operation.Holder] -= r.ShareAmount
		s.supply -= r.ShareAmount
		s.total -= r.TokenAmount
		s.idle -= r.TokenAmount
	case OperationWithdraw, OperationStrategyWithdraw:
		s.balances[r.Operation.Holder] += r.ShareAmount
		s.supply += r.ShareAmount
		s.total += r.TokenAmount
		if r.Operation.Kind == OperationStrategyWithdraw {
			s.strategies[r.Operation.Strategy] += r.TokenAmount
		} else {
			s.idle += r.TokenAmount
		}
	default:
		return fmt.Errorf("unknown vault operation %q", string(r.Operation.Kind))
	}
	s.log.Warn("vault: reverted operation", "kind", r.Operation.Kind, "holder", r.Operation.Holder, "tokens", r.TokenAmount, "shares", r.ShareAmount)
	return nil
}

func mulDiv(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, fmt.Errorf("%w: division by zero", affiliate.ErrMathOverflow)
	}
	v := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	v.Div(v, uint256.NewInt(c))
	if !v.IsUint64() {
		return 0, fmt.Errorf("%w: %s does not fit in 64 bits", affiliate.ErrMathOverflow, v.Dec())
	}
	return v.Uint64(), nil
}
