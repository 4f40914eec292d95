package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/affiliate/engine/pkg/affiliate"
	"github.com/malbeclabs/affiliate/utils/pkg/retry"
)

const (
	accountDiscriminatorSize = 8
	maxStrategies            = 30
)

// ErrReadOnly is returned by RPCReader.Perform.
var ErrReadOnly = errors.New("vault reader is read-only")

// SolanaRPC is the subset of the Solana RPC client the reader needs.
type SolanaRPC interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*solanarpc.GetAccountInfoResult, error)
	GetTokenSupply(ctx context.Context, mint solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetTokenSupplyResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetTokenAccountBalanceResult, error)
}

// Account is the on-chain vault account layout.
type Account struct {
	Enabled uint8
	Bumps   struct {
		VaultBump      uint8
		TokenVaultBump uint8
	}
	TotalAmount         uint64
	TokenVault          solana.PublicKey
	FeeVault            solana.PublicKey
	TokenMint           solana.PublicKey
	LPMint              solana.PublicKey
	Strategies          [maxStrategies]solana.PublicKey
	Base                solana.PublicKey
	Admin               solana.PublicKey
	Operator            solana.PublicKey
	LockedProfitTracker LockedProfitTracker
}

// DecodeAccount decodes raw vault account data, discriminator included.
func DecodeAccount(data []byte) (*Account, error) {
	if len(data) < accountDiscriminatorSize {
		return nil, fmt.Errorf("vault account data too short: %d bytes", len(data))
	}
	dec := bin.NewBorshDecoder(data)
	if err := dec.SkipBytes(accountDiscriminatorSize); err != nil {
		return nil, fmt.Errorf("failed to skip discriminator: %w", err)
	}
	var acct Account
	if err := dec.Decode(&acct); err != nil {
		return nil, fmt.Errorf("failed to decode vault account: %w", err)
	}
	return &acct, nil
}

type RPCReaderConfig struct {
	Logger     *slog.Logger
	RPC        SolanaRPC
	Vault      solana.PublicKey
	Clock      clockwork.Clock
	Commitment solanarpc.CommitmentType
	Retry      retry.Config
}

func (cfg *RPCReaderConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("solana rpc client is required")
	}
	if cfg.Vault.IsZero() {
		return errors.New("vault address is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = cfg.Clock
	}
	return nil
}

// RPCReader reads vault state from a Solana cluster. It cannot perform
// operations.
type RPCReader struct {
	log *slog.Logger
	cfg RPCReaderConfig
}

func NewRPCReader(cfg RPCReaderConfig) (*RPCReader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RPCReader{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Account fetches and decodes the vault account.
func (r *RPCReader) Account(ctx context.Context) (*Account, error) {
	return retry.DoValue(ctx, r.cfg.Retry, func() (*Account, error) {
		res, err := r.cfg.RPC.GetAccountInfo(ctx, r.cfg.Vault)
		if err != nil {
			return nil, fmt.Errorf("failed to get vault account %s: %w", r.cfg.Vault, err)
		}
		if res == nil || res.Value == nil || res.Value.Data == nil {
			return nil, fmt.Errorf("vault account %s: %w", r.cfg.Vault, solanarpc.ErrNotFound)
		}
		return DecodeAccount(res.Value.Data.GetBinary())
	})
}

func (r *RPCReader) UnlockedAmount(ctx context.Context, at time.Time) (uint64, error) {
	acct, err := r.Account(ctx)
	if err != nil {
		return 0, err
	}
	return acct.LockedProfitTracker.UnlockedAmount(acct.TotalAmount, unixSeconds(at))
}

func (r *RPCReader) LPSupply(ctx context.Context) (uint64, error) {
	acct, err := r.Account(ctx)
	if err != nil {
		return 0, err
	}
	return r.tokenAmount(ctx, "lp supply", func() (*solanarpc.UiTokenAmount, error) {
		res, err := r.cfg.RPC.GetTokenSupply(ctx, acct.LPMint, r.cfg.Commitment)
		if err != nil || res == nil {
			return nil, err
		}
		return res.Value, nil
	})
}

// LPBalance returns the vault shares in holder's associated LP token account,
// or zero if the account does not exist.
func (r *RPCReader) LPBalance(ctx context.Context, holder solana.PublicKey) (uint64, error) {
	acct, err := r.Account(ctx)
	if err != nil {
		return 0, err
	}
	ata, _, err := solana.FindAssociatedTokenAddress(holder, acct.LPMint)
	if err != nil {
		return 0, fmt.Errorf("failed to derive lp token account: %w", err)
	}
	balance, err := r.tokenAmount(ctx, "lp balance", func() (*solanarpc.UiTokenAmount, error) {
		res, err := r.cfg.RPC.GetTokenAccountBalance(ctx, ata, r.cfg.Commitment)
		if err != nil || res == nil {
			return nil, err
		}
		return res.Value, nil
	})
	if isAccountNotFound(err) {
		return 0, nil
	}
	return balance, err
}

func (r *RPCReader) State(ctx context.Context) (State, error) {
	acct, err := r.Account(ctx)
	if err != nil {
		return State{}, err
	}
	now := unixSeconds(r.cfg.Clock.Now())
	locked, err := acct.LockedProfitTracker.LockedProfit(now)
	if err != nil {
		return State{}, err
	}
	unlocked, err := acct.LockedProfitTracker.UnlockedAmount(acct.TotalAmount, now)
	if err != nil {
		return State{}, err
	}
	supply, err := r.LPSupply(ctx)
	if err != nil {
		return State{}, err
	}
	return State{
		TotalAmount:    acct.TotalAmount,
		UnlockedAmount: unlocked,
		LockedProfit:   locked,
		LPSupply:       supply,
	}, nil
}

func (r *RPCReader) Perform(context.Context, Operation) (Receipt, error) {
	return Receipt{}, fmt.Errorf("%w: %w", affiliate.ErrVaultOperationFailed, ErrReadOnly)
}

func (r *RPCReader) tokenAmount(ctx context.Context, what string, fetch func() (*solanarpc.UiTokenAmount, error)) (uint64, error) {
	amount, err := retry.DoValue(ctx, r.cfg.Retry, fetch)
	if err != nil {
		return 0, fmt.Errorf("failed to get %s: %w", what, err)
	}
	if amount == nil {
		return 0, fmt.Errorf("%s: %w", what, solanarpc.ErrNotFound)
	}
	v, err := strconv.ParseUint(amount.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", what, amount.Amount, err)
	}
	return v, nil
}

func isAccountNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, solanarpc.ErrNotFound) || strings.Contains(err.Error(), "could not find account")
}
