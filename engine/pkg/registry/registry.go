// Package registry stores partner and user records and scopes their mutation
// to transactions.
package registry

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/affiliate/engine/pkg/affiliate"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)

// Tx is a unit of work over partner and user records. Records returned by a Tx
// are private copies locked for the lifetime of the transaction; changes are
// visible to others only after Save and a successful commit.
//
// Partners must be loaded before users within one transaction.
type Tx interface {
	Partner(ctx context.Context, key solana.PublicKey) (*affiliate.Partner, error)
	User(ctx context.Context, key solana.PublicKey) (*affiliate.User, error)

	InsertPartner(ctx context.Context, p *affiliate.Partner) error
	InsertUser(ctx context.Context, u *affiliate.User) error

	SavePartner(ctx context.Context, p *affiliate.Partner) error
	SaveUser(ctx context.Context, u *affiliate.User) error
}

// Store holds partner and user records.
type Store interface {
	// WithTx runs fn in a transaction, committing if it returns nil and
	// discarding every change otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetPartner(ctx context.Context, key solana.PublicKey) (*affiliate.Partner, error)
	GetUser(ctx context.Context, key solana.PublicKey) (*affiliate.User, error)
	ListPartners(ctx context.Context, vault solana.PublicKey) ([]*affiliate.Partner, error)
	ListUsers(ctx context.Context, partner solana.PublicKey) ([]*affiliate.User, error)
}
