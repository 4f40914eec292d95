package settlement

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/affiliate/engine/pkg/affiliate"
)

// Authorizer decides whether a caller may run administrative operations.
type Authorizer interface {
	Authorize(caller solana.PublicKey) bool
}

// AdminKey authorizes a single administrator.
type AdminKey solana.PublicKey

func (k AdminKey) Authorize(caller solana.PublicKey) bool {
	return solana.PublicKey(k).Equals(caller)
}

// AnyOf authorizes any of the listed keys.
type AnyOf []solana.PublicKey

func (keys AnyOf) Authorize(caller solana.PublicKey) bool {
	for _, k := range keys {
		if k.Equals(caller) {
			return true
		}
	}
	return false
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(caller solana.PublicKey) bool

func (f AuthorizerFunc) Authorize(caller solana.PublicKey) bool {
	return f(caller)
}

func (o *Orchestrator) authorize(caller solana.PublicKey) error {
	if caller.IsZero() || !o.cfg.Authorizer.Authorize(caller) {
		return fmt.Errorf("%w: %s is not an administrator", affiliate.ErrUnauthorized, caller)
	}
	return nil
}
