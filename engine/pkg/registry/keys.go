package registry

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// ProgramID is the address partner and user record keys are derived under.
var ProgramID = solana.MustPublicKeyFromBase58("GacY9YuN16HNRTy7ZWwULPccwvfFSBeNLuAQP7y38Du3")

// PartnerKey derives the record key of the partner paid out to
// payoutDestination on vault.
func PartnerKey(vault, payoutDestination solana.PublicKey) (solana.PublicKey, error) {
	key, _, err := solana.FindProgramAddress([][]byte{vault.Bytes(), payoutDestination.Bytes()}, ProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive partner key: %w", err)
	}
	return key, nil
}

// UserKey derives the record key of owner's position under partner.
func UserKey(partner, owner solana.PublicKey) (solana.PublicKey, error) {
	key, _, err := solana.FindProgramAddress([][]byte{partner.Bytes(), owner.Bytes()}, ProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive user key: %w", err)
	}
	return key, nil
}
