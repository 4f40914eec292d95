package affiliate

import "github.com/gagliardetto/solana-go"

// User is one owner's position referred by one partner. A user never changes
// partner.
type User struct {
	Key     solana.PublicKey
	Owner   solana.PublicKey
	Partner solana.PublicKey

	// CurrentVirtualPrice is the price observed at the last settlement, zero
	// until the first one.
	CurrentVirtualPrice uint64
	// LPToken is the vault share balance observed at the last settlement.
	LPToken uint64
}

// PriorSnapshot is what a user's last settlement recorded.
type PriorSnapshot struct {
	VirtualPrice uint64
	LPToken      uint64
}

// NewUser returns an unsettled user.
func NewUser(key, owner, partner solana.PublicKey) *User {
	return &User{
		Key:     key,
		Owner:   owner,
		Partner: partner,
	}
}

// Snapshot returns the user's last settlement, or false if the user has never
// settled.
func (u *User) Snapshot() (PriorSnapshot, bool) {
	if u.CurrentVirtualPrice == 0 {
		return PriorSnapshot{}, false
	}
	return PriorSnapshot{VirtualPrice: u.CurrentVirtualPrice, LPToken: u.LPToken}, true
}

// SetState records the price the settlement charged on and the post-operation
// share balance.
func (u *User) SetState(virtualPrice, lpToken uint64) {
	u.CurrentVirtualPrice = virtualPrice
	u.LPToken = lpToken
}

// FeeInput builds the fee computation input for settling this user at
// currentPrice under the given partner's ratio.
func (u *User) FeeInput(currentPrice uint64, partner *Partner, performanceFee Fraction) FeeInput {
	// A never-settled user is charged from a zero prior price, but it also
	// holds zero shares, so the first settlement's fee is zero.
	snap, _ := u.Snapshot()
	return FeeInput{
		UserBalance:     snap.LPToken,
		PriorPrice:      snap.VirtualPrice,
		CurrentPrice:    currentPrice,
		PerformanceFee:  performanceFee,
		PartnerFeeRatio: partner.FeeRatio,
		FeeDenominator:  FeeDenominator,
	}
}
