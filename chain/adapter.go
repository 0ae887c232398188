// Package chain defines the adapter contract the settlement orchestrator
// drives. An EVM-style settlement contract and a Solana-style program with
// derived accounts implement it, along with an in-process desk ledger for
// tests and local runs. All variants share one offer state machine.
package chain

import "context"

// TxResult identifies a submitted ledger transaction and whether it was
// confirmed before the call returned.
type TxResult struct {
	TxID      string
	Confirmed bool
}

// ConsignmentSpec describes the escrow a seller deposits. Amounts are token
// base units. Fixed terms apply when IsNegotiable is false, the min/max bounds
// otherwise.
type ConsignmentSpec struct {
	TokenID              string
	Consigner            string
	Amount               uint64
	IsNegotiable         bool
	FixedDiscountBps     uint32
	FixedLockupDays      uint32
	MinDiscountBps       uint32
	MaxDiscountBps       uint32
	MinLockupDays        uint32
	MaxLockupDays        uint32
	MinDealAmount        uint64
	MaxDealAmount        uint64
	IsFractionalized     bool
	IsPrivate            bool
	MaxPriceDeviationBps uint32
	MaxTimeToExecuteSecs int64
}

// OfferSpec describes a buyer's draw against a consignment.
type OfferSpec struct {
	ConsignmentID uint64
	TokenAmount   uint64
	DiscountBps   uint32
	Currency      string
	LockupSeconds int64
	Beneficiary   string
}

// Offer is the ledger-side settlement record.
type Offer struct {
	ID            uint64
	ConsignmentID uint64
	TokenID       string
	Beneficiary   string
	Payer         string
	TokenAmount   uint64
	DiscountBps   uint32
	Currency      string
	CreatedAt     int64
	UnlockTime    int64
	PriceUsd8d    uint64
	AmountPaid    uint64
	Approved      bool
	Paid          bool
	Fulfilled     bool
	Cancelled     bool
}

// Adapter is the ledger surface the orchestrator depends on. Every mutating
// call must be idempotent from the caller's perspective: the Ensure steps skip
// existing state, and re-submitting a completed step surfaces a state error
// rather than a duplicate side effect.
type Adapter interface {
	// Name identifies the chain family ("evm" or "solana").
	Name() string

	// EnsureTokenRegistered registers the token's price feed and decimals on
	// first use; it returns nil without side effects when already registered.
	EnsureTokenRegistered(ctx context.Context, tokenID string, decimals uint8) error

	// EnsureTreasury creates the desk's escrow account for the token on first
	// use; it returns nil without side effects when the account exists.
	EnsureTreasury(ctx context.Context, tokenID string) error

	CreateConsignment(ctx context.Context, spec ConsignmentSpec) (uint64, TxResult, error)
	CreateOfferFromConsignment(ctx context.Context, spec OfferSpec) (uint64, TxResult, error)
	ApproveOffer(ctx context.Context, offerID uint64, approver string) (TxResult, error)
	FulfillOffer(ctx context.Context, offerID uint64, payer string) (TxResult, error)

	// CancelOffer voids an unfulfilled offer and releases the inventory it
	// reserved. Desk approvers may cancel at any time; the beneficiary only
	// once the offer's expiry window has elapsed.
	CancelOffer(ctx context.Context, offerID uint64, actor string) (TxResult, error)

	Claim(ctx context.Context, offerID uint64, beneficiary string) (TxResult, error)
	WithdrawConsignment(ctx context.Context, consignmentID uint64, consigner string) (uint64, TxResult, error)

	// RemainingAmount re-reads consignment inventory; the ledger is the single
	// source of truth for balances and the value is never cached across steps.
	RemainingAmount(ctx context.Context, consignmentID uint64) (uint64, error)

	GetOffer(ctx context.Context, offerID uint64) (*Offer, error)

	// BalanceOf reads a token balance for an account in base units.
	BalanceOf(ctx context.Context, tokenID, account string) (uint64, error)
}
