package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConsignmentStatus tracks seller inventory lifecycle.
type ConsignmentStatus string

const (
	ConsignmentActive    ConsignmentStatus = "active"
	ConsignmentExhausted ConsignmentStatus = "exhausted"
	ConsignmentWithdrawn ConsignmentStatus = "withdrawn"
)

// DealState represents a state in the on-chain offer workflow.
type DealState string

// All deal workflow states.
const (
	DealPending   DealState = "PENDING"
	DealApproved  DealState = "APPROVED"
	DealFulfilled DealState = "FULFILLED"
	DealClaimed   DealState = "CLAIMED"
	DealCancelled DealState = "CANCELLED"
)

// Consignment mirrors seller-escrowed inventory across its lifecycle. Amounts
// are token base units. Either the fixed terms or the min/max bounds are
// meaningful depending on IsNegotiable.
type Consignment struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey"`
	ChainConsignmentID   uint64    `gorm:"index"`
	Chain                string    `gorm:"size:16;index"`
	TokenID              string    `gorm:"size:128;index"`
	TokenDecimals        uint8
	Consigner            string `gorm:"size:128;index"`
	TotalAmount          uint64 `gorm:"not null"`
	RemainingAmount      uint64 `gorm:"not null"`
	IsNegotiable         bool
	FixedDiscountBps     uint32
	FixedLockupDays      uint32
	MinDiscountBps       uint32
	MaxDiscountBps       uint32
	MinLockupDays        uint32
	MaxLockupDays        uint32
	MinDealAmount        uint64
	MaxDealAmount        uint64
	MaxPriceDeviationBps uint32
	MaxTimeToExecuteSecs int64
	Status               ConsignmentStatus `gorm:"size:16;index"`
	IsFractionalized     bool
	IsPrivate            bool
	DepositTxID          string `gorm:"size:128"`
	WithdrawTxID         string `gorm:"size:128"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Deal mirrors an on-chain offer for orchestration and audit. TxIDs record the
// ledger transaction of each completed step so re-runs can detect prior work.
type Deal struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	QuoteID        string    `gorm:"size:64;index"`
	ConsignmentID  uuid.UUID `gorm:"type:uuid;index"`
	ChainOfferID   uint64    `gorm:"index"`
	Chain          string    `gorm:"size:16"`
	TokenID        string    `gorm:"size:128"`
	Beneficiary    string    `gorm:"size:128;index"`
	TokenAmount    uint64    `gorm:"not null"`
	DiscountBps    uint32
	LockupSeconds  int64
	Currency       string    `gorm:"size:16"`
	State          DealState `gorm:"size:16;index"`
	UnlockTime     int64
	PriceUsd8d     uint64
	PaidAmount     uint64
	OfferTxID      string `gorm:"size:128"`
	ApproveTxID    string `gorm:"size:128"`
	FulfillTxID    string `gorm:"size:128"`
	ClaimTxID      string `gorm:"size:128"`
	CancelTxID     string `gorm:"size:128"`
	CancelReason   string `gorm:"size:256"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Events         []Event `gorm:"foreignKey:DealID"`
}

// Event is the settlement audit trail structure.
type Event struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	DealID    *uuid.UUID `gorm:"type:uuid;index"`
	Actor     string     `gorm:"size:128"`
	Action    string     `gorm:"size:64"`
	Details   string     `gorm:"type:text"`
	CreatedAt time.Time
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Consignment{},
		&Deal{},
		&Event{},
		&IdempotencyKey{},
	)
}
