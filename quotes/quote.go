// Package quotes implements the tamper-evident quote ledger: deterministic
// per-entity-per-day identifiers, HMAC-signed terms, single-active-quote
// semantics, and audited status transitions.
package quotes

import (
	"time"

	"github.com/kewi-labs-io/otc-agent-sub003/deskerr"
)

// Status tracks a quote through its lifecycle.
type Status string

// All quote statuses.
const (
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExecuted Status = "executed"
)

var allowedTransitions = map[Status][]Status{
	StatusActive:   {StatusExpired, StatusApproved, StatusRejected},
	StatusApproved: {StatusExecuted},
}

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusExpired, StatusRejected, StatusExecuted:
		return true
	}
	return false
}

// ValidateTransition ensures the transition follows the quote state machine.
func ValidateTransition(current, next Status) error {
	for _, allowed := range allowedTransitions[current] {
		if allowed == next {
			return nil
		}
	}
	return deskerr.Statef("quote transition %s -> %s is not permitted", current, next)
}

// Quote is a signed, entity-scoped proposal of discount/lockup/currency terms.
// TokenAmount is a base-unit decimal string; "0" defers the amount until
// acceptance. TotalUsd and DiscountedUsd are estimates only and never the
// binding settlement price.
type Quote struct {
	QuoteID         string `json:"quoteId"`
	EntityID        string `json:"entityId"`
	Beneficiary     string `json:"beneficiary"`
	TokenID         string `json:"tokenId"`
	Chain           string `json:"chain"`
	TokenAmount     string `json:"tokenAmount"`
	DiscountBps     uint32 `json:"discountBps"`
	LockupMonths    uint32 `json:"lockupMonths"`
	LockupDays      uint32 `json:"lockupDays"`
	PaymentCurrency string `json:"paymentCurrency"`
	TotalUsd        string `json:"totalUsd,omitempty"`
	DiscountedUsd   string `json:"discountedUsd,omitempty"`
	AgentCommission uint32 `json:"agentCommissionBps"`
	Reasoning       string `json:"reasoning,omitempty"`
	ConsignmentID   string `json:"consignmentId,omitempty"`
	Signature       string `json:"signature"`
	Status          Status `json:"status"`
	StatusReason    string `json:"statusReason,omitempty"`

	// CreatedAt survives same-day re-quoting for the audit trail; IssuedAt
	// tracks the latest issue and is what the TTL is measured against.
	CreatedAt  time.Time  `json:"createdAt"`
	IssuedAt   time.Time  `json:"issuedAt"`
	ExpiredAt  *time.Time `json:"expiredAt,omitempty"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`
	RejectedAt *time.Time `json:"rejectedAt,omitempty"`
	ExecutedAt *time.Time `json:"executedAt,omitempty"`
}

// Clone returns a copy safe for the caller to mutate.
func (q *Quote) Clone() *Quote {
	if q == nil {
		return nil
	}
	clone := *q
	return &clone
}
