// Package negotiation resolves requested OTC terms into bounded, auditable
// discount/lockup/currency/commission combinations. The engine is a pure
// function: it never touches storage and is safe to call concurrently.
package negotiation

import (
	"fmt"
	"strings"

	"github.com/kewi-labs-io/otc-agent-sub003/deskerr"
)

const (
	daysPerMonth        = 30
	defaultLockupMonths = 12
	couplingHighBps     = 2000
	couplingSteepBps    = 2500
	couplingHighMonths  = 6
	couplingSteepMonths = 9
)

// Request carries the parsed negotiation parameters from the upstream
// text-understanding layer. Pointer fields distinguish "not mentioned" from
// an explicit zero.
type Request struct {
	TokenID         string
	Chain           string
	TokenAmount     string
	DiscountBps     *uint32
	LockupMonths    *uint32
	PaymentCurrency string
}

// PriorTerms is the slice of an existing active quote the engine may carry
// forward.
type PriorTerms struct {
	DiscountBps     uint32
	LockupMonths    uint32
	PaymentCurrency string
}

// ConsignmentTerms is the matched consignment's bound context.
type ConsignmentTerms struct {
	IsNegotiable     bool
	FixedDiscountBps uint32
	FixedLockupDays  uint32
	MinDiscountBps   uint32
	MaxDiscountBps   uint32
	MinLockupDays    uint32
	MaxLockupDays    uint32
}

// Terms is the negotiated result.
type Terms struct {
	DiscountBps     uint32
	LockupMonths    uint32
	LockupDays      uint32
	PaymentCurrency string
	CommissionBps   uint32
	Reasoning       string
}

// Negotiate maps a request plus optional prior quote and consignment context
// into bounded terms. A nil consignment uses the desk policy defaults. The
// request must resolve a token and chain; a quote cannot bind without
// inventory context.
func Negotiate(req Request, prior *PriorTerms, cons *ConsignmentTerms, policy Policy) (Terms, error) {
	if strings.TrimSpace(req.TokenID) == "" || strings.TrimSpace(req.Chain) == "" {
		return Terms{}, deskerr.Validationf("negotiation requires a resolvable token and chain")
	}
	policy = policy.withDefaults()

	var notes []string

	// Non-negotiable inventory settles the terms verbatim.
	if cons != nil && !cons.IsNegotiable {
		days := cons.FixedLockupDays
		months := monthsFromDays(days)
		currency := resolveCurrency(req, prior)
		return Terms{
			DiscountBps:     cons.FixedDiscountBps,
			LockupMonths:    months,
			LockupDays:      days,
			PaymentCurrency: currency,
			CommissionBps:   policy.Commission(cons.FixedDiscountBps, days),
			Reasoning:       "fixed terms set by the consignment; not negotiable",
		}, nil
	}

	minBps, maxBps := policy.MinDiscountBps, policy.MaxDiscountBps
	minDays, maxDays := policy.MinLockupDays, policy.MaxLockupDays
	if cons != nil {
		if cons.MinDiscountBps > 0 || cons.MaxDiscountBps > 0 {
			minBps, maxBps = cons.MinDiscountBps, cons.MaxDiscountBps
		}
		if cons.MinLockupDays > 0 || cons.MaxLockupDays > 0 {
			minDays, maxDays = cons.MinLockupDays, cons.MaxLockupDays
		}
	}

	// Lockup precedence: explicit request > existing quote > worst case.
	months := uint32(defaultLockupMonths)
	switch {
	case req.LockupMonths != nil:
		months = *req.LockupMonths
	case prior != nil && prior.LockupMonths > 0:
		months = prior.LockupMonths
	}
	months, clamped := clampMonths(months, minDays, maxDays)
	if clamped {
		notes = append(notes, fmt.Sprintf("lockup clamped to %d-%d days", minDays, maxDays))
	}

	// Discount precedence: existing quote > explicit request > worst case.
	discount := policy.MinDiscountBps
	switch {
	case prior != nil && prior.DiscountBps > 0:
		discount = prior.DiscountBps
	case req.DiscountBps != nil:
		discount = *req.DiscountBps
	}
	if discount < minBps {
		discount = minBps
		notes = append(notes, fmt.Sprintf("discount raised to the %dbps floor", minBps))
	}
	if discount > maxBps {
		discount = maxBps
		notes = append(notes, fmt.Sprintf("discount capped at %dbps", maxBps))
	}

	// High discounts require commensurate lockups or the desk economics break.
	for required := coupledMinMonths(discount); required > months; required = coupledMinMonths(discount) {
		if maxDays >= required*daysPerMonth {
			months = required
			notes = append(notes, fmt.Sprintf("lockup extended to %d months to support a %dbps discount", required, discount))
			break
		}
		// Bounds cannot honour the coupled lockup, so the discount drops below
		// the threshold instead.
		discount = couplingThresholdBelow(discount) - 1
		if discount <= minBps {
			discount = minBps
			break
		}
		notes = append(notes, "discount reduced: lockup bounds cannot support the coupled minimum")
	}

	days := months * daysPerMonth
	if days > maxDays {
		days = maxDays
	}
	if days < minDays {
		days = minDays
	}

	terms := Terms{
		DiscountBps:     discount,
		LockupMonths:    months,
		LockupDays:      days,
		PaymentCurrency: resolveCurrency(req, prior),
		CommissionBps:   policy.Commission(discount, days),
	}
	if len(notes) == 0 {
		notes = append(notes, "terms within requested bounds")
	}
	terms.Reasoning = strings.Join(notes, "; ")
	return terms, nil
}

func resolveCurrency(req Request, prior *PriorTerms) string {
	if c := strings.ToUpper(strings.TrimSpace(req.PaymentCurrency)); c != "" {
		return c
	}
	if prior != nil && prior.PaymentCurrency != "" {
		return prior.PaymentCurrency
	}
	return DefaultCurrency(req.Chain)
}

// DefaultCurrency maps a chain to its native payment currency.
func DefaultCurrency(chain string) string {
	switch strings.ToLower(strings.TrimSpace(chain)) {
	case "solana":
		return "SOL"
	default:
		return "ETH"
	}
}

func coupledMinMonths(discountBps uint32) uint32 {
	switch {
	case discountBps >= couplingSteepBps:
		return couplingSteepMonths
	case discountBps >= couplingHighBps:
		return couplingHighMonths
	}
	return 0
}

func couplingThresholdBelow(discountBps uint32) uint32 {
	if discountBps >= couplingSteepBps {
		return couplingSteepBps
	}
	return couplingHighBps
}

func clampMonths(months, minDays, maxDays uint32) (uint32, bool) {
	minMonths := (minDays + daysPerMonth - 1) / daysPerMonth
	maxMonths := maxDays / daysPerMonth
	if maxMonths == 0 {
		maxMonths = 1
	}
	switch {
	case months < minMonths:
		return minMonths, true
	case months > maxMonths:
		return maxMonths, true
	}
	return months, false
}

func monthsFromDays(days uint32) uint32 {
	months := (days + daysPerMonth - 1) / daysPerMonth
	if months == 0 {
		months = 1
	}
	return months
}
