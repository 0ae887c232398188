package inventory

import (
	"context"

	"github.com/kewi-labs-io/otc-agent-sub003/deskerr"
	"github.com/kewi-labs-io/otc-agent-sub003/models"
)

// Match is the selected consignment for a request. Fallback reports that no
// consignment satisfied the requested terms strictly and the desk fell back to
// any active inventory for the token, so the stated terms may sit outside the
// selected record's real bounds.
type Match struct {
	Consignment models.Consignment
	Fallback    bool
}

// BestFit selects the consignment backing a quote. Zero-valued amount,
// discount, or lockup act as wildcards for parameters the request left
// unspecified. Ties break on insertion order.
func (r *Repo) BestFit(ctx context.Context, tokenID string, amount uint64, discountBps, lockupDays uint32) (*Match, error) {
	rows, err := r.ActiveByToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	for _, c := range rows {
		if c.RemainingAmount == 0 {
			continue
		}
		if !amountFits(c, amount) || !termsFit(c, discountBps, lockupDays) {
			continue
		}
		return &Match{Consignment: c}, nil
	}
	// The desk prefers linking a quote to some inventory over none: any active
	// consignment with remaining stock qualifies as a fallback.
	for _, c := range rows {
		if c.RemainingAmount > 0 {
			return &Match{Consignment: c, Fallback: true}, nil
		}
	}
	return nil, deskerr.NotFoundf("no active consignment for token %s", tokenID)
}

func amountFits(c models.Consignment, amount uint64) bool {
	if amount == 0 {
		return true
	}
	if c.MinDealAmount > 0 && amount < c.MinDealAmount {
		return false
	}
	if c.MaxDealAmount > 0 && amount > c.MaxDealAmount {
		return false
	}
	return amount <= c.RemainingAmount
}

func termsFit(c models.Consignment, discountBps, lockupDays uint32) bool {
	if !c.IsNegotiable {
		if discountBps != 0 && discountBps != c.FixedDiscountBps {
			return false
		}
		if lockupDays != 0 && lockupDays != c.FixedLockupDays {
			return false
		}
		return true
	}
	if discountBps != 0 && (discountBps < c.MinDiscountBps || discountBps > c.MaxDiscountBps) {
		return false
	}
	if lockupDays != 0 && (lockupDays < c.MinLockupDays || lockupDays > c.MaxLockupDays) {
		return false
	}
	return true
}
