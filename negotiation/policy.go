package negotiation

import "sort"

// Policy carries the desk-wide negotiation bounds and commission schedule.
// Values load from the desk policy TOML file; zero fields fall back to the
// compiled defaults so a partial file stays valid.
type Policy struct {
	MinDiscountBps     uint32 `toml:"min_discount_bps"`
	MaxDiscountBps     uint32 `toml:"max_discount_bps"`
	OverrideCeilingBps uint32 `toml:"override_ceiling_bps"`
	MinLockupDays      uint32 `toml:"min_lockup_days"`
	MaxLockupDays      uint32 `toml:"max_lockup_days"`

	// Commission schedule. DiscountTiers maps a minimum discount to the tier
	// commission; LockupCaps maps a maximum lockup to the cap. File order does
	// not matter, the schedule is normalized before evaluation as
	// min(tier, cap).
	DiscountTiers []CommissionTier `toml:"discount_tiers"`
	LockupCaps    []LockupCap      `toml:"lockup_caps"`

	// Reduced tiers above the disclosed ceiling, reserved for manual override.
	OverrideCommissionBps     uint32 `toml:"override_commission_bps"`
	DeepOverrideCommissionBps uint32 `toml:"deep_override_commission_bps"`
	DeepOverrideThresholdBps  uint32 `toml:"deep_override_threshold_bps"`
}

// CommissionTier grants CommissionBps when the discount is at least MinDiscountBps.
type CommissionTier struct {
	MinDiscountBps uint32 `toml:"min_discount_bps"`
	CommissionBps  uint32 `toml:"commission_bps"`
}

// LockupCap limits commission to CapBps when the lockup is at most MaxLockupDays.
type LockupCap struct {
	MaxLockupDays uint32 `toml:"max_lockup_days"`
	CapBps        uint32 `toml:"cap_bps"`
}

// DefaultPolicy returns the desk defaults: 1%-25% discount, 7-365 day lockup,
// a 35% hard ceiling reserved for manual override, and the standard
// commission schedule.
func DefaultPolicy() Policy {
	return Policy{
		MinDiscountBps:     100,
		MaxDiscountBps:     2500,
		OverrideCeilingBps: 3500,
		MinLockupDays:      7,
		MaxLockupDays:      365,
		DiscountTiers: []CommissionTier{
			{MinDiscountBps: 1500, CommissionBps: 50},
			{MinDiscountBps: 1000, CommissionBps: 100},
			{MinDiscountBps: 500, CommissionBps: 200},
			{MinDiscountBps: 0, CommissionBps: 300},
		},
		LockupCaps: []LockupCap{
			{MaxLockupDays: 30, CapBps: 50},
			{MaxLockupDays: 90, CapBps: 100},
			{MaxLockupDays: 180, CapBps: 200},
			{MaxLockupDays: 270, CapBps: 250},
		},
		OverrideCommissionBps:     25,
		DeepOverrideCommissionBps: 10,
		DeepOverrideThresholdBps:  3000,
	}
}

// withDefaults fills zero-valued fields from the compiled defaults.
func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MinDiscountBps == 0 {
		p.MinDiscountBps = def.MinDiscountBps
	}
	if p.MaxDiscountBps == 0 {
		p.MaxDiscountBps = def.MaxDiscountBps
	}
	if p.OverrideCeilingBps == 0 {
		p.OverrideCeilingBps = def.OverrideCeilingBps
	}
	if p.MinLockupDays == 0 {
		p.MinLockupDays = def.MinLockupDays
	}
	if p.MaxLockupDays == 0 {
		p.MaxLockupDays = def.MaxLockupDays
	}
	if len(p.DiscountTiers) == 0 {
		p.DiscountTiers = def.DiscountTiers
	}
	if len(p.LockupCaps) == 0 {
		p.LockupCaps = def.LockupCaps
	}
	if p.OverrideCommissionBps == 0 {
		p.OverrideCommissionBps = def.OverrideCommissionBps
	}
	if p.DeepOverrideCommissionBps == 0 {
		p.DeepOverrideCommissionBps = def.DeepOverrideCommissionBps
	}
	if p.DeepOverrideThresholdBps == 0 {
		p.DeepOverrideThresholdBps = def.DeepOverrideThresholdBps
	}
	return p.normalize()
}

// normalize orders the commission schedule so lookups can stop at the first
// matching entry: discount tiers descending by threshold, lockup caps
// ascending by ceiling.
func (p Policy) normalize() Policy {
	tiers := append([]CommissionTier(nil), p.DiscountTiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinDiscountBps > tiers[j].MinDiscountBps })
	caps := append([]LockupCap(nil), p.LockupCaps...)
	sort.Slice(caps, func(i, j int) bool { return caps[i].MaxLockupDays < caps[j].MaxLockupDays })
	p.DiscountTiers = tiers
	p.LockupCaps = caps
	return p
}

// Commission computes the agent commission for the supplied terms. The
// schedule is monotonic: commission never decreases as the discount shrinks or
// the lockup lengthens. Discounts above the disclosed ceiling fall into the
// reduced override tiers.
func (p Policy) Commission(discountBps, lockupDays uint32) uint32 {
	p = p.withDefaults()
	if discountBps > p.MaxDiscountBps {
		if discountBps > p.DeepOverrideThresholdBps {
			return p.DeepOverrideCommissionBps
		}
		return p.OverrideCommissionBps
	}
	tier := p.DiscountTiers[len(p.DiscountTiers)-1].CommissionBps
	for _, t := range p.DiscountTiers {
		if discountBps >= t.MinDiscountBps {
			tier = t.CommissionBps
			break
		}
	}
	commission := tier
	for _, c := range p.LockupCaps {
		if lockupDays <= c.MaxLockupDays {
			if c.CapBps < commission {
				commission = c.CapBps
			}
			break
		}
	}
	return commission
}
