// Package memory implements the chain adapter contract against an in-process
// desk ledger. It carries the full settlement rule set (reserved inventory,
// lockups, minimum deal size, price staleness, pause and approver controls)
// so orchestration and lifecycle behaviour can be exercised without a node.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/kewi-labs-io/otc-agent-sub003/chain"
	"github.com/kewi-labs-io/otc-agent-sub003/deskerr"
	"github.com/kewi-labs-io/otc-agent-sub003/oracle"
)

const bpsDenominator = 10_000

type tokenInfo struct {
	decimals uint8
	treasury bool
}

type consignment struct {
	spec      chain.ConsignmentSpec
	remaining uint64
	reserved  uint64
	createdAt int64
	withdrawn bool
}

type offer struct {
	chain.Offer
	claimed bool
}

// Config bounds the desk's settlement behaviour.
type Config struct {
	// MinDealUsd8d rejects offers whose gross USD value is below this floor.
	MinDealUsd8d uint64
	// OfferExpirySecs invalidates unapproved offers after this window.
	OfferExpirySecs int64
	// RestrictFulfill limits payment to the offer's beneficiary.
	RestrictFulfill bool
	// PayCurrency is the settlement currency symbol ("ETH", "SOL").
	PayCurrency string
	// PayCurrencyDecimals sizes payment base units.
	PayCurrencyDecimals uint8
}

// Ledger is an in-memory desk. All state lives behind one mutex; the real
// adapters get the same serialization from the chain itself.
type Ledger struct {
	mu sync.Mutex

	cfg    Config
	prices oracle.PriceOracle
	now    func() time.Time

	tokens       map[string]tokenInfo
	consignments map[uint64]*consignment
	offers       map[uint64]*offer
	balances     map[string]map[string]uint64

	approvers map[string]bool
	paused    bool

	nextConsignmentID uint64
	nextOfferID       uint64
}

func NewLedger(cfg Config, prices oracle.PriceOracle) *Ledger {
	if cfg.PayCurrency == "" {
		cfg.PayCurrency = "ETH"
		cfg.PayCurrencyDecimals = 18
	}
	return &Ledger{
		cfg:               cfg,
		prices:            prices,
		now:               time.Now,
		tokens:            make(map[string]tokenInfo),
		consignments:      make(map[uint64]*consignment),
		offers:            make(map[uint64]*offer),
		balances:          make(map[string]map[string]uint64),
		approvers:         make(map[string]bool),
		nextConsignmentID: 1,
		nextOfferID:       1,
	}
}

// SetNowFunc overrides the clock for tests.
func (l *Ledger) SetNowFunc(now func() time.Time) { l.now = now }

func (l *Ledger) Name() string { return "memory" }

// AddApprover whitelists an address for ApproveOffer.
func (l *Ledger) AddApprover(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.approvers[addr] = true
}

// SetPaused halts offer creation and fulfilment while leaving claims and
// withdrawals open, matching an emergency stop that never traps funds.
func (l *Ledger) SetPaused(paused bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = paused
}

// Credit funds an account for tests and local runs.
func (l *Ledger) Credit(tokenID, account string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(tokenID, account, amount)
}

func (l *Ledger) credit(tokenID, account string, amount uint64) {
	accounts := l.balances[tokenID]
	if accounts == nil {
		accounts = make(map[string]uint64)
		l.balances[tokenID] = accounts
	}
	accounts[account] += amount
}

func (l *Ledger) debit(tokenID, account string, amount uint64) error {
	accounts := l.balances[tokenID]
	if accounts == nil || accounts[account] < amount {
		return deskerr.Chainf(deskerr.ChainInsufficientBalance, "account %s holds %d of %s, need %d", account, accounts[account], tokenID, amount)
	}
	accounts[account] -= amount
	return nil
}

func (l *Ledger) EnsureTokenRegistered(_ context.Context, tokenID string, decimals uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if info, ok := l.tokens[tokenID]; ok {
		if info.decimals != decimals {
			return deskerr.Statef("token %s registered with %d decimals, got %d", tokenID, info.decimals, decimals)
		}
		return nil
	}
	l.tokens[tokenID] = tokenInfo{decimals: decimals}
	return nil
}

func (l *Ledger) EnsureTreasury(_ context.Context, tokenID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.tokens[tokenID]
	if !ok {
		return deskerr.Statef("token %s is not registered", tokenID)
	}
	info.treasury = true
	l.tokens[tokenID] = info
	return nil
}

func (l *Ledger) CreateConsignment(_ context.Context, spec chain.ConsignmentSpec) (uint64, chain.TxResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paused {
		return 0, chain.TxResult{}, deskerr.Chainf(deskerr.ChainPaused, "desk is paused")
	}
	info, ok := l.tokens[spec.TokenID]
	if !ok || !info.treasury {
		return 0, chain.TxResult{}, deskerr.Statef("no treasury for token %s", spec.TokenID)
	}
	if spec.Amount == 0 {
		return 0, chain.TxResult{}, deskerr.Validationf("consignment amount must be positive")
	}
	if err := l.debit(spec.TokenID, spec.Consigner, spec.Amount); err != nil {
		return 0, chain.TxResult{}, err
	}
	l.credit(spec.TokenID, "treasury", spec.Amount)

	id := l.nextConsignmentID
	l.nextConsignmentID++
	l.consignments[id] = &consignment{
		spec:      spec,
		remaining: spec.Amount,
		createdAt: l.now().Unix(),
	}
	return id, l.tx("consign", id), nil
}

func (l *Ledger) CreateOfferFromConsignment(_ context.Context, spec chain.OfferSpec) (uint64, chain.TxResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paused {
		return 0, chain.TxResult{}, deskerr.Chainf(deskerr.ChainPaused, "desk is paused")
	}
	c, ok := l.consignments[spec.ConsignmentID]
	if !ok || c.withdrawn {
		return 0, chain.TxResult{}, deskerr.NotFoundf("consignment %d", spec.ConsignmentID)
	}
	available := c.remaining - c.reserved
	if spec.TokenAmount == 0 || spec.TokenAmount > available {
		return 0, chain.TxResult{}, deskerr.Chainf(deskerr.ChainInsufficientInv, "consignment %d has %d available, need %d", spec.ConsignmentID, available, spec.TokenAmount)
	}
	if c.spec.MinDealAmount > 0 && spec.TokenAmount < c.spec.MinDealAmount {
		return 0, chain.TxResult{}, deskerr.Validationf("offer below consignment minimum of %d", c.spec.MinDealAmount)
	}
	info := l.tokens[c.spec.TokenID]
	price, err := l.prices.PriceUsd(c.spec.TokenID)
	if err != nil {
		return 0, chain.TxResult{}, err
	}
	gross := mulDiv(spec.TokenAmount, price.Usd8d, pow10(info.decimals))
	if l.cfg.MinDealUsd8d > 0 && gross < l.cfg.MinDealUsd8d {
		return 0, chain.TxResult{}, deskerr.Chainf(deskerr.ChainMinUsdNotMet, "deal value %d below desk minimum %d", gross, l.cfg.MinDealUsd8d)
	}

	c.reserved += spec.TokenAmount
	now := l.now().Unix()
	id := l.nextOfferID
	l.nextOfferID++
	l.offers[id] = &offer{Offer: chain.Offer{
		ID:            id,
		ConsignmentID: spec.ConsignmentID,
		TokenID:       c.spec.TokenID,
		Beneficiary:   spec.Beneficiary,
		TokenAmount:   spec.TokenAmount,
		DiscountBps:   spec.DiscountBps,
		Currency:      spec.Currency,
		CreatedAt:     now,
		UnlockTime:    now + spec.LockupSeconds,
		PriceUsd8d:    price.Usd8d,
	}}
	return id, l.tx("offer", id), nil
}

func (l *Ledger) ApproveOffer(_ context.Context, offerID uint64, approver string) (chain.TxResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, err := l.offer(offerID)
	if err != nil {
		return chain.TxResult{}, err
	}
	if len(l.approvers) > 0 && !l.approvers[approver] {
		return chain.TxResult{}, deskerr.Chainf(deskerr.ChainRejectedSignature, "%s is not a desk approver", approver)
	}
	if o.Approved {
		return chain.TxResult{}, deskerr.Statef("offer %d is already approved", offerID)
	}
	if l.cfg.OfferExpirySecs > 0 && l.now().Unix() > o.CreatedAt+l.cfg.OfferExpirySecs {
		return chain.TxResult{}, deskerr.Statef("offer %d expired before approval", offerID)
	}
	o.Approved = true
	return l.tx("approve", offerID), nil
}

func (l *Ledger) FulfillOffer(_ context.Context, offerID uint64, payer string) (chain.TxResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paused {
		return chain.TxResult{}, deskerr.Chainf(deskerr.ChainPaused, "desk is paused")
	}
	o, err := l.offer(offerID)
	if err != nil {
		return chain.TxResult{}, err
	}
	if !o.Approved {
		return chain.TxResult{}, deskerr.Statef("offer %d is not approved", offerID)
	}
	if o.Fulfilled {
		return chain.TxResult{}, deskerr.Statef("offer %d is already fulfilled", offerID)
	}
	if l.cfg.RestrictFulfill && payer != o.Beneficiary {
		return chain.TxResult{}, deskerr.Chainf(deskerr.ChainRejectedSignature, "only the beneficiary may fulfill this offer")
	}

	curPrice, err := l.prices.PriceUsd(l.cfg.PayCurrency)
	if err != nil {
		return chain.TxResult{}, err
	}
	info := l.tokens[o.TokenID]
	payment := paymentAmount(o.TokenAmount, o.PriceUsd8d, o.DiscountBps, info.decimals, curPrice.Usd8d, l.cfg.PayCurrencyDecimals)
	if err := l.debit(l.cfg.PayCurrency, payer, payment); err != nil {
		return chain.TxResult{}, err
	}
	l.credit(l.cfg.PayCurrency, "treasury", payment)

	c := l.consignments[o.ConsignmentID]
	c.reserved -= o.TokenAmount
	c.remaining -= o.TokenAmount

	o.Fulfilled = true
	o.Paid = true
	o.Payer = payer
	o.AmountPaid = payment
	return l.tx("fulfill", offerID), nil
}

// CancelOffer voids an unfulfilled offer and returns its reservation to the
// consignment. Approvers cancel at any time; the beneficiary only after the
// offer expiry window elapses.
func (l *Ledger) CancelOffer(_ context.Context, offerID uint64, actor string) (chain.TxResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paused {
		return chain.TxResult{}, deskerr.Chainf(deskerr.ChainPaused, "desk is paused")
	}
	o, err := l.offer(offerID)
	if err != nil {
		return chain.TxResult{}, err
	}
	if o.Paid || o.Fulfilled {
		return chain.TxResult{}, deskerr.Statef("offer %d is already fulfilled", offerID)
	}
	if actor == o.Beneficiary {
		if l.cfg.OfferExpirySecs <= 0 || l.now().Unix() < o.CreatedAt+l.cfg.OfferExpirySecs {
			return chain.TxResult{}, deskerr.Statef("offer %d has not expired, only the desk may cancel", offerID)
		}
	} else if len(l.approvers) > 0 && !l.approvers[actor] {
		return chain.TxResult{}, deskerr.Chainf(deskerr.ChainRejectedSignature, "%s is not a desk approver", actor)
	}
	c := l.consignments[o.ConsignmentID]
	c.reserved -= o.TokenAmount
	o.Cancelled = true
	return l.tx("cancel", offerID), nil
}

func (l *Ledger) Claim(_ context.Context, offerID uint64, beneficiary string) (chain.TxResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, err := l.offer(offerID)
	if err != nil {
		return chain.TxResult{}, err
	}
	if !o.Fulfilled {
		return chain.TxResult{}, deskerr.Statef("offer %d is not fulfilled", offerID)
	}
	if beneficiary != o.Beneficiary {
		return chain.TxResult{}, deskerr.Chainf(deskerr.ChainRejectedSignature, "claimer is not the beneficiary")
	}
	if o.claimed {
		return chain.TxResult{}, deskerr.Statef("offer %d is already claimed", offerID)
	}
	if l.now().Unix() < o.UnlockTime {
		return chain.TxResult{}, deskerr.Statef("offer %d is locked until %s", offerID, time.Unix(o.UnlockTime, 0).UTC().Format(time.RFC3339))
	}
	if err := l.debit(o.TokenID, "treasury", o.TokenAmount); err != nil {
		return chain.TxResult{}, err
	}
	l.credit(o.TokenID, beneficiary, o.TokenAmount)
	o.claimed = true
	return l.tx("claim", offerID), nil
}

func (l *Ledger) WithdrawConsignment(_ context.Context, consignmentID uint64, consigner string) (uint64, chain.TxResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.consignments[consignmentID]
	if !ok {
		return 0, chain.TxResult{}, deskerr.NotFoundf("consignment %d", consignmentID)
	}
	if c.spec.Consigner != consigner {
		return 0, chain.TxResult{}, deskerr.Chainf(deskerr.ChainRejectedSignature, "withdrawer is not the consigner")
	}
	free := c.remaining - c.reserved
	if free == 0 {
		c.withdrawn = c.reserved == 0
		return 0, l.tx("withdraw", consignmentID), nil
	}
	if err := l.debit(c.spec.TokenID, "treasury", free); err != nil {
		return 0, chain.TxResult{}, err
	}
	l.credit(c.spec.TokenID, consigner, free)
	c.remaining -= free
	c.withdrawn = c.reserved == 0
	return free, l.tx("withdraw", consignmentID), nil
}

func (l *Ledger) RemainingAmount(_ context.Context, consignmentID uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.consignments[consignmentID]
	if !ok {
		return 0, deskerr.NotFoundf("consignment %d", consignmentID)
	}
	return c.remaining - c.reserved, nil
}

func (l *Ledger) GetOffer(_ context.Context, offerID uint64) (*chain.Offer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, err := l.offer(offerID)
	if err != nil {
		return nil, err
	}
	copied := o.Offer
	return &copied, nil
}

func (l *Ledger) BalanceOf(_ context.Context, tokenID, account string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[tokenID][account], nil
}

// EmergencyRefund unwinds a fulfilled but unclaimed offer: the payment returns
// to the payer and the tokens return to the consignment.
func (l *Ledger) EmergencyRefund(_ context.Context, offerID uint64) (chain.TxResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, err := l.offer(offerID)
	if err != nil {
		return chain.TxResult{}, err
	}
	if !o.Fulfilled || o.claimed {
		return chain.TxResult{}, deskerr.Statef("offer %d cannot be refunded", offerID)
	}
	if err := l.debit(l.cfg.PayCurrency, "treasury", o.AmountPaid); err != nil {
		return chain.TxResult{}, err
	}
	l.credit(l.cfg.PayCurrency, o.Payer, o.AmountPaid)
	c := l.consignments[o.ConsignmentID]
	c.remaining += o.TokenAmount
	o.Cancelled = true
	o.claimed = true
	return l.tx("refund", offerID), nil
}

func (l *Ledger) offer(id uint64) (*offer, error) {
	o, ok := l.offers[id]
	if !ok {
		return nil, deskerr.NotFoundf("offer %d", id)
	}
	if o.Cancelled {
		return nil, deskerr.Statef("offer %d is cancelled", id)
	}
	return o, nil
}

func (l *Ledger) tx(op string, id uint64) chain.TxResult {
	return chain.TxResult{
		TxID:      fmt.Sprintf("mem-%s-%d-%d", op, id, l.now().UnixNano()),
		Confirmed: true,
	}
}

// paymentAmount converts a discounted token lot into payment-currency base
// units, rounding up so the desk never undercollects by a dust unit.
func paymentAmount(tokenAmount, priceUsd8d uint64, discountBps uint32, tokenDecimals uint8, currencyUsd8d uint64, currencyDecimals uint8) uint64 {
	gross := new(big.Int).Mul(new(big.Int).SetUint64(tokenAmount), new(big.Int).SetUint64(priceUsd8d))
	gross.Mul(gross, big.NewInt(int64(bpsDenominator-discountBps)))

	den := new(big.Int).SetUint64(pow10(tokenDecimals))
	den.Mul(den, big.NewInt(bpsDenominator))
	den.Mul(den, new(big.Int).SetUint64(currencyUsd8d))

	gross.Mul(gross, new(big.Int).SetUint64(pow10(currencyDecimals)))

	quo, rem := new(big.Int).QuoRem(gross, den, new(big.Int))
	if rem.Sign() > 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo.Uint64()
}

func mulDiv(a, b, den uint64) uint64 {
	prod := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
	return prod.Div(prod, new(big.Int).SetUint64(den)).Uint64()
}

func pow10(n uint8) uint64 {
	out := uint64(1)
	for i := uint8(0); i < n; i++ {
		out *= 10
	}
	return out
}
