// Package oracle provides the posted-price oracle the desk settles against.
// Prices are 8-decimal fixed-point USD values with freshness and deviation
// bounds, matching the settlement contracts on both chain families.
package oracle

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kewi-labs-io/otc-agent-sub003/deskerr"
)

// Usd8dUnit is one USD in 8-decimal fixed point.
const Usd8dUnit = 100_000_000

// PriceQuote captures a posted USD price for one symbol along with the time
// it was observed and the reporting source.
type PriceQuote struct {
	Usd8d     uint64
	Timestamp time.Time
	Source    string
}

// Decimal renders the price as a decimal USD value.
func (q PriceQuote) Decimal() decimal.Decimal {
	return decimal.New(int64(q.Usd8d), -8)
}

// Rat renders the price as a big.Rat for loss-free arithmetic.
func (q PriceQuote) Rat() *big.Rat {
	return new(big.Rat).SetFrac(new(big.Int).SetUint64(q.Usd8d), big.NewInt(Usd8dUnit))
}

// PriceOracle resolves the posted USD price for a token or currency symbol.
type PriceOracle interface {
	PriceUsd(symbol string) (PriceQuote, error)
}

// Posted is a thread-safe oracle fed by desk-posted prices. Reads fail when
// the stored price is zero or older than the freshness window, and posts are
// rejected when they deviate from the prior price by more than the configured
// bound.
type Posted struct {
	mu              sync.RWMutex
	prices          map[string]PriceQuote
	maxAge          time.Duration
	maxDeviationBps uint32
	now             func() time.Time
}

// NewPosted constructs a posted-price oracle. maxAge of zero disables the
// staleness check; maxDeviationBps of zero disables the deviation bound.
func NewPosted(maxAge time.Duration, maxDeviationBps uint32) *Posted {
	return &Posted{
		prices:          make(map[string]PriceQuote),
		maxAge:          maxAge,
		maxDeviationBps: maxDeviationBps,
		now:             time.Now,
	}
}

// SetNowFunc overrides the time source, primarily used in tests.
func (p *Posted) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	p.now = now
}

// Post records a price for the symbol, enforcing the deviation bound against
// the previously posted value.
func (p *Posted) Post(symbol string, usd8d uint64, source string) error {
	if usd8d == 0 {
		return deskerr.Chainf(deskerr.ChainZeroPrice, "refusing to post zero price for %s", symbol)
	}
	key := normalize(symbol)
	p.mu.Lock()
	defer p.mu.Unlock()
	if prior, ok := p.prices[key]; ok && prior.Usd8d > 0 && p.maxDeviationBps > 0 {
		if deviationBps(prior.Usd8d, usd8d) > uint64(p.maxDeviationBps) {
			return deskerr.Validationf("posted %s price deviates more than %dbps from prior", symbol, p.maxDeviationBps)
		}
	}
	p.prices[key] = PriceQuote{Usd8d: usd8d, Timestamp: p.now(), Source: source}
	return nil
}

// PriceUsd returns the fresh posted price for the symbol.
func (p *Posted) PriceUsd(symbol string) (PriceQuote, error) {
	key := normalize(symbol)
	p.mu.RLock()
	q, ok := p.prices[key]
	p.mu.RUnlock()
	if !ok || q.Usd8d == 0 {
		return PriceQuote{}, deskerr.Chainf(deskerr.ChainZeroPrice, "no price posted for %s", symbol)
	}
	if p.maxAge > 0 && p.now().Sub(q.Timestamp) > p.maxAge {
		return PriceQuote{}, deskerr.Chainf(deskerr.ChainStalePrice, "price for %s is stale", symbol)
	}
	return q, nil
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func deviationBps(oldPrice, newPrice uint64) uint64 {
	diff := newPrice - oldPrice
	if oldPrice > newPrice {
		diff = oldPrice - newPrice
	}
	return new(big.Int).Div(
		new(big.Int).Mul(new(big.Int).SetUint64(diff), big.NewInt(10_000)),
		new(big.Int).SetUint64(oldPrice),
	).Uint64()
}
