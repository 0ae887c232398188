package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kewi-labs-io/otc-agent-sub003/deskerr"
	"github.com/kewi-labs-io/otc-agent-sub003/negotiation"
)

const (
	quoteKeyPrefix  = "quote:"
	entityKeyPrefix = "quote:entity:"

	replacedReason = "Replaced by new quote"
	expiredReason  = "Quote expired"
)

// Ledger assigns deterministic quote identifiers, signs and persists quotes,
// and enforces at most one active quote per entity. Expiry is lazy: it is
// evaluated when a quote is read or replaced, never by a background timer.
type Ledger struct {
	store  Store
	signer *Signer
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLedger constructs a quote ledger. ttl bounds how long a quote stays
// active before lazy expiry; zero disables time-based expiry.
func NewLedger(store Store, signer *Signer, ttl time.Duration) *Ledger {
	return &Ledger{
		store:  store,
		signer: signer,
		ttl:    ttl,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// SetNowFunc overrides the time source, primarily used in tests.
func (l *Ledger) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	l.now = now
}

// entityLock returns the per-entity mutex serializing expire-then-create.
func (l *Ledger) entityLock(entityID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[entityID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[entityID] = lock
	}
	return lock
}

// CreateParams carries everything needed to mint a quote.
type CreateParams struct {
	EntityID      string
	Beneficiary   string
	TokenID       string
	Chain         string
	TokenAmount   string
	ConsignmentID string
	Terms         negotiation.Terms

	// PriceUsd, when positive, drives the non-binding USD estimates.
	PriceUsd      decimal.Decimal
	TokenDecimals uint8
}

// Create expires any other active quote for the entity, then signs and
// persists a quote under the deterministic per-entity-per-day identifier.
// Re-quoting on the same day overwrites the record but preserves the original
// CreatedAt; IssuedAt restarts so the fresh quote gets a full TTL.
func (l *Ledger) Create(ctx context.Context, p CreateParams) (*Quote, error) {
	entity := strings.TrimSpace(p.EntityID)
	if entity == "" {
		return nil, deskerr.Validationf("entityId is required")
	}
	if strings.TrimSpace(p.Beneficiary) == "" {
		return nil, deskerr.Validationf("beneficiary is required")
	}
	amount := strings.TrimSpace(p.TokenAmount)
	if amount == "" {
		amount = "0"
	}

	lock := l.entityLock(entity)
	lock.Lock()
	defer lock.Unlock()

	now := l.now()
	quoteID := QuoteID(entity, now)

	ids, err := l.entityQuoteIDs(ctx, entity)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if id == quoteID {
			continue
		}
		existing, err := l.load(ctx, id)
		if err != nil || existing == nil {
			continue
		}
		if existing.Status == StatusActive {
			l.stamp(existing, StatusExpired, replacedReason, now)
			if err := l.persist(ctx, existing); err != nil {
				return nil, err
			}
		}
	}

	createdAt := now
	if prior, err := l.load(ctx, quoteID); err == nil && prior != nil {
		createdAt = prior.CreatedAt
	}

	q := &Quote{
		QuoteID:         quoteID,
		EntityID:        entity,
		Beneficiary:     p.Beneficiary,
		TokenID:         p.TokenID,
		Chain:           p.Chain,
		TokenAmount:     amount,
		DiscountBps:     p.Terms.DiscountBps,
		LockupMonths:    p.Terms.LockupMonths,
		LockupDays:      p.Terms.LockupDays,
		PaymentCurrency: p.Terms.PaymentCurrency,
		AgentCommission: p.Terms.CommissionBps,
		Reasoning:       p.Terms.Reasoning,
		ConsignmentID:   p.ConsignmentID,
		Status:          StatusActive,
		CreatedAt:       createdAt,
		IssuedAt:        now,
	}
	l.applyEstimates(q, p)
	q.Signature = l.signer.Sign(q)

	if err := l.persist(ctx, q); err != nil {
		return nil, err
	}
	if err := l.indexQuote(ctx, entity, quoteID, ids); err != nil {
		return nil, err
	}
	return q.Clone(), nil
}

// Active returns the entity's sole active quote. Stale quotes flip to expired
// on the way through.
func (l *Ledger) Active(ctx context.Context, entityID string) (*Quote, error) {
	entity := strings.TrimSpace(entityID)
	if entity == "" {
		return nil, deskerr.Validationf("entityId is required")
	}
	lock := l.entityLock(entity)
	lock.Lock()
	defer lock.Unlock()

	ids, err := l.entityQuoteIDs(ctx, entity)
	if err != nil {
		return nil, err
	}
	now := l.now()
	for i := len(ids) - 1; i >= 0; i-- {
		q, err := l.load(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		if q == nil || q.Status != StatusActive {
			continue
		}
		issued := q.IssuedAt
		if issued.IsZero() {
			issued = q.CreatedAt
		}
		if l.ttl > 0 && now.Sub(issued) > l.ttl {
			l.stamp(q, StatusExpired, expiredReason, now)
			if err := l.persist(ctx, q); err != nil {
				return nil, err
			}
			continue
		}
		return q.Clone(), nil
	}
	return nil, deskerr.NotFoundf("no active quote for entity %s", entity)
}

// Get loads a quote by identifier.
func (l *Ledger) Get(ctx context.Context, quoteID string) (*Quote, error) {
	q, err := l.load(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, deskerr.NotFoundf("quote %s not found", quoteID)
	}
	return q.Clone(), nil
}

// UpdateStatus applies a status transition with evidence. Repeating a
// terminal transition is an idempotent no-op.
func (l *Ledger) UpdateStatus(ctx context.Context, quoteID string, next Status, evidence string) (*Quote, error) {
	q, err := l.load(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, deskerr.NotFoundf("quote %s not found", quoteID)
	}

	lock := l.entityLock(q.EntityID)
	lock.Lock()
	defer lock.Unlock()

	q, err = l.load(ctx, quoteID)
	if err != nil || q == nil {
		return nil, deskerr.NotFoundf("quote %s not found", quoteID)
	}
	if q.Status == next && q.Status.IsTerminal() {
		return q.Clone(), nil
	}
	if err := ValidateTransition(q.Status, next); err != nil {
		return nil, err
	}
	l.stamp(q, next, evidence, l.now())
	if err := l.persist(ctx, q); err != nil {
		return nil, err
	}
	return q.Clone(), nil
}

// VerifySignature recomputes the quote's HMAC and compares it. A mismatch is
// fatal: the quote's terms must not be trusted for settlement.
func (l *Ledger) VerifySignature(q *Quote) error {
	if q == nil {
		return deskerr.Validationf("quote is required")
	}
	if !l.signer.Verify(q) {
		return deskerr.Integrityf("quote %s signature mismatch", q.QuoteID)
	}
	return nil
}

func (l *Ledger) stamp(q *Quote, next Status, reason string, now time.Time) {
	q.Status = next
	q.StatusReason = reason
	ts := now
	switch next {
	case StatusExpired:
		q.ExpiredAt = &ts
	case StatusApproved:
		q.ApprovedAt = &ts
	case StatusRejected:
		q.RejectedAt = &ts
	case StatusExecuted:
		q.ExecutedAt = &ts
	}
}

func (l *Ledger) applyEstimates(q *Quote, p CreateParams) {
	if !p.PriceUsd.IsPositive() || q.TokenAmount == "0" {
		return
	}
	baseUnits, err := decimal.NewFromString(q.TokenAmount)
	if err != nil || !baseUnits.IsPositive() {
		return
	}
	scale := decimal.New(1, int32(p.TokenDecimals))
	total := baseUnits.Div(scale).Mul(p.PriceUsd)
	discounted := total.Mul(decimal.NewFromInt(10000 - int64(q.DiscountBps))).Div(decimal.NewFromInt(10000))
	q.TotalUsd = total.Round(2).String()
	q.DiscountedUsd = discounted.Round(2).String()
}

func (l *Ledger) load(ctx context.Context, quoteID string) (*Quote, error) {
	raw, ok, err := l.store.Get(ctx, quoteKeyPrefix+quoteID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var q Quote
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		return nil, fmt.Errorf("quotes: decode %s: %w", quoteID, err)
	}
	return &q, nil
}

func (l *Ledger) persist(ctx context.Context, q *Quote) error {
	raw, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, quoteKeyPrefix+q.QuoteID, string(raw))
}

func (l *Ledger) entityQuoteIDs(ctx context.Context, entityID string) ([]string, error) {
	raw, ok, err := l.store.Get(ctx, entityKeyPrefix+entityID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("quotes: decode entity index %s: %w", entityID, err)
	}
	return ids, nil
}

func (l *Ledger) indexQuote(ctx context.Context, entityID, quoteID string, ids []string) error {
	for _, id := range ids {
		if id == quoteID {
			return nil
		}
	}
	ids = append(ids, quoteID)
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, entityKeyPrefix+entityID, string(raw))
}
