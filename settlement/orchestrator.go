// Package settlement drives deals through the offer lifecycle: a quote is
// executed into a pending deal, approved by the desk, fulfilled by the payer
// and claimed by the beneficiary after the lockup elapses. Each step submits
// one ledger transaction, records its tx id, and appends an audit event, so a
// crashed run resumes by inspecting recorded state rather than re-submitting.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kewi-labs-io/otc-agent-sub003/chain"
	"github.com/kewi-labs-io/otc-agent-sub003/deskerr"
	"github.com/kewi-labs-io/otc-agent-sub003/inventory"
	"github.com/kewi-labs-io/otc-agent-sub003/models"
	"github.com/kewi-labs-io/otc-agent-sub003/observability"
	"github.com/kewi-labs-io/otc-agent-sub003/observability/logging"
	"github.com/kewi-labs-io/otc-agent-sub003/oracle"
	"github.com/kewi-labs-io/otc-agent-sub003/quotes"
)

var allowedDealTransitions = map[models.DealState][]models.DealState{
	models.DealPending:   {models.DealApproved, models.DealCancelled},
	models.DealApproved:  {models.DealFulfilled, models.DealCancelled},
	models.DealFulfilled: {models.DealClaimed},
}

// ValidateDealTransition ensures the transition follows the deal state machine.
func ValidateDealTransition(current, next models.DealState) error {
	for _, allowed := range allowedDealTransitions[current] {
		if allowed == next {
			return nil
		}
	}
	return deskerr.Statef("deal transition %s -> %s is not permitted", current, next)
}

// Orchestrator coordinates the database, the quote ledger and the chain
// adapters. All mutating methods are safe to re-run: completed steps are
// detected from recorded tx ids and surfaced as state errors instead of
// duplicate submissions.
type Orchestrator struct {
	db       *gorm.DB
	repo     *inventory.Repo
	ledger   *quotes.Ledger
	adapters map[string]chain.Adapter
	prices   oracle.PriceOracle
	metrics  *Metrics
	log      *slog.Logger
	now      func() time.Time

	retryAttempts int
	retryBackoff  time.Duration
}

// Options tunes orchestrator behaviour.
type Options struct {
	// RetryAttempts bounds re-submissions of transient chain failures.
	RetryAttempts int
	// RetryBackoff is the base delay between attempts, doubled each retry.
	RetryBackoff time.Duration
	// Prices enables approve-time deviation checks when set.
	Prices oracle.PriceOracle
}

func NewOrchestrator(db *gorm.DB, repo *inventory.Repo, ledger *quotes.Ledger, adapters map[string]chain.Adapter, metrics *Metrics, log *slog.Logger, opts Options) *Orchestrator {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		db:            db,
		repo:          repo,
		ledger:        ledger,
		adapters:      adapters,
		prices:        opts.Prices,
		metrics:       metrics,
		log:           log,
		now:           time.Now,
		retryAttempts: opts.RetryAttempts,
		retryBackoff:  opts.RetryBackoff,
	}
}

// SetNowFunc overrides the clock for tests.
func (o *Orchestrator) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	o.now = now
}

func (o *Orchestrator) adapter(chainName string) (chain.Adapter, error) {
	a, ok := o.adapters[chainName]
	if !ok {
		return nil, deskerr.Validationf("no adapter configured for chain %q", chainName)
	}
	return a, nil
}

// withRetry re-submits a step while the failure is transient (expired
// blockhash, rate limiting). Deterministic rejections return immediately.
func (o *Orchestrator) withRetry(ctx context.Context, step string, fn func() error) error {
	backoff := o.retryBackoff
	var err error
	for attempt := 0; attempt < o.retryAttempts; attempt++ {
		if attempt > 0 {
			o.metrics.retried(step)
			o.log.Warn("retrying settlement step",
				slog.String("step", step),
				slog.Int("attempt", attempt+1),
				slog.String("sub_reason", deskerr.SubReasonOf(err)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = fn(); err == nil || !deskerr.IsTransient(err) {
			return err
		}
	}
	return err
}

func (o *Orchestrator) step(ctx context.Context, name string, fn func() error) error {
	start := o.now()
	err := o.withRetry(ctx, name, fn)
	o.metrics.observe(name, o.now().Sub(start).Seconds(), err)
	return err
}

func (o *Orchestrator) appendEvent(ctx context.Context, dealID *uuid.UUID, actor, action, details string) {
	event := models.Event{
		ID:        uuid.New(),
		DealID:    dealID,
		Actor:     actor,
		Action:    action,
		Details:   details,
		CreatedAt: o.now(),
	}
	if err := o.db.WithContext(ctx).Create(&event).Error; err != nil {
		o.log.Error("audit event write failed", slog.String("action", action), slog.Any("error", err))
	}
	observability.Lifecycle().RecordAction(action)
}

// RegisterParams describes a seller deposit.
type RegisterParams struct {
	Chain     string
	Spec      chain.ConsignmentSpec
	Decimals  uint8
	Requestor string
}

// RegisterConsignment escrows seller inventory on chain and records it. Token
// registration and treasury creation run first and are idempotent, so a
// partial earlier attempt resumes cleanly.
func (o *Orchestrator) RegisterConsignment(ctx context.Context, p RegisterParams) (*models.Consignment, error) {
	adapter, err := o.adapter(p.Chain)
	if err != nil {
		return nil, err
	}
	if err := o.step(ctx, "ensure_token", func() error {
		return adapter.EnsureTokenRegistered(ctx, p.Spec.TokenID, p.Decimals)
	}); err != nil {
		return nil, err
	}
	if err := o.step(ctx, "ensure_treasury", func() error {
		return adapter.EnsureTreasury(ctx, p.Spec.TokenID)
	}); err != nil {
		return nil, err
	}

	var chainID uint64
	var tx chain.TxResult
	if err := o.step(ctx, "create_consignment", func() error {
		var stepErr error
		chainID, tx, stepErr = adapter.CreateConsignment(ctx, p.Spec)
		return stepErr
	}); err != nil {
		return nil, err
	}

	record := &models.Consignment{
		ChainConsignmentID:   chainID,
		Chain:                p.Chain,
		TokenID:              p.Spec.TokenID,
		TokenDecimals:        p.Decimals,
		Consigner:            p.Spec.Consigner,
		TotalAmount:          p.Spec.Amount,
		IsNegotiable:         p.Spec.IsNegotiable,
		FixedDiscountBps:     p.Spec.FixedDiscountBps,
		FixedLockupDays:      p.Spec.FixedLockupDays,
		MinDiscountBps:       p.Spec.MinDiscountBps,
		MaxDiscountBps:       p.Spec.MaxDiscountBps,
		MinLockupDays:        p.Spec.MinLockupDays,
		MaxLockupDays:        p.Spec.MaxLockupDays,
		MinDealAmount:        p.Spec.MinDealAmount,
		MaxDealAmount:        p.Spec.MaxDealAmount,
		MaxPriceDeviationBps: p.Spec.MaxPriceDeviationBps,
		MaxTimeToExecuteSecs: p.Spec.MaxTimeToExecuteSecs,
		IsFractionalized:     p.Spec.IsFractionalized,
		IsPrivate:            p.Spec.IsPrivate,
		DepositTxID:          tx.TxID,
	}
	if err := o.repo.Create(ctx, record); err != nil {
		return nil, err
	}
	o.appendEvent(ctx, nil, p.Requestor, "consignment.registered",
		fmt.Sprintf("consignment %s chain id %d tx %s", record.ID, chainID, tx.TxID))
	o.log.LogAttrs(ctx, slog.LevelInfo, "consignment registered",
		slog.String("consignment_id", record.ID.String()),
		slog.String("chain", p.Chain),
		slog.String("token", p.Spec.TokenID),
		slog.Uint64("amount", p.Spec.Amount),
		logging.MaskField("consigner", p.Spec.Consigner))
	return record, nil
}

// ExecuteQuote turns an approved quote into a pending deal. Inventory is
// reserved in the database before the offer is submitted; a chain failure
// releases the reservation so no inventory leaks.
func (o *Orchestrator) ExecuteQuote(ctx context.Context, quoteID string) (*models.Deal, error) {
	quote, err := o.ledger.Get(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if err := o.ledger.VerifySignature(quote); err != nil {
		return nil, err
	}
	if quote.Status != quotes.StatusApproved {
		return nil, deskerr.Statef("quote %s is %s, only approved quotes execute", quoteID, quote.Status)
	}
	amount, err := strconv.ParseUint(quote.TokenAmount, 10, 64)
	if err != nil || amount == 0 {
		return nil, deskerr.Validationf("quote %s has no executable token amount", quoteID)
	}
	adapter, err := o.adapter(quote.Chain)
	if err != nil {
		return nil, err
	}

	match, err := o.matchConsignment(ctx, quote, amount)
	if err != nil {
		return nil, err
	}
	cons := match.Consignment
	if match.Fallback {
		o.log.Warn("quote terms fall outside matched consignment bounds",
			slog.String("quote_id", quoteID),
			slog.String("consignment_id", cons.ID.String()))
	}

	// The ledger owns the balance; re-read it rather than trusting the local
	// copy before committing a reservation.
	onChain, err := adapter.RemainingAmount(ctx, cons.ChainConsignmentID)
	if err != nil {
		return nil, err
	}
	if amount > onChain {
		return nil, deskerr.Chainf(deskerr.ChainInsufficientInv, "consignment %d holds %d on chain, need %d", cons.ChainConsignmentID, onChain, amount)
	}

	if err := o.repo.Reserve(ctx, cons.ID, amount); err != nil {
		return nil, err
	}

	lockupSecs := int64(quote.LockupDays) * 86_400
	var offerID uint64
	var tx chain.TxResult
	err = o.step(ctx, "create_offer", func() error {
		var stepErr error
		offerID, tx, stepErr = adapter.CreateOfferFromConsignment(ctx, chain.OfferSpec{
			ConsignmentID: cons.ChainConsignmentID,
			TokenAmount:   amount,
			DiscountBps:   quote.DiscountBps,
			Currency:      quote.PaymentCurrency,
			LockupSeconds: lockupSecs,
			Beneficiary:   quote.Beneficiary,
		})
		return stepErr
	})
	if err != nil {
		if releaseErr := o.repo.Release(ctx, cons.ID, amount); releaseErr != nil {
			o.log.Error("inventory release after failed offer",
				slog.String("consignment_id", cons.ID.String()), slog.Any("error", releaseErr))
		}
		return nil, err
	}

	var offerPrice uint64
	var unlockTime int64
	if offer, readErr := adapter.GetOffer(ctx, offerID); readErr == nil {
		offerPrice = offer.PriceUsd8d
		unlockTime = offer.UnlockTime
	}

	deal := &models.Deal{
		ID:            uuid.New(),
		QuoteID:       quote.QuoteID,
		ConsignmentID: cons.ID,
		ChainOfferID:  offerID,
		Chain:         quote.Chain,
		TokenID:       quote.TokenID,
		Beneficiary:   quote.Beneficiary,
		TokenAmount:   amount,
		DiscountBps:   quote.DiscountBps,
		LockupSeconds: lockupSecs,
		Currency:      quote.PaymentCurrency,
		State:         models.DealPending,
		UnlockTime:    unlockTime,
		PriceUsd8d:    offerPrice,
		OfferTxID:     tx.TxID,
		CreatedAt:     o.now(),
		UpdatedAt:     o.now(),
	}
	if err := o.db.WithContext(ctx).Create(deal).Error; err != nil {
		return nil, err
	}
	if _, err := o.ledger.UpdateStatus(ctx, quote.QuoteID, quotes.StatusExecuted, "deal "+deal.ID.String()); err != nil {
		o.log.Error("quote status update after execution", slog.String("quote_id", quoteID), slog.Any("error", err))
	}
	o.appendEvent(ctx, &deal.ID, quote.EntityID, "deal.created",
		fmt.Sprintf("offer %d tx %s", offerID, tx.TxID))
	o.log.Info("deal created",
		slog.String("deal_id", deal.ID.String()),
		slog.String("quote_id", quote.QuoteID),
		slog.Uint64("offer_id", offerID))
	return deal, nil
}

// matchConsignment honors the consignment the quote was priced against while
// it is still usable; a fresh best-fit match covers quotes without one or
// whose quoted consignment was since withdrawn or drained.
func (o *Orchestrator) matchConsignment(ctx context.Context, quote *quotes.Quote, amount uint64) (*inventory.Match, error) {
	if quote.ConsignmentID != "" {
		if id, parseErr := uuid.Parse(quote.ConsignmentID); parseErr == nil {
			cons, err := o.repo.Get(ctx, id)
			switch {
			case err == nil && cons.Status == models.ConsignmentActive && cons.RemainingAmount >= amount:
				return &inventory.Match{Consignment: *cons}, nil
			case err != nil && deskerr.KindOf(err) != deskerr.KindNotFound:
				return nil, err
			}
			o.log.Warn("quoted consignment no longer usable, rematching",
				slog.String("quote_id", quote.QuoteID),
				slog.String("consignment_id", quote.ConsignmentID))
		}
	}
	return o.repo.BestFit(ctx, quote.TokenID, amount, quote.DiscountBps, quote.LockupDays)
}

// Approve moves a pending deal to approved via the desk approver.
func (o *Orchestrator) Approve(ctx context.Context, dealID uuid.UUID, approver string) (*models.Deal, error) {
	deal, err := o.getDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if err := ValidateDealTransition(deal.State, models.DealApproved); err != nil {
		return nil, err
	}
	adapter, err := o.adapter(deal.Chain)
	if err != nil {
		return nil, err
	}
	if err := o.approvalPolicy(ctx, deal); err != nil {
		return nil, err
	}
	var tx chain.TxResult
	if err := o.step(ctx, "approve_offer", func() error {
		var stepErr error
		tx, stepErr = adapter.ApproveOffer(ctx, deal.ChainOfferID, approver)
		return stepErr
	}); err != nil {
		return nil, err
	}
	deal.State = models.DealApproved
	deal.ApproveTxID = tx.TxID
	if err := o.saveDeal(ctx, deal); err != nil {
		return nil, err
	}
	o.appendEvent(ctx, &deal.ID, approver, "deal.approved", "tx "+tx.TxID)
	return deal, nil
}

// approvalPolicy rejects approvals when the market moved beyond the
// consignment's deviation bound since the offer was created, or when the
// execution window has elapsed.
func (o *Orchestrator) approvalPolicy(ctx context.Context, deal *models.Deal) error {
	cons, err := o.repo.Get(ctx, deal.ConsignmentID)
	if err != nil {
		return err
	}
	if cons.MaxTimeToExecuteSecs > 0 && o.now().Unix() > deal.CreatedAt.Unix()+cons.MaxTimeToExecuteSecs {
		return deskerr.Statef("deal %s exceeded its execution window", deal.ID)
	}
	if o.prices == nil || cons.MaxPriceDeviationBps == 0 || deal.PriceUsd8d == 0 {
		return nil
	}
	current, err := o.prices.PriceUsd(deal.TokenID)
	if err != nil {
		return err
	}
	var diff uint64
	if current.Usd8d > deal.PriceUsd8d {
		diff = current.Usd8d - deal.PriceUsd8d
	} else {
		diff = deal.PriceUsd8d - current.Usd8d
	}
	deviation := diff * 10_000 / deal.PriceUsd8d
	if deviation > uint64(cons.MaxPriceDeviationBps) {
		return deskerr.Chainf(deskerr.ChainStalePrice, "price moved %d bps since offer, bound is %d", deviation, cons.MaxPriceDeviationBps)
	}
	return nil
}

// Fulfill collects payment and consumes inventory. The ledger computes the
// payment amount at its own price; the recorded amount comes from reading the
// offer back, never from the quote's estimate.
func (o *Orchestrator) Fulfill(ctx context.Context, dealID uuid.UUID, payer string) (*models.Deal, error) {
	deal, err := o.getDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if err := ValidateDealTransition(deal.State, models.DealFulfilled); err != nil {
		return nil, err
	}
	adapter, err := o.adapter(deal.Chain)
	if err != nil {
		return nil, err
	}
	var tx chain.TxResult
	if err := o.step(ctx, "fulfill_offer", func() error {
		var stepErr error
		tx, stepErr = adapter.FulfillOffer(ctx, deal.ChainOfferID, payer)
		return stepErr
	}); err != nil {
		return nil, err
	}

	offer, err := adapter.GetOffer(ctx, deal.ChainOfferID)
	if err != nil {
		o.log.Error("offer read-back after fulfil", slog.String("deal_id", dealID.String()), slog.Any("error", err))
	} else {
		deal.PaidAmount = offer.AmountPaid
		deal.UnlockTime = offer.UnlockTime
		deal.PriceUsd8d = offer.PriceUsd8d
	}

	deal.State = models.DealFulfilled
	deal.FulfillTxID = tx.TxID
	if err := o.saveDeal(ctx, deal); err != nil {
		return nil, err
	}
	o.reconcileInventory(ctx, adapter, deal.ConsignmentID)
	o.appendEvent(ctx, &deal.ID, payer, "deal.fulfilled",
		fmt.Sprintf("paid %d %s tx %s", deal.PaidAmount, deal.Currency, tx.TxID))
	o.log.LogAttrs(ctx, slog.LevelInfo, "deal fulfilled",
		slog.String("deal_id", deal.ID.String()),
		slog.Uint64("paid_amount", deal.PaidAmount),
		slog.String("currency", deal.Currency),
		logging.MaskField("payer", payer))
	return deal, nil
}

// Claim releases purchased tokens to the beneficiary once the lockup elapses.
// The ledger enforces the unlock time; a locked claim surfaces its state error
// untouched so the caller can distinguish early from already-claimed.
func (o *Orchestrator) Claim(ctx context.Context, dealID uuid.UUID) (*models.Deal, error) {
	deal, err := o.getDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if err := ValidateDealTransition(deal.State, models.DealClaimed); err != nil {
		return nil, err
	}
	adapter, err := o.adapter(deal.Chain)
	if err != nil {
		return nil, err
	}
	var tx chain.TxResult
	if err := o.step(ctx, "claim", func() error {
		var stepErr error
		tx, stepErr = adapter.Claim(ctx, deal.ChainOfferID, deal.Beneficiary)
		return stepErr
	}); err != nil {
		return nil, err
	}
	deal.State = models.DealClaimed
	deal.ClaimTxID = tx.TxID
	if err := o.saveDeal(ctx, deal); err != nil {
		return nil, err
	}
	o.appendEvent(ctx, &deal.ID, deal.Beneficiary, "deal.claimed", "tx "+tx.TxID)
	return deal, nil
}

// Cancel aborts a pending or approved deal. The ledger-side offer is voided
// first so its reservation is released on chain, then the database inventory
// follows.
func (o *Orchestrator) Cancel(ctx context.Context, dealID uuid.UUID, actor, reason string) (*models.Deal, error) {
	deal, err := o.getDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if err := ValidateDealTransition(deal.State, models.DealCancelled); err != nil {
		return nil, err
	}
	adapter, err := o.adapter(deal.Chain)
	if err != nil {
		return nil, err
	}
	var tx chain.TxResult
	if err := o.step(ctx, "cancel_offer", func() error {
		var stepErr error
		tx, stepErr = adapter.CancelOffer(ctx, deal.ChainOfferID, actor)
		return stepErr
	}); err != nil {
		return nil, err
	}
	if err := o.repo.Release(ctx, deal.ConsignmentID, deal.TokenAmount); err != nil {
		return nil, err
	}
	deal.State = models.DealCancelled
	deal.CancelTxID = tx.TxID
	deal.CancelReason = reason
	if err := o.saveDeal(ctx, deal); err != nil {
		return nil, err
	}
	o.appendEvent(ctx, &deal.ID, actor, "deal.cancelled",
		fmt.Sprintf("%s tx %s", reason, tx.TxID))
	o.log.Info("deal cancelled",
		slog.String("deal_id", deal.ID.String()),
		slog.String("reason", reason))
	return deal, nil
}

// Withdraw returns unreserved consignment inventory to the seller.
func (o *Orchestrator) Withdraw(ctx context.Context, consignmentID uuid.UUID) (uint64, error) {
	cons, err := o.repo.Get(ctx, consignmentID)
	if err != nil {
		return 0, err
	}
	adapter, err := o.adapter(cons.Chain)
	if err != nil {
		return 0, err
	}
	var withdrawn uint64
	var tx chain.TxResult
	if err := o.step(ctx, "withdraw_consignment", func() error {
		var stepErr error
		withdrawn, tx, stepErr = adapter.WithdrawConsignment(ctx, cons.ChainConsignmentID, cons.Consigner)
		return stepErr
	}); err != nil {
		return 0, err
	}
	if _, err := o.repo.MarkWithdrawn(ctx, consignmentID, tx.TxID); err != nil {
		return 0, err
	}
	o.appendEvent(ctx, nil, cons.Consigner, "consignment.withdrawn",
		fmt.Sprintf("consignment %s amount %d tx %s", consignmentID, withdrawn, tx.TxID))
	return withdrawn, nil
}

// GetDeal loads a deal by id.
func (o *Orchestrator) GetDeal(ctx context.Context, dealID uuid.UUID) (*models.Deal, error) {
	return o.getDeal(ctx, dealID)
}

// DealsByState lists deals in a given state, oldest first.
func (o *Orchestrator) DealsByState(ctx context.Context, state models.DealState) ([]models.Deal, error) {
	var rows []models.Deal
	err := o.db.WithContext(ctx).
		Where("state = ?", state).
		Order("created_at asc").
		Find(&rows).Error
	return rows, err
}

func (o *Orchestrator) getDeal(ctx context.Context, dealID uuid.UUID) (*models.Deal, error) {
	var deal models.Deal
	if err := o.db.WithContext(ctx).First(&deal, "id = ?", dealID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, deskerr.NotFoundf("deal %s not found", dealID)
		}
		return nil, err
	}
	return &deal, nil
}

func (o *Orchestrator) saveDeal(ctx context.Context, deal *models.Deal) error {
	deal.UpdatedAt = o.now()
	return o.db.WithContext(ctx).Save(deal).Error
}

// reconcileInventory compares local remaining inventory against the ledger's
// and logs a divergence. The ledger's number wins for decisions; the local
// copy exists for matching and reporting.
func (o *Orchestrator) reconcileInventory(ctx context.Context, adapter chain.Adapter, consignmentID uuid.UUID) {
	cons, err := o.repo.Get(ctx, consignmentID)
	if err != nil {
		return
	}
	onChain, err := adapter.RemainingAmount(ctx, cons.ChainConsignmentID)
	if err != nil {
		o.log.Warn("inventory read-back failed",
			slog.String("consignment_id", consignmentID.String()), slog.Any("error", err))
		return
	}
	if onChain != cons.RemainingAmount {
		o.log.Warn("inventory divergence",
			slog.String("consignment_id", consignmentID.String()),
			slog.Uint64("local", cons.RemainingAmount),
			slog.Uint64("chain", onChain))
	}
}
