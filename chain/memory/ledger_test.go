package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kewi-labs-io/otc-agent-sub003/chain"
	"github.com/kewi-labs-io/otc-agent-sub003/deskerr"
	"github.com/kewi-labs-io/otc-agent-sub003/oracle"
)

const (
	seller = "seller-1"
	buyer  = "buyer-1"
)

func testLedger(t *testing.T, cfg Config) (*Ledger, *time.Time) {
	t.Helper()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	prices := oracle.NewPosted(time.Hour, 0)
	prices.SetNowFunc(func() time.Time { return now })
	if err := prices.Post("0xtoken", 2*oracle.Usd8dUnit, "test"); err != nil {
		t.Fatalf("post token price: %v", err)
	}
	if err := prices.Post("ETH", 2000*oracle.Usd8dUnit, "test"); err != nil {
		t.Fatalf("post eth price: %v", err)
	}

	if cfg.PayCurrency == "" {
		cfg.PayCurrency = "ETH"
		cfg.PayCurrencyDecimals = 18
	}
	l := NewLedger(cfg, prices)
	l.SetNowFunc(func() time.Time { return now })
	return l, &now
}

func seedConsignment(t *testing.T, l *Ledger, amount uint64) uint64 {
	t.Helper()
	ctx := context.Background()
	if err := l.EnsureTokenRegistered(ctx, "0xtoken", 6); err != nil {
		t.Fatalf("register token: %v", err)
	}
	if err := l.EnsureTreasury(ctx, "0xtoken"); err != nil {
		t.Fatalf("create treasury: %v", err)
	}
	l.Credit("0xtoken", seller, amount)
	id, tx, err := l.CreateConsignment(ctx, chain.ConsignmentSpec{
		TokenID:   "0xtoken",
		Consigner: seller,
		Amount:    amount,
	})
	if err != nil {
		t.Fatalf("create consignment: %v", err)
	}
	if !tx.Confirmed || tx.TxID == "" {
		t.Fatalf("consignment tx not confirmed: %+v", tx)
	}
	return id
}

func seedOffer(t *testing.T, l *Ledger, consignmentID, amount uint64, discountBps uint32, lockupSecs int64) uint64 {
	t.Helper()
	id, _, err := l.CreateOfferFromConsignment(context.Background(), chain.OfferSpec{
		ConsignmentID: consignmentID,
		TokenAmount:   amount,
		DiscountBps:   discountBps,
		Currency:      "ETH",
		LockupSeconds: lockupSecs,
		Beneficiary:   buyer,
	})
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	return id
}

func TestEnsureStepsAreIdempotent(t *testing.T) {
	l, _ := testLedger(t, Config{})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := l.EnsureTokenRegistered(ctx, "0xtoken", 6); err != nil {
			t.Fatalf("register round %d: %v", i, err)
		}
		if err := l.EnsureTreasury(ctx, "0xtoken"); err != nil {
			t.Fatalf("treasury round %d: %v", i, err)
		}
	}
	if err := l.EnsureTokenRegistered(ctx, "0xtoken", 9); err == nil {
		t.Fatalf("decimals mismatch must fail")
	}
}

func TestConsignmentEscrowsTokens(t *testing.T) {
	l, _ := testLedger(t, Config{})
	id := seedConsignment(t, l, 5000)
	ctx := context.Background()

	balance, _ := l.BalanceOf(ctx, "0xtoken", seller)
	if balance != 0 {
		t.Fatalf("seller balance = %d, want 0 after escrow", balance)
	}
	remaining, err := l.RemainingAmount(ctx, id)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 5000 {
		t.Fatalf("remaining = %d, want 5000", remaining)
	}
}

func TestOfferReservesInventory(t *testing.T) {
	l, _ := testLedger(t, Config{})
	id := seedConsignment(t, l, 5000)
	seedOffer(t, l, id, 1000, 1000, 180*86400)

	remaining, _ := l.RemainingAmount(context.Background(), id)
	if remaining != 4000 {
		t.Fatalf("remaining = %d, want 4000 after reservation", remaining)
	}

	// Oversized second draw fails.
	_, _, err := l.CreateOfferFromConsignment(context.Background(), chain.OfferSpec{
		ConsignmentID: id, TokenAmount: 4500, Currency: "ETH", Beneficiary: buyer,
	})
	if deskerr.SubReasonOf(err) != deskerr.ChainInsufficientInv {
		t.Fatalf("expected insufficient inventory, got %v", err)
	}
}

func TestMinUsdDealSize(t *testing.T) {
	// 2 USD/token at 6 decimals; 1000 base units are worth 0.002 USD.
	l, _ := testLedger(t, Config{MinDealUsd8d: 100 * oracle.Usd8dUnit})
	id := seedConsignment(t, l, 1_000_000_000)

	_, _, err := l.CreateOfferFromConsignment(context.Background(), chain.OfferSpec{
		ConsignmentID: id, TokenAmount: 1000, Currency: "ETH", Beneficiary: buyer,
	})
	if deskerr.SubReasonOf(err) != deskerr.ChainMinUsdNotMet {
		t.Fatalf("expected min usd rejection, got %v", err)
	}

	// 100_000_000 base units = 100 tokens = 200 USD clears the floor.
	if _, _, err := l.CreateOfferFromConsignment(context.Background(), chain.OfferSpec{
		ConsignmentID: id, TokenAmount: 100_000_000, Currency: "ETH", Beneficiary: buyer,
	}); err != nil {
		t.Fatalf("large offer should clear the floor: %v", err)
	}
}

func TestPausedDeskRejectsNewBusiness(t *testing.T) {
	l, _ := testLedger(t, Config{})
	id := seedConsignment(t, l, 5000)
	offerID := seedOffer(t, l, id, 1000, 1000, 0)
	ctx := context.Background()

	if _, err := l.ApproveOffer(ctx, offerID, "approver-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	l.SetPaused(true)

	if _, _, err := l.CreateOfferFromConsignment(ctx, chain.OfferSpec{
		ConsignmentID: id, TokenAmount: 100, Currency: "ETH", Beneficiary: buyer,
	}); deskerr.SubReasonOf(err) != deskerr.ChainPaused {
		t.Fatalf("paused desk must reject offers, got %v", err)
	}
	if _, err := l.FulfillOffer(ctx, offerID, buyer); deskerr.SubReasonOf(err) != deskerr.ChainPaused {
		t.Fatalf("paused desk must reject fulfilment, got %v", err)
	}
}

func TestApproverAllowlist(t *testing.T) {
	l, _ := testLedger(t, Config{})
	id := seedConsignment(t, l, 5000)
	offerID := seedOffer(t, l, id, 1000, 1000, 0)
	l.AddApprover("desk-approver")

	if _, err := l.ApproveOffer(context.Background(), offerID, "random"); deskerr.SubReasonOf(err) != deskerr.ChainRejectedSignature {
		t.Fatalf("non-approver must be rejected, got %v", err)
	}
	if _, err := l.ApproveOffer(context.Background(), offerID, "desk-approver"); err != nil {
		t.Fatalf("approver rejected: %v", err)
	}
}

func TestFulfillPaymentMath(t *testing.T) {
	l, _ := testLedger(t, Config{})
	id := seedConsignment(t, l, 5_000_000_000)
	ctx := context.Background()

	// 1000 tokens (6 decimals) at 2 USD with a 10% discount = 1800 USD.
	// At 2000 USD/ETH that is 0.9 ETH = 9e17 wei.
	offerID := seedOffer(t, l, id, 1_000_000_000, 1000, 180*86400)
	if _, err := l.ApproveOffer(ctx, offerID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	l.Credit("ETH", buyer, 1_000_000_000_000_000_000)
	if _, err := l.FulfillOffer(ctx, offerID, buyer); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	offer, err := l.GetOffer(ctx, offerID)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	const wantPayment = 900_000_000_000_000_000
	if offer.AmountPaid != wantPayment {
		t.Fatalf("payment = %d wei, want %d", offer.AmountPaid, wantPayment)
	}
	buyerEth, _ := l.BalanceOf(ctx, "ETH", buyer)
	if buyerEth != 100_000_000_000_000_000 {
		t.Fatalf("buyer eth after payment = %d", buyerEth)
	}
}

func TestFulfillRequiresFunds(t *testing.T) {
	l, _ := testLedger(t, Config{})
	id := seedConsignment(t, l, 5_000_000_000)
	offerID := seedOffer(t, l, id, 1_000_000_000, 1000, 0)
	ctx := context.Background()
	if _, err := l.ApproveOffer(ctx, offerID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := l.FulfillOffer(ctx, offerID, buyer); deskerr.SubReasonOf(err) != deskerr.ChainInsufficientBalance {
		t.Fatalf("unfunded payer must fail, got %v", err)
	}
}

func TestRestrictFulfill(t *testing.T) {
	l, _ := testLedger(t, Config{RestrictFulfill: true})
	id := seedConsignment(t, l, 5_000_000_000)
	offerID := seedOffer(t, l, id, 1_000_000_000, 0, 0)
	ctx := context.Background()
	if _, err := l.ApproveOffer(ctx, offerID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	l.Credit("ETH", "someone-else", 10_000_000_000_000_000_000)
	if _, err := l.FulfillOffer(ctx, offerID, "someone-else"); deskerr.SubReasonOf(err) != deskerr.ChainRejectedSignature {
		t.Fatalf("restricted desk must reject third-party payers, got %v", err)
	}
}

func TestClaimOrdering(t *testing.T) {
	l, now := testLedger(t, Config{})
	id := seedConsignment(t, l, 5_000_000_000)
	offerID := seedOffer(t, l, id, 1_000_000_000, 1000, 180*86400)
	ctx := context.Background()

	// Not fulfilled yet.
	if _, err := l.Claim(ctx, offerID, buyer); deskerr.KindOf(err) != deskerr.KindState {
		t.Fatalf("claim before fulfilment must be a state error, got %v", err)
	}

	if _, err := l.ApproveOffer(ctx, offerID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	l.Credit("ETH", buyer, 1_000_000_000_000_000_000)
	if _, err := l.FulfillOffer(ctx, offerID, buyer); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	// Locked.
	if _, err := l.Claim(ctx, offerID, buyer); err == nil || !strings.Contains(err.Error(), "locked") {
		t.Fatalf("claim during lockup must fail as locked, got %v", err)
	}

	*now = now.Add(181 * 24 * time.Hour)
	before, _ := l.BalanceOf(ctx, "0xtoken", buyer)
	if _, err := l.Claim(ctx, offerID, buyer); err != nil {
		t.Fatalf("claim after unlock: %v", err)
	}
	after, _ := l.BalanceOf(ctx, "0xtoken", buyer)
	if after-before != 1_000_000_000 {
		t.Fatalf("claim delivered %d base units, want full token amount", after-before)
	}

	// Exactly once.
	if _, err := l.Claim(ctx, offerID, buyer); err == nil || !strings.Contains(err.Error(), "already claimed") {
		t.Fatalf("second claim must report already claimed, got %v", err)
	}
}

func TestClaimWrongBeneficiary(t *testing.T) {
	l, now := testLedger(t, Config{})
	id := seedConsignment(t, l, 5_000_000_000)
	offerID := seedOffer(t, l, id, 1_000_000_000, 1000, 0)
	ctx := context.Background()
	if _, err := l.ApproveOffer(ctx, offerID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	l.Credit("ETH", buyer, 1_000_000_000_000_000_000)
	if _, err := l.FulfillOffer(ctx, offerID, buyer); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	*now = now.Add(time.Hour)
	if _, err := l.Claim(ctx, offerID, "impostor"); deskerr.SubReasonOf(err) != deskerr.ChainRejectedSignature {
		t.Fatalf("wrong beneficiary must be rejected, got %v", err)
	}
}

func TestWithdrawRespectsReservedInventory(t *testing.T) {
	l, _ := testLedger(t, Config{})
	id := seedConsignment(t, l, 5000)
	seedOffer(t, l, id, 1000, 0, 0)
	ctx := context.Background()

	withdrawn, _, err := l.WithdrawConsignment(ctx, id, seller)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if withdrawn != 4000 {
		t.Fatalf("withdrawn = %d, want the unreserved 4000", withdrawn)
	}
	balance, _ := l.BalanceOf(ctx, "0xtoken", seller)
	if balance != 4000 {
		t.Fatalf("seller balance = %d, want 4000", balance)
	}

	// Nothing further to withdraw.
	withdrawn, _, err = l.WithdrawConsignment(ctx, id, seller)
	if err != nil || withdrawn != 0 {
		t.Fatalf("repeat withdraw = %d, %v; want 0, nil", withdrawn, err)
	}
}

func TestEmergencyRefund(t *testing.T) {
	l, _ := testLedger(t, Config{})
	id := seedConsignment(t, l, 5_000_000_000)
	offerID := seedOffer(t, l, id, 1_000_000_000, 1000, 365*86400)
	ctx := context.Background()
	if _, err := l.ApproveOffer(ctx, offerID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	l.Credit("ETH", buyer, 1_000_000_000_000_000_000)
	if _, err := l.FulfillOffer(ctx, offerID, buyer); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	if _, err := l.EmergencyRefund(ctx, offerID); err != nil {
		t.Fatalf("refund: %v", err)
	}
	buyerEth, _ := l.BalanceOf(ctx, "ETH", buyer)
	if buyerEth != 1_000_000_000_000_000_000 {
		t.Fatalf("payment not returned, balance %d", buyerEth)
	}
	remaining, _ := l.RemainingAmount(ctx, id)
	if remaining != 5_000_000_000 {
		t.Fatalf("inventory not restored, remaining %d", remaining)
	}
}

func TestCancelOfferReleasesReservation(t *testing.T) {
	l, _ := testLedger(t, Config{})
	id := seedConsignment(t, l, 5000)
	offerID := seedOffer(t, l, id, 1000, 1000, 180*86400)
	ctx := context.Background()

	remaining, _ := l.RemainingAmount(ctx, id)
	if remaining != 4000 {
		t.Fatalf("remaining before cancel = %d, want 4000", remaining)
	}
	if _, err := l.CancelOffer(ctx, offerID, "desk-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	remaining, _ = l.RemainingAmount(ctx, id)
	if remaining != 5000 {
		t.Fatalf("remaining after cancel = %d, want 5000", remaining)
	}

	// The voided offer is gone for every later step.
	if _, err := l.ApproveOffer(ctx, offerID, ""); deskerr.KindOf(err) != deskerr.KindState {
		t.Fatalf("approve after cancel = %v, want state error", err)
	}

	// Nothing is reserved, so the seller recovers the full escrow.
	withdrawn, _, err := l.WithdrawConsignment(ctx, id, seller)
	if err != nil || withdrawn != 5000 {
		t.Fatalf("withdraw after cancel = %d, %v; want 5000, nil", withdrawn, err)
	}
}

func TestCancelOfferAuthority(t *testing.T) {
	l, now := testLedger(t, Config{OfferExpirySecs: 3600})
	id := seedConsignment(t, l, 5000)
	offerID := seedOffer(t, l, id, 1000, 1000, 180*86400)
	ctx := context.Background()

	// The beneficiary may not cancel while the offer is live.
	if _, err := l.CancelOffer(ctx, offerID, buyer); deskerr.KindOf(err) != deskerr.KindState {
		t.Fatalf("beneficiary cancel before expiry = %v, want state error", err)
	}

	l.AddApprover("desk-approver")
	if _, err := l.CancelOffer(ctx, offerID, "stranger"); deskerr.SubReasonOf(err) != deskerr.ChainRejectedSignature {
		t.Fatalf("non-approver cancel = %v, want rejected_signature", err)
	}

	// After the expiry window the beneficiary may walk away.
	*now = now.Add(2 * time.Hour)
	if _, err := l.CancelOffer(ctx, offerID, buyer); err != nil {
		t.Fatalf("beneficiary cancel after expiry: %v", err)
	}
}

func TestCancelOfferRejectsFulfilled(t *testing.T) {
	l, _ := testLedger(t, Config{})
	id := seedConsignment(t, l, 5_000_000_000)
	offerID := seedOffer(t, l, id, 1_000_000_000, 1000, 365*86400)
	ctx := context.Background()
	if _, err := l.ApproveOffer(ctx, offerID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	l.Credit("ETH", buyer, 1_000_000_000_000_000_000)
	if _, err := l.FulfillOffer(ctx, offerID, buyer); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if _, err := l.CancelOffer(ctx, offerID, "desk-1"); deskerr.KindOf(err) != deskerr.KindState {
		t.Fatalf("cancel after fulfill = %v, want state error", err)
	}
}
