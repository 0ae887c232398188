// Package evm settles deals against the desk's EVM settlement contract
// through its JSON-RPC sidecar. Payment follows the ERC-20 approve-then-spend
// sequence: the payer grants the settlement contract an allowance and the
// fulfil call pulls the funds.
package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/time/rate"

	"github.com/kewi-labs-io/otc-agent-sub003/chain"
	"github.com/kewi-labs-io/otc-agent-sub003/deskerr"
)

// Sidecar error codes, mirrored from the settlement service.
const (
	codeInsufficientBalance = -33001
	codeInsufficientInv     = -33002
	codeStalePrice          = -33003
	codeZeroPrice           = -33004
	codeExpiredBlockhash    = -33005
	codeRejectedSignature   = -33006
	codeSimulationFailed    = -33007
	codeMinUsdNotMet        = -33008
	codePaused              = -33009
	codeRateLimited         = -32005
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type txEnvelope struct {
	TxHash    string `json:"txHash"`
	Confirmed bool   `json:"confirmed"`
}

// Adapter talks to the EVM settlement sidecar.
type Adapter struct {
	url     string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	nextID  int64
}

// NewAdapter builds an adapter for url. bearer may be empty when the sidecar
// does not require auth. rps throttles outbound calls; zero disables the
// limiter.
func NewAdapter(url, bearer string, rps float64) *Adapter {
	a := &Adapter{
		url:    strings.TrimRight(url, "/"),
		token:  bearer,
		client: &http.Client{Timeout: 15 * time.Second},
	}
	if rps > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return a
}

func (a *Adapter) Name() string { return "evm" }

func (a *Adapter) call(ctx context.Context, method string, params []any, out any) error {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	id := atomic.AddInt64(&a.nextID, 1)
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return deskerr.Chainf(deskerr.ChainUnreachable, "settlement sidecar unreachable: %v", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return deskerr.Chainf(deskerr.ChainRateLimited, "sidecar throttled %s", method)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", method, resp.StatusCode)
	}
	var decoded rpcResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if decoded.Error != nil {
		return mapRPCError(method, decoded.Error)
	}
	if out != nil {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func mapRPCError(method string, e *rpcError) error {
	sub := ""
	switch e.Code {
	case codeInsufficientBalance:
		sub = deskerr.ChainInsufficientBalance
	case codeInsufficientInv:
		sub = deskerr.ChainInsufficientInv
	case codeStalePrice:
		sub = deskerr.ChainStalePrice
	case codeZeroPrice:
		sub = deskerr.ChainZeroPrice
	case codeExpiredBlockhash:
		sub = deskerr.ChainExpiredBlockhash
	case codeRejectedSignature:
		sub = deskerr.ChainRejectedSignature
	case codeSimulationFailed:
		sub = deskerr.ChainSimulationFailed
	case codeMinUsdNotMet:
		sub = deskerr.ChainMinUsdNotMet
	case codePaused:
		sub = deskerr.ChainPaused
	case codeRateLimited:
		sub = deskerr.ChainRateLimited
	default:
		return deskerr.Chainf(deskerr.ChainSimulationFailed, "%s failed: %s (code %d)", method, e.Message, e.Code)
	}
	return deskerr.Chainf(sub, "%s failed: %s", method, e.Message)
}

func requireAddress(label, addr string) error {
	if !common.IsHexAddress(addr) {
		return deskerr.Validationf("%s %q is not a valid address", label, addr)
	}
	return nil
}

func (r txEnvelope) result() chain.TxResult {
	return chain.TxResult{TxID: r.TxHash, Confirmed: r.Confirmed}
}

func (a *Adapter) EnsureTokenRegistered(ctx context.Context, tokenID string, decimals uint8) error {
	if err := requireAddress("token", tokenID); err != nil {
		return err
	}
	var registered bool
	if err := a.call(ctx, "otc_isTokenRegistered", []any{tokenID}, &registered); err != nil {
		return err
	}
	if registered {
		return nil
	}
	return a.call(ctx, "otc_registerToken", []any{tokenID, hexutil.Uint64(decimals)}, nil)
}

func (a *Adapter) EnsureTreasury(ctx context.Context, tokenID string) error {
	if err := requireAddress("token", tokenID); err != nil {
		return err
	}
	var exists bool
	if err := a.call(ctx, "otc_hasTreasury", []any{tokenID}, &exists); err != nil {
		return err
	}
	if exists {
		return nil
	}
	return a.call(ctx, "otc_createTreasury", []any{tokenID}, nil)
}

func (a *Adapter) CreateConsignment(ctx context.Context, spec chain.ConsignmentSpec) (uint64, chain.TxResult, error) {
	if err := requireAddress("consigner", spec.Consigner); err != nil {
		return 0, chain.TxResult{}, err
	}
	var out struct {
		txEnvelope
		ConsignmentID hexutil.Uint64 `json:"consignmentId"`
	}
	err := a.call(ctx, "otc_createConsignment", []any{map[string]any{
		"token":                spec.TokenID,
		"consigner":            spec.Consigner,
		"amount":               hexutil.Uint64(spec.Amount),
		"negotiable":           spec.IsNegotiable,
		"fixedDiscountBps":     spec.FixedDiscountBps,
		"fixedLockupDays":      spec.FixedLockupDays,
		"minDiscountBps":       spec.MinDiscountBps,
		"maxDiscountBps":       spec.MaxDiscountBps,
		"minLockupDays":        spec.MinLockupDays,
		"maxLockupDays":        spec.MaxLockupDays,
		"minDealAmount":        hexutil.Uint64(spec.MinDealAmount),
		"maxDealAmount":        hexutil.Uint64(spec.MaxDealAmount),
		"fractionalized":       spec.IsFractionalized,
		"private":              spec.IsPrivate,
		"maxPriceDeviationBps": spec.MaxPriceDeviationBps,
		"maxTimeToExecuteSecs": spec.MaxTimeToExecuteSecs,
	}}, &out)
	if err != nil {
		return 0, chain.TxResult{}, err
	}
	return uint64(out.ConsignmentID), out.result(), nil
}

func (a *Adapter) CreateOfferFromConsignment(ctx context.Context, spec chain.OfferSpec) (uint64, chain.TxResult, error) {
	if err := requireAddress("beneficiary", spec.Beneficiary); err != nil {
		return 0, chain.TxResult{}, err
	}
	var out struct {
		txEnvelope
		OfferID hexutil.Uint64 `json:"offerId"`
	}
	err := a.call(ctx, "otc_createOffer", []any{map[string]any{
		"consignmentId": hexutil.Uint64(spec.ConsignmentID),
		"tokenAmount":   hexutil.Uint64(spec.TokenAmount),
		"discountBps":   spec.DiscountBps,
		"currency":      spec.Currency,
		"lockupSecs":    spec.LockupSeconds,
		"beneficiary":   spec.Beneficiary,
	}}, &out)
	if err != nil {
		return 0, chain.TxResult{}, err
	}
	return uint64(out.OfferID), out.result(), nil
}

func (a *Adapter) ApproveOffer(ctx context.Context, offerID uint64, approver string) (chain.TxResult, error) {
	if err := requireAddress("approver", approver); err != nil {
		return chain.TxResult{}, err
	}
	var out txEnvelope
	if err := a.call(ctx, "otc_approveOffer", []any{hexutil.Uint64(offerID), approver}, &out); err != nil {
		return chain.TxResult{}, err
	}
	return out.result(), nil
}

func (a *Adapter) FulfillOffer(ctx context.Context, offerID uint64, payer string) (chain.TxResult, error) {
	if err := requireAddress("payer", payer); err != nil {
		return chain.TxResult{}, err
	}
	var quote struct {
		Currency string         `json:"currency"`
		Amount   hexutil.Uint64 `json:"amount"`
	}
	if err := a.call(ctx, "otc_paymentQuote", []any{hexutil.Uint64(offerID)}, &quote); err != nil {
		return chain.TxResult{}, err
	}
	// Allowance first; the settlement contract pulls the payment inside the
	// fulfil transaction.
	var approveTx txEnvelope
	if err := a.call(ctx, "erc20_approve", []any{quote.Currency, payer, quote.Amount}, &approveTx); err != nil {
		return chain.TxResult{}, err
	}
	var out txEnvelope
	if err := a.call(ctx, "otc_fulfillOffer", []any{hexutil.Uint64(offerID), payer}, &out); err != nil {
		return chain.TxResult{}, err
	}
	return out.result(), nil
}

func (a *Adapter) CancelOffer(ctx context.Context, offerID uint64, actor string) (chain.TxResult, error) {
	if err := requireAddress("actor", actor); err != nil {
		return chain.TxResult{}, err
	}
	var out txEnvelope
	if err := a.call(ctx, "otc_cancelOffer", []any{hexutil.Uint64(offerID), actor}, &out); err != nil {
		return chain.TxResult{}, err
	}
	return out.result(), nil
}

func (a *Adapter) Claim(ctx context.Context, offerID uint64, beneficiary string) (chain.TxResult, error) {
	if err := requireAddress("beneficiary", beneficiary); err != nil {
		return chain.TxResult{}, err
	}
	var out txEnvelope
	if err := a.call(ctx, "otc_claim", []any{hexutil.Uint64(offerID), beneficiary}, &out); err != nil {
		return chain.TxResult{}, err
	}
	return out.result(), nil
}

func (a *Adapter) WithdrawConsignment(ctx context.Context, consignmentID uint64, consigner string) (uint64, chain.TxResult, error) {
	if err := requireAddress("consigner", consigner); err != nil {
		return 0, chain.TxResult{}, err
	}
	var out struct {
		txEnvelope
		Withdrawn hexutil.Uint64 `json:"withdrawn"`
	}
	if err := a.call(ctx, "otc_withdrawConsignment", []any{hexutil.Uint64(consignmentID), consigner}, &out); err != nil {
		return 0, chain.TxResult{}, err
	}
	return uint64(out.Withdrawn), out.result(), nil
}

func (a *Adapter) RemainingAmount(ctx context.Context, consignmentID uint64) (uint64, error) {
	var remaining hexutil.Uint64
	if err := a.call(ctx, "otc_remainingAmount", []any{hexutil.Uint64(consignmentID)}, &remaining); err != nil {
		return 0, err
	}
	return uint64(remaining), nil
}

func (a *Adapter) GetOffer(ctx context.Context, offerID uint64) (*chain.Offer, error) {
	var out struct {
		ID            hexutil.Uint64 `json:"id"`
		ConsignmentID hexutil.Uint64 `json:"consignmentId"`
		TokenID       string         `json:"token"`
		Beneficiary   string         `json:"beneficiary"`
		Payer         string         `json:"payer"`
		TokenAmount   hexutil.Uint64 `json:"tokenAmount"`
		DiscountBps   uint32         `json:"discountBps"`
		Currency      string         `json:"currency"`
		CreatedAt     int64          `json:"createdAt"`
		UnlockTime    int64          `json:"unlockTime"`
		PriceUsd8d    hexutil.Uint64 `json:"priceUsd8d"`
		AmountPaid    hexutil.Uint64 `json:"amountPaid"`
		Approved      bool           `json:"approved"`
		Fulfilled     bool           `json:"fulfilled"`
		Cancelled     bool           `json:"cancelled"`
	}
	if err := a.call(ctx, "otc_getOffer", []any{hexutil.Uint64(offerID)}, &out); err != nil {
		return nil, err
	}
	return &chain.Offer{
		ID:            uint64(out.ID),
		ConsignmentID: uint64(out.ConsignmentID),
		TokenID:       out.TokenID,
		Beneficiary:   out.Beneficiary,
		Payer:         out.Payer,
		TokenAmount:   uint64(out.TokenAmount),
		DiscountBps:   out.DiscountBps,
		Currency:      out.Currency,
		CreatedAt:     out.CreatedAt,
		UnlockTime:    out.UnlockTime,
		PriceUsd8d:    uint64(out.PriceUsd8d),
		AmountPaid:    uint64(out.AmountPaid),
		Approved:      out.Approved,
		Paid:          uint64(out.AmountPaid) > 0,
		Fulfilled:     out.Fulfilled,
		Cancelled:     out.Cancelled,
	}, nil
}

func (a *Adapter) BalanceOf(ctx context.Context, tokenID, account string) (uint64, error) {
	if err := requireAddress("account", account); err != nil {
		return 0, err
	}
	var balance hexutil.Uint64
	if err := a.call(ctx, "erc20_balanceOf", []any{tokenID, account}, &balance); err != nil {
		return 0, err
	}
	return uint64(balance), nil
}
