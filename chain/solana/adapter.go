// Package solana settles deals against the desk's Solana program through its
// RPC sidecar. Program state lives in derived accounts keyed by desk and
// token; the adapter ensures those accounts lazily and signs every mutating
// instruction with the desk keypair.
package solana

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/kewi-labs-io/otc-agent-sub003/chain"
	"github.com/kewi-labs-io/otc-agent-sub003/deskerr"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
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
	Signature string `json:"signature"`
	Confirmed bool   `json:"confirmed"`
}

// Adapter drives the Solana desk program.
type Adapter struct {
	url     string
	desk    string
	signer  ed25519.PrivateKey
	client  *http.Client
	limiter *rate.Limiter
	nextID  int64
}

// NewAdapter builds an adapter for the sidecar at url. desk is the desk
// account address and signer the desk authority keypair used to sign
// instruction payloads.
func NewAdapter(url, desk string, signer ed25519.PrivateKey, rps float64) *Adapter {
	a := &Adapter{
		url:    strings.TrimRight(url, "/"),
		desk:   desk,
		signer: signer,
		client: &http.Client{Timeout: 20 * time.Second},
	}
	if rps > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return a
}

func (a *Adapter) Name() string { return "solana" }

// derivedAddress mirrors the program's account derivation: the desk, a seed
// label and the token mint hash to one deterministic account per role.
func (a *Adapter) derivedAddress(seed, tokenMint string) string {
	h := sha256.New()
	h.Write([]byte(seed))
	h.Write([]byte{0})
	h.Write([]byte(a.desk))
	h.Write([]byte{0})
	h.Write([]byte(tokenMint))
	return hex.EncodeToString(h.Sum(nil))
}

// signPayload signs the canonical JSON of an instruction so the sidecar can
// verify the desk authority authored it.
func (a *Adapter) signPayload(payload []byte) string {
	return hex.EncodeToString(ed25519.Sign(a.signer, payload))
}

func (a *Adapter) call(ctx context.Context, method string, params map[string]any, out any) error {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if params == nil {
		params = map[string]any{}
	}
	params["desk"] = a.desk
	canonical, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	params["authoritySig"] = a.signPayload(canonical)

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
	resp, err := a.client.Do(req)
	if err != nil {
		return deskerr.Chainf(deskerr.ChainUnreachable, "solana sidecar unreachable: %v", err)
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

// mapRPCError classifies by message fragment; the Solana runtime reports
// program errors as strings rather than stable codes.
func mapRPCError(method string, e *rpcError) error {
	msg := strings.ToLower(e.Message)
	sub := ""
	switch {
	case strings.Contains(msg, "blockhash not found"), strings.Contains(msg, "blockhashnotfound"):
		sub = deskerr.ChainExpiredBlockhash
	case strings.Contains(msg, "insufficient funds"), strings.Contains(msg, "insufficient lamports"):
		sub = deskerr.ChainInsufficientBalance
	case strings.Contains(msg, "insufficient inventory"):
		sub = deskerr.ChainInsufficientInv
	case strings.Contains(msg, "stale price"):
		sub = deskerr.ChainStalePrice
	case strings.Contains(msg, "zero price"):
		sub = deskerr.ChainZeroPrice
	case strings.Contains(msg, "signature verification"):
		sub = deskerr.ChainRejectedSignature
	case strings.Contains(msg, "below minimum"):
		sub = deskerr.ChainMinUsdNotMet
	case strings.Contains(msg, "paused"):
		sub = deskerr.ChainPaused
	case e.Code == -32005:
		sub = deskerr.ChainRateLimited
	default:
		sub = deskerr.ChainSimulationFailed
	}
	return deskerr.Chainf(sub, "%s failed: %s", method, e.Message)
}

func (a *Adapter) EnsureTokenRegistered(ctx context.Context, tokenID string, decimals uint8) error {
	registry := a.derivedAddress("registry", tokenID)
	var exists bool
	if err := a.call(ctx, "desk_accountExists", map[string]any{"account": registry}, &exists); err != nil {
		return err
	}
	if exists {
		return nil
	}
	return a.call(ctx, "desk_registerToken", map[string]any{
		"mint":     tokenID,
		"decimals": decimals,
		"registry": registry,
	}, nil)
}

func (a *Adapter) EnsureTreasury(ctx context.Context, tokenID string) error {
	treasury := a.derivedAddress("treasury", tokenID)
	var exists bool
	if err := a.call(ctx, "desk_accountExists", map[string]any{"account": treasury}, &exists); err != nil {
		return err
	}
	if exists {
		return nil
	}
	return a.call(ctx, "desk_createTreasury", map[string]any{
		"mint":     tokenID,
		"treasury": treasury,
	}, nil)
}

func (a *Adapter) CreateConsignment(ctx context.Context, spec chain.ConsignmentSpec) (uint64, chain.TxResult, error) {
	var out struct {
		txEnvelope
		ConsignmentID uint64 `json:"consignmentId"`
	}
	err := a.call(ctx, "desk_createConsignment", map[string]any{
		"mint":                 spec.TokenID,
		"consigner":            spec.Consigner,
		"amount":               spec.Amount,
		"negotiable":           spec.IsNegotiable,
		"fixedDiscountBps":     spec.FixedDiscountBps,
		"fixedLockupDays":      spec.FixedLockupDays,
		"minDiscountBps":       spec.MinDiscountBps,
		"maxDiscountBps":       spec.MaxDiscountBps,
		"minLockupDays":        spec.MinLockupDays,
		"maxLockupDays":        spec.MaxLockupDays,
		"minDealAmount":        spec.MinDealAmount,
		"maxDealAmount":        spec.MaxDealAmount,
		"fractionalized":       spec.IsFractionalized,
		"private":              spec.IsPrivate,
		"maxPriceDeviationBps": spec.MaxPriceDeviationBps,
		"maxTimeToExecuteSecs": spec.MaxTimeToExecuteSecs,
		"treasury":             a.derivedAddress("treasury", spec.TokenID),
	}, &out)
	if err != nil {
		return 0, chain.TxResult{}, err
	}
	return out.ConsignmentID, out.result(), nil
}

func (a *Adapter) CreateOfferFromConsignment(ctx context.Context, spec chain.OfferSpec) (uint64, chain.TxResult, error) {
	var out struct {
		txEnvelope
		OfferID uint64 `json:"offerId"`
	}
	err := a.call(ctx, "desk_createOffer", map[string]any{
		"consignmentId": spec.ConsignmentID,
		"tokenAmount":   spec.TokenAmount,
		"discountBps":   spec.DiscountBps,
		"currency":      spec.Currency,
		"lockupSecs":    spec.LockupSeconds,
		"beneficiary":   spec.Beneficiary,
	}, &out)
	if err != nil {
		return 0, chain.TxResult{}, err
	}
	return out.OfferID, out.result(), nil
}

func (a *Adapter) ApproveOffer(ctx context.Context, offerID uint64, approver string) (chain.TxResult, error) {
	var out txEnvelope
	if err := a.call(ctx, "desk_approveOffer", map[string]any{"offerId": offerID, "approver": approver}, &out); err != nil {
		return chain.TxResult{}, err
	}
	return out.result(), nil
}

func (a *Adapter) FulfillOffer(ctx context.Context, offerID uint64, payer string) (chain.TxResult, error) {
	var out txEnvelope
	if err := a.call(ctx, "desk_fulfillOffer", map[string]any{"offerId": offerID, "payer": payer}, &out); err != nil {
		return chain.TxResult{}, err
	}
	return out.result(), nil
}

func (a *Adapter) CancelOffer(ctx context.Context, offerID uint64, actor string) (chain.TxResult, error) {
	var out txEnvelope
	if err := a.call(ctx, "desk_cancelOffer", map[string]any{"offerId": offerID, "actor": actor}, &out); err != nil {
		return chain.TxResult{}, err
	}
	return out.result(), nil
}

func (a *Adapter) Claim(ctx context.Context, offerID uint64, beneficiary string) (chain.TxResult, error) {
	var out txEnvelope
	if err := a.call(ctx, "desk_claim", map[string]any{"offerId": offerID, "beneficiary": beneficiary}, &out); err != nil {
		return chain.TxResult{}, err
	}
	return out.result(), nil
}

func (a *Adapter) WithdrawConsignment(ctx context.Context, consignmentID uint64, consigner string) (uint64, chain.TxResult, error) {
	var out struct {
		txEnvelope
		Withdrawn uint64 `json:"withdrawn"`
	}
	if err := a.call(ctx, "desk_withdrawConsignment", map[string]any{"consignmentId": consignmentID, "consigner": consigner}, &out); err != nil {
		return 0, chain.TxResult{}, err
	}
	return out.Withdrawn, out.result(), nil
}

func (a *Adapter) RemainingAmount(ctx context.Context, consignmentID uint64) (uint64, error) {
	var remaining uint64
	if err := a.call(ctx, "desk_remainingAmount", map[string]any{"consignmentId": consignmentID}, &remaining); err != nil {
		return 0, err
	}
	return remaining, nil
}

func (a *Adapter) GetOffer(ctx context.Context, offerID uint64) (*chain.Offer, error) {
	var out struct {
		ID            uint64 `json:"id"`
		ConsignmentID uint64 `json:"consignmentId"`
		TokenID       string `json:"mint"`
		Beneficiary   string `json:"beneficiary"`
		Payer         string `json:"payer"`
		TokenAmount   uint64 `json:"tokenAmount"`
		DiscountBps   uint32 `json:"discountBps"`
		Currency      string `json:"currency"`
		CreatedAt     int64  `json:"createdAt"`
		UnlockTime    int64  `json:"unlockTime"`
		PriceUsd8d    uint64 `json:"priceUsd8d"`
		AmountPaid    uint64 `json:"amountPaid"`
		Approved      bool   `json:"approved"`
		Fulfilled     bool   `json:"fulfilled"`
		Cancelled     bool   `json:"cancelled"`
	}
	if err := a.call(ctx, "desk_getOffer", map[string]any{"offerId": offerID}, &out); err != nil {
		return nil, err
	}
	return &chain.Offer{
		ID:            out.ID,
		ConsignmentID: out.ConsignmentID,
		TokenID:       out.TokenID,
		Beneficiary:   out.Beneficiary,
		Payer:         out.Payer,
		TokenAmount:   out.TokenAmount,
		DiscountBps:   out.DiscountBps,
		Currency:      out.Currency,
		CreatedAt:     out.CreatedAt,
		UnlockTime:    out.UnlockTime,
		PriceUsd8d:    out.PriceUsd8d,
		AmountPaid:    out.AmountPaid,
		Approved:      out.Approved,
		Paid:          out.AmountPaid > 0,
		Fulfilled:     out.Fulfilled,
		Cancelled:     out.Cancelled,
	}, nil
}

func (a *Adapter) BalanceOf(ctx context.Context, tokenID, account string) (uint64, error) {
	var balance uint64
	if err := a.call(ctx, "desk_tokenBalance", map[string]any{"mint": tokenID, "account": account}, &balance); err != nil {
		return 0, err
	}
	return balance, nil
}

func (r txEnvelope) result() chain.TxResult {
	return chain.TxResult{TxID: r.Signature, Confirmed: r.Confirmed}
}
