package evm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/kewi-labs-io/otc-agent-sub003/deskerr"
)

const (
	tokenAddr       = "0x1111111111111111111111111111111111111111"
	payerAddr       = "0x2222222222222222222222222222222222222222"
	beneficiaryAddr = "0x3333333333333333333333333333333333333333"
)

type sidecar struct {
	calls   []string
	handler map[string]func(params []json.RawMessage) (any, *rpcError)
	auth    string
}

func newSidecar(t *testing.T) (*sidecar, *httptest.Server) {
	t.Helper()
	sc := &sidecar{
		handler: make(map[string]func(params []json.RawMessage) (any, *rpcError)),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc.auth = r.Header.Get("Authorization")
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		sc.calls = append(sc.calls, req.Method)
		fn, ok := sc.handler[req.Method]
		if !ok {
			t.Fatalf("unexpected sidecar method %s", req.Method)
		}
		result, rpcErr := fn(req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": 1}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return sc, srv
}

func TestEnsureTokenRegisteredSkipsExistingToken(t *testing.T) {
	sc, srv := newSidecar(t)
	sc.handler["otc_isTokenRegistered"] = func([]json.RawMessage) (any, *rpcError) {
		return true, nil
	}
	a := NewAdapter(srv.URL, "sidecar-token", 0)
	require.NoError(t, a.EnsureTokenRegistered(context.Background(), tokenAddr, 6))
	require.Equal(t, []string{"otc_isTokenRegistered"}, sc.calls)
	require.Equal(t, "Bearer sidecar-token", sc.auth)
}

func TestEnsureTokenRegisteredRegistersMissingToken(t *testing.T) {
	sc, srv := newSidecar(t)
	sc.handler["otc_isTokenRegistered"] = func([]json.RawMessage) (any, *rpcError) {
		return false, nil
	}
	sc.handler["otc_registerToken"] = func(params []json.RawMessage) (any, *rpcError) {
		var decimals hexutil.Uint64
		require.NoError(t, json.Unmarshal(params[1], &decimals))
		require.Equal(t, uint64(9), uint64(decimals))
		return nil, nil
	}
	a := NewAdapter(srv.URL, "", 0)
	require.NoError(t, a.EnsureTokenRegistered(context.Background(), tokenAddr, 9))
	require.Equal(t, []string{"otc_isTokenRegistered", "otc_registerToken"}, sc.calls)
}

func TestFulfillOfferApprovesAllowanceFirst(t *testing.T) {
	sc, srv := newSidecar(t)
	sc.handler["otc_paymentQuote"] = func([]json.RawMessage) (any, *rpcError) {
		return map[string]any{"currency": tokenAddr, "amount": hexutil.Uint64(900)}, nil
	}
	sc.handler["erc20_approve"] = func(params []json.RawMessage) (any, *rpcError) {
		var amount hexutil.Uint64
		require.NoError(t, json.Unmarshal(params[2], &amount))
		require.Equal(t, uint64(900), uint64(amount))
		return map[string]any{"txHash": "0xapprove", "confirmed": true}, nil
	}
	sc.handler["otc_fulfillOffer"] = func([]json.RawMessage) (any, *rpcError) {
		return map[string]any{"txHash": "0xfulfil", "confirmed": true}, nil
	}
	a := NewAdapter(srv.URL, "", 0)
	tx, err := a.FulfillOffer(context.Background(), 7, payerAddr)
	require.NoError(t, err)
	require.Equal(t, "0xfulfil", tx.TxID)
	require.True(t, tx.Confirmed)
	require.Equal(t, []string{"otc_paymentQuote", "erc20_approve", "otc_fulfillOffer"}, sc.calls)
}

func TestErrorCodeMapping(t *testing.T) {
	cases := []struct {
		code      int
		sub       string
		transient bool
	}{
		{codeInsufficientBalance, deskerr.ChainInsufficientBalance, false},
		{codeInsufficientInv, deskerr.ChainInsufficientInv, false},
		{codeStalePrice, deskerr.ChainStalePrice, false},
		{codeExpiredBlockhash, deskerr.ChainExpiredBlockhash, true},
		{codeRejectedSignature, deskerr.ChainRejectedSignature, false},
		{codePaused, deskerr.ChainPaused, false},
		{codeRateLimited, deskerr.ChainRateLimited, true},
		{-12345, deskerr.ChainSimulationFailed, false},
	}
	for _, tc := range cases {
		sc, srv := newSidecar(t)
		sc.handler["otc_approveOffer"] = func([]json.RawMessage) (any, *rpcError) {
			return nil, &rpcError{Code: tc.code, Message: "rejected"}
		}
		a := NewAdapter(srv.URL, "", 0)
		_, err := a.ApproveOffer(context.Background(), 1, payerAddr)
		require.Error(t, err, "code %d", tc.code)
		require.Equal(t, tc.sub, deskerr.SubReasonOf(err), "code %d", tc.code)
		require.Equal(t, tc.transient, deskerr.IsTransient(err), "code %d", tc.code)
	}
}

func TestThrottledSidecarIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)
	a := NewAdapter(srv.URL, "", 0)
	_, err := a.RemainingAmount(context.Background(), 1)
	require.Equal(t, deskerr.ChainRateLimited, deskerr.SubReasonOf(err))
	require.True(t, deskerr.IsTransient(err))
}

func TestCancelOfferSubmitsCancellation(t *testing.T) {
	sc, srv := newSidecar(t)
	sc.handler["otc_cancelOffer"] = func(params []json.RawMessage) (any, *rpcError) {
		var offerID hexutil.Uint64
		require.NoError(t, json.Unmarshal(params[0], &offerID))
		require.Equal(t, uint64(7), uint64(offerID))
		return map[string]any{"txHash": "0xcancel", "confirmed": true}, nil
	}
	a := NewAdapter(srv.URL, "", 0)
	tx, err := a.CancelOffer(context.Background(), 7, payerAddr)
	require.NoError(t, err)
	require.Equal(t, "0xcancel", tx.TxID)
	require.Equal(t, []string{"otc_cancelOffer"}, sc.calls)

	_, err = a.CancelOffer(context.Background(), 7, "not-an-address")
	require.Equal(t, deskerr.KindValidation, deskerr.KindOf(err))
}

func TestUnreachableSidecarIsNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()
	a := NewAdapter(srv.URL, "", 0)
	_, err := a.RemainingAmount(context.Background(), 1)
	require.Equal(t, deskerr.ChainUnreachable, deskerr.SubReasonOf(err))
	require.False(t, deskerr.IsTransient(err))
}

func TestInvalidAddressesFailBeforeAnyCall(t *testing.T) {
	sc, srv := newSidecar(t)
	a := NewAdapter(srv.URL, "", 0)
	ctx := context.Background()

	require.Equal(t, deskerr.KindValidation, deskerr.KindOf(a.EnsureTokenRegistered(ctx, "not-an-address", 6)))
	_, err := a.Claim(ctx, 1, "bogus")
	require.Equal(t, deskerr.KindValidation, deskerr.KindOf(err))
	_, err = a.FulfillOffer(ctx, 1, "")
	require.Equal(t, deskerr.KindValidation, deskerr.KindOf(err))
	require.Empty(t, sc.calls)
}

func TestGetOfferDecodesHexFields(t *testing.T) {
	sc, srv := newSidecar(t)
	sc.handler["otc_getOffer"] = func([]json.RawMessage) (any, *rpcError) {
		return map[string]any{
			"id":            hexutil.Uint64(7),
			"consignmentId": hexutil.Uint64(3),
			"token":         tokenAddr,
			"beneficiary":   beneficiaryAddr,
			"payer":         payerAddr,
			"tokenAmount":   hexutil.Uint64(1_000_000_000),
			"discountBps":   uint32(1000),
			"currency":      tokenAddr,
			"unlockTime":    int64(1_800_000_000),
			"priceUsd8d":    hexutil.Uint64(200_000_000),
			"amountPaid":    hexutil.Uint64(900),
			"approved":      true,
			"fulfilled":     true,
		}, nil
	}
	a := NewAdapter(srv.URL, "", 0)
	offer, err := a.GetOffer(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, uint64(7), offer.ID)
	require.Equal(t, uint64(1_000_000_000), offer.TokenAmount)
	require.Equal(t, uint64(200_000_000), offer.PriceUsd8d)
	require.True(t, offer.Approved)
	require.True(t, offer.Paid)
	require.True(t, offer.Fulfilled)
}
