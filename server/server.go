// Package server exposes the desk's HTTP API: quote negotiation and
// lifecycle, consignment registration and the deal settlement steps.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/kewi-labs-io/otc-agent-sub003/auth"
	"github.com/kewi-labs-io/otc-agent-sub003/chain"
	"github.com/kewi-labs-io/otc-agent-sub003/deskerr"
	"github.com/kewi-labs-io/otc-agent-sub003/inventory"
	"github.com/kewi-labs-io/otc-agent-sub003/middleware"
	"github.com/kewi-labs-io/otc-agent-sub003/negotiation"
	"github.com/kewi-labs-io/otc-agent-sub003/observability"
	"github.com/kewi-labs-io/otc-agent-sub003/oracle"
	"github.com/kewi-labs-io/otc-agent-sub003/quotes"
	"github.com/kewi-labs-io/otc-agent-sub003/settlement"
)

// Server wires the desk components behind a chi router.
type Server struct {
	router   chi.Router
	db       *gorm.DB
	repo     *inventory.Repo
	ledger   *quotes.Ledger
	orch     *settlement.Orchestrator
	policy   negotiation.Policy
	prices   oracle.PriceOracle
	verifier *auth.Verifier
	log      *slog.Logger
}

// Deps collects the server's collaborators.
type Deps struct {
	DB       *gorm.DB
	Repo     *inventory.Repo
	Ledger   *quotes.Ledger
	Orch     *settlement.Orchestrator
	Policy   negotiation.Policy
	Prices   oracle.PriceOracle
	Verifier *auth.Verifier
	Log      *slog.Logger
}

func New(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	s := &Server{
		db:       deps.DB,
		repo:     deps.Repo,
		ledger:   deps.Ledger,
		orch:     deps.Orch,
		policy:   deps.Policy,
		prices:   deps.Prices,
		verifier: deps.Verifier,
		log:      deps.Log,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observability.Instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.verifier.Middleware)
		r.Use(func(next http.Handler) http.Handler {
			return middleware.WithIdempotency(s.db, next)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleAgent, auth.RoleApprover, auth.RoleOperator))
			r.Post("/quotes", s.handleCreateQuote)
			r.Get("/quotes/active", s.handleActiveQuote)
			r.Post("/quotes/{id}/verify", s.handleVerifyQuote)
			r.Post("/deals", s.handleCreateDeal)
			r.Post("/deals/{id}/fulfill", s.handleFulfillDeal)
			r.Post("/deals/{id}/claim", s.handleClaimDeal)
			r.Get("/deals/{id}", s.handleGetDeal)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleApprover, auth.RoleOperator))
			r.Post("/quotes/{id}/status", s.handleQuoteStatus)
			r.Post("/deals/{id}/approve", s.handleApproveDeal)
			r.Post("/deals/{id}/cancel", s.handleCancelDeal)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleOperator))
			r.Post("/consignments", s.handleCreateConsignment)
			r.Post("/consignments/{id}/withdraw", s.handleWithdrawConsignment)
		})
	})
	return r
}

type quoteRequest struct {
	EntityID        string  `json:"entityId"`
	Beneficiary     string  `json:"beneficiary"`
	TokenID         string  `json:"tokenId"`
	Chain           string  `json:"chain"`
	TokenAmount     string  `json:"tokenAmount"`
	DiscountBps     *uint32 `json:"discountBps"`
	LockupMonths    *uint32 `json:"lockupMonths"`
	PaymentCurrency string  `json:"paymentCurrency"`
}

func (s *Server) handleCreateQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, deskerr.Validationf("invalid request body: %v", err))
		return
	}

	var prior *negotiation.PriorTerms
	if existing, err := s.ledger.Active(r.Context(), req.EntityID); err == nil {
		prior = &negotiation.PriorTerms{
			DiscountBps:     existing.DiscountBps,
			LockupMonths:    existing.LockupMonths,
			PaymentCurrency: existing.PaymentCurrency,
		}
	} else if deskerr.KindOf(err) != deskerr.KindNotFound {
		s.writeError(w, err)
		return
	}

	amount, _ := strconv.ParseUint(strings.TrimSpace(req.TokenAmount), 10, 64)

	var cons *negotiation.ConsignmentTerms
	consignmentID := ""
	tokenDecimals := uint8(0)
	reqDiscount := uint32(0)
	if req.DiscountBps != nil {
		reqDiscount = *req.DiscountBps
	}
	reqDays := uint32(0)
	if req.LockupMonths != nil {
		reqDays = *req.LockupMonths * 30
	}
	if match, err := s.repo.BestFit(r.Context(), req.TokenID, amount, reqDiscount, reqDays); err == nil {
		c := match.Consignment
		cons = &negotiation.ConsignmentTerms{
			IsNegotiable:     c.IsNegotiable,
			FixedDiscountBps: c.FixedDiscountBps,
			FixedLockupDays:  c.FixedLockupDays,
			MinDiscountBps:   c.MinDiscountBps,
			MaxDiscountBps:   c.MaxDiscountBps,
			MinLockupDays:    c.MinLockupDays,
			MaxLockupDays:    c.MaxLockupDays,
		}
		consignmentID = c.ID.String()
		tokenDecimals = c.TokenDecimals
	} else if deskerr.KindOf(err) != deskerr.KindNotFound {
		s.writeError(w, err)
		return
	}

	terms, err := negotiation.Negotiate(negotiation.Request{
		TokenID:         req.TokenID,
		Chain:           req.Chain,
		TokenAmount:     req.TokenAmount,
		DiscountBps:     req.DiscountBps,
		LockupMonths:    req.LockupMonths,
		PaymentCurrency: req.PaymentCurrency,
	}, prior, cons, s.policy)
	if err != nil {
		s.writeError(w, err)
		return
	}

	priceUsd := decimal.Zero
	if s.prices != nil {
		if pq, err := s.prices.PriceUsd(req.TokenID); err == nil {
			priceUsd = pq.Decimal()
		}
	}

	quote, err := s.ledger.Create(r.Context(), quotes.CreateParams{
		EntityID:      req.EntityID,
		Beneficiary:   req.Beneficiary,
		TokenID:       req.TokenID,
		Chain:         req.Chain,
		TokenAmount:   req.TokenAmount,
		ConsignmentID: consignmentID,
		Terms:         terms,
		PriceUsd:      priceUsd,
		TokenDecimals: tokenDecimals,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	observability.Lifecycle().RecordAction("quote.created")
	s.writeJSON(w, http.StatusCreated, quote)
}

func (s *Server) handleActiveQuote(w http.ResponseWriter, r *http.Request) {
	quote, err := s.ledger.Active(r.Context(), r.URL.Query().Get("entity"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleQuoteStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status   string `json:"status"`
		Evidence string `json:"evidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, deskerr.Validationf("invalid request body: %v", err))
		return
	}
	quote, err := s.ledger.UpdateStatus(r.Context(), chi.URLParam(r, "id"), quotes.Status(req.Status), req.Evidence)
	if err != nil {
		s.writeError(w, err)
		return
	}
	observability.Lifecycle().RecordAction("quote." + string(quote.Status))
	s.writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleVerifyQuote(w http.ResponseWriter, r *http.Request) {
	quote, err := s.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.ledger.VerifySignature(quote); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"quoteId": quote.QuoteID, "valid": true})
}

type consignmentRequest struct {
	Chain                string `json:"chain"`
	TokenID              string `json:"tokenId"`
	TokenDecimals        uint8  `json:"tokenDecimals"`
	Consigner            string `json:"consigner"`
	Amount               uint64 `json:"amount"`
	IsNegotiable         bool   `json:"isNegotiable"`
	FixedDiscountBps     uint32 `json:"fixedDiscountBps"`
	FixedLockupDays      uint32 `json:"fixedLockupDays"`
	MinDiscountBps       uint32 `json:"minDiscountBps"`
	MaxDiscountBps       uint32 `json:"maxDiscountBps"`
	MinLockupDays        uint32 `json:"minLockupDays"`
	MaxLockupDays        uint32 `json:"maxLockupDays"`
	MinDealAmount        uint64 `json:"minDealAmount"`
	MaxDealAmount        uint64 `json:"maxDealAmount"`
	MaxPriceDeviationBps uint32 `json:"maxPriceDeviationBps"`
	MaxTimeToExecuteSecs int64  `json:"maxTimeToExecuteSecs"`
	IsFractionalized     bool   `json:"isFractionalized"`
	IsPrivate            bool   `json:"isPrivate"`
}

func (s *Server) handleCreateConsignment(w http.ResponseWriter, r *http.Request) {
	var req consignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, deskerr.Validationf("invalid request body: %v", err))
		return
	}
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		s.writeError(w, deskerr.Validationf("missing identity"))
		return
	}
	record, err := s.orch.RegisterConsignment(r.Context(), settlement.RegisterParams{
		Chain:     req.Chain,
		Decimals:  req.TokenDecimals,
		Requestor: claims.Subject,
		Spec: chain.ConsignmentSpec{
			TokenID:              req.TokenID,
			Consigner:            req.Consigner,
			Amount:               req.Amount,
			IsNegotiable:         req.IsNegotiable,
			FixedDiscountBps:     req.FixedDiscountBps,
			FixedLockupDays:      req.FixedLockupDays,
			MinDiscountBps:       req.MinDiscountBps,
			MaxDiscountBps:       req.MaxDiscountBps,
			MinLockupDays:        req.MinLockupDays,
			MaxLockupDays:        req.MaxLockupDays,
			MinDealAmount:        req.MinDealAmount,
			MaxDealAmount:        req.MaxDealAmount,
			MaxPriceDeviationBps: req.MaxPriceDeviationBps,
			MaxTimeToExecuteSecs: req.MaxTimeToExecuteSecs,
			IsFractionalized:     req.IsFractionalized,
			IsPrivate:            req.IsPrivate,
		},
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleWithdrawConsignment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, deskerr.Validationf("invalid consignment id"))
		return
	}
	withdrawn, err := s.orch.Withdraw(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"consignmentId": id, "withdrawn": withdrawn})
}

func (s *Server) handleCreateDeal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QuoteID string `json:"quoteId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, deskerr.Validationf("invalid request body: %v", err))
		return
	}
	deal, err := s.orch.ExecuteQuote(r.Context(), req.QuoteID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, deal)
}

func (s *Server) handleApproveDeal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, deskerr.Validationf("invalid deal id"))
		return
	}
	claims, _ := auth.FromContext(r.Context())
	deal, err := s.orch.Approve(r.Context(), id, claims.Subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, deal)
}

func (s *Server) handleFulfillDeal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, deskerr.Validationf("invalid deal id"))
		return
	}
	var req struct {
		Payer string `json:"payer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, deskerr.Validationf("invalid request body: %v", err))
		return
	}
	deal, err := s.orch.Fulfill(r.Context(), id, req.Payer)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, deal)
}

func (s *Server) handleClaimDeal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, deskerr.Validationf("invalid deal id"))
		return
	}
	deal, err := s.orch.Claim(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, deal)
}

func (s *Server) handleCancelDeal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, deskerr.Validationf("invalid deal id"))
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, deskerr.Validationf("invalid request body: %v", err))
		return
	}
	claims, _ := auth.FromContext(r.Context())
	deal, err := s.orch.Cancel(r.Context(), id, claims.Subject, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, deal)
}

func (s *Server) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, deskerr.Validationf("invalid deal id"))
		return
	}
	deal, err := s.orch.GetDeal(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, deal)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("response encoding failed", slog.Any("error", err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := ""
	var derr *deskerr.Error
	if errors.As(err, &derr) {
		kind = string(derr.Kind)
		switch derr.Kind {
		case deskerr.KindValidation:
			status = http.StatusBadRequest
		case deskerr.KindNotFound:
			status = http.StatusNotFound
		case deskerr.KindIntegrity, deskerr.KindState:
			status = http.StatusConflict
		case deskerr.KindChain:
			status = http.StatusBadGateway
		}
	}
	s.writeJSON(w, status, map[string]any{"error": err.Error(), "kind": kind})
}
