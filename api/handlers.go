/*
handlers.go - HTTP API handlers for the points ledger

PURPOSE:
  Exposes the points engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine and the rewards service.

ENDPOINTS:
  Wallets:
    POST   /api/wallets                          Register a citizen (idempotent)
    GET    /api/users/{userId}/wallet            Wallet for a user
    GET    /api/wallet/{walletId}                Wallet and cached balance
    GET    /api/wallet/{walletId}/transactions   Ledger history (cursor paged)
    GET    /api/wallet/{walletId}/redemptions    Redemption history

  Earning:
    POST   /api/earn                             Credit points
    POST   /api/earn/action                      Credit points for a civic action
    GET    /api/actions                          Earning rules

  Catalog and redemption:
    GET    /api/benefits                         List benefits (?category=&active=)
    GET    /api/benefits/{id}                    Benefit details
    POST   /api/redeem                           Redeem a benefit

  Admin:
    PUT    /api/admin/benefits/{id}              Create or replace a benefit
    POST   /api/admin/benefits/{id}/restock      Adjust stock
    POST   /api/admin/wallets/{id}/reconcile     Reconcile one wallet
    POST   /api/admin/reconcile                  Reconcile every wallet

REQUEST FLOW:
  1. Decode the JSON body (numbers kept exact)
  2. Call the engine or rewards service
  3. Serialize the DTO
  4. Map error kinds to statuses (errors.go)

IDEMPOTENCY:
  /api/earn and /api/redeem accept the key in the body or in the
  Idempotency-Key header. A replayed call returns 200 with the original
  result instead of 201.

SECURITY NOTE:
  No authentication. Admin routes must sit behind a gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Status mapping
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/warp/rewards-engine/logger"
	"github.com/warp/rewards-engine/points"
	"github.com/warp/rewards-engine/rewards"
)

const maxBodyBytes = 1 << 20

// IdempotencyKeyHeader carries the client's key for earn and redeem calls.
const IdempotencyKeyHeader = "Idempotency-Key"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine  *points.Engine
	Rewards *rewards.Service
	Store   Pinger // optional, used by /healthz

	log *slog.Logger

	// Track the last loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over the engine and the rewards service.
func NewHandler(engine *points.Engine, svc *rewards.Service, store Pinger) *Handler {
	return &Handler{
		Engine:  engine,
		Rewards: svc,
		Store:   store,
		log:     logger.WithComponent("api"),
	}
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"heldLocks": h.Engine.HeldLocks(),
	})
}

// =============================================================================
// WALLETS
// =============================================================================

// OpenWallet registers a citizen. Repeated calls return the same wallet.
func (h *Handler) OpenWallet(w http.ResponseWriter, r *http.Request) {
	var req OpenWalletRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	reg, err := h.Rewards.Register(r.Context(), points.UserID(req.UserID))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	resp := RegistrationResponse{Wallet: toWalletDTO(reg.Wallet), Created: reg.Created}
	if reg.Bonus != nil {
		bonus := toEarnResponse(*reg.Bonus)
		resp.Bonus = &bonus
	}
	status := http.StatusOK
	if reg.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (h *Handler) GetUserWallet(w http.ResponseWriter, r *http.Request) {
	wal, err := h.Engine.Wallets.ForUser(r.Context(), points.UserID(chi.URLParam(r, "userId")))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wal))
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wal, err := h.Engine.Wallets.Get(r.Context(), points.WalletID(chi.URLParam(r, "walletId")))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wal))
}

// GetTransactions returns one page of ledger history, oldest first.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	walletID := points.WalletID(chi.URLParam(r, "walletId"))

	cursor, err := queryInt(r, "cursor")
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	page, err := h.Engine.Ledger.ListByWallet(r.Context(), walletID, points.Page{Cursor: cursor, Limit: int(limit)})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	resp := TransactionPageDTO{Items: make([]TransactionDTO, 0, len(page.Items)), NextCursor: page.NextCursor}
	for _, tx := range page.Items {
		resp.Items = append(resp.Items, toTransactionDTO(tx))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetRedemptions returns the wallet's redemptions, newest first.
func (h *Handler) GetRedemptions(w http.ResponseWriter, r *http.Request) {
	walletID := points.WalletID(chi.URLParam(r, "walletId"))
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	history, err := h.Engine.Redemptions.History(r.Context(), walletID, int(limit))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	resp := make([]RedemptionDTO, 0, len(history))
	for _, red := range history {
		resp = append(resp, toRedemptionDTO(red))
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// EARNING
// =============================================================================

func (h *Handler) Earn(w http.ResponseWriter, r *http.Request) {
	var req EarnRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key, err := idempotencyKey(r, req.IdempotencyKey)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	res, err := h.Engine.Earnings.Earn(r.Context(), points.EarnInput{
		WalletID:       points.WalletID(req.WalletID),
		Amount:         req.Amount,
		Description:    req.Description,
		Metadata:       req.Metadata,
		IdempotencyKey: key,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, createdOrReplayed(res.Replayed), toEarnResponse(res))
}

// EarnForAction converts a reported civic action into points.
func (h *Handler) EarnForAction(w http.ResponseWriter, r *http.Request) {
	var req ActionEarnRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key, err := idempotencyKey(r, req.IdempotencyKey)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	res, err := h.Rewards.EarnForAction(r.Context(), rewards.ActionInput{
		WalletID:       points.WalletID(req.WalletID),
		Action:         rewards.Action(req.Action),
		Quantity:       req.Quantity,
		IdempotencyKey: key,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, createdOrReplayed(res.Replayed), toEarnResponse(res))
}

func (h *Handler) ListActions(w http.ResponseWriter, r *http.Request) {
	rules := h.Rewards.Rules()
	resp := make([]RuleDTO, 0, len(rules))
	for _, rule := range rules {
		resp = append(resp, toRuleDTO(rule))
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// CATALOG
// =============================================================================

func (h *Handler) ListBenefits(w http.ResponseWriter, r *http.Request) {
	filter := points.BenefitFilter{Category: r.URL.Query().Get("category")}
	if v := r.URL.Query().Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeEngineError(w, r, &points.ValidationError{Field: "active", Reason: "must be true or false"})
			return
		}
		filter.ActiveOnly = active
	}

	benefits, err := h.Engine.Catalog.List(r.Context(), filter)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	resp := make([]BenefitDTO, 0, len(benefits))
	for _, b := range benefits {
		resp = append(resp, toBenefitDTO(b))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetBenefit(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.Catalog.Get(r.Context(), points.BenefitID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBenefitDTO(b))
}

// =============================================================================
// REDEMPTION
// =============================================================================

// Redeem spends points on a benefit. Stock and balance change together or
// not at all.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key, err := idempotencyKey(r, req.IdempotencyKey)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	red, err := h.Engine.Redemptions.Redeem(r.Context(), points.RedeemInput{
		UserID:         points.UserID(req.UserID),
		BenefitID:      points.BenefitID(req.BenefitID),
		IdempotencyKey: key,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, createdOrReplayed(red.Replayed), toRedemptionDTO(red))
}

// =============================================================================
// ADMIN
// =============================================================================

// SaveBenefit creates or replaces the benefit named in the path.
func (h *Handler) SaveBenefit(w http.ResponseWriter, r *http.Request) {
	var req SaveBenefitRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	b, err := h.Engine.Catalog.Save(r.Context(), points.Benefit{
		ID:          points.BenefitID(chi.URLParam(r, "id")),
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		CostPoints:  req.CostPoints,
		Stock:       req.Stock,
		Active:      active,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBenefitDTO(b))
}

func (h *Handler) RestockBenefit(w http.ResponseWriter, r *http.Request) {
	var req RestockRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	b, err := h.Engine.Catalog.Restock(r.Context(), points.BenefitID(chi.URLParam(r, "id")), req.Delta)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBenefitDTO(b))
}

func (h *Handler) ReconcileWallet(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.Wallets.Reconcile(r.Context(), points.WalletID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileDTO(res))
}

// ReconcileAll checks every wallet. Per-wallet failures are reported
// alongside the wallets that did get checked.
func (h *Handler) ReconcileAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.Wallets.ReconcileAll(r.Context())

	resp := ReconcileReportDTO{
		Checked:   report.Checked,
		Corrected: report.Corrected,
		Drifted:   make([]ReconcileDTO, 0, len(report.Drifted)),
	}
	for _, d := range report.Drifted {
		resp.Drifted = append(resp.Drifted, toReconcileDTO(d))
	}

	if err != nil {
		if report.Checked == 0 {
			writeEngineError(w, r, err)
			return
		}
		h.log.WarnContext(r.Context(), "reconcile run finished with errors", "error", err)
		resp.Errors = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

// decodeJSON reads a JSON body into dst, keeping numbers exact. It writes a
// 400 and returns false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("request body is empty")
		}
		writeError(w, http.StatusBadRequest, "ValidationError", fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

// idempotencyKey picks the key from the body or the header. Both may be
// set only if they agree.
func idempotencyKey(r *http.Request, fromBody string) (string, error) {
	fromHeader := r.Header.Get(IdempotencyKeyHeader)
	switch {
	case fromHeader == "":
		return fromBody, nil
	case fromBody == "" || fromBody == fromHeader:
		return fromHeader, nil
	default:
		return "", &points.ValidationError{Field: "idempotencyKey", Reason: "body and header keys differ"}
	}
}

func queryInt(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, &points.ValidationError{Field: name, Reason: "must be a non-negative integer"}
	}
	return n, nil
}

func createdOrReplayed(replayed bool) int {
	if replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}
