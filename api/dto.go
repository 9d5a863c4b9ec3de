/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Operation results

TYPES:
  Wallet:       WalletDTO, OpenWalletRequest, RegistrationResponse
  Ledger:       TransactionDTO, TransactionPageDTO
  Earning:      EarnRequest, ActionEarnRequest, EarnResponse, RuleDTO
  Catalog:      BenefitDTO, SaveBenefitRequest, RestockRequest
  Redemption:   RedeemRequest, RedemptionDTO
  Admin:        ReconcileDTO, ReconcileReportDTO
  Scenarios:    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - errors.go: ErrorResponse and status mapping
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/rewards-engine/points"
	"github.com/warp/rewards-engine/rewards"
)

// =============================================================================
// WALLETS
// =============================================================================

type WalletDTO struct {
	WalletID  string    `json:"walletId"`
	UserID    string    `json:"userId"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"createdAt"`
}

type OpenWalletRequest struct {
	UserID string `json:"userId"`
}

type RegistrationResponse struct {
	Wallet  WalletDTO `json:"wallet"`
	Created bool      `json:"created"`
	// Bonus is the registration bonus transaction, if one is configured.
	Bonus *EarnResponse `json:"bonus,omitempty"`
}

func toWalletDTO(w points.Wallet) WalletDTO {
	return WalletDTO{
		WalletID:  string(w.ID),
		UserID:    string(w.UserID),
		Balance:   w.Balance,
		CreatedAt: w.CreatedAt,
	}
}

// =============================================================================
// LEDGER
// =============================================================================

type TransactionDTO struct {
	TransactionID  string          `json:"transactionId"`
	Seq            int64           `json:"seq"`
	WalletID       string          `json:"walletId"`
	Kind           points.Kind     `json:"kind"`
	Amount         int64           `json:"amount"`
	BalanceAfter   int64           `json:"balanceAfter"`
	Description    string          `json:"description"`
	Metadata       points.Metadata `json:"metadata,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type TransactionPageDTO struct {
	Items []TransactionDTO `json:"items"`
	// NextCursor is 0 on the last page.
	NextCursor int64 `json:"nextCursor"`
}

func toTransactionDTO(tx points.PointTransaction) TransactionDTO {
	return TransactionDTO{
		TransactionID:  string(tx.ID),
		Seq:            tx.Seq,
		WalletID:       string(tx.WalletID),
		Kind:           tx.Kind,
		Amount:         tx.Amount,
		BalanceAfter:   tx.BalanceAfter,
		Description:    tx.Description,
		Metadata:       tx.Metadata,
		IdempotencyKey: tx.IdempotencyKey,
		CreatedAt:      tx.CreatedAt,
	}
}

// =============================================================================
// EARNING
// =============================================================================

type EarnRequest struct {
	WalletID       string          `json:"walletId"`
	Amount         int64           `json:"amount"`
	Description    string          `json:"description"`
	Metadata       points.Metadata `json:"metadata,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// ActionEarnRequest reports a civic action. Quantity accepts a JSON
// number or a decimal string ("5.5").
type ActionEarnRequest struct {
	WalletID       string          `json:"walletId"`
	Action         string          `json:"action"`
	Quantity       decimal.Decimal `json:"quantity"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

type EarnResponse struct {
	TransactionID string `json:"transactionId"`
	Amount        int64  `json:"amount"`
	NewBalance    int64  `json:"newBalance"`
	Replayed      bool   `json:"replayed,omitempty"`
}

func toEarnResponse(res points.EarnResult) EarnResponse {
	return EarnResponse{
		TransactionID: string(res.Transaction.ID),
		Amount:        res.Transaction.Amount,
		NewBalance:    res.NewBalance,
		Replayed:      res.Replayed,
	}
}

type RuleDTO struct {
	Action        string `json:"action"`
	Name          string `json:"name"`
	Unit          string `json:"unit"`
	PointsPerUnit string `json:"pointsPerUnit"`
	MaxPerEvent   int64  `json:"maxPerEvent,omitempty"`
}

func toRuleDTO(r rewards.Rule) RuleDTO {
	return RuleDTO{
		Action:        string(r.Action),
		Name:          r.Name,
		Unit:          r.Unit,
		PointsPerUnit: r.PointsPerUnit.String(),
		MaxPerEvent:   r.MaxPerEvent,
	}
}

// =============================================================================
// CATALOG
// =============================================================================

type BenefitDTO struct {
	BenefitID   string    `json:"benefitId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	CostPoints  int64     `json:"costPoints"`
	Stock       int64     `json:"stock"`
	Active      bool      `json:"active"`
	Redeemable  bool      `json:"redeemable"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func toBenefitDTO(b points.Benefit) BenefitDTO {
	return BenefitDTO{
		BenefitID:   string(b.ID),
		Title:       b.Title,
		Description: b.Description,
		Category:    b.Category,
		CostPoints:  b.CostPoints,
		Stock:       b.Stock,
		Active:      b.Active,
		Redeemable:  b.Redeemable(),
		UpdatedAt:   b.UpdatedAt,
	}
}

// SaveBenefitRequest creates or replaces a benefit definition. Active
// defaults to true.
type SaveBenefitRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	CostPoints  int64  `json:"costPoints"`
	Stock       int64  `json:"stock"`
	Active      *bool  `json:"active,omitempty"`
}

type RestockRequest struct {
	Delta int64 `json:"delta"`
}

// =============================================================================
// REDEMPTION
// =============================================================================

type RedeemRequest struct {
	UserID         string `json:"userId"`
	BenefitID      string `json:"benefitId"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type RedemptionDTO struct {
	RedemptionID  string    `json:"redemptionId"`
	TransactionID string    `json:"transactionId"`
	WalletID      string    `json:"walletId"`
	BenefitID     string    `json:"benefitId"`
	CostPoints    int64     `json:"costPoints"`
	NewBalance    int64     `json:"newBalance"`
	CreatedAt     time.Time `json:"createdAt"`
	Replayed      bool      `json:"replayed,omitempty"`
}

func toRedemptionDTO(r points.Redemption) RedemptionDTO {
	return RedemptionDTO{
		RedemptionID:  string(r.ID),
		TransactionID: string(r.TransactionID),
		WalletID:      string(r.WalletID),
		BenefitID:     string(r.BenefitID),
		CostPoints:    r.CostPoints,
		NewBalance:    r.NewBalance,
		CreatedAt:     r.CreatedAt,
		Replayed:      r.Replayed,
	}
}

// =============================================================================
// ADMIN
// =============================================================================

type ReconcileDTO struct {
	WalletID  string `json:"walletId"`
	Cached    int64  `json:"cached"`
	LedgerSum int64  `json:"ledgerSum"`
	Drift     int64  `json:"drift"`
	Corrected bool   `json:"corrected"`
}

func toReconcileDTO(r points.ReconcileResult) ReconcileDTO {
	return ReconcileDTO{
		WalletID:  string(r.WalletID),
		Cached:    r.Cached,
		LedgerSum: r.LedgerSum,
		Drift:     r.Drift,
		Corrected: r.Corrected,
	}
}

type ReconcileReportDTO struct {
	Checked   int            `json:"checked"`
	Corrected int            `json:"corrected"`
	Drifted   []ReconcileDTO `json:"drifted"`
	Errors    string         `json:"errors,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request body for loading a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId"`
}

// ErrorResponse is the body of every non-2xx response. Error is the
// machine-readable kind.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
