/*
Package points provides the points ledger and benefit redemption engine.

PURPOSE:
  Citizens earn points for civic actions and spend them on benefits drawn
  from a finite-stock catalog. This package owns the rules that keep that
  exchange honest: every balance change is an immutable ledger transaction,
  wallet balances are a cached projection of the ledger, and a redemption
  debits points and decrements stock as one unit.

KEY CONCEPTS IN THIS FILE (types.go):
  - Kind: closed EARNED/SPENT variant with an exhaustive signed effect
  - PointTransaction: immutable ledger row
  - Wallet: per-user cached balance
  - Benefit: catalog entry with scarce stock
  - Redemption: the record linking a SPENT transaction to a benefit
  - Metadata: bounded, schema-less provenance payload

COMPONENTS:
  ledger.go      Ledger Store (append, list, sum)
  wallet.go      Wallet Projection (balance cache, reconciliation)
  catalog.go     Benefit Catalog (stock reservation)
  redemption.go  Redemption Coordinator
  earning.go     Earning Intake
  engine.go      Wiring of the above over a single Store

SEE ALSO:
  - store.go: persistence interfaces
  - store/memory.go: in-memory Store
  - ../store/sqlite: SQL Store (SQLite, PostgreSQL)
*/
package points

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type WalletID string
type UserID string
type BenefitID string
type TransactionID string
type RedemptionID string

// =============================================================================
// KIND - Closed variant for transaction direction
// =============================================================================

// Kind is the direction of a point transaction. Only KindEarned and
// KindSpent exist; the zero value is invalid.
type Kind uint8

const (
	KindEarned Kind = iota + 1
	KindSpent
)

func (k Kind) String() string {
	switch k {
	case KindEarned:
		return "EARNED"
	case KindSpent:
		return "SPENT"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

func (k Kind) Valid() bool {
	return k == KindEarned || k == KindSpent
}

// Signed returns the balance effect of amount for this kind.
// Panics on an invalid kind: rows are validated before they reach the ledger.
func (k Kind) Signed(amount int64) int64 {
	switch k {
	case KindEarned:
		return amount
	case KindSpent:
		return -amount
	}
	panic(fmt.Sprintf("points: signed effect of invalid kind %d", uint8(k)))
}

// ParseKind parses "EARNED" or "SPENT".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "EARNED":
		return KindEarned, nil
	case "SPENT":
		return KindSpent, nil
	}
	return 0, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", s)}
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("points: cannot marshal invalid kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// =============================================================================
// WALLET
// =============================================================================

// Wallet is the cached balance of one user. Balance always equals the
// signed sum of the wallet's ledger once no unit is in flight.
type Wallet struct {
	ID        WalletID
	UserID    UserID
	Balance   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// POINT TRANSACTION - Immutable ledger row
// =============================================================================

// MaxAmount bounds a single transaction amount. Balances stay far from the
// int64 limit even after many credits; stores still refuse a delta that
// would overflow.
const MaxAmount int64 = 1_000_000_000

type PointTransaction struct {
	ID       TransactionID
	Seq      int64 // store-assigned, strictly increasing; cursor for pagination
	WalletID WalletID
	Kind     Kind
	Amount   int64 // always > 0; direction comes from Kind

	// Balance of the wallet right after this transaction was applied.
	BalanceAfter int64

	Description    string
	Metadata       Metadata
	IdempotencyKey string
	CreatedAt      time.Time
}

// Delta is the signed effect of the transaction on its wallet.
func (tx PointTransaction) Delta() int64 {
	return tx.Kind.Signed(tx.Amount)
}

// Page requests a slice of a wallet's history. Cursor is the Seq of the
// last row already seen (0 for the first page).
type Page struct {
	Cursor int64
	Limit  int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Cursor < 0 {
		p.Cursor = 0
	}
	return p
}

type TransactionPage struct {
	Items []PointTransaction
	// NextCursor is 0 when there are no more rows.
	NextCursor int64
}

// =============================================================================
// BENEFIT - Catalog entry
// =============================================================================

type Benefit struct {
	ID          BenefitID
	Title       string
	Description string
	Category    string
	CostPoints  int64
	Stock       int64
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Redeemable reports whether a reservation could currently succeed.
func (b Benefit) Redeemable() bool {
	return b.Active && b.Stock > 0
}

// BenefitFilter narrows catalog listings.
type BenefitFilter struct {
	Category   string
	ActiveOnly bool
}

func (f BenefitFilter) matches(b Benefit) bool {
	if f.Category != "" && b.Category != f.Category {
		return false
	}
	if f.ActiveOnly && !b.Active {
		return false
	}
	return true
}

// =============================================================================
// REDEMPTION
// =============================================================================

// Redemption links a SPENT transaction to the benefit it paid for.
// CostPoints is the price snapshot taken when stock was reserved.
type Redemption struct {
	ID             RedemptionID
	TransactionID  TransactionID
	WalletID       WalletID
	UserID         UserID
	BenefitID      BenefitID
	CostPoints     int64
	NewBalance     int64
	IdempotencyKey string
	CreatedAt      time.Time

	// Replayed is set when the result came from an earlier call with the
	// same idempotency key. Not persisted.
	Replayed bool
}

// =============================================================================
// METADATA - Bounded provenance payload
// =============================================================================

const (
	MaxMetadataKeys      = 32
	MaxMetadataKeyLen    = 64
	MaxMetadataStringLen = 512
	MaxDescriptionLen    = 256
)

// Metadata is a flat map of primitive values attached to a transaction,
// e.g. {"action": "recycling", "quantity": "5kg"}. The engine never
// interprets it. Numbers decoded from JSON are kept as json.Number so they
// round-trip verbatim.
type Metadata map[string]any

// Validate enforces the size bounds and the primitive-only rule.
func (m Metadata) Validate() error {
	if len(m) > MaxMetadataKeys {
		return &ValidationError{Field: "metadata", Reason: fmt.Sprintf("at most %d keys allowed", MaxMetadataKeys)}
	}
	for k, v := range m {
		if k == "" || len(k) > MaxMetadataKeyLen {
			return &ValidationError{Field: "metadata", Reason: fmt.Sprintf("key %q must be 1-%d characters", k, MaxMetadataKeyLen)}
		}
		switch val := v.(type) {
		case nil, bool, json.Number,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
		case string:
			if len(val) > MaxMetadataStringLen {
				return &ValidationError{Field: "metadata", Reason: fmt.Sprintf("value of %q exceeds %d characters", k, MaxMetadataStringLen)}
			}
		default:
			return &ValidationError{Field: "metadata", Reason: fmt.Sprintf("value of %q must be a string, number, bool or null", k)}
		}
	}
	return nil
}

// Clone returns a shallow copy; values are primitives so this is a full copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
