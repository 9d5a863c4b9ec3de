package points

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/warp/rewards-engine/logger"
	"github.com/warp/rewards-engine/metrics"
)

// =============================================================================
// ENGINE - Wires the components over one Store
// =============================================================================

const (
	DefaultLockTimeout       = 2 * time.Second
	DefaultMaxRetries        = 3
	DefaultRetryBackoff      = 20 * time.Millisecond
	DefaultIdempotencyWindow = 24 * time.Hour
	DefaultReconcileRecheck  = 50 * time.Millisecond
)

type Options struct {
	// LockTimeout bounds every wallet, benefit and key lock wait.
	LockTimeout time.Duration

	// MaxRetries is the number of extra attempts after a transient failure.
	// Zero disables retries.
	MaxRetries   int
	RetryBackoff time.Duration

	// IdempotencyWindow is how long a redemption stays in the replay cache.
	IdempotencyWindow time.Duration

	// ReconcileRecheck is the pause between the two reads that precede a
	// locked drift confirmation.
	ReconcileRecheck time.Duration

	Cache  IdempotencyCache // nil: process-local cache
	Logger *slog.Logger     // nil: logger.Get()
	Clock  func() time.Time // nil: time.Now in UTC
	NewID  func() string    // nil: UUIDv7
}

func DefaultOptions() Options {
	return Options{
		LockTimeout:       DefaultLockTimeout,
		MaxRetries:        DefaultMaxRetries,
		RetryBackoff:      DefaultRetryBackoff,
		IdempotencyWindow: DefaultIdempotencyWindow,
		ReconcileRecheck:  DefaultReconcileRecheck,
	}
}

func (o Options) withDefaults() Options {
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.IdempotencyWindow <= 0 {
		o.IdempotencyWindow = DefaultIdempotencyWindow
	}
	if o.ReconcileRecheck < 0 {
		o.ReconcileRecheck = 0
	}
	if o.Cache == nil {
		o.Cache = NewMemoryIdempotencyCache()
	}
	if o.Logger == nil {
		o.Logger = logger.Get()
	}
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
	if o.NewID == nil {
		o.NewID = newUUIDv7
	}
	return o
}

func newUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Engine bundles the five components. Earnings and Redemptions are the only
// writers into the ledger.
type Engine struct {
	Ledger      *Ledger
	Wallets     *Wallets
	Catalog     *Catalog
	Redemptions *Coordinator
	Earnings    *Intake

	locks *LockTable
}

// NewEngine wires the components over store. If store implements TxStore,
// wallet units run inside store transactions.
func NewEngine(store Store, opts Options) *Engine {
	opts = opts.withDefaults()
	log := opts.Logger.With("component", "points")

	locks := NewLockTable(opts.LockTimeout)
	u := &units{store: store, locks: locks}

	ledger := &Ledger{store: store, clock: opts.Clock, newID: opts.NewID}
	wallets := &Wallets{
		store:   store,
		units:   u,
		locks:   locks,
		log:     log,
		clock:   opts.Clock,
		newID:   opts.NewID,
		recheck: opts.ReconcileRecheck,
	}
	catalog := &Catalog{store: store, locks: locks, log: log, clock: opts.Clock, newID: opts.NewID}

	return &Engine{
		Ledger:  ledger,
		Wallets: wallets,
		Catalog: catalog,
		Redemptions: &Coordinator{
			store:      store,
			units:      u,
			locks:      locks,
			ledger:     ledger,
			wallets:    wallets,
			catalog:    catalog,
			cache:      opts.Cache,
			window:     opts.IdempotencyWindow,
			maxRetries: opts.MaxRetries,
			backoff:    opts.RetryBackoff,
			log:        log,
			newID:      opts.NewID,
		},
		Earnings: &Intake{
			units:      u,
			locks:      locks,
			ledger:     ledger,
			wallets:    wallets,
			maxRetries: opts.MaxRetries,
			backoff:    opts.RetryBackoff,
			log:        log,
		},
		locks: locks,
	}
}

// HeldLocks reports how many lock keys are held or awaited. Zero once the
// engine is idle.
func (e *Engine) HeldLocks() int {
	return e.locks.Len()
}

// raiseAlarm escalates a failed compensation. It is never silent.
func raiseAlarm(ctx context.Context, log *slog.Logger, err error) {
	var ce *ConsistencyError
	if !errors.As(err, &ce) {
		return
	}
	log.ErrorContext(ctx, "compensating action failed",
		"alarm", "consistency",
		"action", ce.Action,
		"target", ce.Target,
		"error", ce.Err,
		"cause", ce.Cause,
	)
	metrics.RecordConsistencyAlarm(ce.Action)
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
