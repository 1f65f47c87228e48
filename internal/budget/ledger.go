package budget

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/mbd888/agentspend/internal/idgen"
	"github.com/mbd888/agentspend/internal/metrics"
	"github.com/mbd888/agentspend/internal/syncutil"
	"github.com/mbd888/agentspend/internal/usdc"
)

// Ledger is the single synchronization point for spend accounting. All
// mutations for a key run under that key's lock.
type Ledger struct {
	store  Store
	locks  syncutil.KeyedMutex
	now    func() time.Time
	logger *slog.Logger
}

// NewLedger creates a ledger over store.
func NewLedger(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, now: time.Now, logger: logger}
}

// WithClock overrides the window clock. For tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// ReservationID is the deterministic reservation id for a request.
func ReservationID(reference string) string {
	return idgen.Derive("rsv_", reference)
}

// Check reports whether amount fits every level without holding anything.
// The snapshot is returned even when the check fails.
func (l *Ledger) Check(ctx context.Context, key Key, amount string, limits Limits) (*Snapshot, error) {
	amt, ok := usdc.Parse(amount)
	if !ok {
		return nil, ErrInvalidAmount
	}
	snap, err := l.Balance(ctx, key, limits)
	if err != nil {
		return nil, err
	}
	return snap, fits(snap, amt)
}

// Balance returns the current capacity for key.
func (l *Ledger) Balance(ctx context.Context, key Key, limits Limits) (*Snapshot, error) {
	acct, err := l.store.GetAccount(ctx, key)
	if err != nil {
		return nil, err
	}
	roll(acct, l.now())
	return snapshotOf(acct, limits), nil
}

// Reserve holds amount against all three levels or none of them.
func (l *Ledger) Reserve(ctx context.Context, key Key, amount string, limits Limits, reference string) (*Reservation, error) {
	amt, ok := usdc.Parse(amount)
	if !ok {
		return nil, ErrInvalidAmount
	}
	unlock, err := l.locks.LockContext(ctx, key.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	id := ReservationID(reference)
	if _, err := l.store.GetReservation(ctx, id); err == nil {
		return nil, ErrDuplicateReservation
	} else if !errors.Is(err, ErrReservationNotFound) {
		return nil, err
	}

	acct, err := l.store.GetAccount(ctx, key)
	if err != nil {
		return nil, err
	}
	now := l.now()
	roll(acct, now)
	if err := fits(snapshotOf(acct, limits), amt); err != nil {
		metrics.ReservationsTotal.WithLabelValues("insufficient").Inc()
		return nil, err
	}

	formatted := usdc.Format(amt)
	acct.DailyHeld = add(acct.DailyHeld, formatted)
	acct.MonthlyHeld = add(acct.MonthlyHeld, formatted)
	acct.Version++
	acct.UpdatedAt = now.UTC()

	rsv := &Reservation{
		ID:            id,
		Key:           key,
		Reference:     reference,
		Amount:        formatted,
		Status:        StatusHeld,
		DailyWindow:   acct.DailyWindow,
		MonthlyWindow: acct.MonthlyWindow,
		CreatedAt:     now.UTC(),
	}
	if err := l.store.Apply(ctx, acct, rsv); err != nil {
		return nil, err
	}
	metrics.ReservationsTotal.WithLabelValues("reserved").Inc()
	l.logger.Debug("budget reserved", "reservation", id, "key", key.String(), "amount", formatted)
	return rsv, nil
}

// Commit finalizes a hold. The reserved amount becomes spent whatever the
// actual cost; variance = actual - reserved is recorded and returned.
func (l *Ledger) Commit(ctx context.Context, reservationID, actual string) (string, error) {
	act, ok := usdc.Parse(actual)
	if !ok {
		return "", ErrInvalidAmount
	}
	var variance string
	err := l.resolve(ctx, reservationID, func(acct *Account, rsv *Reservation) {
		if rsv.DailyWindow == acct.DailyWindow {
			acct.DailyHeld = sub(acct.DailyHeld, rsv.Amount)
			acct.DailySpent = add(acct.DailySpent, rsv.Amount)
		}
		if rsv.MonthlyWindow == acct.MonthlyWindow {
			acct.MonthlyHeld = sub(acct.MonthlyHeld, rsv.Amount)
			acct.MonthlySpent = add(acct.MonthlySpent, rsv.Amount)
		}
		variance = usdc.Format(new(big.Int).Sub(act, parse(rsv.Amount)))
		rsv.Status = StatusCommitted
		rsv.Actual = usdc.Format(act)
		rsv.Variance = variance
	})
	if err != nil {
		return "", err
	}
	metrics.ReservationsTotal.WithLabelValues("committed").Inc()
	return variance, nil
}

// Release returns a hold to available capacity.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	err := l.resolve(ctx, reservationID, func(acct *Account, rsv *Reservation) {
		if rsv.DailyWindow == acct.DailyWindow {
			acct.DailyHeld = sub(acct.DailyHeld, rsv.Amount)
		}
		if rsv.MonthlyWindow == acct.MonthlyWindow {
			acct.MonthlyHeld = sub(acct.MonthlyHeld, rsv.Amount)
		}
		rsv.Status = StatusReleased
	})
	if err != nil {
		return err
	}
	metrics.ReservationsTotal.WithLabelValues("released").Inc()
	return nil
}

// Reservation returns a reservation by id.
func (l *Ledger) Reservation(ctx context.Context, id string) (*Reservation, error) {
	return l.store.GetReservation(ctx, id)
}

func (l *Ledger) resolve(ctx context.Context, id string, apply func(*Account, *Reservation)) error {
	rsv, err := l.store.GetReservation(ctx, id)
	if err != nil {
		return err
	}
	unlock, err := l.locks.LockContext(ctx, rsv.Key.String())
	if err != nil {
		return err
	}
	defer unlock()

	// re-read under the lock
	rsv, err = l.store.GetReservation(ctx, id)
	if err != nil {
		return err
	}
	if rsv.Status != StatusHeld {
		return ErrReservationResolved
	}
	acct, err := l.store.GetAccount(ctx, rsv.Key)
	if err != nil {
		return err
	}
	now := l.now()
	roll(acct, now)
	apply(acct, rsv)
	acct.Version++
	acct.UpdatedAt = now.UTC()
	rsv.ResolvedAt = now.UTC()

	if err := l.store.Apply(ctx, acct, rsv); err != nil {
		l.logger.Error("budget resolve failed", "reservation", id, "error", err)
		return err
	}
	return nil
}
