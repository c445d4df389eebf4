// Package ledger moves credits between participants and arena pots. All
// balance changes in the bot go through here so holds stay consistent with
// balances across restarts.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"dispatchbot/internal/storage"
	"dispatchbot/pkg/logx"
)

// ErrInsufficientFunds mirrors the storage error for callers that do not
// import storage.
var ErrInsufficientFunds = storage.ErrInsufficientFunds

// Ledger wraps the credit operations of the store.
type Ledger struct {
	store storage.Store
	log   logx.Logger
}

func New(store storage.Store, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{store: store, log: log.With(logx.String("comp", "ledger"))}
}

// Balance returns the participant's spendable credits.
func (l *Ledger) Balance(ctx context.Context, userID int64) (int64, error) {
	p, err := l.store.GetPlayer(ctx, userID)
	if err != nil {
		return 0, err
	}
	return p.Credits, nil
}

// Deposit credits the participant. Amount must be positive.
func (l *Ledger) Deposit(ctx context.Context, userID, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("ledger: negative deposit %d", amount)
	}
	return l.store.AdjustCredits(ctx, userID, amount)
}

// Withdraw debits the participant, failing on insufficient funds.
func (l *Ledger) Withdraw(ctx context.Context, userID, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("ledger: negative withdrawal %d", amount)
	}
	return l.store.AdjustCredits(ctx, userID, -amount)
}

// Hold reserves amount from the participant's balance and returns an opaque
// reference for later release or settlement.
func (l *Ledger) Hold(ctx context.Context, userID, amount int64) (string, error) {
	ref := uuid.NewString()
	if err := l.store.CreateHold(ctx, userID, amount, ref); err != nil {
		return "", err
	}
	l.log.Debug("hold created",
		logx.Int64("user_id", userID),
		logx.Int64("amount", amount),
		logx.String("ref", ref))
	return ref, nil
}

// Release refunds a hold to its owner. Releasing a hold twice is a no-op, so
// crash recovery can retry freely.
func (l *Ledger) Release(ctx context.Context, ref string) error {
	released, err := l.store.ReleaseHold(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if released {
		l.log.Debug("hold released", logx.String("ref", ref))
	}
	return nil
}

// Settle consumes a hold without a refund; its amount is now part of a pot.
func (l *Ledger) Settle(ctx context.Context, ref string) error {
	settled, err := l.store.SettleHold(ctx, ref)
	if err != nil {
		return err
	}
	if settled {
		l.log.Debug("hold settled", logx.String("ref", ref))
	}
	return nil
}

// Payout credits winnings to the participant.
func (l *Ledger) Payout(ctx context.Context, userID, amount int64) error {
	if amount <= 0 {
		return nil
	}
	if _, err := l.store.AdjustCredits(ctx, userID, amount); err != nil {
		return err
	}
	l.log.Debug("payout",
		logx.Int64("user_id", userID),
		logx.Int64("amount", amount))
	return nil
}
