package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"dispatchbot/internal/storage"
	"dispatchbot/pkg/logx"
)

func newLedger(t *testing.T) (*Ledger, storage.Store) {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Config{
		Path: filepath.Join(t.TempDir(), "ledger.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, logx.Nop()), store
}

func fund(t *testing.T, store storage.Store, userID, credits int64) {
	t.Helper()
	ctx := context.Background()
	p, err := store.CreatePlayer(ctx, userID)
	if err != nil {
		t.Fatalf("create player: %v", err)
	}
	p.Credits = credits
	if err := store.SavePlayer(ctx, p); err != nil {
		t.Fatalf("save player: %v", err)
	}
}

func TestHoldReleaseSettle(t *testing.T) {
	t.Parallel()
	l, store := newLedger(t)
	ctx := context.Background()
	fund(t, store, 1, 1000)

	ref, err := l.Hold(ctx, 1, 300)
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if b, _ := l.Balance(ctx, 1); b != 700 {
		t.Fatalf("balance after hold = %d, want 700", b)
	}

	if err := l.Release(ctx, ref); err != nil {
		t.Fatalf("release: %v", err)
	}
	if b, _ := l.Balance(ctx, 1); b != 1000 {
		t.Fatalf("balance after release = %d, want 1000", b)
	}
	// Retried releases and unknown refs are both no-ops.
	if err := l.Release(ctx, ref); err != nil {
		t.Fatalf("double release: %v", err)
	}
	if err := l.Release(ctx, "no-such-ref"); err != nil {
		t.Fatalf("release of unknown ref: %v", err)
	}

	ref, err = l.Hold(ctx, 1, 300)
	if err != nil {
		t.Fatalf("second hold: %v", err)
	}
	if err := l.Settle(ctx, ref); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := l.Release(ctx, ref); err != nil {
		t.Fatalf("release after settle: %v", err)
	}
	if b, _ := l.Balance(ctx, 1); b != 700 {
		t.Fatalf("settled hold must not refund, balance = %d", b)
	}
}

func TestHoldInsufficientFunds(t *testing.T) {
	t.Parallel()
	l, store := newLedger(t)
	ctx := context.Background()
	fund(t, store, 1, 100)

	if _, err := l.Hold(ctx, 1, 300); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("hold err = %v", err)
	}
	if b, _ := l.Balance(ctx, 1); b != 100 {
		t.Fatalf("failed hold must not debit, balance = %d", b)
	}
}

func TestDepositWithdraw(t *testing.T) {
	t.Parallel()
	l, store := newLedger(t)
	ctx := context.Background()
	fund(t, store, 1, 100)

	if b, err := l.Deposit(ctx, 1, 50); err != nil || b != 150 {
		t.Fatalf("deposit: balance=%d err=%v", b, err)
	}
	if b, err := l.Withdraw(ctx, 1, 100); err != nil || b != 50 {
		t.Fatalf("withdraw: balance=%d err=%v", b, err)
	}
	if _, err := l.Withdraw(ctx, 1, 100); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("overdraw err = %v", err)
	}
	if _, err := l.Deposit(ctx, 1, -5); err == nil {
		t.Fatal("negative deposit must fail")
	}
}

func TestPayout(t *testing.T) {
	t.Parallel()
	l, store := newLedger(t)
	ctx := context.Background()
	fund(t, store, 1, 0)

	if err := l.Payout(ctx, 1, 250); err != nil {
		t.Fatalf("payout: %v", err)
	}
	if err := l.Payout(ctx, 1, 0); err != nil {
		t.Fatalf("zero payout: %v", err)
	}
	if b, _ := l.Balance(ctx, 1); b != 250 {
		t.Fatalf("balance = %d, want 250", b)
	}
}
