package session

import (
	"context"
	"errors"
	"testing"
)

func TestGetOrCreateAccountIsIdempotentPerHandle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.GetOrCreateAccount(ctx, "user-1", "Alice")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	second, err := store.GetOrCreateAccount(ctx, "user-1", "ignored")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("same handle produced two accounts: %d and %d", first.ID, second.ID)
	}
}

func TestSessionRoundTripAndNotFound(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	acct, _ := store.GetOrCreateAccount(ctx, "user-1", "Alice")
	created, err := store.CreateSession(ctx, acct.ID, "MINT", StrategyFast, "ADDR", "SECRET")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	got, err := store.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Mint != "MINT" || got.Strategy != StrategyFast || got.IsActive {
		t.Fatalf("unexpected session state: %+v", got)
	}

	if _, err := store.GetSession(ctx, 999); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("missing session error = %v, want ErrSessionNotFound", err)
	}
}

func TestAddVolumeOnlyWhileActive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	acct, _ := store.GetOrCreateAccount(ctx, "user-1", "Alice")
	sess, _ := store.CreateSession(ctx, acct.ID, "MINT", StrategySlow, "ADDR", "SECRET")

	// 未激活会话的计数必须保持冻结。
	if err := store.AddVolume(ctx, sess.ID, 10); err != nil {
		t.Fatalf("add volume: %v", err)
	}
	got, _ := store.GetSession(ctx, sess.ID)
	if got.TotalVolumeUSD != 0 {
		t.Fatalf("inactive session accumulated volume: %v", got.TotalVolumeUSD)
	}

	if err := store.SetActive(ctx, sess.ID, true); err != nil {
		t.Fatalf("activate: %v", err)
	}
	_ = store.AddVolume(ctx, sess.ID, 10)
	_ = store.AddVolume(ctx, sess.ID, 2.5)
	// 负数与零增量被忽略，计数只增不减。
	_ = store.AddVolume(ctx, sess.ID, -5)

	got, _ = store.GetSession(ctx, sess.ID)
	if got.TotalVolumeUSD != 12.5 {
		t.Fatalf("volume = %v, want 12.5", got.TotalVolumeUSD)
	}

	_ = store.SetActive(ctx, sess.ID, false)
	_ = store.AddVolume(ctx, sess.ID, 100)
	got, _ = store.GetSession(ctx, sess.ID)
	if got.TotalVolumeUSD != 12.5 {
		t.Fatalf("deactivated session accumulated volume: %v", got.TotalVolumeUSD)
	}
}

func TestListActiveSessionsFiltersByFlag(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	acct, _ := store.GetOrCreateAccount(ctx, "user-1", "Alice")
	active, _ := store.CreateSession(ctx, acct.ID, "MINT", StrategyFast, "A1", "S1")
	_, _ = store.CreateSession(ctx, acct.ID, "MINT", StrategyFast, "A2", "S2")
	_ = store.SetActive(ctx, active.ID, true)

	got, err := store.ListActiveSessions(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(got) != 1 || got[0].ID != active.ID {
		t.Fatalf("active sessions = %+v, want only session %d", got, active.ID)
	}
}

func TestSubWalletsBelongToSession(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	acct, _ := store.GetOrCreateAccount(ctx, "user-1", "Alice")
	sess, _ := store.CreateSession(ctx, acct.ID, "MINT", StrategyFast, "ADDR", "SECRET")

	for i := 0; i < 3; i++ {
		if _, err := store.CreateSubWallet(ctx, sess.ID, "W", "S"); err != nil {
			t.Fatalf("create sub wallet: %v", err)
		}
	}
	if _, err := store.CreateSubWallet(ctx, 999, "W", "S"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("orphan sub wallet error = %v, want ErrSessionNotFound", err)
	}

	subs, err := store.ListSubWallets(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list sub wallets: %v", err)
	}
	if len(subs) != 3 {
		t.Fatalf("sub wallet count = %d, want 3", len(subs))
	}
	for _, sub := range subs {
		if sub.SessionID != sess.ID {
			t.Fatalf("sub wallet bound to session %d, want %d", sub.SessionID, sess.ID)
		}
	}
}
