package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"SolVolume/internal/chain"
	"SolVolume/internal/router"
	"SolVolume/internal/trader"
	"SolVolume/internal/wallet"
)

const (
	testOperator = "OperatorOperatorOperatorOperatorOperator111"
	testUser     = "UserUserUserUserUserUserUserUserUserUser111"
	sessionMint  = "MintMintMintMintMintMintMintMintMintMint222"
)

type transferRec struct {
	from   string
	to     string
	amount float64
}

// fakeChain 持有地址余额并在内存里完成转账。
type fakeChain struct {
	mu     sync.Mutex
	native map[string]float64
	tokens map[string]float64

	failNativeTo    map[string]bool
	failSubFanout   bool
	restrictAsset   bool
	nativeTransfers []transferRec
}

func newManagerFakeChain() *fakeChain {
	return &fakeChain{
		native:       make(map[string]float64),
		tokens:       make(map[string]float64),
		failNativeTo: make(map[string]bool),
	}
}

func (f *fakeChain) Balance(_ context.Context, address string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.native[address]
}

func (f *fakeChain) TokenBalance(_ context.Context, address, _ string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[address]
}

func (f *fakeChain) MintDecimals(context.Context, string) uint8 { return 6 }

func (f *fakeChain) RobustTransferNative(_ context.Context, from *wallet.Wallet, recipient string, amount float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNativeTo[recipient] {
		return "", fmt.Errorf("transfer to %s refused", recipient)
	}
	if f.failSubFanout && recipient != testOperator {
		return "", fmt.Errorf("transfer to %s refused", recipient)
	}
	f.native[from.Address()] -= amount
	f.native[recipient] += amount
	f.nativeTransfers = append(f.nativeTransfers, transferRec{from: from.Address(), to: recipient, amount: amount})
	return "native-tx", nil
}

func (f *fakeChain) RobustTransferAsset(_ context.Context, from *wallet.Wallet, recipient, _ string, amountUI float64) (string, error) {
	if f.restrictAsset {
		return "", chain.ErrRecipientRestricted
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[from.Address()] -= amountUI
	f.tokens[recipient] += amountUI
	return "asset-tx", nil
}

// fakeSwapper 以 1 原生 = 1000 代币的固定价格在 fakeChain 上成交。
type fakeSwapper struct {
	chain *fakeChain
}

func (f *fakeSwapper) Quote(_ context.Context, inputMint, outputMint string, amountRaw uint64, _ int) (*router.Quote, error) {
	return &router.Quote{
		InputMint:  inputMint,
		OutputMint: outputMint,
		InAmount:   amountRaw,
		OutAmount:  amountRaw,
		Raw:        json.RawMessage(`{}`),
	}, nil
}

func (f *fakeSwapper) SwapTransaction(_ context.Context, q *router.Quote, payer string) (string, error) {
	return fmt.Sprintf("%s|%s|%s|%d|%d", payer, q.InputMint, q.OutputMint, q.InAmount, q.OutAmount), nil
}

func (f *fakeSwapper) ExecuteSwap(_ context.Context, txBase64 string, _ *wallet.Wallet) (string, error) {
	parts := strings.Split(txBase64, "|")
	payer, inputMint := parts[0], parts[1]
	inAmount, _ := strconv.ParseUint(parts[3], 10, 64)
	outAmount, _ := strconv.ParseUint(parts[4], 10, 64)

	f.chain.mu.Lock()
	defer f.chain.mu.Unlock()
	if inputMint == chain.WrappedNativeMint {
		f.chain.native[payer] -= float64(inAmount) / 1e9
		f.chain.tokens[payer] += float64(outAmount) / 1e6
	} else {
		f.chain.tokens[payer] -= float64(inAmount) / 1e6
		f.chain.native[payer] += float64(outAmount) / 1e9
	}
	return "swap-tx", nil
}

func newTestManager(t *testing.T) (*Manager, *MemoryStore, *fakeChain) {
	t.Helper()
	store := NewMemoryStore()
	fc := newManagerFakeChain()
	m := NewManager(Config{
		OperatorAddress:      testOperator,
		VerifyAttempts:       2,
		VerifyDelay:          time.Millisecond,
		FanoutVerifyAttempts: 2,
		FanoutVerifyDelay:    time.Millisecond,
		ErrorPause:           time.Millisecond,
		Strategies: map[Strategy]trader.DelayRange{
			StrategySlow:   {Min: 1, Max: 1},
			StrategyMedium: {Min: 1, Max: 1},
			StrategyFast:   {Min: 1, Max: 1},
		},
	}, store, fc, &fakeSwapper{chain: fc}, nil)
	return m, store, fc
}

func fundedSession(t *testing.T, m *Manager, fc *fakeChain, native, tokens float64) *TradingSession {
	t.Helper()
	sess, err := m.CreateSession(context.Background(), "user-1", "Alice", sessionMint, "fast")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	fc.mu.Lock()
	fc.native[sess.DepositAddress] = native
	fc.tokens[sess.DepositAddress] = tokens
	fc.mu.Unlock()
	return sess
}

func TestStartFeeExtractionFailureLeavesSessionInactive(t *testing.T) {
	m, store, fc := newTestManager(t)
	sess := fundedSession(t, m, fc, 1.0, 100)
	fc.failNativeTo[testOperator] = true

	err := m.StartTradingSession(context.Background(), sess.ID, "chan-1")
	if err == nil {
		t.Fatal("fee extraction failure must abort the session start")
	}

	got, _ := store.GetSession(context.Background(), sess.ID)
	if got.IsActive {
		t.Fatal("session must stay inactive after fee failure")
	}
	subs, _ := store.ListSubWallets(context.Background(), sess.ID)
	if len(subs) != 0 {
		t.Fatalf("fee failure must precede fan-out, found %d sub wallets", len(subs))
	}
	if m.ActiveTraderCount() != 0 {
		t.Fatal("no trader may be registered after an aborted start")
	}
}

func TestStartFansOutToExactlyThreeSubWalletsWithinBudget(t *testing.T) {
	m, store, fc := newTestManager(t)
	sess := fundedSession(t, m, fc, 1.0, 100)

	if err := m.StartTradingSession(context.Background(), sess.ID, "chan-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.StopAll()

	subs, _ := store.ListSubWallets(context.Background(), sess.ID)
	if len(subs) != 3 {
		t.Fatalf("sub wallet count = %d, want 3", len(subs))
	}

	// 清仓后入金余额 1.1：手续费 5% = 0.055，储备 0.002。
	depositTotal := 1.1
	fee := depositTotal * 0.05
	budget := depositTotal - fee - 0.002

	subAddrs := make(map[string]bool)
	for _, sub := range subs {
		subAddrs[sub.Address] = true
	}
	var allocated float64
	fanouts := 0
	fc.mu.Lock()
	for _, rec := range fc.nativeTransfers {
		if rec.from == sess.DepositAddress && subAddrs[rec.to] {
			allocated += rec.amount
			fanouts++
		}
	}
	operatorGot := fc.native[testOperator]
	fc.mu.Unlock()

	if fanouts != 3 {
		t.Fatalf("fan-out transfer count = %d, want 3", fanouts)
	}
	if allocated > budget+1e-9 {
		t.Fatalf("allocated %v exceeds budget %v", allocated, budget)
	}
	if operatorGot < fee-1e-9 {
		t.Fatalf("operator received %v, want at least %v", operatorGot, fee)
	}

	got, _ := store.GetSession(context.Background(), sess.ID)
	if !got.IsActive {
		t.Fatal("session must be active after a successful start")
	}
	if got.NotifyChannel != "chan-1" {
		t.Fatalf("notify channel = %q, want chan-1", got.NotifyChannel)
	}
	if m.ActiveTraderCount() != 1 {
		t.Fatalf("trader count = %d, want 1", m.ActiveTraderCount())
	}
}

func TestStartIsIdempotentWhileTraderRuns(t *testing.T) {
	m, store, fc := newTestManager(t)
	sess := fundedSession(t, m, fc, 1.0, 100)

	if err := m.StartTradingSession(context.Background(), sess.ID, "chan-1"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	defer m.StopAll()

	if err := m.StartTradingSession(context.Background(), sess.ID, "chan-1"); err != nil {
		t.Fatalf("second start: %v", err)
	}
	subs, _ := store.ListSubWallets(context.Background(), sess.ID)
	if len(subs) != 3 {
		t.Fatalf("repeated start must not fan out again, found %d sub wallets", len(subs))
	}
	if m.ActiveTraderCount() != 1 {
		t.Fatalf("trader count = %d, want 1", m.ActiveTraderCount())
	}
}

func TestStartAbortsWhenNoSubWalletEverFunds(t *testing.T) {
	m, store, fc := newTestManager(t)
	sess := fundedSession(t, m, fc, 1.0, 100)
	fc.failSubFanout = true

	err := m.StartTradingSession(context.Background(), sess.ID, "chan-1")
	if err == nil {
		t.Fatal("empty fan-out must abort the session start")
	}
	got, _ := store.GetSession(context.Background(), sess.ID)
	if got.IsActive {
		t.Fatal("session must stay inactive when no sub wallet funds")
	}
	if m.ActiveTraderCount() != 0 {
		t.Fatal("no trader may start on an empty wallet pool")
	}
}

func TestSweepMovesFundsThenReportsNothingLeft(t *testing.T) {
	m, store, fc := newTestManager(t)
	sess := fundedSession(t, m, fc, 0.5, 20)

	report, err := m.SweepSessionFunds(context.Background(), sess.ID, testUser)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(report, "✅") {
		t.Fatalf("sweep report lacks success lines: %q", report)
	}

	fc.mu.Lock()
	userTokens := fc.tokens[testUser]
	userNative := fc.native[testUser]
	fc.mu.Unlock()
	if userTokens != 20 {
		t.Fatalf("recipient tokens = %v, want 20", userTokens)
	}
	if userNative < 0.499-1e-9 {
		t.Fatalf("recipient native = %v, want ~0.499", userNative)
	}

	got, _ := store.GetSession(context.Background(), sess.ID)
	if got.IsActive {
		t.Fatal("session must be inactive after sweep")
	}

	// 再次清扫：什么都不剩，必须温和地报告而不是报错。
	report, err = m.SweepSessionFunds(context.Background(), sess.ID, testUser)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if report != "未发现可转移的资金" {
		t.Fatalf("second sweep report = %q", report)
	}
}

func TestSweepReportsAssetRestrictionDistinctly(t *testing.T) {
	m, _, fc := newTestManager(t)
	sess := fundedSession(t, m, fc, 0, 50)
	fc.restrictAsset = true

	report, err := m.SweepSessionFunds(context.Background(), sess.ID, testUser)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(report, "持币账户") {
		t.Fatalf("restriction must surface its own message, got %q", report)
	}
	fc.mu.Lock()
	remaining := fc.tokens[sess.DepositAddress]
	fc.mu.Unlock()
	if remaining != 50 {
		t.Fatalf("restricted sweep must not debit the sender, balance = %v", remaining)
	}
}

func TestFinalizeConsolidatesIntoOperator(t *testing.T) {
	m, store, fc := newTestManager(t)
	sess := fundedSession(t, m, fc, 1.0, 100)
	if err := m.StartTradingSession(context.Background(), sess.ID, "chan-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.FinalizeSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	got, _ := store.GetSession(context.Background(), sess.ID)
	if got.IsActive {
		t.Fatal("session must be inactive after finalize")
	}
	if m.ActiveTraderCount() != 0 {
		t.Fatal("finalize must stop the trader")
	}

	// 手续费加上归集后的余额都应落在运营地址上，各钱包只剩储备。
	fc.mu.Lock()
	operatorGot := fc.native[testOperator]
	fc.mu.Unlock()
	if operatorGot < 0.8 {
		t.Fatalf("operator received %v, want most of the deposit", operatorGot)
	}
}

func TestRestoreSkipsSessionsWithoutLoadableSubWallets(t *testing.T) {
	m, store, fc := newTestManager(t)
	ctx := context.Background()

	acct, _ := store.GetOrCreateAccount(ctx, "user-1", "Alice")

	// 活动但没有任何可加载子钱包：保持活动标记，不恢复。
	broken, _ := store.CreateSession(ctx, acct.ID, sessionMint, StrategyFast, "ADDR", "SECRET")
	_ = store.SetActive(ctx, broken.ID, true)

	// 活动且子钱包密钥完好：应当恢复。
	healthyDeposit := wallet.Generate()
	healthy, _ := store.CreateSession(ctx, acct.ID, sessionMint, StrategyFast, healthyDeposit.Address(), healthyDeposit.Secret())
	_ = store.SetActive(ctx, healthy.ID, true)
	_ = store.SetNotifyChannel(ctx, healthy.ID, "chan-9")
	for i := 0; i < 3; i++ {
		w := wallet.Generate()
		_, _ = store.CreateSubWallet(ctx, healthy.ID, w.Address(), w.Secret())
		fc.mu.Lock()
		fc.native[w.Address()] = 0.05
		fc.mu.Unlock()
	}

	restored, err := m.RestoreActiveSessions(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	defer m.StopAll()

	if restored != 1 {
		t.Fatalf("restored = %d, want 1", restored)
	}
	got, _ := store.GetSession(ctx, broken.ID)
	if !got.IsActive {
		t.Fatal("unrecoverable session must keep its active flag for operators to inspect")
	}
}
