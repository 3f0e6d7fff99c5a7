// Package trader 实现单个会话的做市循环：按钱包池轮流执行
// 买入/卖出半周期，跟踪生成的成交量，并在资金不足时自行收尾。
package trader

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"SolVolume/internal/chain"
	"SolVolume/internal/notify"
	"SolVolume/internal/router"
	"SolVolume/internal/wallet"
	"SolVolume/pkg/logger"
)

// Chain 是交易循环依赖的链上查询能力。
type Chain interface {
	Balance(ctx context.Context, address string) float64
	TokenBalance(ctx context.Context, address, mint string) float64
	MintDecimals(ctx context.Context, mint string) uint8
}

// Swapper 是交易循环依赖的聚合器能力。
type Swapper interface {
	Quote(ctx context.Context, inputMint, outputMint string, amountRaw uint64, slippageBps int) (*router.Quote, error)
	SwapTransaction(ctx context.Context, quote *router.Quote, payer string) (string, error)
	ExecuteSwap(ctx context.Context, txBase64 string, signer *wallet.Wallet) (string, error)
}

// SessionStore 是交易循环需要的最小存储面：累计成交量与
// 资金耗尽时的停用标记。
type SessionStore interface {
	AddVolume(ctx context.Context, sessionID int64, usd float64) error
	SetActive(ctx context.Context, sessionID int64, active bool) error
}

// DelayRange 描述两轮循环之间的随机休眠区间（秒）。
type DelayRange struct {
	Min int
	Max int
}

// Config 汇总一个交易循环的全部参数。
type Config struct {
	SessionID int64
	Mint      string
	Delay     DelayRange

	SlippageBps      int
	TradePercent     float64
	MinNativeTrade   float64
	MinTokenTrade    float64
	NativeFeeReserve float64
	HalfCycleDelay   time.Duration
	ReportInterval   time.Duration
	ErrorPause       time.Duration
	EstimateRateUSD  float64
}

func (c *Config) applyDefaults() {
	if c.Delay.Min <= 0 || c.Delay.Max < c.Delay.Min {
		c.Delay = DelayRange{Min: 60, Max: 180}
	}
	if c.SlippageBps <= 0 {
		c.SlippageBps = 50
	}
	if c.TradePercent <= 0 {
		c.TradePercent = 0.10
	}
	if c.MinNativeTrade <= 0 {
		c.MinNativeTrade = 0.01
	}
	if c.MinTokenTrade <= 0 {
		c.MinTokenTrade = 10
	}
	if c.NativeFeeReserve <= 0 {
		c.NativeFeeReserve = 0.002
	}
	if c.HalfCycleDelay <= 0 {
		c.HalfCycleDelay = 2 * time.Second
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = 5 * time.Minute
	}
	if c.ErrorPause <= 0 {
		c.ErrorPause = 10 * time.Second
	}
	if c.EstimateRateUSD <= 0 {
		c.EstimateRateUSD = 240
	}
}

// Trader 是一个会话的做市循环。
type Trader struct {
	cfg     Config
	pool    []*wallet.Wallet
	chain   Chain
	swapper Swapper
	store   SessionStore
	sink    notify.Sink
	log     *slog.Logger

	running    atomic.Bool
	stopOnce   sync.Once
	stopCh     chan struct{}
	done       chan struct{}
	tradeCount atomic.Int64
	cycleCount atomic.Int64

	mu          sync.Mutex
	totalUSD    float64
	sinceReport float64
	lastReport  time.Time
}

// New 创建交易循环实例，不会立即开始交易。
func New(cfg Config, pool []*wallet.Wallet, chainClient Chain, swapper Swapper, store SessionStore, sink notify.Sink) *Trader {
	cfg.applyDefaults()
	return &Trader{
		cfg:     cfg,
		pool:    pool,
		chain:   chainClient,
		swapper: swapper,
		store:   store,
		sink:    sink,
		log:     logger.Named("trader").With("session_id", cfg.SessionID),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start 运行交易循环直到资金耗尽、Stop 被调用或 ctx 结束。
// 迭代内的任何错误都会被吞掉并短暂停顿，循环本身不会因
// 瞬时故障而终止。
func (t *Trader) Start(ctx context.Context) {
	if !t.running.CompareAndSwap(false, true) {
		return
	}
	defer close(t.done)

	t.mu.Lock()
	t.lastReport = time.Now()
	t.mu.Unlock()

	for t.running.Load() && ctx.Err() == nil {
		if err := t.runCycle(ctx); err != nil {
			t.log.Warn("交易循环迭代失败", "error", err)
			t.sleep(ctx, t.cfg.ErrorPause)
			continue
		}
		if !t.running.Load() {
			break
		}
		t.sleep(ctx, t.strategyDelay())
	}
	t.running.Store(false)
}

// Stop 以协作方式停止循环：不打断进行中的交易，只阻止
// 下一轮迭代开始。
func (t *Trader) Stop() {
	t.stopOnce.Do(func() {
		t.running.Store(false)
		close(t.stopCh)
	})
}

// Done 在循环完全退出后关闭。
func (t *Trader) Done() <-chan struct{} {
	return t.done
}

// TradeCount 返回已完成的成交次数。
func (t *Trader) TradeCount() int64 {
	return t.tradeCount.Load()
}

// TotalVolumeUSD 返回本次运行累计的成交量估算。
func (t *Trader) TotalVolumeUSD() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalUSD
}

// runCycle 执行一轮完整的循环：资金闸门、定期报告、
// 买入半周期、卖出半周期、循环完成通知。
func (t *Trader) runCycle(ctx context.Context) error {
	if !t.capitalSufficient(ctx) {
		t.finishExhausted(ctx)
		return nil
	}

	t.maybeReport(ctx)

	t.halfCycle(ctx, t.buyOnce)
	t.sleep(ctx, t.cfg.HalfCycleDelay)
	t.halfCycle(ctx, t.sellOnce)

	cycle := t.cycleCount.Add(1)
	t.notify(ctx, fmt.Sprintf("✅ 第 %d 轮买卖循环完成（累计成交 %d 笔）", cycle, t.tradeCount.Load()))
	return nil
}

// capitalSufficient 统计达到最小可交易余额的钱包数量，
// 要求超过钱包池的一半。
func (t *Trader) capitalSufficient(ctx context.Context) bool {
	funded := 0
	for _, w := range t.pool {
		if t.chain.Balance(ctx, w.Address()) >= t.cfg.MinNativeTrade {
			funded++
		}
	}
	return funded > len(t.pool)/2
}

func (t *Trader) finishExhausted(ctx context.Context) {
	t.mu.Lock()
	total := t.totalUSD
	t.mu.Unlock()

	t.notify(ctx, fmt.Sprintf("⛔ 资金耗尽，交易循环结束\n累计成交量: $%.2f\n成交次数: %d", total, t.tradeCount.Load()))
	if err := t.store.SetActive(ctx, t.cfg.SessionID, false); err != nil {
		t.log.Error("标记会话停用失败", "error", err)
	}
	t.Stop()
}

func (t *Trader) maybeReport(ctx context.Context) {
	t.mu.Lock()
	due := time.Since(t.lastReport) >= t.cfg.ReportInterval
	var since, total float64
	if due {
		since, total = t.sinceReport, t.totalUSD
		t.sinceReport = 0
		t.lastReport = time.Now()
	}
	t.mu.Unlock()

	if due {
		t.notify(ctx, fmt.Sprintf("📊 定期报告\n本期成交量: $%.2f\n累计成交量: $%.2f\n成交次数: %d", since, total, t.tradeCount.Load()))
	}
}

// halfCycle 并发地对池中每个钱包执行一次同方向的交易尝试。
func (t *Trader) halfCycle(ctx context.Context, leg func(context.Context, *wallet.Wallet) error) {
	var wg sync.WaitGroup
	for _, w := range t.pool {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := leg(ctx, w); err != nil {
				t.log.Warn("钱包交易尝试失败", "wallet", w.Address(), "error", err)
			}
		}()
	}
	wg.Wait()
}

// buyOnce 用钱包当前原生余额的固定比例买入目标资产。
// 低于最小交易额的尝试直接跳过，不重试。
func (t *Trader) buyOnce(ctx context.Context, w *wallet.Wallet) error {
	native := t.chain.Balance(ctx, w.Address())
	spendable := native - t.cfg.NativeFeeReserve
	amount := native * t.cfg.TradePercent
	if amount > spendable {
		amount = spendable
	}
	if amount < t.cfg.MinNativeTrade {
		return nil
	}

	amountRaw := uint64(amount * 1e9)
	quote, err := t.swapper.Quote(ctx, chain.WrappedNativeMint, t.cfg.Mint, amountRaw, t.cfg.SlippageBps)
	if err != nil {
		return err
	}
	txBase64, err := t.swapper.SwapTransaction(ctx, quote, w.Address())
	if err != nil {
		return err
	}
	if _, err := t.swapper.ExecuteSwap(ctx, txBase64, w); err != nil {
		return err
	}

	t.recordTrade(ctx, float64(quote.InAmount)/1e9)
	return nil
}

// sellOnce 卖出钱包当前目标资产余额的固定比例。
func (t *Trader) sellOnce(ctx context.Context, w *wallet.Wallet) error {
	tokens := t.chain.TokenBalance(ctx, w.Address(), t.cfg.Mint)
	amount := tokens * t.cfg.TradePercent
	if amount < t.cfg.MinTokenTrade {
		return nil
	}

	decimals := t.chain.MintDecimals(ctx, t.cfg.Mint)
	amountRaw := uint64(amount * math.Pow10(int(decimals)))
	quote, err := t.swapper.Quote(ctx, t.cfg.Mint, chain.WrappedNativeMint, amountRaw, t.cfg.SlippageBps)
	if err != nil {
		return err
	}
	txBase64, err := t.swapper.SwapTransaction(ctx, quote, w.Address())
	if err != nil {
		return err
	}
	if _, err := t.swapper.ExecuteSwap(ctx, txBase64, w); err != nil {
		return err
	}

	t.recordTrade(ctx, float64(quote.OutAmount)/1e9)
	return nil
}

// recordTrade 把成交的原生腿按固定汇率折算成报告货币，
// 计入内存计数器并追加到持久化的会话计数。两者与链上转账
// 不是原子的：崩溃最多少报，绝不会多报。
func (t *Trader) recordTrade(ctx context.Context, nativeLeg float64) {
	usd := nativeLeg * t.cfg.EstimateRateUSD
	t.tradeCount.Add(1)

	t.mu.Lock()
	t.totalUSD += usd
	t.sinceReport += usd
	t.mu.Unlock()

	if err := t.store.AddVolume(ctx, t.cfg.SessionID, usd); err != nil {
		t.log.Error("累计成交量写入失败", "error", err)
	}
}

func (t *Trader) strategyDelay() time.Duration {
	span := t.cfg.Delay.Max - t.cfg.Delay.Min + 1
	return time.Duration(t.cfg.Delay.Min+rand.Intn(span)) * time.Second
}

func (t *Trader) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	case <-t.stopCh:
	}
}

// notify 投递用户通知；失败只记录日志，绝不向上传播。
func (t *Trader) notify(ctx context.Context, text string) {
	if t.sink == nil {
		return
	}
	if err := t.sink.Notify(ctx, text); err != nil {
		t.log.Warn("通知投递失败", "error", err)
	}
}
