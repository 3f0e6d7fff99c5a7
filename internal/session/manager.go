package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"SolVolume/internal/chain"
	apperrors "SolVolume/internal/errors"
	"SolVolume/internal/notify"
	"SolVolume/internal/retry"
	"SolVolume/internal/trader"
	"SolVolume/internal/wallet"
	"SolVolume/pkg/logger"
)

// Chain 是会话管理所需的链上能力：交易循环的查询面，加上
// 托管资金搬运用的健壮转账。
type Chain interface {
	trader.Chain
	RobustTransferNative(ctx context.Context, from *wallet.Wallet, recipient string, amount float64) (string, error)
	RobustTransferAsset(ctx context.Context, from *wallet.Wallet, recipient, mint string, amountUI float64) (string, error)
}

// Config 汇总会话托管的全部业务参数。
type Config struct {
	// OperatorAddress 接收协议手续费与运营方归集的资金。
	OperatorAddress string

	DepositMinNative float64
	FeePercent       float64
	DepositReserve   float64
	SweepReserve     float64
	SubWalletCount   int

	SlippageBps      int
	TradePercent     float64
	MinNativeTrade   float64
	MinTokenTrade    float64
	NativeFeeReserve float64
	ReportInterval   time.Duration
	ErrorPause       time.Duration
	EstimateRateUSD  float64
	Strategies       map[Strategy]trader.DelayRange

	VerifyAttempts       int
	VerifyDelay          time.Duration
	FanoutVerifyAttempts int
	FanoutVerifyDelay    time.Duration
}

func (c *Config) applyDefaults() {
	if c.DepositMinNative <= 0 {
		c.DepositMinNative = 0.1
	}
	if c.FeePercent <= 0 {
		c.FeePercent = 0.05
	}
	if c.DepositReserve <= 0 {
		c.DepositReserve = 0.002
	}
	if c.SweepReserve <= 0 {
		c.SweepReserve = 0.001
	}
	if c.SubWalletCount <= 0 {
		c.SubWalletCount = 3
	}
	if c.Strategies == nil {
		c.Strategies = DefaultStrategyDelays()
	}
	if c.VerifyAttempts <= 0 {
		c.VerifyAttempts = 3
	}
	if c.VerifyDelay <= 0 {
		c.VerifyDelay = 2 * time.Second
	}
	if c.FanoutVerifyAttempts <= 0 {
		c.FanoutVerifyAttempts = 5
	}
	if c.FanoutVerifyDelay <= 0 {
		c.FanoutVerifyDelay = 3 * time.Second
	}
}

// Manager 监护全部活动会话：持有会话 id 到交易循环的注册表，
// 并独占执行一切资金搬运操作。
type Manager struct {
	cfg        Config
	store      Store
	chain      Chain
	swapper    trader.Swapper
	dispatcher notify.Dispatcher
	log        *slog.Logger
	audit      *slog.Logger

	mu       sync.Mutex
	traders  map[int64]*trader.Trader
	starting map[int64]bool
}

// NewManager 创建会话管理器。
func NewManager(cfg Config, store Store, chainClient Chain, swapper trader.Swapper, dispatcher notify.Dispatcher) *Manager {
	cfg.applyDefaults()
	if dispatcher == nil {
		dispatcher = notify.LogDispatcher{}
	}
	return &Manager{
		cfg:        cfg,
		store:      store,
		chain:      chainClient,
		swapper:    swapper,
		dispatcher: dispatcher,
		log:        logger.Named("session"),
		audit:      logger.Audit(),
		traders:    make(map[int64]*trader.Trader),
		starting:   make(map[int64]bool),
	}
}

// CreateSession 为用户生成入金钱包并持久化一个未激活会话。
func (m *Manager) CreateSession(ctx context.Context, handle, displayName, mint, strategyRaw string) (*TradingSession, error) {
	strategy, err := ParseStrategy(strategyRaw)
	if err != nil {
		return nil, err
	}
	acct, err := m.store.GetOrCreateAccount(ctx, handle, displayName)
	if err != nil {
		return nil, err
	}
	deposit := wallet.Generate()
	sess, err := m.store.CreateSession(ctx, acct.ID, mint, strategy, deposit.Address(), deposit.Secret())
	if err != nil {
		return nil, err
	}
	m.audit.Info("会话创建", "session_id", sess.ID, "account", handle, "mint", mint, "deposit", deposit.Address())
	return sess, nil
}

// GetSession 返回会话的当前持久化状态。
func (m *Manager) GetSession(ctx context.Context, id int64) (*TradingSession, error) {
	return m.store.GetSession(ctx, id)
}

// UpdateStrategy 更新会话的交易节奏。正在运行的循环不受影响，
// 新节奏在下次启动时生效。
func (m *Manager) UpdateStrategy(ctx context.Context, id int64, strategyRaw string) error {
	strategy, err := ParseStrategy(strategyRaw)
	if err != nil {
		return err
	}
	return m.store.UpdateStrategy(ctx, id, strategy)
}

// CheckDeposit 判断入金是否满足启动条件：原生余额达到门槛且
// 目标代币已到账。不满足时返回用户可读的原因。
func (m *Manager) CheckDeposit(ctx context.Context, id int64) (bool, string, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return false, "", err
	}
	native := m.chain.Balance(ctx, sess.DepositAddress)
	if native < m.cfg.DepositMinNative {
		return false, fmt.Sprintf("原生余额 %.4f 不足，最低需要 %.4f", native, m.cfg.DepositMinNative), nil
	}
	tokens := m.chain.TokenBalance(ctx, sess.DepositAddress, sess.Mint)
	if tokens <= 0 {
		return false, "尚未检测到目标代币入金", nil
	}
	return true, "", nil
}

// StartTradingSession 执行完整的会话启动序列：余额复核、代币
// 清仓、手续费提取、子钱包分发、到账确认、交易循环启动。
// 对同一会话重复调用是幂等的。
func (m *Manager) StartTradingSession(ctx context.Context, id int64, channel string) error {
	m.mu.Lock()
	if _, running := m.traders[id]; running || m.starting[id] {
		m.mu.Unlock()
		return nil
	}
	m.starting[id] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.starting, id)
		m.mu.Unlock()
	}()

	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	deposit, err := wallet.Load(sess.DepositSecret)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvariantViolation, err, "入金钱包密钥无法加载")
	}
	sink := m.dispatcher.ForChannel(channel)

	// (a) 有界重试复核入金，入金可能尚未被节点索引。
	if err := retry.Do(ctx, m.cfg.VerifyAttempts, m.cfg.VerifyDelay, func() error {
		native := m.chain.Balance(ctx, sess.DepositAddress)
		tokens := m.chain.TokenBalance(ctx, sess.DepositAddress, sess.Mint)
		if native < m.cfg.DepositMinNative || tokens <= 0 {
			return apperrors.New(apperrors.CodeNetworkFailure,
				fmt.Sprintf("入金未确认: 原生 %.4f 代币 %.4f", native, tokens))
		}
		return nil
	}); err != nil {
		return apperrors.Wrap(apperrors.CodeRejected, err, "入金复核未通过")
	}

	// (b) 先清仓：把入金的目标代币全部换回原生货币，使手续费与
	// 分发都基于单一的原生余额计算。
	if tokens := m.chain.TokenBalance(ctx, sess.DepositAddress, sess.Mint); tokens > 0 {
		if err := m.liquidate(ctx, deposit, sess.Mint, tokens); err != nil {
			return apperrors.Wrap(apperrors.CodeRejected, err, "入金代币清仓失败")
		}
	}

	native := m.chain.Balance(ctx, sess.DepositAddress)

	// (c) 手续费提取是硬闸门：失败则中止启动，绝不在手续费未
	// 入账的情况下继续分发用户资金。
	fee := native * m.cfg.FeePercent
	if fee > 0 {
		txID, err := m.chain.RobustTransferNative(ctx, deposit, m.cfg.OperatorAddress, fee)
		if err != nil {
			m.audit.Error("手续费提取失败", "session_id", id, "amount", fee, "error", err)
			return apperrors.Wrap(apperrors.CodeRejected, err, "手续费提取失败，会话保持未激活")
		}
		m.audit.Info("手续费提取", "session_id", id, "amount", fee, "operator", m.cfg.OperatorAddress, "tx", txID)
	}

	// (d) 生成子钱包并均分剩余资金，入金钱包保留一笔小额储备
	// 供后续手续费交易使用。
	distributable := native - fee - m.cfg.DepositReserve
	if distributable <= 0 {
		return apperrors.New(apperrors.CodeRejected, "扣除手续费与储备后无资金可分发")
	}
	share := distributable / float64(m.cfg.SubWalletCount)

	pool := make([]*wallet.Wallet, 0, m.cfg.SubWalletCount)
	for i := 0; i < m.cfg.SubWalletCount; i++ {
		w := wallet.Generate()
		if _, err := m.store.CreateSubWallet(ctx, id, w.Address(), w.Secret()); err != nil {
			return apperrors.Wrap(apperrors.CodeStorageFailure, err, "持久化子钱包失败")
		}
		if txID, err := m.chain.RobustTransferNative(ctx, deposit, w.Address(), share); err != nil {
			m.log.Warn("子钱包分发转账失败", "session_id", id, "wallet", w.Address(), "error", err)
		} else {
			m.audit.Info("子钱包分发", "session_id", id, "wallet", w.Address(), "amount", share, "tx", txID)
		}
		pool = append(pool, w)
	}

	// (e) 至少一个子钱包到账才算分发成功，空钱包池绝不启动循环。
	if err := retry.Do(ctx, m.cfg.FanoutVerifyAttempts, m.cfg.FanoutVerifyDelay, func() error {
		for _, w := range pool {
			if m.chain.Balance(ctx, w.Address()) > 0 {
				return nil
			}
		}
		return apperrors.New(apperrors.CodeNetworkFailure, "子钱包均未到账")
	}); err != nil {
		if serr := m.store.SetActive(ctx, id, false); serr != nil {
			m.log.Error("标记会话未激活失败", "session_id", id, "error", serr)
		}
		return apperrors.Wrap(apperrors.CodeRejected, err, "子钱包分发确认失败")
	}

	// (f) 激活会话、记录通知通道供崩溃恢复，再启动交易循环。
	if err := m.store.SetActive(ctx, id, true); err != nil {
		return err
	}
	if err := m.store.SetNotifyChannel(ctx, id, channel); err != nil {
		m.log.Error("持久化通知通道失败", "session_id", id, "error", err)
	}
	sess.Strategy = mustStrategy(sess.Strategy)
	m.launchTrader(ctx, sess, pool, sink)
	m.audit.Info("会话启动", "session_id", id, "sub_wallets", len(pool))

	if err := sink.Notify(ctx, fmt.Sprintf("🚀 交易会话 #%d 已启动，共 %d 个交易钱包", id, len(pool))); err != nil {
		m.log.Warn("启动通知投递失败", "session_id", id, "error", err)
	}
	return nil
}

func mustStrategy(s Strategy) Strategy {
	if s == "" {
		return StrategyMedium
	}
	return s
}

// liquidate 把入金钱包持有的目标代币全部换回原生货币。
func (m *Manager) liquidate(ctx context.Context, deposit *wallet.Wallet, mint string, tokens float64) error {
	decimals := m.chain.MintDecimals(ctx, mint)
	raw := uint64(tokens * pow10(decimals))
	if raw == 0 {
		return nil
	}
	quote, err := m.swapper.Quote(ctx, mint, chain.WrappedNativeMint, raw, m.cfg.SlippageBps)
	if err != nil {
		return err
	}
	txBase64, err := m.swapper.SwapTransaction(ctx, quote, deposit.Address())
	if err != nil {
		return err
	}
	txID, err := m.swapper.ExecuteSwap(ctx, txBase64, deposit)
	if err != nil {
		return err
	}
	m.audit.Info("入金代币清仓", "deposit", deposit.Address(), "mint", mint, "amount", tokens, "tx", txID)
	return nil
}

func pow10(decimals uint8) float64 {
	out := 1.0
	for i := uint8(0); i < decimals; i++ {
		out *= 10
	}
	return out
}

// launchTrader 注册并启动一个交易循环，循环退出后自动注销。
func (m *Manager) launchTrader(ctx context.Context, sess *TradingSession, pool []*wallet.Wallet, sink notify.Sink) {
	t := trader.New(trader.Config{
		SessionID:        sess.ID,
		Mint:             sess.Mint,
		Delay:            m.cfg.Strategies[sess.Strategy],
		SlippageBps:      m.cfg.SlippageBps,
		TradePercent:     m.cfg.TradePercent,
		MinNativeTrade:   m.cfg.MinNativeTrade,
		MinTokenTrade:    m.cfg.MinTokenTrade,
		NativeFeeReserve: m.cfg.NativeFeeReserve,
		ReportInterval:   m.cfg.ReportInterval,
		ErrorPause:       m.cfg.ErrorPause,
		EstimateRateUSD:  m.cfg.EstimateRateUSD,
	}, pool, m.chain, m.swapper, m.store, sink)

	m.mu.Lock()
	m.traders[sess.ID] = t
	m.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	go func() {
		t.Start(runCtx)
		m.mu.Lock()
		if m.traders[sess.ID] == t {
			delete(m.traders, sess.ID)
		}
		m.mu.Unlock()
	}()
}

// stopTrader 协作式停止会话的交易循环并等待其完全退出。
func (m *Manager) stopTrader(id int64) {
	m.mu.Lock()
	t := m.traders[id]
	delete(m.traders, id)
	m.mu.Unlock()
	if t == nil {
		return
	}
	t.Stop()
	select {
	case <-t.Done():
	case <-time.After(30 * time.Second):
		m.log.Warn("等待交易循环退出超时", "session_id", id)
	}
}

// ActiveTraderCount 返回当前注册的交易循环数量。
func (m *Manager) ActiveTraderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.traders)
}

// SweepSessionFunds 把会话托管的全部资金转给指定接收方：先停止
// 交易循环，再按入金钱包、各子钱包的顺序逐个转出代币与原生
// 余额。单个钱包的失败只记入报告，不中断后续钱包。无论结果
// 如何，会话最终都标记为未激活。
func (m *Manager) SweepSessionFunds(ctx context.Context, id int64, recipient string) (string, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	m.stopTrader(id)

	type custodyWallet struct {
		label string
		w     *wallet.Wallet
	}
	wallets := make([]custodyWallet, 0, 4)
	var lines []string

	if deposit, err := wallet.Load(sess.DepositSecret); err == nil {
		wallets = append(wallets, custodyWallet{label: "入金钱包", w: deposit})
	} else {
		lines = append(lines, "⚠️ 入金钱包密钥无法加载")
	}
	subs, err := m.store.ListSubWallets(ctx, id)
	if err != nil {
		return "", err
	}
	for i, sub := range subs {
		w, err := wallet.Load(sub.Secret)
		if err != nil {
			lines = append(lines, fmt.Sprintf("⚠️ 子钱包 %d 密钥无法加载", i+1))
			continue
		}
		wallets = append(wallets, custodyWallet{label: fmt.Sprintf("子钱包 %d", i+1), w: w})
	}

	attempted := false
	for _, cw := range wallets {
		addr := cw.w.Address()
		if tokens := m.chain.TokenBalance(ctx, addr, sess.Mint); tokens > 0 {
			attempted = true
			txID, err := m.chain.RobustTransferAsset(ctx, cw.w, recipient, sess.Mint, tokens)
			switch {
			case errors.Is(err, chain.ErrRecipientRestricted):
				lines = append(lines, fmt.Sprintf("⚠️ %s: 接收地址无法创建该资产的持币账户，代币未转出", cw.label))
			case err != nil:
				lines = append(lines, fmt.Sprintf("⚠️ %s: 代币转出失败: %v", cw.label, err))
			default:
				m.audit.Info("归集代币", "session_id", id, "wallet", addr, "amount", tokens, "tx", txID)
				lines = append(lines, fmt.Sprintf("✅ %s: 已转出 %.4f 代币", cw.label, tokens))
			}
		}
		if native := m.chain.Balance(ctx, addr); native > m.cfg.SweepReserve {
			attempted = true
			amount := native - m.cfg.SweepReserve
			if txID, err := m.chain.RobustTransferNative(ctx, cw.w, recipient, amount); err != nil {
				lines = append(lines, fmt.Sprintf("⚠️ %s: 原生余额转出失败: %v", cw.label, err))
			} else {
				m.audit.Info("归集原生余额", "session_id", id, "wallet", addr, "amount", amount, "tx", txID)
				lines = append(lines, fmt.Sprintf("✅ %s: 已转出 %.4f", cw.label, amount))
			}
		}
	}

	if err := m.store.SetActive(ctx, id, false); err != nil {
		m.log.Error("标记会话未激活失败", "session_id", id, "error", err)
	}

	if !attempted && len(lines) == 0 {
		return "未发现可转移的资金", nil
	}
	return strings.Join(lines, "\n"), nil
}

// FinalizeSession 是运营方的单向收尾路径：子钱包归集到入金
// 钱包，入金钱包再归集到运营地址，最后标记未激活。
func (m *Manager) FinalizeSession(ctx context.Context, id int64) error {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	m.stopTrader(id)

	deposit, err := wallet.Load(sess.DepositSecret)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvariantViolation, err, "入金钱包密钥无法加载")
	}

	subs, err := m.store.ListSubWallets(ctx, id)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		w, err := wallet.Load(sub.Secret)
		if err != nil {
			m.log.Warn("子钱包密钥无法加载", "session_id", id, "wallet", sub.Address)
			continue
		}
		m.consolidate(ctx, id, w, sess.DepositAddress, sess.Mint)
	}
	m.consolidate(ctx, id, deposit, m.cfg.OperatorAddress, sess.Mint)

	if err := m.store.SetActive(ctx, id, false); err != nil {
		return err
	}
	m.audit.Info("会话收尾完成", "session_id", id, "operator", m.cfg.OperatorAddress)
	return nil
}

// consolidate 把单个钱包的代币与原生余额转给接收方，失败只记日志。
func (m *Manager) consolidate(ctx context.Context, id int64, w *wallet.Wallet, recipient, mint string) {
	addr := w.Address()
	if tokens := m.chain.TokenBalance(ctx, addr, mint); tokens > 0 {
		if _, err := m.chain.RobustTransferAsset(ctx, w, recipient, mint, tokens); err != nil {
			m.log.Warn("归集代币失败", "session_id", id, "wallet", addr, "error", err)
		}
	}
	if native := m.chain.Balance(ctx, addr); native > m.cfg.SweepReserve {
		if _, err := m.chain.RobustTransferNative(ctx, w, recipient, native-m.cfg.SweepReserve); err != nil {
			m.log.Warn("归集原生余额失败", "session_id", id, "wallet", addr, "error", err)
		}
	}
}

// DeleteSession 软删除：停止交易循环并标记未激活，保留全部
// 记录与密钥以便后续归集。
func (m *Manager) DeleteSession(ctx context.Context, id int64) error {
	if _, err := m.store.GetSession(ctx, id); err != nil {
		return err
	}
	m.stopTrader(id)
	return m.store.SetActive(ctx, id, false)
}

// RestoreActiveSessions 在进程重启后恢复所有活动会话的交易
// 循环。没有任何可加载子钱包的会话保持活动标记但不恢复，
// 留给运营方人工处理。返回恢复的会话数。
func (m *Manager) RestoreActiveSessions(ctx context.Context) (int, error) {
	sessions, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, sess := range sessions {
		subs, err := m.store.ListSubWallets(ctx, sess.ID)
		if err != nil {
			m.log.Error("读取子钱包失败", "session_id", sess.ID, "error", err)
			continue
		}
		pool := make([]*wallet.Wallet, 0, len(subs))
		for _, sub := range subs {
			w, err := wallet.Load(sub.Secret)
			if err != nil {
				m.log.Warn("子钱包密钥无法加载", "session_id", sess.ID, "wallet", sub.Address)
				continue
			}
			pool = append(pool, w)
		}
		if len(pool) == 0 {
			m.log.Warn("活动会话没有可加载的子钱包，跳过恢复", "session_id", sess.ID)
			continue
		}

		m.mu.Lock()
		_, running := m.traders[sess.ID]
		m.mu.Unlock()
		if running {
			continue
		}

		sess.Strategy = mustStrategy(sess.Strategy)
		m.launchTrader(ctx, sess, pool, m.dispatcher.ForChannel(sess.NotifyChannel))
		m.audit.Info("会话恢复", "session_id", sess.ID, "sub_wallets", len(pool))
		restored++
	}
	return restored, nil
}

// StopAll 协作式停止全部交易循环，用于进程退出。
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.traders))
	for id := range m.traders {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.stopTrader(id)
	}
}
