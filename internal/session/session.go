// Package session 实现托管会话的全生命周期：资金入金确认、手续费
// 提取、子钱包分发、交易循环监护、资金归集与崩溃恢复。
package session

import (
	"fmt"
	"time"

	apperrors "SolVolume/internal/errors"
	"SolVolume/internal/trader"
)

// Strategy 是交易节奏档位，决定两轮循环之间的休眠区间。
type Strategy string

const (
	StrategySlow   Strategy = "slow"
	StrategyMedium Strategy = "medium"
	StrategyFast   Strategy = "fast"
)

// ParseStrategy 校验并归一化策略名。
func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(raw) {
	case StrategySlow, StrategyMedium, StrategyFast:
		return Strategy(raw), nil
	default:
		return "", apperrors.New(apperrors.CodeInvalidArgument,
			fmt.Sprintf("未知的交易策略: %q", raw))
	}
}

// DefaultStrategyDelays 是三档策略对应的循环间隔（秒）。
func DefaultStrategyDelays() map[Strategy]trader.DelayRange {
	return map[Strategy]trader.DelayRange{
		StrategySlow:   {Min: 120, Max: 300},
		StrategyMedium: {Min: 60, Max: 180},
		StrategyFast:   {Min: 30, Max: 90},
	}
}

// Account 表示一个外部用户。首次交互时创建，此后除展示名外不可变。
type Account struct {
	ID          int64
	Handle      string
	DisplayName string
	CreatedAt   time.Time
}

// TradingSession 表示一次托管交易会话。入金钱包密钥是会话的
// 托管根：所有资金操作都从它出发。
type TradingSession struct {
	ID             int64
	AccountID      int64
	Mint           string
	Strategy       Strategy
	DepositAddress string
	DepositSecret  string
	IsActive       bool
	TotalVolumeUSD float64
	NotifyChannel  string
	CreatedAt      time.Time
}

// SubWallet 是会话专属的操作钱包。记录永不删除，余额清零后仍
// 保留用于恢复与审计。
type SubWallet struct {
	ID        int64
	SessionID int64
	Address   string
	Secret    string
}
