package session

import (
	"context"

	apperrors "SolVolume/internal/errors"
)

// ErrSessionNotFound 表示给定的会话 id 不存在。
var ErrSessionNotFound = apperrors.New(apperrors.CodeNotFound, "会话不存在")

// Store 是会话数据的唯一事实来源。活动标志与累计成交量必须
// 每次重新读取，任何跨网络调用的缓存都可能与真实状态脱节。
type Store interface {
	// GetOrCreateAccount 按外部用户标识取回账户，不存在时创建。
	GetOrCreateAccount(ctx context.Context, handle, displayName string) (*Account, error)

	// CreateSession 持久化一个新的未激活会话。
	CreateSession(ctx context.Context, accountID int64, mint string, strategy Strategy, depositAddress, depositSecret string) (*TradingSession, error)

	GetSession(ctx context.Context, id int64) (*TradingSession, error)
	UpdateStrategy(ctx context.Context, id int64, strategy Strategy) error
	SetActive(ctx context.Context, id int64, active bool) error
	SetNotifyChannel(ctx context.Context, id int64, channel string) error

	// AddVolume 把一笔成交量估算累加到会话计数上。计数只增不减，
	// 且只在会话活动期间变化；对未激活会话的调用静默忽略。
	AddVolume(ctx context.Context, id int64, usd float64) error

	ListActiveSessions(ctx context.Context) ([]*TradingSession, error)

	CreateSubWallet(ctx context.Context, sessionID int64, address, secret string) (*SubWallet, error)
	ListSubWallets(ctx context.Context, sessionID int64) ([]*SubWallet, error)

	Close() error
}
