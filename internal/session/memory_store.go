package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 把全部会话数据放在内存里，用于本地开发与测试。
type MemoryStore struct {
	mu         sync.RWMutex
	accounts   map[int64]*Account
	sessions   map[int64]*TradingSession
	subWallets map[int64][]*SubWallet

	nextAccountID int64
	nextSessionID int64
	nextWalletID  int64
}

// NewMemoryStore 创建空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[int64]*Account),
		sessions:   make(map[int64]*TradingSession),
		subWallets: make(map[int64][]*SubWallet),
	}
}

// GetOrCreateAccount 实现 Store。
func (s *MemoryStore) GetOrCreateAccount(_ context.Context, handle, displayName string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acct := range s.accounts {
		if acct.Handle == handle {
			copied := *acct
			return &copied, nil
		}
	}
	s.nextAccountID++
	acct := &Account{
		ID:          s.nextAccountID,
		Handle:      handle,
		DisplayName: displayName,
		CreatedAt:   time.Now(),
	}
	s.accounts[acct.ID] = acct
	copied := *acct
	return &copied, nil
}

// CreateSession 实现 Store。
func (s *MemoryStore) CreateSession(_ context.Context, accountID int64, mint string, strategy Strategy, depositAddress, depositSecret string) (*TradingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSessionID++
	sess := &TradingSession{
		ID:             s.nextSessionID,
		AccountID:      accountID,
		Mint:           mint,
		Strategy:       strategy,
		DepositAddress: depositAddress,
		DepositSecret:  depositSecret,
		CreatedAt:      time.Now(),
	}
	s.sessions[sess.ID] = sess
	copied := *sess
	return &copied, nil
}

// GetSession 实现 Store。
func (s *MemoryStore) GetSession(_ context.Context, id int64) (*TradingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	copied := *sess
	return &copied, nil
}

// UpdateStrategy 实现 Store。
func (s *MemoryStore) UpdateStrategy(_ context.Context, id int64, strategy Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Strategy = strategy
	return nil
}

// SetActive 实现 Store。
func (s *MemoryStore) SetActive(_ context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.IsActive = active
	return nil
}

// SetNotifyChannel 实现 Store。
func (s *MemoryStore) SetNotifyChannel(_ context.Context, id int64, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.NotifyChannel = channel
	return nil
}

// AddVolume 实现 Store。未激活会话的计数保持冻结。
func (s *MemoryStore) AddVolume(_ context.Context, id int64, usd float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if !sess.IsActive || usd <= 0 {
		return nil
	}
	sess.TotalVolumeUSD += usd
	return nil
}

// ListActiveSessions 实现 Store。
func (s *MemoryStore) ListActiveSessions(_ context.Context) ([]*TradingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TradingSession
	for _, sess := range s.sessions {
		if sess.IsActive {
			copied := *sess
			out = append(out, &copied)
		}
	}
	return out, nil
}

// CreateSubWallet 实现 Store。
func (s *MemoryStore) CreateSubWallet(_ context.Context, sessionID int64, address, secret string) (*SubWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	s.nextWalletID++
	w := &SubWallet{
		ID:        s.nextWalletID,
		SessionID: sessionID,
		Address:   address,
		Secret:    secret,
	}
	s.subWallets[sessionID] = append(s.subWallets[sessionID], w)
	copied := *w
	return &copied, nil
}

// ListSubWallets 实现 Store。
func (s *MemoryStore) ListSubWallets(_ context.Context, sessionID int64) ([]*SubWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wallets := s.subWallets[sessionID]
	out := make([]*SubWallet, 0, len(wallets))
	for _, w := range wallets {
		copied := *w
		out = append(out, &copied)
	}
	return out, nil
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }
