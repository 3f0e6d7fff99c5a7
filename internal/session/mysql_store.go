package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"SolVolume/deploy/migrations"
)

// SQLStore 使用 MySQL 持久化会话数据。
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore 创建连接池并初始化数据表。
func NewSQLStore(dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	store := &SQLStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// initSchema 按文件名顺序执行内嵌的迁移脚本。脚本全部使用
// IF NOT EXISTS，可以安全地重复执行。
func (s *SQLStore) initSchema() error {
	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		return fmt.Errorf("读取迁移文件失败: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		content, err := migrations.Files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("读取迁移 %s 失败: %w", name, err)
		}
		for _, stmt := range strings.Split(string(content), ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("执行迁移 %s 失败: %w", name, err)
			}
		}
	}
	return nil
}

// GetOrCreateAccount 实现 Store。
func (s *SQLStore) GetOrCreateAccount(ctx context.Context, handle, displayName string) (*Account, error) {
	acct, err := s.findAccount(ctx, handle)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (handle, display_name, created_at) VALUES (?, ?, ?)`,
		handle, displayName, time.Now().Unix())
	if err != nil {
		// 并发创建同一账户时唯一键冲突，回读即可。
		if acct, ferr := s.findAccount(ctx, handle); ferr == nil {
			return acct, nil
		}
		return nil, fmt.Errorf("写入账户失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("读取账户 id 失败: %w", err)
	}
	return &Account{ID: id, Handle: handle, DisplayName: displayName, CreatedAt: time.Now()}, nil
}

func (s *SQLStore) findAccount(ctx context.Context, handle string) (*Account, error) {
	var acct Account
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, handle, display_name, created_at FROM accounts WHERE handle = ?`, handle).
		Scan(&acct.ID, &acct.Handle, &acct.DisplayName, &createdAt)
	if err != nil {
		return nil, err
	}
	acct.CreatedAt = time.Unix(createdAt, 0)
	return &acct, nil
}

// CreateSession 实现 Store。
func (s *SQLStore) CreateSession(ctx context.Context, accountID int64, mint string, strategy Strategy, depositAddress, depositSecret string) (*TradingSession, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO trading_sessions (account_id, mint, strategy, deposit_address, deposit_secret, is_active, total_volume_usd, notify_channel, created_at)
        VALUES (?, ?, ?, ?, ?, 0, 0, '', ?)`,
		accountID, mint, string(strategy), depositAddress, depositSecret, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("写入会话失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("读取会话 id 失败: %w", err)
	}
	return &TradingSession{
		ID:             id,
		AccountID:      accountID,
		Mint:           mint,
		Strategy:       strategy,
		DepositAddress: depositAddress,
		DepositSecret:  depositSecret,
		CreatedAt:      now,
	}, nil
}

func scanSession(row interface{ Scan(...interface{}) error }) (*TradingSession, error) {
	var sess TradingSession
	var strategy string
	var createdAt int64
	err := row.Scan(&sess.ID, &sess.AccountID, &sess.Mint, &strategy,
		&sess.DepositAddress, &sess.DepositSecret, &sess.IsActive,
		&sess.TotalVolumeUSD, &sess.NotifyChannel, &createdAt)
	if err != nil {
		return nil, err
	}
	sess.Strategy = Strategy(strategy)
	sess.CreatedAt = time.Unix(createdAt, 0)
	return &sess, nil
}

const sessionColumns = `id, account_id, mint, strategy, deposit_address, deposit_secret, is_active, total_volume_usd, notify_channel, created_at`

// GetSession 实现 Store。
func (s *SQLStore) GetSession(ctx context.Context, id int64) (*TradingSession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM trading_sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询会话失败: %w", err)
	}
	return sess, nil
}

// UpdateStrategy 实现 Store。
func (s *SQLStore) UpdateStrategy(ctx context.Context, id int64, strategy Strategy) error {
	return s.updateSession(ctx,
		`UPDATE trading_sessions SET strategy = ? WHERE id = ?`, string(strategy), id)
}

// SetActive 实现 Store。
func (s *SQLStore) SetActive(ctx context.Context, id int64, active bool) error {
	return s.updateSession(ctx,
		`UPDATE trading_sessions SET is_active = ? WHERE id = ?`, active, id)
}

// SetNotifyChannel 实现 Store。
func (s *SQLStore) SetNotifyChannel(ctx context.Context, id int64, channel string) error {
	return s.updateSession(ctx,
		`UPDATE trading_sessions SET notify_channel = ? WHERE id = ?`, channel, id)
}

// AddVolume 实现 Store。is_active 条件保证未激活会话的计数冻结，
// 累加语句保证计数只增不减。
func (s *SQLStore) AddVolume(ctx context.Context, id int64, usd float64) error {
	if usd <= 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE trading_sessions SET total_volume_usd = total_volume_usd + ? WHERE id = ? AND is_active = 1`,
		usd, id); err != nil {
		return fmt.Errorf("累加会话成交量失败: %w", err)
	}
	return nil
}

func (s *SQLStore) updateSession(ctx context.Context, stmt string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("更新会话失败: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, gerr := s.GetSession(ctx, args[len(args)-1].(int64)); gerr != nil {
			return gerr
		}
	}
	return nil
}

// ListActiveSessions 实现 Store。
func (s *SQLStore) ListActiveSessions(ctx context.Context) ([]*TradingSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM trading_sessions WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("查询活动会话失败: %w", err)
	}
	defer rows.Close()

	var out []*TradingSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("解析会话记录失败: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历会话记录失败: %w", err)
	}
	return out, nil
}

// CreateSubWallet 实现 Store。
func (s *SQLStore) CreateSubWallet(ctx context.Context, sessionID int64, address, secret string) (*SubWallet, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sub_wallets (session_id, address, secret) VALUES (?, ?, ?)`,
		sessionID, address, secret)
	if err != nil {
		return nil, fmt.Errorf("写入子钱包失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("读取子钱包 id 失败: %w", err)
	}
	return &SubWallet{ID: id, SessionID: sessionID, Address: address, Secret: secret}, nil
}

// ListSubWallets 实现 Store。
func (s *SQLStore) ListSubWallets(ctx context.Context, sessionID int64) ([]*SubWallet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, address, secret FROM sub_wallets WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("查询子钱包失败: %w", err)
	}
	defer rows.Close()

	var out []*SubWallet
	for rows.Next() {
		var w SubWallet
		if err := rows.Scan(&w.ID, &w.SessionID, &w.Address, &w.Secret); err != nil {
			return nil, fmt.Errorf("解析子钱包记录失败: %w", err)
		}
		out = append(out, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历子钱包记录失败: %w", err)
	}
	return out, nil
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
