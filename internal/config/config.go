package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了做市守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Notify  NotifyConfig  `json:"notify"`
	Cache   CacheConfig   `json:"cache"`
	Chain   ChainConfig   `json:"chain"`
	Router  RouterConfig  `json:"router"`
	Trading TradingConfig `json:"trading"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 控制日志输出与资金审计流。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// StorageConfig 统一描述会话存储后端的连接信息。
type StorageConfig struct {
	SessionStore SessionStoreConfig `json:"session_store"`
}

// SessionStoreConfig 提供内存实现，生产环境切换到 MySQL。
type SessionStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// NotifyConfig 描述会话通知的投递方式。
type NotifyConfig struct {
	Driver   string         `json:"driver"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述通知队列的连接信息。
type RabbitMQConfig struct {
	URL   string `json:"url"`
	Queue string `json:"queue"`
}

// CacheConfig 描述代币精度缓存的后端。
type CacheConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
}

// RedisConfig 描述 Redis 连接信息。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// ChainConfig 包含访问链上节点所需的 RPC 地址。
type ChainConfig struct {
	RPCURL     string `json:"rpc_url"`
	Commitment string `json:"commitment"`
}

// RouterConfig 描述聚合器端点列表与报价参数。
// 端点既可以内联给出，也可以放在独立的 YAML 定义文件中。
type RouterConfig struct {
	EndpointsFile string     `json:"endpoints_file"`
	Endpoints     []Endpoint `json:"endpoints"`
	SlippageBps   int        `json:"slippage_bps"`
}

// Endpoint 描述单个聚合器端点。版本号为 1 及以上时，
// 构造请求会附带动态计算单元与优先费字段。
type Endpoint struct {
	Name     string `json:"name" yaml:"name"`
	QuoteURL string `json:"quote_url" yaml:"quote_url"`
	SwapURL  string `json:"swap_url" yaml:"swap_url"`
	Version  int    `json:"version" yaml:"version"`
}

// TradingConfig 汇总做市会话的资金与节奏参数。
type TradingConfig struct {
	OperatorAddress   string           `json:"operator_address"`
	DepositMinNative  float64          `json:"deposit_min_native"`
	FeePercent        float64          `json:"fee_percent"`
	DepositReserve    float64          `json:"deposit_reserve"`
	SweepReserve      float64          `json:"sweep_reserve"`
	SubWalletCount    int              `json:"sub_wallet_count"`
	TradePercent      float64          `json:"trade_percent"`
	MinNativeTrade    float64          `json:"min_native_trade"`
	MinTokenTrade     float64          `json:"min_token_trade"`
	NativeFeeReserve  float64          `json:"native_fee_reserve"`
	ReportIntervalSec int              `json:"report_interval_seconds"`
	ErrorPauseSec     int              `json:"error_pause_seconds"`
	EstimateRateUSD   float64          `json:"estimate_rate_usd"`
	Strategies        map[string][]int `json:"strategies"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Storage.SessionStore.Driver == "" {
		c.Storage.SessionStore.Driver = "memory"
	}

	if c.Notify.Driver == "" {
		c.Notify.Driver = "log"
	}
	if c.Notify.RabbitMQ.Queue == "" {
		c.Notify.RabbitMQ.Queue = "session-notify"
	}

	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}

	if c.Chain.Commitment == "" {
		c.Chain.Commitment = "confirmed"
	}

	if c.Router.EndpointsFile != "" && !filepath.IsAbs(c.Router.EndpointsFile) {
		c.Router.EndpointsFile = filepath.Join(baseDir, c.Router.EndpointsFile)
	}
	if c.Router.SlippageBps <= 0 {
		c.Router.SlippageBps = 50
	}

	t := &c.Trading
	if t.DepositMinNative <= 0 {
		t.DepositMinNative = 0.1
	}
	if t.FeePercent <= 0 {
		t.FeePercent = 0.05
	}
	if t.DepositReserve <= 0 {
		t.DepositReserve = 0.002
	}
	if t.SweepReserve <= 0 {
		t.SweepReserve = 0.001
	}
	if t.SubWalletCount <= 0 {
		t.SubWalletCount = 3
	}
	if t.TradePercent <= 0 {
		t.TradePercent = 0.10
	}
	if t.MinNativeTrade <= 0 {
		t.MinNativeTrade = 0.01
	}
	if t.MinTokenTrade <= 0 {
		t.MinTokenTrade = 10
	}
	if t.NativeFeeReserve <= 0 {
		t.NativeFeeReserve = 0.002
	}
	if t.ReportIntervalSec <= 0 {
		t.ReportIntervalSec = 300
	}
	if t.ErrorPauseSec <= 0 {
		t.ErrorPauseSec = 10
	}
	if t.EstimateRateUSD <= 0 {
		t.EstimateRateUSD = 240
	}
	if len(t.Strategies) == 0 {
		t.Strategies = map[string][]int{
			"slow":   {120, 300},
			"medium": {60, 180},
			"fast":   {30, 90},
		}
	}
}
