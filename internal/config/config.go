package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	v2 "github.com/mark3labs/x402-go/v2"
	"github.com/shopspring/decimal"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "PAYGATE_CONFIG"

// Config 描述了 paygated 在启动阶段需要加载的全部配置，构造一次后以指针传入各组件。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Web3     Web3Config     `json:"web3"`
	Catalog  CatalogConfig  `json:"catalog"`
	Payment  PaymentConfig  `json:"payment"`
	Audit    AuditConfig    `json:"audit"`
	Alerting AlertingConfig `json:"alerting"`
	Metrics  MetricsConfig  `json:"metrics"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址与 MCP 传输方式。
type ServerConfig struct {
	Address   string `json:"address"`
	Transport string `json:"transport"`
	MCPPath   string `json:"mcp_path"`
	Name      string `json:"name"`
	Version   string `json:"version"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	MaxSizeMB   int      `json:"max_size_mb"`
	MaxBackups  int      `json:"max_backups"`
	MaxAgeDays  int      `json:"max_age_days"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址。
type Web3Config struct {
	RPCURL       string `json:"rpc_url"`
	RPCURLEnv    string `json:"rpc_url_env"`
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
	TimeoutSec   int    `json:"timeout_seconds"`
}

// CatalogConfig 指定工具目录文件。
type CatalogConfig struct {
	Path string `json:"path"`
}

// PaymentConfig 描述收款方、签名凭证与结算参数。
type PaymentConfig struct {
	Network       string `json:"network"`
	PayeeAddress  string `json:"payee_address"`
	AssetAddress  string `json:"asset_address"`
	AssetSymbol   string `json:"asset_symbol"`
	AssetDecimals int    `json:"asset_decimals"`
	AssetName     string `json:"asset_name"`
	AssetVersion  string `json:"asset_version"`

	SignerKey    string `json:"-"`
	SignerKeyEnv string `json:"signer_key_env"`

	FacilitatorURL     string `json:"facilitator_url"`
	FacilitatorAuth    string `json:"-"`
	FacilitatorAuthEnv string `json:"facilitator_auth_env"`

	ConversionRate               string `json:"conversion_rate"`
	VerifyTimeoutSeconds         int    `json:"verify_timeout_seconds"`
	SettleTimeoutSeconds         int    `json:"settle_timeout_seconds"`
	BalanceTimeoutSeconds        int    `json:"balance_timeout_seconds"`
	AuthorizationValiditySeconds int    `json:"authorization_validity_seconds"`
	SettlementRecheckAttempts    int    `json:"settlement_recheck_attempts"`
	SettlementRecheckIntervalMs  int    `json:"settlement_recheck_interval_ms"`
	ExplorerTxURL                string `json:"explorer_tx_url"`
}

// AuditConfig 描述审计落盘后端及镜像。
type AuditConfig struct {
	Driver                 string         `json:"driver"`
	Path                   string         `json:"path"`
	DSN                    string         `json:"dsn"`
	DSNEnv                 string         `json:"dsn_env"`
	MaxOpenConns           int            `json:"max_open_conns"`
	MaxIdleConns           int            `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int            `json:"conn_max_lifetime_seconds"`
	Redis                  RedisConfig    `json:"redis"`
	RabbitMQ               RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述审计流镜像。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"-"`
	PassEnv  string `json:"password_env"`
	DB       int    `json:"db"`
	Stream   string `json:"stream"`
	MaxLen   int64  `json:"max_len"`
}

// RabbitMQConfig 描述审计事件的 RabbitMQ 投递。
type RabbitMQConfig struct {
	URL     string `json:"url"`
	URLEnv  string `json:"url_env"`
	Queue   string `json:"queue"`
	Durable bool   `json:"durable"`
}

// AlertingConfig 配置告警渠道。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// MetricsConfig 为独立的指标端口，留空时复用 API 端口。
type MetricsConfig struct {
	Address string `json:"address"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// DefaultPath 返回配置文件路径，优先读取 PAYGATE_CONFIG。
func DefaultPath() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return filepath.Join("configs", "paygate.json")
}

// Load 负责解析指定路径的 JSON 配置文件，补齐默认值、解析密钥引用并校验。
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
	cfg.resolveSecrets(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.Transport == "" {
		c.Server.Transport = "http"
	}
	if c.Server.MCPPath == "" {
		c.Server.MCPPath = "/mcp"
	}
	if c.Server.Name == "" {
		c.Server.Name = "openmcp-paygate"
	}
	if c.Server.Version == "" {
		c.Server.Version = "0.1.0"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.TimeoutSec <= 0 {
		c.Web3.TimeoutSec = 10
	}

	if c.Catalog.Path == "" {
		c.Catalog.Path = filepath.Join(baseDir, "catalog.yaml")
	} else if !filepath.IsAbs(c.Catalog.Path) {
		c.Catalog.Path = filepath.Join(baseDir, c.Catalog.Path)
	}

	p := &c.Payment
	if p.Network == "" {
		p.Network = v2.NetworkBaseSepolia
	}
	if chain, err := v2.GetChainConfig(p.Network); err == nil {
		// 未显式配置资产时使用该网络的 USDC。
		if p.AssetAddress == "" {
			p.AssetAddress = chain.USDCAddress
			if p.AssetDecimals == 0 {
				p.AssetDecimals = int(chain.Decimals)
			}
			if p.AssetSymbol == "" {
				p.AssetSymbol = "USDC"
			}
		}
		if p.AssetName == "" {
			p.AssetName = chain.EIP3009Name
		}
		if p.AssetVersion == "" {
			p.AssetVersion = chain.EIP3009Version
		}
	}
	if p.AssetDecimals == 0 {
		p.AssetDecimals = 6
	}
	if p.SignerKeyEnv == "" {
		p.SignerKeyEnv = "PAYGATE_SIGNER_KEY"
	}
	if p.ConversionRate == "" {
		p.ConversionRate = "1"
	}
	if p.VerifyTimeoutSeconds <= 0 {
		p.VerifyTimeoutSeconds = 10
	}
	if p.SettleTimeoutSeconds <= 0 {
		p.SettleTimeoutSeconds = 60
	}
	if p.BalanceTimeoutSeconds <= 0 {
		p.BalanceTimeoutSeconds = 10
	}
	if p.AuthorizationValiditySeconds <= 0 {
		p.AuthorizationValiditySeconds = 3600
	}
	if p.SettlementRecheckAttempts <= 0 {
		p.SettlementRecheckAttempts = 3
	}
	if p.SettlementRecheckIntervalMs <= 0 {
		p.SettlementRecheckIntervalMs = 2000
	}

	a := &c.Audit
	if a.Driver == "" {
		a.Driver = "file"
	}
	if a.Path == "" {
		a.Path = filepath.Join(c.Runtime.DataDir, "audit.jsonl")
	} else if !filepath.IsAbs(a.Path) {
		a.Path = filepath.Join(baseDir, a.Path)
	}
	if a.Driver == "sqlite" && a.DSN == "" && a.DSNEnv == "" {
		a.DSN = filepath.Join(c.Runtime.DataDir, "audit.db")
	}
	if a.Redis.Stream == "" {
		a.Redis.Stream = "paygate:audit"
	}
	if a.RabbitMQ.Queue == "" {
		a.RabbitMQ.Queue = "paygate.audit"
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}
}

// resolveSecrets 将 *_env 字段引用的环境变量读入内存，这是唯一读取进程环境的位置。
func (c *Config) resolveSecrets(getenv func(string) string) {
	if c.Web3.RPCURL == "" && c.Web3.RPCURLEnv != "" {
		c.Web3.RPCURL = strings.TrimSpace(getenv(c.Web3.RPCURLEnv))
	}
	if c.Payment.SignerKey == "" && c.Payment.SignerKeyEnv != "" {
		c.Payment.SignerKey = strings.TrimSpace(getenv(c.Payment.SignerKeyEnv))
	}
	if c.Payment.FacilitatorAuth == "" && c.Payment.FacilitatorAuthEnv != "" {
		c.Payment.FacilitatorAuth = strings.TrimSpace(getenv(c.Payment.FacilitatorAuthEnv))
	}
	if c.Audit.DSN == "" && c.Audit.DSNEnv != "" {
		c.Audit.DSN = strings.TrimSpace(getenv(c.Audit.DSNEnv))
	}
	if c.Audit.Redis.Password == "" && c.Audit.Redis.PassEnv != "" {
		c.Audit.Redis.Password = getenv(c.Audit.Redis.PassEnv)
	}
	if c.Audit.RabbitMQ.URL == "" && c.Audit.RabbitMQ.URLEnv != "" {
		c.Audit.RabbitMQ.URL = strings.TrimSpace(getenv(c.Audit.RabbitMQ.URLEnv))
	}
}

// Validate 检查启动所必需的配置，缺失任何凭证都视为致命错误。
func (c *Config) Validate() error {
	var errs []error
	p := c.Payment

	if !common.IsHexAddress(p.PayeeAddress) {
		errs = append(errs, fmt.Errorf("payment.payee_address 不是合法的 EVM 地址: %q", p.PayeeAddress))
	}
	if p.SignerKey == "" {
		errs = append(errs, fmt.Errorf("缺少签名私钥，请设置环境变量 %s", p.SignerKeyEnv))
	} else if _, err := crypto.HexToECDSA(strings.TrimPrefix(p.SignerKey, "0x")); err != nil {
		errs = append(errs, errors.New("签名私钥格式无效"))
	}
	if strings.TrimSpace(p.FacilitatorURL) == "" {
		errs = append(errs, errors.New("payment.facilitator_url 不能为空"))
	}
	if kind, err := v2.ValidateNetwork(p.Network); err != nil {
		errs = append(errs, fmt.Errorf("payment.network 无效: %w", err))
	} else if kind != v2.NetworkTypeEVM {
		errs = append(errs, fmt.Errorf("payment.network 仅支持 EVM 网络: %s", p.Network))
	}
	if !common.IsHexAddress(p.AssetAddress) {
		errs = append(errs, fmt.Errorf("payment.asset_address 不是合法的合约地址: %q", p.AssetAddress))
	}
	if p.AssetName == "" || p.AssetVersion == "" {
		errs = append(errs, errors.New("payment.asset_name/asset_version 不能为空 (EIP-712 域参数)"))
	}
	if p.AssetDecimals < 0 || p.AssetDecimals > 36 {
		errs = append(errs, fmt.Errorf("payment.asset_decimals 超出范围: %d", p.AssetDecimals))
	}
	if rate, err := decimal.NewFromString(p.ConversionRate); err != nil || !rate.IsPositive() {
		errs = append(errs, fmt.Errorf("payment.conversion_rate 必须为正数: %q", p.ConversionRate))
	}

	switch c.Audit.Driver {
	case "file":
		if c.Audit.Path == "" {
			errs = append(errs, errors.New("audit.path 不能为空"))
		}
	case "mysql", "sqlite":
		if c.Audit.DSN == "" {
			errs = append(errs, fmt.Errorf("audit.driver=%s 需要 dsn 或 dsn_env", c.Audit.Driver))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("未知的审计驱动: %s", c.Audit.Driver))
	}

	switch c.Server.Transport {
	case "http", "stdio":
	default:
		errs = append(errs, fmt.Errorf("未知的传输方式: %s", c.Server.Transport))
	}

	return errors.Join(errs...)
}

// Rate 返回解析后的价格换算比例。
func (p PaymentConfig) Rate() decimal.Decimal {
	rate, err := decimal.NewFromString(p.ConversionRate)
	if err != nil {
		return decimal.Zero
	}
	return rate
}

// VerifyTimeout 返回校验阶段超时。
func (p PaymentConfig) VerifyTimeout() time.Duration {
	return time.Duration(p.VerifyTimeoutSeconds) * time.Second
}

// SettleTimeout 返回结算阶段超时。
func (p PaymentConfig) SettleTimeout() time.Duration {
	return time.Duration(p.SettleTimeoutSeconds) * time.Second
}

// BalanceTimeout 返回余额查询超时。
func (p PaymentConfig) BalanceTimeout() time.Duration {
	return time.Duration(p.BalanceTimeoutSeconds) * time.Second
}

// AuthorizationValidity 返回授权有效期。
func (p PaymentConfig) AuthorizationValidity() time.Duration {
	return time.Duration(p.AuthorizationValiditySeconds) * time.Second
}

// SettlementRecheckInterval 返回结算后余额探测间隔。
func (p PaymentConfig) SettlementRecheckInterval() time.Duration {
	return time.Duration(p.SettlementRecheckIntervalMs) * time.Millisecond
}
