package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"advisor-ledger/internal/logging"
)

// EnvPrefix prefixes every config key in the environment, e.g. ADVISORD_CHAIN_GAS_LIMIT.
const EnvPrefix = "ADVISORD"

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Chain    ChainConfig    `mapstructure:"chain"`
	IPFS     IPFSConfig     `mapstructure:"ipfs"`
	Advice   AdviceConfig   `mapstructure:"advice"`
	Market   MarketConfig   `mapstructure:"market"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ServerConfig 描述 HTTP 服务参数。
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsEnabled  bool          `mapstructure:"metrics_enabled"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables the run journal.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LockRequests    bool          `mapstructure:"lock_requests"`
}

// ChainConfig covers the contract and the server's chain identity.
type ChainConfig struct {
	RPCURL             string          `mapstructure:"rpc_url"`
	ContractAddress    string          `mapstructure:"contract_address"`
	ContractABI        string          `mapstructure:"contract_abi"`
	PrivateKey         string          `mapstructure:"private_key"`
	ServerAddress      string          `mapstructure:"server_address"`
	ChainID            int64           `mapstructure:"chain_id"`
	NetworkName        string          `mapstructure:"network_name"`
	GasLimit           uint64          `mapstructure:"gas_limit"`
	GasPriceMultiplier decimal.Decimal `mapstructure:"gas_price_multiplier"`
	MaxAttempts        int             `mapstructure:"max_attempts"`
	RetryBackoff       time.Duration   `mapstructure:"retry_backoff"`
	ReceiptTimeout     time.Duration   `mapstructure:"receipt_timeout"`
	PollInterval       time.Duration   `mapstructure:"poll_interval"`
	VerifyTimeout      time.Duration   `mapstructure:"verify_timeout"`
}

// IPFSConfig 描述 Pinata 与网关参数。
type IPFSConfig struct {
	PinURL     string        `mapstructure:"pin_url"`
	APIKey     string        `mapstructure:"api_key"`
	SecretKey  string        `mapstructure:"secret_key"`
	JWT        string        `mapstructure:"jwt"`
	GatewayURL string        `mapstructure:"gateway_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	CacheSize  int           `mapstructure:"cache_size"`
}

// AdviceConfig covers the completion API and the request-hash policy.
type AdviceConfig struct {
	APIKey             string        `mapstructure:"api_key"`
	APIURL             string        `mapstructure:"api_url"`
	Model              string        `mapstructure:"model"`
	Temperature        float64       `mapstructure:"temperature"`
	MaxTokens          int           `mapstructure:"max_tokens"`
	Timeout            time.Duration `mapstructure:"timeout"`
	EnforceRequestHash bool          `mapstructure:"enforce_request_hash"`
}

// MarketConfig 描述行情数据源与缓存刷新。
type MarketConfig struct {
	InfuraAPIKey    string        `mapstructure:"infura_api_key"`
	FearGreedURL    string        `mapstructure:"fear_greed_url"`
	GasAPIURL       string        `mapstructure:"gas_api_url"`
	GasChainID      int64         `mapstructure:"gas_chain_id"`
	Timeout         time.Duration `mapstructure:"timeout"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// AlertingConfig routes pipeline failure alerts.
type AlertingConfig struct {
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	ChartWidth  int `mapstructure:"chart_width"`
	ChartHeight int `mapstructure:"chart_height"`
}

// Load builds configuration from defaults, an optional YAML file, a .env file and the environment.
// envFile may be empty to skip dotenv loading; a missing .env file is not an error.
func Load(path, envFile string) (*Config, error) {
	if err := loadDotEnv(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDebug()
	cfg.applyWriteTimeout()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// loadDotEnv exports KEY=VALUE pairs from envFile unless the variable is already set.
func loadDotEnv(envFile string) error {
	if envFile == "" {
		return nil
	}
	if _, err := os.Stat(envFile); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}

	dot := viper.New()
	dot.SetConfigFile(envFile)
	dot.SetConfigType("env")
	if err := dot.ReadInConfig(); err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	for _, key := range dot.AllKeys() {
		name := strings.ToUpper(key)
		if _, set := os.LookupEnv(name); set {
			continue
		}
		if err := os.Setenv(name, dot.GetString(key)); err != nil {
			return fmt.Errorf("export %s: %w", name, err)
		}
	}
	return nil
}

// applyDebug lowers the log level to debug when DEBUG is on and no level was given explicitly.
func (c *Config) applyDebug() {
	if c.App.Debug && c.Logging.Level == "" {
		c.Logging.Level = "debug"
	}
}

// writeTimeoutMargin covers request decoding, signing and response encoding.
const writeTimeoutMargin = 30 * time.Second

// AdviceDeadline is the longest a write request can run: completion, pin,
// every receipt wait and the backoffs between attempts.
func (c *Config) AdviceDeadline() time.Duration {
	attempts := time.Duration(c.Chain.MaxAttempts)
	if attempts < 1 {
		attempts = 1
	}
	return c.Advice.Timeout + c.IPFS.Timeout + attempts*c.Chain.ReceiptTimeout + (attempts-1)*c.Chain.RetryBackoff
}

// applyWriteTimeout derives server.write_timeout from the advice deadline when it is unset.
func (c *Config) applyWriteTimeout() {
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = c.AdviceDeadline() + writeTimeoutMargin
	}
}

func setDefaults(v *viper.Viper) {
	for _, b := range schema {
		v.SetDefault(b.Key, b.Default)
	}
}

func bindLegacyEnv(v *viper.Viper) error {
	for _, b := range schema {
		if b.Env == "" {
			continue
		}
		if err := v.BindEnv(b.Key, prefixedEnv(b.Key), b.Env); err != nil {
			return fmt.Errorf("bind env %s: %w", b.Env, err)
		}
	}
	return nil
}

func prefixedEnv(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			stripQuotesHook(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			trimSliceHook(),
			decimalHook(),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be within 1-65535, got %d", c.Server.Port)
	}
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level %q is not a valid level", c.Logging.Level)
	}
	if c.Chain.ContractAddress != "" && !common.IsHexAddress(c.Chain.ContractAddress) {
		return fmt.Errorf("chain.contract_address %q is not a valid address", c.Chain.ContractAddress)
	}
	if c.Chain.ServerAddress != "" && !common.IsHexAddress(c.Chain.ServerAddress) {
		return fmt.Errorf("chain.server_address %q is not a valid address", c.Chain.ServerAddress)
	}
	if c.Chain.GasLimit == 0 {
		return fmt.Errorf("chain.gas_limit must be greater than zero")
	}
	if c.Chain.GasPriceMultiplier.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("chain.gas_price_multiplier must be at least 1")
	}
	if c.Chain.MaxAttempts < 1 {
		return fmt.Errorf("chain.max_attempts must be at least 1")
	}
	if deadline := c.AdviceDeadline(); c.Server.WriteTimeout < deadline {
		return fmt.Errorf("server.write_timeout %s is shorter than the advice deadline %s", c.Server.WriteTimeout, deadline)
	}
	if c.Advice.Temperature < 0 || c.Advice.Temperature > 2 {
		return fmt.Errorf("advice.temperature must be within 0-2")
	}
	if c.Advice.MaxTokens <= 0 {
		return fmt.Errorf("advice.max_tokens must be greater than zero")
	}
	if c.Market.CacheTTL < 0 || c.Market.RefreshInterval < 0 {
		return fmt.Errorf("market.cache_ttl and market.refresh_interval cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Export.ChartWidth <= 0 || c.Export.ChartHeight <= 0 {
		return fmt.Errorf("export.chart_width and export.chart_height must be greater than zero")
	}
	return nil
}
