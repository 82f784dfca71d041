package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("加载默认配置失败: %v", err)
	}

	if cfg.Server.Port != 8000 || cfg.Server.Addr() != "0.0.0.0:8000" {
		t.Fatalf("默认端口不正确: %+v", cfg.Server)
	}
	if len(cfg.Server.CORSOrigins) != 4 {
		t.Fatalf("默认 CORS 列表不正确: %v", cfg.Server.CORSOrigins)
	}
	if cfg.Chain.ChainID != 11155111 || cfg.Chain.NetworkName != "sepolia" {
		t.Fatalf("默认链配置不正确: %+v", cfg.Chain)
	}
	if cfg.Chain.GasPriceMultiplier.String() != "1.1" || cfg.Chain.GasLimit != 2_000_000 {
		t.Fatalf("默认 gas 配置不正确: %s / %d", cfg.Chain.GasPriceMultiplier, cfg.Chain.GasLimit)
	}
	if cfg.Chain.ReceiptTimeout != 120*time.Second || cfg.Chain.VerifyTimeout != 30*time.Second {
		t.Fatalf("默认超时不正确: %+v", cfg.Chain)
	}
	if cfg.Advice.Model != "deepseek-chat" || cfg.Advice.Temperature != 0.3 || cfg.Advice.MaxTokens != 1000 {
		t.Fatalf("默认模型配置不正确: %+v", cfg.Advice)
	}
	if cfg.Advice.EnforceRequestHash {
		t.Fatal("默认不应强制校验请求哈希")
	}
	if cfg.Logging.Level != "" {
		t.Fatalf("默认日志级别应留空（即 info），实际 %q", cfg.Logging.Level)
	}
}

func TestLoadLegacyEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("PRIVATE_KEY", `"0xabc123"`)
	t.Setenv("DEEPSEEK_API_KEY", "'sk-test'")
	t.Setenv("CHAIN_ID", "1")
	t.Setenv("DEBUG", "true")

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Fatalf("PORT 未生效: %d", cfg.Server.Port)
	}
	if strings.Join(cfg.Server.CORSOrigins, "|") != "https://a.example|https://b.example" {
		t.Fatalf("CORS_ORIGINS 解析不正确: %q", cfg.Server.CORSOrigins)
	}
	if cfg.Chain.PrivateKey != "0xabc123" || cfg.Advice.APIKey != "sk-test" {
		t.Fatalf("引号应被去除: %q / %q", cfg.Chain.PrivateKey, cfg.Advice.APIKey)
	}
	if cfg.Chain.ChainID != 1 {
		t.Fatalf("CHAIN_ID 未生效: %d", cfg.Chain.ChainID)
	}
	if !cfg.App.Debug || cfg.Logging.Level != "debug" {
		t.Fatalf("DEBUG=true 应启用 debug 日志: %+v", cfg.Logging)
	}
}

func TestPrefixedEnvWinsOverLegacy(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("ADVISORD_SERVER_PORT", "9100")
	t.Setenv("ADVISORD_CHAIN_GAS_PRICE_MULTIPLIER", "1.5")
	t.Setenv("ADVISORD_ADVICE_ENFORCE_REQUEST_HASH", "true")
	t.Setenv("DEBUG", "true")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Fatalf("带前缀的变量应优先: %d", cfg.Server.Port)
	}
	if cfg.Chain.GasPriceMultiplier.String() != "1.5" || !cfg.Advice.EnforceRequestHash {
		t.Fatalf("前缀变量未生效: %+v", cfg.Chain.GasPriceMultiplier)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("显式 LOG_LEVEL 不应被 DEBUG 覆盖: %q", cfg.Logging.Level)
	}
}

func TestLoadDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	content := "# comment\nDEEPSEEK_MODEL=deepseek-reasoner\nNETWORK_NAME=\"holesky\"\nPORT=7000\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("写入 .env 失败: %v", err)
	}
	t.Setenv("PORT", "9000")
	t.Cleanup(func() {
		os.Unsetenv("DEEPSEEK_MODEL")
		os.Unsetenv("NETWORK_NAME")
	})

	cfg, err := Load("", envPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Advice.Model != "deepseek-reasoner" || cfg.Chain.NetworkName != "holesky" {
		t.Fatalf(".env 未生效: %q / %q", cfg.Advice.Model, cfg.Chain.NetworkName)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("已存在的环境变量不应被 .env 覆盖: %d", cfg.Server.Port)
	}

	if _, err := Load("", filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("缺失的 .env 不应报错: %v", err)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "advisord.yaml")
	content := `
chain:
  gas_price_multiplier: 1.25
  max_attempts: 5
  retry_backoff: 500ms
advice:
  enforce_request_hash: true
market:
  cache_ttl: 1m
database:
  dsn: postgres://localhost/advisor
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Chain.GasPriceMultiplier.String() != "1.25" || cfg.Chain.MaxAttempts != 5 || cfg.Chain.RetryBackoff != 500*time.Millisecond {
		t.Fatalf("YAML 链配置未生效: %+v", cfg.Chain)
	}
	if !cfg.Advice.EnforceRequestHash || cfg.Market.CacheTTL != time.Minute || cfg.Database.DSN == "" {
		t.Fatalf("YAML 配置未生效: %+v", cfg)
	}
}

func TestWriteTimeoutCoversAdviceDeadline(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("加载默认配置失败: %v", err)
	}
	// 60s 生成 + 30s 上传 + 3×120s 回执 + 2×2s 退避
	if got := cfg.AdviceDeadline(); got != 454*time.Second {
		t.Fatalf("建议请求最长耗时不正确: %s", got)
	}
	if cfg.Server.WriteTimeout != 484*time.Second {
		t.Fatalf("默认 write_timeout 应由建议请求耗时推导: %s", cfg.Server.WriteTimeout)
	}

	t.Setenv("ADVISORD_CHAIN_RECEIPT_TIMEOUT", "30s")
	t.Setenv("ADVISORD_SERVER_WRITE_TIMEOUT", "10m")
	cfg, err = Load("", "")
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Server.WriteTimeout != 10*time.Minute {
		t.Fatalf("显式 write_timeout 应保留: %s", cfg.Server.WriteTimeout)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string][2]string{
		"port":            {"ADVISORD_SERVER_PORT", "0"},
		"contract":        {"CONTRACT_ADDRESS", "not-an-address"},
		"server address":  {"SERVER_ADDRESS", "0x1234"},
		"multiplier":      {"ADVISORD_CHAIN_GAS_PRICE_MULTIPLIER", "0.9"},
		"temperature":     {"ADVISORD_ADVICE_TEMPERATURE", "3"},
		"log level":       {"LOG_LEVEL", "loud"},
		"telegram":        {"ADVISORD_ALERTING_TELEGRAM_ENABLED", "true"},
		"attempts":        {"ADVISORD_CHAIN_MAX_ATTEMPTS", "0"},
		"negative ttl":    {"ADVISORD_MARKET_CACHE_TTL", "-1s"},
		"bad multiplier":  {"ADVISORD_CHAIN_GAS_PRICE_MULTIPLIER", "fast"},
		"chart dimension": {"ADVISORD_EXPORT_CHART_WIDTH", "0"},
		"write timeout":   {"ADVISORD_SERVER_WRITE_TIMEOUT", "300s"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(env[0], env[1])
			if _, err := Load("", ""); err == nil {
				t.Fatalf("%s=%s 应导致加载失败", env[0], env[1])
			}
		})
	}
}

func TestStripQuotes(t *testing.T) {
	cases := map[string]string{
		`"abc"`: "abc",
		`'abc'`: "abc",
		`"abc'`: `"abc'`,
		`"`:     `"`,
		``:      ``,
		`a"b"`:  `a"b"`,
	}
	for in, want := range cases {
		if got := stripQuotes(in); got != want {
			t.Fatalf("stripQuotes(%q) = %q，期望 %q", in, got, want)
		}
	}
}

func TestLegacyEnv(t *testing.T) {
	if LegacyEnv("chain.rpc_url") != "BLOCKCHAIN_RPC_URL" || LegacyEnv("chain.gas_limit") != "" {
		t.Fatal("LegacyEnv 映射不正确")
	}
}
