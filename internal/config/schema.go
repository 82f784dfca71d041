package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
)

// binding maps a config key to its default and, optionally, an un-prefixed
// environment variable name kept for compatibility with existing deployments.
type binding struct {
	Key     string
	Env     string
	Default any
}

var schema = []binding{
	{Key: "app.name", Env: "APP_NAME", Default: "去中心化AI投顾系统"},
	{Key: "app.version", Env: "APP_VERSION", Default: ""},
	{Key: "app.environment", Default: "development"},
	{Key: "app.debug", Env: "DEBUG", Default: false},

	{Key: "server.host", Env: "HOST", Default: "0.0.0.0"},
	{Key: "server.port", Env: "PORT", Default: 8000},
	{Key: "server.cors_origins", Env: "CORS_ORIGINS", Default: []string{
		"http://localhost:3000",
		"http://localhost:5173",
		"http://127.0.0.1:5173",
		"http://localhost:8000",
	}},
	{Key: "server.read_timeout", Default: "30s"},
	{Key: "server.write_timeout", Default: "0s"}, // 0 派生自 AdviceDeadline
	{Key: "server.shutdown_timeout", Default: "15s"},
	{Key: "server.metrics_enabled", Default: true},

	{Key: "logging.level", Env: "LOG_LEVEL", Default: ""},
	{Key: "logging.format", Default: "json"},
	{Key: "logging.time_format", Default: ""},
	{Key: "logging.caller", Default: false},
	{Key: "logging.pretty", Default: false},
	{Key: "logging.file", Default: ""},

	{Key: "database.dsn", Default: ""},
	{Key: "database.max_open_conns", Default: 10},
	{Key: "database.max_idle_conns", Default: 2},
	{Key: "database.conn_max_lifetime", Default: "30m"},
	{Key: "database.connect_timeout", Default: "5s"},
	{Key: "database.auto_migrate", Default: true},
	{Key: "database.lock_requests", Default: true},

	{Key: "chain.rpc_url", Env: "BLOCKCHAIN_RPC_URL", Default: ""},
	{Key: "chain.contract_address", Env: "CONTRACT_ADDRESS", Default: "0x950c656375dbeb78a59a498c69df136fc35f9fcc"},
	{Key: "chain.contract_abi", Env: "CONTRACT_ABI", Default: ""},
	{Key: "chain.private_key", Env: "PRIVATE_KEY", Default: ""},
	{Key: "chain.server_address", Env: "SERVER_ADDRESS", Default: ""},
	{Key: "chain.chain_id", Env: "CHAIN_ID", Default: int64(11155111)},
	{Key: "chain.network_name", Env: "NETWORK_NAME", Default: "sepolia"},
	{Key: "chain.gas_limit", Default: uint64(2_000_000)},
	{Key: "chain.gas_price_multiplier", Default: "1.1"},
	{Key: "chain.max_attempts", Default: 3},
	{Key: "chain.retry_backoff", Default: "2s"},
	{Key: "chain.receipt_timeout", Default: "120s"},
	{Key: "chain.poll_interval", Default: "2s"},
	{Key: "chain.verify_timeout", Default: "30s"},

	{Key: "ipfs.pin_url", Default: "https://api.pinata.cloud/pinning/pinJSONToIPFS"},
	{Key: "ipfs.api_key", Env: "PINATA_API_KEY", Default: ""},
	{Key: "ipfs.secret_key", Env: "PINATA_SECRET_KEY", Default: ""},
	{Key: "ipfs.jwt", Env: "PINATA_JWT", Default: ""},
	{Key: "ipfs.gateway_url", Env: "IPFS_GATEWAY_URL", Default: "https://ipfs.io/ipfs/"},
	{Key: "ipfs.timeout", Default: "30s"},
	{Key: "ipfs.cache_size", Default: 256},

	{Key: "advice.api_key", Env: "DEEPSEEK_API_KEY", Default: ""},
	{Key: "advice.api_url", Env: "DEEPSEEK_API_URL", Default: "https://api.deepseek.com/v1/chat/completions"},
	{Key: "advice.model", Env: "DEEPSEEK_MODEL", Default: "deepseek-chat"},
	{Key: "advice.temperature", Default: 0.3},
	{Key: "advice.max_tokens", Default: 1000},
	{Key: "advice.timeout", Default: "60s"},
	{Key: "advice.enforce_request_hash", Default: false},

	{Key: "market.infura_api_key", Env: "INFURA_API_KEY", Default: ""},
	{Key: "market.fear_greed_url", Default: "https://api.alternative.me/fng/"},
	{Key: "market.gas_api_url", Default: "https://gas.api.infura.io/v3/{key}/networks/{chain}/suggestedGasFees"},
	{Key: "market.gas_chain_id", Default: int64(1)},
	{Key: "market.timeout", Default: "10s"},
	{Key: "market.cache_ttl", Default: "5m"},
	{Key: "market.refresh_interval", Default: "5m"},

	{Key: "alerting.cooldown", Default: "10m"},
	{Key: "alerting.telegram.enabled", Default: false},
	{Key: "alerting.telegram.bot_token", Default: ""},
	{Key: "alerting.telegram.chat_id", Default: ""},
	{Key: "alerting.telegram.api_base", Default: "https://api.telegram.org"},

	{Key: "export.chart_width", Default: 800},
	{Key: "export.chart_height", Default: 800},
}

// LegacyEnv returns the un-prefixed environment variable bound to key, if any.
func LegacyEnv(key string) string {
	for _, b := range schema {
		if b.Key == key {
			return b.Env
		}
	}
	return ""
}

// stripQuotesHook removes one pair of matching surrounding quotes from string values,
// as written by some .env editors.
func stripQuotesHook() mapstructure.DecodeHookFuncKind {
	return func(from, _ reflect.Kind, data any) (any, error) {
		if from != reflect.String {
			return data, nil
		}
		return stripQuotes(data.(string)), nil
	}
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// trimSliceHook trims whitespace around comma-separated entries and drops empty ones.
func trimSliceHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf([]string(nil)) {
			return data, nil
		}
		items, ok := data.([]string)
		if !ok {
			return data, nil
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return out, nil
	}
}

// decimalHook decodes strings and numbers into decimal.Decimal.
func decimalHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(decimal.Decimal{})
	return func(_, to reflect.Type, data any) (any, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			d, err := decimal.NewFromString(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("parse decimal %q: %w", v, err)
			}
			return d, nil
		case float64:
			return decimal.NewFromFloat(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		default:
			return data, nil
		}
	}
}
