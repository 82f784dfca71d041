package market

import "time"

// Sentiment 是恐慌与贪婪指数。
type Sentiment struct {
	Value          int       `json:"value"`
	Classification string    `json:"value_classification"`
	Timestamp      time.Time `json:"timestamp"`
	Fallback       bool      `json:"fallback,omitempty"`
}

// Direction of the market derived from sentiment.
type Direction string

const (
	Bullish Direction = "bullish"
	Neutral Direction = "neutral"
	Bearish Direction = "bearish"
)

// Trend 由恐慌与贪婪指数推导出的市场趋势。
type Trend struct {
	Trend          Direction `json:"trend"`
	Label          string    `json:"label"`
	Description    string    `json:"description"`
	FearGreedValue int       `json:"fear_greed_value"`
	Timestamp      time.Time `json:"timestamp"`
}

// GasTiers are suggested gas prices in Gwei.
type GasTiers struct {
	Low       int64     `json:"low"`
	Average   int64     `json:"average"`
	High      int64     `json:"high"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot combines all indicators. Gas is nil when unknown.
type Snapshot struct {
	FearGreed Sentiment `json:"fear_greed_index"`
	Trend     Trend     `json:"market_trend"`
	Gas       *GasTiers `json:"eth_gas_price"`
	Timestamp time.Time `json:"timestamp"`
}
