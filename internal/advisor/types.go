package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

func init() {
	// 金额与百分比在 JSON 中以数字呈现，与前端及 IPFS 文档格式一致。
	decimal.MarshalJSONWithoutQuotes = true
}

// DefaultChain is applied to holdings, allocations and trades that omit a chain.
const DefaultChain = "ethereum"

// Generator produces advice for an input. Implementations never fail.
type Generator interface {
	Generate(ctx context.Context, in InputData) Advice
}

// RiskLevel 风险偏好。
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid reports whether r is one of the known levels.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// CryptoAsset 是用户当前持有的一项资产。
type CryptoAsset struct {
	Symbol     string           `json:"symbol"`
	Percentage decimal.Decimal  `json:"percentage"`
	Chain      string           `json:"chain,omitempty"`
	Amount     decimal.Decimal  `json:"amount"`
	Price      *decimal.Decimal `json:"price,omitempty"`
}

// InputData is the user's risk profile and holdings.
type InputData struct {
	RiskLevel    RiskLevel       `json:"riskLevel"`
	TotalValue   decimal.Decimal `json:"totalValue"`
	CryptoAssets []CryptoAsset   `json:"cryptoAssets"`
	UserMessage  string          `json:"userMessage,omitempty"`
}

// UnmarshalJSON accepts "amount" as an alias of "totalValue".
func (in *InputData) UnmarshalJSON(data []byte) error {
	type alias InputData
	var raw struct {
		alias
		TotalValue *decimal.Decimal `json:"totalValue"`
		Amount     *decimal.Decimal `json:"amount"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*in = InputData(raw.alias)
	switch {
	case raw.TotalValue != nil:
		in.TotalValue = *raw.TotalValue
	case raw.Amount != nil:
		in.TotalValue = *raw.Amount
	}
	return nil
}

// Validate checks the input before it is sent to the model.
func (in InputData) Validate() error {
	if !in.RiskLevel.Valid() {
		return fmt.Errorf("riskLevel must be one of low, medium, high; got %q", in.RiskLevel)
	}
	if in.TotalValue.IsNegative() {
		return fmt.Errorf("totalValue must be non-negative")
	}
	hundred := decimal.NewFromInt(100)
	for i, asset := range in.CryptoAssets {
		if strings.TrimSpace(asset.Symbol) == "" {
			return fmt.Errorf("cryptoAssets[%d].symbol is required", i)
		}
		if asset.Percentage.IsNegative() || asset.Percentage.GreaterThan(hundred) {
			return fmt.Errorf("cryptoAssets[%d].percentage must be within 0-100", i)
		}
		if asset.Amount.IsNegative() {
			return fmt.Errorf("cryptoAssets[%d].amount must be non-negative", i)
		}
		if asset.Price != nil && asset.Price.IsNegative() {
			return fmt.Errorf("cryptoAssets[%d].price must be non-negative", i)
		}
	}
	return nil
}

// WithDefaults returns a copy whose holdings carry a chain.
func (in InputData) WithDefaults() InputData {
	out := in
	out.CryptoAssets = make([]CryptoAsset, len(in.CryptoAssets))
	for i, asset := range in.CryptoAssets {
		if strings.TrimSpace(asset.Chain) == "" {
			asset.Chain = DefaultChain
		}
		out.CryptoAssets[i] = asset
	}
	return out
}

// AllocationItem 推荐配置中的一项，百分比为整数。
type AllocationItem struct {
	Asset      string `json:"asset"`
	Percentage int64  `json:"percentage"`
	Chain      string `json:"chain"`
}

// TradeItem is one step of a trade plan.
type TradeItem struct {
	FromAsset   string           `json:"fromAsset"`
	FromChain   string           `json:"fromChain"`
	ToAsset     string           `json:"toAsset"`
	ToChain     string           `json:"toChain"`
	Amount      decimal.Decimal  `json:"amount"`
	AmountInUSD *decimal.Decimal `json:"amountInUSD,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}

// Action discriminates the advice variants.
type Action string

const (
	ActionRecommend Action = "recommend"
	ActionTrade     Action = "trade"
)

// Advice is either a recommendation (Allocation + AllocationText) or a trade plan
// (Trades + TradeSummary), selected by Action.
type Advice struct {
	Action         Action           `json:"action"`
	ModelVersion   string           `json:"modelVersion"`
	Timestamp      int64            `json:"timestamp"`
	Allocation     []AllocationItem `json:"allocation,omitempty"`
	AllocationText string           `json:"allocationText,omitempty"`
	Trades         []TradeItem      `json:"trades,omitempty"`
	TradeSummary   string           `json:"tradeSummary,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// Summary returns the human-readable text of either variant.
func (a Advice) Summary() string {
	if a.Action == ActionTrade {
		return a.TradeSummary
	}
	return a.AllocationText
}

// IsFallback reports whether the advice is the canned fallback.
func (a Advice) IsFallback() bool {
	return a.ModelVersion == FallbackModelVersion
}
