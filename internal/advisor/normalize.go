package advisor

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"advisor-ledger/internal/apperr"
)

var hundred = decimal.NewFromInt(100)

// modelOutput is the loosely-typed JSON the model is asked to produce.
type modelOutput struct {
	Action         Action          `json:"action"`
	Allocation     []RawAllocation `json:"allocation"`
	AllocationText *string         `json:"allocationText"`
	Trades         []modelTrade    `json:"trades"`
	TradeSummary   *string         `json:"tradeSummary"`

	hasAllocation bool
	hasTrades     bool
}

// RawAllocation is an allocation entry as emitted by the model, before rounding.
type RawAllocation struct {
	Asset      string          `json:"asset"`
	Percentage decimal.Decimal `json:"percentage"`
	Chain      string          `json:"chain"`
}

type modelTrade struct {
	FromAsset   string           `json:"fromAsset"`
	FromChain   string           `json:"fromChain"`
	ToAsset     string           `json:"toAsset"`
	ToChain     string           `json:"toChain"`
	Amount      *decimal.Decimal `json:"amount"`
	AmountInUSD *decimal.Decimal `json:"amountInUSD"`
	Reason      string           `json:"reason"`
}

// ExtractJSON 从模型输出中解析 JSON：先取第一个 '{' 到最后一个 '}' 之间的内容，失败再尝试整段文本。
func ExtractJSON(text string) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err == nil {
			return obj, nil
		}
	}

	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &obj); err != nil {
		return nil, apperr.Parse("extract model json", "no JSON object in model output: %v", err)
	}
	return obj, nil
}

// ParseAdvice extracts, dispatches and normalises model output. The returned advice has
// no ModelVersion or Timestamp set.
func ParseAdvice(text string) (Advice, error) {
	obj, err := ExtractJSON(text)
	if err != nil {
		return Advice{}, err
	}

	out, err := decodeModelOutput(obj)
	if err != nil {
		return Advice{}, err
	}

	switch out.Action {
	case "", ActionRecommend:
		return normalizeRecommend(out)
	case ActionTrade:
		return normalizeTrade(out)
	default:
		return Advice{}, apperr.Validation("parse advice", "unknown action %q", out.Action)
	}
}

func decodeModelOutput(obj map[string]json.RawMessage) (modelOutput, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return modelOutput{}, apperr.Parse("decode model json", "%v", err)
	}

	var out modelOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return modelOutput{}, apperr.Validation("decode model json", "unexpected field types: %v", err)
	}
	_, out.hasAllocation = obj["allocation"]
	_, out.hasTrades = obj["trades"]
	return out, nil
}

func normalizeRecommend(out modelOutput) (Advice, error) {
	if !out.hasAllocation || out.AllocationText == nil {
		return Advice{}, apperr.Validation("normalize recommendation", "model output missing allocation or allocationText")
	}

	allocation, err := NormalizeAllocation(out.Allocation)
	if err != nil {
		return Advice{}, err
	}

	return Advice{
		Action:         ActionRecommend,
		Allocation:     allocation,
		AllocationText: *out.AllocationText,
	}, nil
}

// NormalizeAllocation 补全 chain，并把百分比缩放、取整到总和恰好为 100。
// 缩放系数为 100/sum，银行家舍入，取整误差全部加到第一项；第一项因此越出 0-100 时返回校验错误。
func NormalizeAllocation(items []RawAllocation) ([]AllocationItem, error) {
	if len(items) == 0 {
		return nil, apperr.Validation("normalize allocation", "allocation is empty")
	}

	total := decimal.Zero
	for i, item := range items {
		if strings.TrimSpace(item.Asset) == "" {
			return nil, apperr.Validation("normalize allocation", "allocation[%d].asset is required", i)
		}
		if item.Percentage.IsNegative() {
			return nil, apperr.Validation("normalize allocation", "allocation[%d].percentage is negative", i)
		}
		total = total.Add(item.Percentage)
	}
	if !total.IsPositive() {
		return nil, apperr.Validation("normalize allocation", "allocation percentages sum to %s", total)
	}

	scale := decimal.NewFromInt(1)
	if !total.Equal(hundred) {
		scale = hundred.Div(total)
	}

	result := make([]AllocationItem, len(items))
	var sum int64
	for i, item := range items {
		chain := strings.TrimSpace(item.Chain)
		if chain == "" {
			chain = DefaultChain
		}
		pct := item.Percentage.Mul(scale).RoundBank(0).IntPart()
		result[i] = AllocationItem{Asset: item.Asset, Percentage: pct, Chain: chain}
		sum += pct
	}
	result[0].Percentage += 100 - sum
	if result[0].Percentage < 0 || result[0].Percentage > 100 {
		return nil, apperr.Validation("normalize allocation", "rounding residual %d moves allocation[0] out of range", 100-sum)
	}

	return result, nil
}

func normalizeTrade(out modelOutput) (Advice, error) {
	if !out.hasTrades || out.TradeSummary == nil {
		return Advice{}, apperr.Validation("normalize trade", "model output missing trades or tradeSummary")
	}
	if len(out.Trades) == 0 {
		return Advice{}, apperr.Validation("normalize trade", "trade plan is empty")
	}

	trades := make([]TradeItem, len(out.Trades))
	for i, t := range out.Trades {
		if strings.TrimSpace(t.FromAsset) == "" || strings.TrimSpace(t.ToAsset) == "" || t.Amount == nil {
			return Advice{}, apperr.Validation("normalize trade", "trades[%d] requires fromAsset, toAsset and amount", i)
		}
		if !t.Amount.IsPositive() {
			return Advice{}, apperr.Validation("normalize trade", "trades[%d].amount must be positive", i)
		}
		trades[i] = TradeItem{
			FromAsset:   t.FromAsset,
			FromChain:   orDefaultChain(t.FromChain),
			ToAsset:     t.ToAsset,
			ToChain:     orDefaultChain(t.ToChain),
			Amount:      *t.Amount,
			AmountInUSD: t.AmountInUSD,
			Reason:      t.Reason,
		}
	}

	return Advice{
		Action:       ActionTrade,
		Trades:       trades,
		TradeSummary: *out.TradeSummary,
	}, nil
}

func orDefaultChain(chain string) string {
	if strings.TrimSpace(chain) == "" {
		return DefaultChain
	}
	return chain
}
