package advisor

import (
	"fmt"
	"strings"

	"advisor-ledger/internal/market"
)

const systemPrompt = `你是一个专业的投资顾问AI，根据用户提供的风险偏好、资产总价值、当前持仓和市场情绪给出建议。
你可以选择两种输出之一，必须包含 action 字段。

1. 资产配置建议 (action = "recommend")：
{
    "action": "recommend",
    "allocation": [
        {"asset": "资产名称", "percentage": 百分比整数, "chain": "所在链，例如 ethereum"},
        ...
    ],
    "allocationText": "总结性的资产配置描述文本"
}
注意：所有资产配置比例总和必须为100。

2. 具体交易方案 (action = "trade")：
{
    "action": "trade",
    "trades": [
        {"fromAsset": "卖出资产", "fromChain": "ethereum", "toAsset": "买入资产", "toChain": "ethereum",
         "amount": 数量, "amountInUSD": 美元价值, "reason": "原因"},
        ...
    ],
    "tradeSummary": "交易方案总结"
}

只输出 JSON，不要输出其他内容。`

// BuildUserMessage renders the user prompt from the input and an optional market snapshot.
func BuildUserMessage(in InputData, snap *market.Snapshot) string {
	var b strings.Builder

	b.WriteString("请根据以下投资者信息提供加密货币投资建议：\n")
	fmt.Fprintf(&b, "风险偏好：%s（low=保守, medium=中等, high=激进）\n", in.RiskLevel)
	fmt.Fprintf(&b, "资产总价值(USD)：%s\n\n", in.TotalValue.String())

	b.WriteString("当前加密货币资产分布：\n")
	if len(in.CryptoAssets) == 0 {
		b.WriteString("- 无\n")
	}
	for _, asset := range in.CryptoAssets {
		fmt.Fprintf(&b, "- %s (链: %s): 数量 %s", asset.Symbol, orDefaultChain(asset.Chain), asset.Amount.String())
		if asset.Price != nil {
			fmt.Fprintf(&b, ", 单价 $%s", asset.Price.String())
		}
		fmt.Fprintf(&b, ", 占比 %s%%\n", asset.Percentage.String())
	}

	if msg := strings.TrimSpace(in.UserMessage); msg != "" {
		fmt.Fprintf(&b, "\n投资者额外需求：\n%s\n", msg)
	}

	if snap != nil {
		b.WriteString("\n当前市场状况：\n")
		fmt.Fprintf(&b, "- 恐慌与贪婪指数：%d (%s)\n", snap.FearGreed.Value, snap.FearGreed.Classification)
		fmt.Fprintf(&b, "- 市场趋势：%s，%s\n", snap.Trend.Trend, snap.Trend.Description)
		if snap.Gas != nil {
			fmt.Fprintf(&b, "- ETH Gas (Gwei)：低 %d / 中 %d / 高 %d\n", snap.Gas.Low, snap.Gas.Average, snap.Gas.High)
		} else {
			b.WriteString("- ETH Gas：未知\n")
		}
	}

	b.WriteString("\n请根据我当前的资产分布、风险偏好、个人需求和市场状况，给出资产配置建议或具体交易方案。\n")
	return b.String()
}
