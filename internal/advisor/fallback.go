package advisor

// FallbackModelVersion tags advice that did not come from the model.
const FallbackModelVersion = "fallback"

// Fallback 返回固定的保守配置，并附带导致降级的错误信息。
func Fallback(cause error, ts int64) Advice {
	advice := Advice{
		Action:       ActionRecommend,
		ModelVersion: FallbackModelVersion,
		Timestamp:    ts,
		Allocation: []AllocationItem{
			{Asset: "USDC", Percentage: 50, Chain: DefaultChain},
			{Asset: "BTC", Percentage: 20, Chain: DefaultChain},
			{Asset: "ETH", Percentage: 15, Chain: DefaultChain},
			{Asset: "债券", Percentage: 15, Chain: DefaultChain},
		},
		AllocationText: "50% USDC, 20% BTC, 15% ETH, 15% 债券",
	}
	if cause != nil {
		advice.Error = cause.Error()
	}
	return advice
}
