package market

// ClassifyTrend maps a fear/greed value onto one of five fixed bands.
func ClassifyTrend(value int) Trend {
	switch {
	case value >= 70:
		return Trend{Trend: Bullish, Label: "extreme greed", Description: "市场处于极度贪婪状态，投资者过度乐观，可能是卖出信号"}
	case value >= 55:
		return Trend{Trend: Bullish, Label: "greed", Description: "市场处于贪婪状态，投资者情绪偏向乐观"}
	case value >= 45:
		return Trend{Trend: Neutral, Label: "sideways", Description: "市场情绪中性，未显示明确方向"}
	case value >= 30:
		return Trend{Trend: Bearish, Label: "fear", Description: "市场处于恐慌状态，投资者情绪偏向悲观"}
	default:
		return Trend{Trend: Bearish, Label: "extreme fear", Description: "市场处于极度恐慌状态，投资者过度悲观，可能是买入信号"}
	}
}
