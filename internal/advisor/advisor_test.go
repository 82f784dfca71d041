package advisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/quick"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"advisor-ledger/internal/apperr"
	"advisor-ledger/internal/market"
)

func completionServer(t *testing.T, content string, status int) (*httptest.Server, *chatRequest) {
	t.Helper()
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("缺少 bearer 认证头: %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"boom"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func sampleInput() InputData {
	return InputData{
		RiskLevel:  RiskLow,
		TotalValue: decimal.NewFromInt(1000),
		CryptoAssets: []CryptoAsset{
			{Symbol: "ETH", Percentage: decimal.NewFromInt(100), Chain: "ethereum", Amount: decimal.NewFromFloat(0.5)},
		},
	}
}

type staticMarket struct{ snap market.Snapshot }

func (s staticMarket) Snapshot(context.Context) market.Snapshot { return s.snap }

func TestGenerateNormalisesAllocation(t *testing.T) {
	content := "好的，这是建议：\n```json\n" +
		`{"action":"recommend","allocation":[{"asset":"USDC","percentage":60},{"asset":"ETH","percentage":35}],"allocationText":"以稳定币为主"}` +
		"\n```"
	srv, captured := completionServer(t, content, http.StatusOK)

	provider := staticMarket{snap: market.Snapshot{
		FearGreed: market.Sentiment{Value: 25, Classification: "Extreme Fear"},
		Trend:     market.ClassifyTrend(25),
	}}
	c := New(Options{APIURL: srv.URL, APIKey: "test-key", Timeout: time.Second}, provider, zerolog.Nop())

	advice := c.Generate(context.Background(), sampleInput())
	if advice.IsFallback() {
		t.Fatalf("不应降级: %s", advice.Error)
	}
	if advice.Action != ActionRecommend || advice.ModelVersion != "deepseek-api-deepseek-chat" {
		t.Fatalf("action/modelVersion 不正确: %+v", advice)
	}
	if len(advice.Allocation) != 2 || advice.Allocation[0].Percentage != 63 || advice.Allocation[1].Percentage != 37 {
		t.Fatalf("期望 [63, 37], 实际 %+v", advice.Allocation)
	}
	for _, item := range advice.Allocation {
		if item.Chain != DefaultChain {
			t.Fatalf("缺失的 chain 应补为 ethereum: %+v", item)
		}
	}

	if captured.Temperature != 0.3 || captured.MaxTokens != 1000 || captured.Model != "deepseek-chat" {
		t.Fatalf("请求参数不正确: %+v", captured)
	}
	if len(captured.Messages) != 2 || !strings.Contains(captured.Messages[1].Content, "恐慌与贪婪指数：25") {
		t.Fatalf("用户消息应包含市场数据")
	}
}

func TestGenerateTradePlan(t *testing.T) {
	content := `{"action":"trade","trades":[{"fromAsset":"ETH","toAsset":"USDC","amount":0.2,"amountInUSD":600,"reason":"降低波动"}],"tradeSummary":"卖出部分 ETH"}`
	srv, _ := completionServer(t, content, http.StatusOK)
	c := New(Options{APIURL: srv.URL, APIKey: "test-key"}, nil, zerolog.Nop())

	advice := c.Generate(context.Background(), sampleInput())
	if advice.Action != ActionTrade || len(advice.Trades) != 1 {
		t.Fatalf("应解析为交易方案: %+v", advice)
	}
	trade := advice.Trades[0]
	if trade.FromChain != DefaultChain || trade.ToChain != DefaultChain {
		t.Fatalf("缺失的链应补为 ethereum: %+v", trade)
	}
	if !trade.Amount.Equal(decimal.RequireFromString("0.2")) {
		t.Fatalf("数量解析错误: %s", trade.Amount)
	}
	if advice.Summary() != "卖出部分 ETH" {
		t.Fatalf("summary 不正确: %s", advice.Summary())
	}
}

func TestGenerateFallsBack(t *testing.T) {
	cases := []struct {
		name    string
		content string
		status  int
		key     string
	}{
		{name: "missing key", status: http.StatusOK},
		{name: "http error", status: http.StatusInternalServerError, key: "test-key"},
		{name: "not json", content: "抱歉，我无法回答", status: http.StatusOK, key: "test-key"},
		{name: "missing text", content: `{"allocation":[{"asset":"BTC","percentage":100}]}`, status: http.StatusOK, key: "test-key"},
		{name: "empty allocation", content: `{"allocation":[],"allocationText":"x"}`, status: http.StatusOK, key: "test-key"},
		{name: "bad trade", content: `{"action":"trade","trades":[{"fromAsset":"ETH","toAsset":"USDC","amount":0}],"tradeSummary":"x"}`, status: http.StatusOK, key: "test-key"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := completionServer(t, tc.content, tc.status)
			c := New(Options{APIURL: srv.URL, APIKey: tc.key}, nil, zerolog.Nop())

			advice := c.Generate(context.Background(), sampleInput())
			if !advice.IsFallback() {
				t.Fatalf("应降级为后备配置: %+v", advice)
			}
			if advice.Error == "" {
				t.Fatal("后备配置应携带错误信息")
			}
			if len(advice.Allocation) != 4 || advice.Allocation[0].Asset != "USDC" || advice.Allocation[0].Percentage != 50 {
				t.Fatalf("后备配置内容不正确: %+v", advice.Allocation)
			}
		})
	}
}

func TestParseAdviceErrorKinds(t *testing.T) {
	if _, err := ParseAdvice("no braces here"); !apperr.Is(err, apperr.KindParse) {
		t.Fatalf("无 JSON 时应为 ParseError: %v", err)
	}
	if _, err := ParseAdvice(`{"allocation":[{"asset":"A","percentage":10}]}`); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("缺少 allocationText 应为 ValidationError: %v", err)
	}
	if _, err := ParseAdvice(`{"action":"hold"}`); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("未知 action 应为 ValidationError: %v", err)
	}
}

func TestExtractJSONFallsBackToWholeText(t *testing.T) {
	// 首尾花括号之间不是合法 JSON，整段文本也无法解析。
	if _, err := ExtractJSON(`{"a":1} and {"b":2}`); err == nil {
		t.Fatal("应返回解析错误")
	}
	obj, err := ExtractJSON(`  {"allocationText":"ok"}  `)
	if err != nil || string(obj["allocationText"]) != `"ok"` {
		t.Fatalf("应能解析完整 JSON: %v", err)
	}
}

func TestNormalizeAllocationCases(t *testing.T) {
	cases := []struct {
		in   []int64
		want []int64
	}{
		{[]int64{60, 35}, []int64{63, 37}},
		{[]int64{50, 50}, []int64{50, 50}},
		{[]int64{1, 1, 1}, []int64{34, 33, 33}},
		{[]int64{10}, []int64{100}},
		{[]int64{40, 40, 40}, []int64{34, 33, 33}},
	}

	for _, c := range cases {
		raw := make([]RawAllocation, len(c.in))
		for i, p := range c.in {
			raw[i] = RawAllocation{Asset: "A", Percentage: decimal.NewFromInt(p)}
		}
		got, err := NormalizeAllocation(raw)
		if err != nil {
			t.Fatalf("%v: %v", c.in, err)
		}
		for i := range got {
			if got[i].Percentage != c.want[i] {
				t.Fatalf("%v 期望 %v, 实际 %+v", c.in, c.want, got)
			}
		}
	}

	if _, err := NormalizeAllocation([]RawAllocation{{Asset: "A"}}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("总和为 0 应为 ValidationError: %v", err)
	}
}

func TestNormalizeAllocationRejectsOutOfRangeResidual(t *testing.T) {
	// 28 项 3.5 银行家舍入为 4，误差 -14 会让第一项变成负数。
	raw := []RawAllocation{{Asset: "USDC", Percentage: decimal.Zero}, {Asset: "ETH", Percentage: decimal.NewFromInt(2)}}
	for i := 0; i < 28; i++ {
		raw = append(raw, RawAllocation{Asset: "ALT", Percentage: decimal.RequireFromString("3.5")})
	}

	if _, err := NormalizeAllocation(raw); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("第一项越界应为 ValidationError: %v", err)
	}
}

func TestNormalizeAllocationSumsToHundred(t *testing.T) {
	property := func(percentages []uint16) bool {
		var total int
		raw := make([]RawAllocation, len(percentages))
		for i, p := range percentages {
			raw[i] = RawAllocation{Asset: "X", Percentage: decimal.NewFromInt(int64(p))}
			total += int(p)
		}
		if total == 0 {
			return true
		}

		got, err := NormalizeAllocation(raw)
		if err != nil {
			return apperr.Is(err, apperr.KindValidation)
		}
		var sum int64
		for _, item := range got {
			if item.Chain == "" || item.Percentage < 0 || item.Percentage > 100 {
				return false
			}
			sum += item.Percentage
		}
		return sum == 100
	}

	if err := quick.Check(property, nil); err != nil {
		t.Fatal(err)
	}
}

func TestInputDataAcceptsAmountAlias(t *testing.T) {
	var in InputData
	if err := json.Unmarshal([]byte(`{"riskLevel":"medium","amount":2500.5,"cryptoAssets":[{"symbol":"BTC","percentage":100}]}`), &in); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !in.TotalValue.Equal(decimal.RequireFromString("2500.5")) {
		t.Fatalf("amount 应映射到 totalValue: %s", in.TotalValue)
	}
	if err := in.Validate(); err != nil {
		t.Fatalf("合法输入不应报错: %v", err)
	}
	if in.WithDefaults().CryptoAssets[0].Chain != DefaultChain {
		t.Fatal("缺失的 chain 应补为 ethereum")
	}

	in.RiskLevel = "extreme"
	if err := in.Validate(); err == nil {
		t.Fatal("非法风险等级应报错")
	}
}
