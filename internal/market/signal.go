package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	defaultFearGreedURL = "https://api.alternative.me/fng/"
	defaultGasAPIURL    = "https://gas.api.infura.io/v3/{key}/networks/{chain}/suggestedGasFees"

	neutralValue          = 50
	neutralClassification = "Neutral"
)

// Options parameterise the market signal fetchers.
type Options struct {
	FearGreedURL string
	GasAPIURL    string
	InfuraAPIKey string
	GasChainID   int64
	Timeout      time.Duration
	UserAgent    string
}

// Provider exposes a market snapshot to the advisor.
type Provider interface {
	Snapshot(ctx context.Context) Snapshot
}

// Signal fetches advisory market indicators. Every fetch degrades to a default instead of failing.
type Signal struct {
	opts   Options
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewSignal constructs a Signal.
func NewSignal(opts Options, logger zerolog.Logger) *Signal {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.FearGreedURL == "" {
		opts.FearGreedURL = defaultFearGreedURL
	}
	if opts.GasAPIURL == "" {
		opts.GasAPIURL = defaultGasAPIURL
	}
	if opts.GasChainID == 0 {
		opts.GasChainID = 1
	}

	return &Signal{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger.With().Str("component", "market_signal").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// FetchSentiment 获取恐慌与贪婪指数，失败时返回中性默认值 {50, Neutral}。
func (s *Signal) FetchSentiment(ctx context.Context) Sentiment {
	var payload struct {
		Data []struct {
			Value          string `json:"value"`
			Classification string `json:"value_classification"`
		} `json:"data"`
	}

	if err := s.getJSON(ctx, s.opts.FearGreedURL, &payload); err != nil {
		s.logger.Warn().Err(err).Msg("获取恐慌与贪婪指数失败，使用中性默认值")
		return s.neutralSentiment()
	}
	if len(payload.Data) == 0 {
		s.logger.Warn().Msg("恐慌与贪婪指数返回空数据")
		return s.neutralSentiment()
	}

	today := payload.Data[0]
	value, err := strconv.Atoi(strings.TrimSpace(today.Value))
	if err != nil {
		s.logger.Warn().Err(err).Str("value", today.Value).Msg("恐慌与贪婪指数无法解析")
		return s.neutralSentiment()
	}

	return Sentiment{
		Value:          value,
		Classification: today.Classification,
		Timestamp:      s.now(),
	}
}

// FetchTrend fetches sentiment and classifies it into a trend band.
func (s *Signal) FetchTrend(ctx context.Context) Trend {
	return s.trendFrom(s.FetchSentiment(ctx))
}

func (s *Signal) trendFrom(sentiment Sentiment) Trend {
	trend := ClassifyTrend(sentiment.Value)
	if sentiment.Fallback {
		trend = ClassifyTrend(neutralValue)
		trend.Description = "无法获取市场情绪数据，趋势按中性处理"
	}
	trend.FearGreedValue = sentiment.Value
	trend.Timestamp = s.now()
	return trend
}

// FetchGas 获取以太坊 gas 分档（Gwei）；未配置 API key 或调用失败时返回 nil，表示未知。
func (s *Signal) FetchGas(ctx context.Context) *GasTiers {
	key := strings.TrimSpace(s.opts.InfuraAPIKey)
	if key == "" {
		s.logger.Debug().Msg("infura api key not configured; gas tiers unknown")
		return nil
	}

	url := strings.NewReplacer(
		"{key}", key,
		"{chain}", strconv.FormatInt(s.opts.GasChainID, 10),
	).Replace(s.opts.GasAPIURL)

	var payload map[string]json.RawMessage
	if err := s.getJSON(ctx, url, &payload); err != nil {
		s.logger.Warn().Err(err).Msg("获取 gas 价格失败")
		return nil
	}

	low, errLow := suggestedGwei(payload["low"])
	avg, errAvg := suggestedGwei(payload["medium"])
	high, errHigh := suggestedGwei(payload["high"])
	if errLow != nil || errAvg != nil || errHigh != nil {
		s.logger.Warn().AnErr("low", errLow).AnErr("medium", errAvg).AnErr("high", errHigh).
			Msg("gas api response malformed")
		return nil
	}

	return &GasTiers{Low: low, Average: avg, High: high, Timestamp: s.now()}
}

// FetchAll 并发获取三个指标。各分支互不影响，任何一个失败都只会回退到自身的默认值。
func (s *Signal) FetchAll(ctx context.Context) Snapshot {
	var (
		snapshot Snapshot
		g        errgroup.Group
	)

	g.Go(func() error {
		snapshot.FearGreed = s.FetchSentiment(ctx)
		return nil
	})
	g.Go(func() error {
		snapshot.Trend = s.FetchTrend(ctx)
		return nil
	})
	g.Go(func() error {
		snapshot.Gas = s.FetchGas(ctx)
		return nil
	})
	_ = g.Wait()

	snapshot.Timestamp = s.now()
	return snapshot
}

// Snapshot implements Provider by fetching fresh data.
func (s *Signal) Snapshot(ctx context.Context) Snapshot {
	return s.FetchAll(ctx)
}

func (s *Signal) neutralSentiment() Sentiment {
	return Sentiment{
		Value:          neutralValue,
		Classification: neutralClassification,
		Timestamp:      s.now(),
		Fallback:       true,
	}
}

func (s *Signal) getJSON(ctx context.Context, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// suggestedGwei reads suggestedMaxFeePerGas (decimal Gwei, string or number) and rounds to an integer.
func suggestedGwei(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("tier missing")
	}
	var tier struct {
		SuggestedMaxFeePerGas decimal.Decimal `json:"suggestedMaxFeePerGas"`
	}
	if err := json.Unmarshal(raw, &tier); err != nil {
		return 0, err
	}
	return tier.SuggestedMaxFeePerGas.Round(0).IntPart(), nil
}

// MarshalJSON renders unknown gas tiers as an empty object.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type alias Snapshot
	out := struct {
		alias
		Gas any `json:"eth_gas_price"`
	}{alias: alias(s), Gas: s.Gas}
	if s.Gas == nil {
		out.Gas = struct{}{}
	}
	return json.Marshal(out)
}

var _ Provider = (*Signal)(nil)
