package app

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	chart "github.com/wcharczuk/go-chart/v2"

	"advisor-ledger/internal/advisor"
	"advisor-ledger/internal/ipfs"
)

// adviceDocument accepts a pinned document ({input, output, timestamp}), a bare Advice,
// or the data object of an advice API response.
type adviceDocument struct {
	Output *advisor.Advice `json:"output"`
	advisor.Advice
}

// Export renders the allocation or trade plan of an advice document as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	advice, err := a.loadAdvice(ctx, opts.Source)
	if err != nil {
		return err
	}
	if len(advice.Allocation) == 0 && len(advice.Trades) == 0 {
		a.Logger.Info().Str("source", opts.Source).Msg("advice has neither allocation nor trades; nothing to export")
		return nil
	}

	a.Logger.Info().Str("action", string(advice.Action)).
		Int("allocation", len(advice.Allocation)).
		Int("trades", len(advice.Trades)).
		Msg("exporting advice")

	if opts.CSVPath != "" {
		if err := writeAdviceCSV(opts.CSVPath, advice); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		width, height := a.Config.Export.ChartWidth, a.Config.Export.ChartHeight
		if err := writeAdvicePNG(opts.PNGPath, advice, width, height); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) loadAdvice(ctx context.Context, source string) (advisor.Advice, error) {
	if source == "" {
		return advisor.Advice{}, errors.New("--source must be provided")
	}

	var data []byte
	if _, statErr := os.Stat(source); statErr == nil {
		raw, err := os.ReadFile(source)
		if err != nil {
			return advisor.Advice{}, fmt.Errorf("read %s: %w", source, err)
		}
		data = raw
	} else if ipfs.ValidateCID(source) == nil {
		raw, err := a.newContentStore().Retrieve(ctx, source)
		if err != nil {
			return advisor.Advice{}, err
		}
		data = raw
	} else {
		return advisor.Advice{}, fmt.Errorf("%s is neither a readable file nor a CID", source)
	}

	return decodeAdvice(data)
}

func decodeAdvice(data []byte) (advisor.Advice, error) {
	var doc adviceDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return advisor.Advice{}, fmt.Errorf("decode advice: %w", err)
	}
	if doc.Output != nil {
		return *doc.Output, nil
	}
	return doc.Advice, nil
}

func writeAdviceCSV(path string, advice advisor.Advice) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if advice.Action == advisor.ActionTrade {
		if err := writer.Write([]string{"from_asset", "from_chain", "to_asset", "to_chain", "amount", "amount_usd", "reason"}); err != nil {
			return err
		}
		for _, trade := range advice.Trades {
			usd := ""
			if trade.AmountInUSD != nil {
				usd = trade.AmountInUSD.String()
			}
			record := []string{trade.FromAsset, trade.FromChain, trade.ToAsset, trade.ToChain, trade.Amount.String(), usd, sanitizeInline(trade.Reason)}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	} else {
		if err := writer.Write([]string{"asset", "chain", "percentage"}); err != nil {
			return err
		}
		for _, item := range advice.Allocation {
			if err := writer.Write([]string{item.Asset, item.Chain, strconv.FormatInt(item.Percentage, 10)}); err != nil {
				return err
			}
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeAdvicePNG(path string, advice advisor.Advice, width, height int) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if advice.Action == advisor.ActionTrade {
		return tradeChart(advice, width, height).Render(chart.PNG, file)
	}
	return allocationChart(advice, width, height).Render(chart.PNG, file)
}

func allocationChart(advice advisor.Advice, width, height int) chart.PieChart {
	values := make([]chart.Value, 0, len(advice.Allocation))
	for _, item := range advice.Allocation {
		if item.Percentage <= 0 {
			continue
		}
		values = append(values, chart.Value{
			Label: fmt.Sprintf("%s (%s) %d%%", item.Asset, item.Chain, item.Percentage),
			Value: float64(item.Percentage),
		})
	}
	return chart.PieChart{
		Title:  "Recommended Allocation",
		Width:  width,
		Height: height,
		Values: values,
	}
}

func tradeChart(advice advisor.Advice, width, height int) chart.BarChart {
	bars := make([]chart.Value, 0, len(advice.Trades))
	for _, trade := range advice.Trades {
		amount := trade.Amount
		if trade.AmountInUSD != nil {
			amount = *trade.AmountInUSD
		}
		bars = append(bars, chart.Value{
			Label: trade.FromAsset + "->" + trade.ToAsset,
			Value: amount.InexactFloat64(),
		})
	}
	return chart.BarChart{
		Title:    "Trade Plan",
		Width:    width,
		Height:   height,
		BarWidth: 60,
		Bars:     bars,
	}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
