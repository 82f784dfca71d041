package app

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"advisor-ledger/internal/advisor"
	"advisor-ledger/internal/alerting"
	"advisor-ledger/internal/config"
	"advisor-ledger/internal/ipfs"
	"advisor-ledger/internal/ledger"
	"advisor-ledger/internal/market"
	"advisor-ledger/internal/metrics"
	"advisor-ledger/internal/pipeline"
	"advisor-ledger/internal/signer"
	"advisor-ledger/internal/storage"
)

const (
	metricsNamespace = "advisor"
	alertTimeout     = 10 * time.Second
	userAgent        = "advisor-ledger"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output. Defaults to stdout.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newMarket() (*market.Signal, *market.Cache) {
	cfg := a.Config.Market
	signal := market.NewSignal(market.Options{
		FearGreedURL: cfg.FearGreedURL,
		GasAPIURL:    cfg.GasAPIURL,
		InfuraAPIKey: cfg.InfuraAPIKey,
		GasChainID:   cfg.GasChainID,
		Timeout:      cfg.Timeout,
		UserAgent:    userAgent,
	}, a.Logger)
	return signal, market.NewCache(signal, cfg.CacheTTL)
}

func (a *App) newAdvisor(provider market.Provider) *advisor.Client {
	cfg := a.Config.Advice
	return advisor.New(advisor.Options{
		APIURL:      cfg.APIURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Timeout:     cfg.Timeout,
		UserAgent:   userAgent,
	}, provider, a.Logger)
}

func (a *App) newContentStore() *ipfs.Store {
	cfg := a.Config.IPFS
	return ipfs.New(ipfs.Options{
		PinURL:     cfg.PinURL,
		JWT:        cfg.JWT,
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		GatewayURL: cfg.GatewayURL,
		Timeout:    cfg.Timeout,
		CacheSize:  cfg.CacheSize,
	}, a.Logger)
}

func (a *App) newSigner() *signer.Signer {
	return signer.New(signer.Options{
		PrivateKey:    a.Config.Chain.PrivateKey,
		ServerAddress: a.Config.Chain.ServerAddress,
	}, a.Logger)
}

func (a *App) newLedger() (*ledger.Ledger, error) {
	cfg := a.Config.Chain
	return ledger.New(ledger.Options{
		RPCURL:             cfg.RPCURL,
		ContractAddress:    cfg.ContractAddress,
		ContractABI:        cfg.ContractABI,
		PrivateKey:         cfg.PrivateKey,
		ChainID:            cfg.ChainID,
		NetworkName:        cfg.NetworkName,
		GasLimit:           cfg.GasLimit,
		GasPriceMultiplier: cfg.GasPriceMultiplier,
		MaxAttempts:        cfg.MaxAttempts,
		RetryBackoff:       cfg.RetryBackoff,
		ReceiptTimeout:     cfg.ReceiptTimeout,
		PollInterval:       cfg.PollInterval,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(alerting.TelegramOptions{
			BotToken: cfg.BotToken,
			ChatID:   cfg.ChatID,
			APIBase:  cfg.APIBase,
			Timeout:  alertTimeout,
			Cooldown: a.Config.Alerting.Cooldown,
		}, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	return store, store.Close, nil
}

// newPipeline wires the write pipeline. store and m may be nil.
func (a *App) newPipeline(provider market.Provider, content ipfs.Pinner, led *ledger.Ledger, store *storage.Store, m *metrics.Metrics) *pipeline.Service {
	deps := pipeline.Deps{
		Advisor: a.newAdvisor(provider),
		Pinner:  content,
		Signer:  a.newSigner(),
		Ledger:  led,
		Metrics: m,
	}
	if notifier := a.newNotifier(); notifier != nil {
		deps.Notifier = notifier
	}
	if store != nil {
		deps.Journal = store
		if a.Config.Database.LockRequests {
			deps.Locker = store
		}
	}
	return pipeline.New(pipeline.Options{EnforceRequestHash: a.Config.Advice.EnforceRequestHash}, deps, a.Logger)
}

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// AdviseOptions configure a one-off pipeline run from the CLI.
type AdviseOptions struct {
	InputPath   string
	UserAddress string
	// RequestHash defaults to the canonical hash of the input file.
	RequestHash string
}

// ExportOptions hold parameters for exporting an advice document.
type ExportOptions struct {
	// Source is a local JSON file or a CID.
	Source  string
	PNGPath string
	CSVPath string
}

// RunsOptions configure the runs command.
type RunsOptions struct {
	Limit int
	User  string
}

// ReconcileOptions configure the journal reconciliation job.
type ReconcileOptions struct {
	Limit      int
	StaleAfter time.Duration
	DryRun     bool
	Workers    int
}
