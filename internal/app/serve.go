package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"advisor-ledger/internal/api"
	"advisor-ledger/internal/ledger"
	"advisor-ledger/internal/metrics"
	"advisor-ledger/internal/scheduler"
	"advisor-ledger/internal/signer"
	"advisor-ledger/internal/version"
)

const signerCheckTimeout = 10 * time.Second

// Serve runs the HTTP API until SIGINT/SIGTERM, refreshing the market cache in the background.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; run journal disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	led, err := a.newLedger()
	if err != nil {
		return err
	}
	defer led.Close()

	var m *metrics.Metrics
	if a.Config.Server.MetricsEnabled {
		m = metrics.New(metricsNamespace)
	}

	_, cache := a.newMarket()
	content := a.newContentStore()
	svc := a.newPipeline(cache, content, led, store, m)

	go a.checkSigner(ctx, led, a.newSigner())

	handler := api.New(api.Options{
		Version:        version.Resolve(a.Config.App.Version),
		CORSOrigins:    a.Config.Server.CORSOrigins,
		VerifyTimeout:  a.Config.Chain.VerifyTimeout,
		MetricsEnabled: a.Config.Server.MetricsEnabled,
	}, api.Deps{
		Pipeline: svc,
		Ledger:   led,
		Content:  content,
		Market:   cache,
		Metrics:  m,
	}, a.Logger).Routes()

	srv := &http.Server{
		Addr:              a.Config.Server.Addr(),
		Handler:           handler,
		ReadTimeout:       a.Config.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      a.Config.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info().Str("addr", srv.Addr).
			Str("app", a.Config.App.Name).
			Str("version", version.Resolve(a.Config.App.Version)).
			Str("network", a.Config.Chain.NetworkName).
			Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.Server.ShutdownTimeout)
		defer cancel()
		a.Logger.Info().Msg("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	})

	if interval := a.Config.Market.RefreshInterval; interval > 0 {
		sched := scheduler.New(scheduler.Options{
			Name:      "market-refresh",
			Interval:  interval,
			Immediate: true,
		}, a.Logger)
		g.Go(func() error {
			err := sched.Run(gctx, cache.Refresh)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	} else {
		a.Logger.Info().Msg("market refresh disabled; snapshots fetched on demand")
	}

	if err := g.Wait(); err != nil {
		a.Logger.Error().Err(err).Msg("server terminated with error")
		return err
	}

	a.Logger.Info().Msg("server stopped")
	return nil
}

// checkSigner warns when the contract would reject signatures from the configured key.
func (a *App) checkSigner(ctx context.Context, led *ledger.Ledger, s *signer.Signer) {
	ctx, cancel := context.WithTimeout(ctx, signerCheckTimeout)
	defer cancel()

	local, err := s.Address()
	if err != nil {
		a.Logger.Warn().Err(err).Msg("signer not usable; advice submissions will fail")
		return
	}
	onChain, err := led.AdvisorServer(ctx)
	if err != nil {
		a.Logger.Debug().Err(err).Msg("could not read advisor server from contract")
		return
	}
	if onChain != local {
		a.Logger.Warn().Str("signer", local.Hex()).Str("contract_server", onChain.Hex()).
			Msg("签名地址与合约登记的服务器地址不一致，上链将被拒绝")
	}
}
