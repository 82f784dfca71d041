package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"advisor-ledger/internal/ledger"
	"advisor-ledger/internal/pipeline"
	"advisor-ledger/internal/storage"
)

const reconcileVerifyTimeout = 15 * time.Second

type runUpdater interface {
	UpdateRun(ctx context.Context, run *storage.Run) error
}

type txVerifier interface {
	VerifyTransaction(ctx context.Context, txHash string, timeout time.Duration) (ledger.TransactionRecord, error)
}

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Checked   int
	Abandoned int
	Verified  int
	Mismatch  int
	Errors    int
}

// Reconcile 对账：将长时间停留在中间状态的运行标记为失败，并复核已确认运行的链上交易状态。
func (a *App) Reconcile(ctx context.Context, opts ReconcileOptions) error {
	if opts.Limit <= 0 {
		return errors.New("--limit must be greater than zero")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法对账")
	}
	defer closeStore()

	led, err := a.newLedger()
	if err != nil {
		return err
	}
	defer led.Close()

	runs, err := store.ListRecentRuns(ctx, opts.Limit)
	if err != nil {
		return err
	}

	var updater runUpdater = store
	if opts.DryRun {
		a.Logger.Warn().Msg("对账 dry-run：不会写入数据库")
		updater = nil
	}

	report, err := a.reconcileRuns(ctx, runs, updater, led, opts, time.Now().UTC())
	if err != nil {
		return err
	}

	a.Logger.Info().
		Int("checked", report.Checked).
		Int("abandoned", report.Abandoned).
		Int("verified", report.Verified).
		Int("mismatch", report.Mismatch).
		Int("errors", report.Errors).
		Msg("对账完成")
	if report.Mismatch > 0 || report.Errors > 0 {
		return fmt.Errorf("reconcile found %d mismatched and %d unverifiable runs", report.Mismatch, report.Errors)
	}
	return nil
}

// reconcileRuns processes runs with up to opts.Workers concurrent chain lookups.
// updater may be nil for a dry run.
func (a *App) reconcileRuns(ctx context.Context, runs []storage.Run, updater runUpdater, verifier txVerifier, opts ReconcileOptions, now time.Time) (ReconcileReport, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	var (
		mu     sync.Mutex
		report ReconcileReport
	)
	count := func(f func(r *ReconcileReport)) {
		mu.Lock()
		f(&report)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range runs {
		run := runs[i]
		state := pipeline.State(run.State)
		count(func(r *ReconcileReport) { r.Checked++ })

		switch {
		case !state.Terminal():
			if opts.StaleAfter <= 0 || now.Sub(run.UpdatedAt) < opts.StaleAfter {
				continue
			}
			if err := a.abandon(gctx, updater, &run, state); err != nil {
				a.Logger.Error().Err(err).Str("run_id", run.ID.String()).Msg("标记运行失败时出错")
				count(func(r *ReconcileReport) { r.Errors++ })
				continue
			}
			count(func(r *ReconcileReport) { r.Abandoned++ })

		case state == pipeline.StateConfirmed && run.TxHash != "":
			g.Go(func() error {
				vctx, cancel := context.WithTimeout(gctx, reconcileVerifyTimeout)
				defer cancel()

				record, err := verifier.VerifyTransaction(vctx, run.TxHash, reconcileVerifyTimeout)
				switch {
				case err != nil:
					if gctx.Err() != nil {
						return gctx.Err()
					}
					a.Logger.Warn().Err(err).Str("run_id", run.ID.String()).Str("tx_hash", run.TxHash).Msg("复核交易失败")
					count(func(r *ReconcileReport) { r.Errors++ })
				case record.Status != ledger.StatusSuccess:
					a.Logger.Error().Str("run_id", run.ID.String()).Str("tx_hash", run.TxHash).
						Str("status", record.Status).Msg("已确认运行的链上交易状态异常")
					count(func(r *ReconcileReport) { r.Mismatch++ })
				default:
					count(func(r *ReconcileReport) { r.Verified++ })
				}
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, nil
}

func (a *App) abandon(ctx context.Context, updater runUpdater, run *storage.Run, from pipeline.State) error {
	if !pipeline.CanTransition(from, pipeline.StateFailed) {
		return fmt.Errorf("run %s cannot leave state %s", run.ID, from)
	}
	a.Logger.Warn().Str("run_id", run.ID.String()).Str("state", string(from)).
		Time("updated_at", run.UpdatedAt).Msg("运行长时间未推进，标记为失败")
	if updater == nil {
		return nil
	}

	msg := fmt.Sprintf("abandoned in state %s", from)
	run.State = string(pipeline.StateFailed)
	run.Error = &msg
	return updater.UpdateRun(ctx, run)
}
