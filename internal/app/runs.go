package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"advisor-ledger/internal/storage"
)

// Runs prints recent pipeline runs from the journal.
func (a *App) Runs(ctx context.Context, opts RunsOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot list runs")
	}
	defer closeStore()

	var runs []storage.Run
	if opts.User != "" {
		if !common.IsHexAddress(opts.User) {
			return fmt.Errorf("invalid --user address %q", opts.User)
		}
		runs, err = store.ListRunsByUser(ctx, common.HexToAddress(opts.User).Hex(), opts.Limit)
	} else {
		runs, err = store.ListRecentRuns(ctx, opts.Limit)
	}
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(a.Out, "no runs found")
		return nil
	}

	a.writeRuns(runs)
	return nil
}

func (a *App) writeRuns(runs []storage.Run) {
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tRun\tUser\tState\tAttempts\tCID\tTx\tError")

	for _, run := range runs {
		errMsg := ""
		if run.Error != nil {
			errMsg = sanitizeInline(*run.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			run.CreatedAt.UTC().Format(time.RFC3339),
			shortID(run.ID.String()),
			run.UserAddress,
			run.State,
			run.Attempts,
			run.CID,
			run.TxHash,
			errMsg,
		)
	}

	writer.Flush()
}

// Prune deletes journal entries created before now-olderThan.
func (a *App) Prune(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return errors.New("--older-than must be greater than zero")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; nothing to prune")
	}
	defer closeStore()

	cutoff := time.Now().UTC().Add(-olderThan)
	deleted, err := store.DeleteRunsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	a.Logger.Info().Time("cutoff", cutoff).Int64("deleted", deleted).Msg("journal pruned")
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func equalAddress(a, b string) bool {
	return common.IsHexAddress(a) && common.IsHexAddress(b) && common.HexToAddress(a) == common.HexToAddress(b)
}
