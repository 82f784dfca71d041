package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"advisor-ledger/internal/advisor"
	"advisor-ledger/internal/alerting"
	"advisor-ledger/internal/hashcodec"
	"advisor-ledger/internal/ipfs"
	"advisor-ledger/internal/pipeline"
	"advisor-ledger/internal/signer"
)

// Advise runs the full write pipeline once for an input file and prints the result.
func (a *App) Advise(ctx context.Context, opts AdviseOptions) error {
	raw, err := readJSONFile(opts.InputPath)
	if err != nil {
		return err
	}

	var input advisor.InputData
	if err := json.Unmarshal(raw, &input); err != nil {
		return fmt.Errorf("decode input %s: %w", opts.InputPath, err)
	}

	requestHash := opts.RequestHash
	if requestHash == "" {
		if requestHash, err = hashcodec.CanonicalHash(raw); err != nil {
			return err
		}
		a.Logger.Debug().Str("request_hash", requestHash).Msg("request hash derived from input")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	led, err := a.newLedger()
	if err != nil {
		return err
	}
	defer led.Close()

	signal, _ := a.newMarket()
	svc := a.newPipeline(signal, a.newContentStore(), led, store, nil)

	result, err := svc.ProcessAdvice(ctx, pipeline.Request{
		UserAddress: opts.UserAddress,
		Input:       input,
		RawInput:    raw,
		RequestHash: requestHash,
	})
	if err != nil {
		return err
	}
	return a.printJSON(result)
}

// Verify prints the on-chain details of a transaction.
func (a *App) Verify(ctx context.Context, txHash string, timeout time.Duration) error {
	led, err := a.newLedger()
	if err != nil {
		return err
	}
	defer led.Close()

	if timeout <= 0 {
		timeout = a.Config.Chain.VerifyTimeout
	}
	record, err := led.VerifyTransaction(ctx, txHash, timeout)
	if err != nil {
		return err
	}
	return a.printJSON(record)
}

// History prints every record the contract holds for user.
func (a *App) History(ctx context.Context, user string) error {
	led, err := a.newLedger()
	if err != nil {
		return err
	}
	defer led.Close()

	records, err := led.History(ctx, user)
	if err != nil {
		return err
	}
	return a.printJSON(records)
}

// Fetch retrieves pinned content. With outPath set the raw bytes are written there.
func (a *App) Fetch(ctx context.Context, cid, outPath string) error {
	if err := ipfs.ValidateCID(cid); err != nil {
		return err
	}
	store := a.newContentStore()

	if outPath != "" {
		data, err := store.Retrieve(ctx, cid)
		if err != nil {
			return err
		}
		if err := ensureDir(outPath); err != nil {
			return err
		}
		return os.WriteFile(outPath, data, 0o644)
	}

	doc, err := store.RetrieveJSON(ctx, cid)
	if err != nil {
		return err
	}
	return a.printJSON(doc)
}

// Market prints a freshly fetched market snapshot.
func (a *App) Market(ctx context.Context) error {
	signal, _ := a.newMarket()
	return a.printJSON(signal.FetchAll(ctx))
}

// Sign signs message with the configured server key and prints the signature.
func (a *App) Sign(message string) error {
	signed, err := a.newSigner().Sign(message, 0)
	if err != nil {
		return err
	}
	return a.printJSON(signed)
}

// VerifySignature prints the address that produced signature over message.
func (a *App) VerifySignature(message, signature string) error {
	addr, err := signer.Recover(message, signature)
	if err != nil {
		return err
	}
	out := map[string]string{"message": message, "signer": addr.Hex()}
	if expected := a.Config.Chain.ServerAddress; expected != "" {
		out["expected"] = expected
		if !equalAddress(expected, addr.Hex()) {
			_ = a.printJSON(out)
			return errors.New("signature was not produced by the configured server address")
		}
	}
	return a.printJSON(out)
}

// Hash prints the canonical keccak256 and sha256 of a JSON file, i.e. the requestHash a
// client should send for it.
func (a *App) Hash(path string) error {
	raw, err := readJSONFile(path)
	if err != nil {
		return err
	}
	keccak, err := hashcodec.CanonicalHash(raw)
	if err != nil {
		return err
	}
	sha, err := hashcodec.SHA256Hex(raw)
	if err != nil {
		return err
	}
	return a.printJSON(map[string]string{"keccak256": keccak, "sha256": sha})
}

// AlertTest 发送一条模拟的流水线失败告警，用于验证告警通道配置。
func (a *App) AlertTest(ctx context.Context) error {
	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	note := alerting.Notification{
		RunID: "simulated",
		Stage: string(pipeline.StateConfirmed),
		Kind:  "chain",
		Err:   "simulated failure from advisord alert-test",
		At:    time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(ctx, alertTimeout)
	defer cancel()
	if err := notifier.Notify(ctx, note); err != nil {
		return fmt.Errorf("send test alert: %w", err)
	}
	a.Logger.Info().Msg("test alert sent")
	return nil
}

func readJSONFile(path string) (json.RawMessage, error) {
	if path == "" {
		return nil, errors.New("input path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s is not valid JSON", path)
	}
	return json.RawMessage(data), nil
}
