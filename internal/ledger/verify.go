package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"advisor-ledger/internal/apperr"
)

// DefaultVerifyTimeout bounds VerifyTransaction when the caller passes zero.
const DefaultVerifyTimeout = 30 * time.Second

// VerifyTransaction 轮询交易回执直到出现或超时，并解码合约发出的事件。
func (l *Ledger) VerifyTransaction(ctx context.Context, txHash string, timeout time.Duration) (TransactionRecord, error) {
	const op = "verify transaction"

	hash, err := parseHash(op, txHash)
	if err != nil {
		return TransactionRecord{}, err
	}
	if timeout <= 0 {
		timeout = DefaultVerifyTimeout
	}

	backend, err := l.getBackend(ctx)
	if err != nil {
		return TransactionRecord{}, err
	}

	deadline := time.Now().Add(timeout)
	var receipt *types.Receipt
	for {
		receipt, err = backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			break
		}
		if err != nil && !isNotFound(err) {
			return TransactionRecord{}, apperr.New(apperr.KindRemote, op, err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return TransactionRecord{}, apperr.Timeout(op, "no receipt for %s within %s", hash.Hex(), timeout)
		}
		if err := sleepCtx(ctx, min(l.opts.PollInterval, remaining)); err != nil {
			return TransactionRecord{}, apperr.Timeout(op, "waiting for %s: %v", hash.Hex(), err)
		}
	}

	tx, _, err := backend.TransactionByHash(ctx, hash)
	if err != nil {
		return TransactionRecord{}, apperr.New(apperr.KindRemote, op, err)
	}

	record := TransactionRecord{
		Hash:    hash.Hex(),
		Status:  StatusSuccess,
		GasUsed: receipt.GasUsed,
		Events:  l.decodeEvents(receipt.Logs),
	}
	if receipt.BlockNumber != nil {
		record.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == types.ReceiptStatusFailed {
		record.Status = StatusFailure
	}
	if to := tx.To(); to != nil {
		record.To = to.Hex()
	}
	if from, err := types.Sender(senderSigner(tx), tx); err == nil {
		record.From = from.Hex()
	} else {
		l.logger.Warn().Err(err).Str("tx_hash", hash.Hex()).Msg("recover sender failed")
	}
	return record, nil
}

func senderSigner(tx *types.Transaction) types.Signer {
	if id := tx.ChainId(); id != nil && id.Sign() > 0 {
		return types.LatestSignerForChainID(id)
	}
	return types.HomesteadSigner{}
}

// decodeEvents decodes logs emitted by the contract. Undecodable logs are skipped.
func (l *Ledger) decodeEvents(logs []*types.Log) []DecodedEvent {
	events := make([]DecodedEvent, 0, len(logs))
	for _, lg := range logs {
		if lg == nil || lg.Address != l.contract || len(lg.Topics) == 0 {
			continue
		}
		ev, err := l.decodeLog(lg)
		if err != nil {
			l.logger.Warn().Err(err).Str("tx_hash", lg.TxHash.Hex()).Uint("index", lg.Index).Msg("解析事件日志失败")
			continue
		}
		events = append(events, ev)
	}
	return events
}

func (l *Ledger) decodeLog(lg *types.Log) (DecodedEvent, error) {
	event, err := l.abi.EventByID(lg.Topics[0])
	if err != nil {
		return DecodedEvent{}, err
	}

	values := make(map[string]any)
	if len(lg.Data) > 0 {
		if err := l.abi.UnpackIntoMap(values, event.Name, lg.Data); err != nil {
			return DecodedEvent{}, err
		}
	}

	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(values, indexed, lg.Topics[1:]); err != nil {
			return DecodedEvent{}, err
		}
	}

	for k, v := range values {
		values[k] = jsonValue(v)
	}

	return DecodedEvent{
		Event:        event.Name,
		Address:      lg.Address.Hex(),
		BlockNumber:  lg.BlockNumber,
		ReturnValues: values,
	}, nil
}

// jsonValue renders ABI values for JSON: bytes as 0x-hex, addresses checksummed.
func jsonValue(v any) any {
	switch x := v.(type) {
	case [32]byte:
		return hexutil.Encode(x[:])
	case []byte:
		return hexutil.Encode(x)
	case common.Address:
		return x.Hex()
	case common.Hash:
		return x.Hex()
	case *big.Int:
		if x.IsInt64() {
			return x.Int64()
		}
		return x.String()
	default:
		return v
	}
}
