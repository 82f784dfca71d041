package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"advisor-ledger/internal/apperr"
)

// replacementBump is the minimum price increase a node accepts for a same-nonce replacement.
var replacementBump = decimal.RequireFromString("1.1")

// AttemptObserver is notified after every submission attempt. Optional.
type AttemptObserver func(attempt int, err error)

// submission tracks one logical recordRequest call across retries.
type submission struct {
	nonce     uint64
	haveNonce bool
	// broadcast is set once a transaction at nonce may have reached the node.
	broadcast bool
	lastPrice *big.Int
	// sent holds every signed hash, recorded before it is broadcast.
	sent []common.Hash
}

// SubmitRecord 调用 recordRequest 上链存证并等待回执。
//
// 同一次调用的所有重试共用同一个 nonce；每次重建交易前先检查已签名交易的回执，
// 已上链则直接返回，因此一次调用至多确认一笔交易。只有 nonce 被其他交易占用且
// 本次调用的交易均未上链时才换用新 nonce。并发调用由 nonceManager 分配互不冲突的 nonce。
// 合约回滚不重试。
func (l *Ledger) SubmitRecord(ctx context.Context, user, requestHash, cid, signature string) (string, error) {
	return l.SubmitRecordObserved(ctx, user, requestHash, cid, signature, nil)
}

// SubmitRecordObserved is SubmitRecord with a per-attempt callback.
func (l *Ledger) SubmitRecordObserved(ctx context.Context, user, requestHash, cid, signature string, observe AttemptObserver) (string, error) {
	const op = "submit record"

	if l.key == nil {
		return "", apperr.Config(op, "private key not configured")
	}
	if !common.IsHexAddress(user) {
		return "", apperr.Input(op, "invalid user address %q", user)
	}
	userAddr := common.HexToAddress(user)

	reqHash, err := parseHash(op, requestHash)
	if err != nil {
		return "", err
	}
	sig, err := hexutil.Decode(ensure0x(signature))
	if err != nil {
		return "", apperr.Input(op, "invalid signature hex: %v", err)
	}

	backend, err := l.getBackend(ctx)
	if err != nil {
		return "", err
	}

	data, err := l.abi.Pack(methodRecordRequest, userAddr, [32]byte(reqHash), cid, sig)
	if err != nil {
		return "", fmt.Errorf("pack %s: %w", methodRecordRequest, err)
	}

	if err := l.preflight(ctx, backend, data); err != nil {
		return "", err
	}

	log := l.logger.With().Str("user", userAddr.Hex()).Str("cid", cid).Logger()
	sub := &submission{}
	defer func() {
		if sub.haveNonce {
			l.nonces.release(sub.nonce)
		}
	}()

	var lastErr error
	for attempt := 1; attempt <= l.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			if hash, done, err := l.checkSent(ctx, backend, sub); done {
				return hash, err
			}
		}

		hash, err := l.attempt(ctx, backend, sub, data)
		if observe != nil {
			observe(attempt, err)
		}
		if err == nil {
			log.Info().Str("tx_hash", hash).Int("attempt", attempt).Msg("交易已确认")
			return hash, nil
		}
		if !apperr.Is(err, apperr.KindTransient) {
			log.Error().Err(err).Int("attempt", attempt).Msg("交易失败，不再重试")
			return "", err
		}

		lastErr = err
		if attempt == l.opts.MaxAttempts {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", l.opts.MaxAttempts).Msg("上链失败，准备重试")
		if err := sleepCtx(ctx, l.opts.RetryBackoff); err != nil {
			return "", apperr.New(apperr.KindTimeout, op, err)
		}
	}

	// 超时后才上链的交易在这里被发现。
	if hash, done, err := l.checkSent(ctx, backend, sub); done {
		return hash, err
	}

	log.Error().Err(lastErr).Int("attempts", l.opts.MaxAttempts).Msg("重试耗尽")
	return "", lastErr
}

// preflight simulates the call. A revert becomes a chain error; other failures are only logged.
func (l *Ledger) preflight(ctx context.Context, backend Backend, data []byte) error {
	msg := ethereum.CallMsg{From: l.from, To: &l.contract, Gas: l.opts.GasLimit, Data: data}
	if _, err := backend.CallContract(ctx, msg, nil); err != nil {
		if isRevert(err) {
			return apperr.Chain("submit record", "execution reverted: %v", err)
		}
		l.logger.Warn().Err(err).Msg("preflight call failed; submitting anyway")
	}
	return nil
}

// attempt builds, signs, broadcasts and waits for one transaction.
func (l *Ledger) attempt(ctx context.Context, backend Backend, sub *submission, data []byte) (string, error) {
	const op = "submit record"

	if !sub.haveNonce {
		nonce, err := l.nonces.reserve(ctx, backend, l.from)
		if err != nil {
			return "", apperr.Transient(op, fmt.Errorf("get nonce: %w", err))
		}
		sub.nonce, sub.haveNonce = nonce, true
	}

	price, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", apperr.Transient(op, fmt.Errorf("suggest gas price: %w", err))
	}
	price = scale(price, l.opts.GasPriceMultiplier)
	if sub.lastPrice != nil {
		if floor := scale(sub.lastPrice, replacementBump); price.Cmp(floor) < 0 {
			price = floor
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    sub.nonce,
		GasPrice: price,
		Gas:      l.opts.GasLimit,
		To:       &l.contract,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(l.chainID), l.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	// 广播前记录哈希：请求到达节点但响应丢失时仍能查到回执。
	sub.sent = append(sub.sent, signed.Hash())
	if err := backend.SendTransaction(ctx, signed); err != nil {
		switch {
		case isAlreadyKnown(err):
			l.logger.Debug().Str("tx_hash", signed.Hash().Hex()).Msg("transaction already in pool")
		case isNonceTooLow(err):
			return l.nonceConsumed(ctx, backend, sub)
		case isInsufficientFunds(err):
			return "", apperr.Chain(op, "send transaction: %v", err)
		default:
			sub.broadcast = true
			sub.lastPrice = price
			return "", apperr.Transient(op, fmt.Errorf("send transaction: %w", err))
		}
	}
	sub.broadcast = true
	sub.lastPrice = price

	l.logger.Info().
		Str("tx_hash", signed.Hash().Hex()).
		Uint64("nonce", sub.nonce).
		Str("gas_price", price.String()).
		Msg("交易已广播，等待回执")

	return l.waitReceipt(ctx, backend, sub.sent)
}

// waitReceipt polls every sent hash until one is mined or the receipt timeout elapses.
func (l *Ledger) waitReceipt(ctx context.Context, backend Backend, hashes []common.Hash) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	for {
		for _, h := range hashes {
			receipt, err := backend.TransactionReceipt(ctx, h)
			if err != nil {
				if !isNotFound(err) {
					l.logger.Debug().Err(err).Str("tx_hash", h.Hex()).Msg("receipt lookup failed")
				}
				continue
			}
			return receiptOutcome(h, receipt)
		}

		select {
		case <-ctx.Done():
			return "", apperr.Transient("submit record", fmt.Errorf("no receipt after %s: %w", l.opts.ReceiptTimeout, ctx.Err()))
		case <-ticker.C:
		}
	}
}

// nonceConsumed handles a "nonce too low" rejection. When one of our own
// transactions may hold the nonce its receipt is awaited; otherwise another
// transaction took it and the submission moves to a fresh nonce.
func (l *Ledger) nonceConsumed(ctx context.Context, backend Backend, sub *submission) (string, error) {
	const op = "submit record"

	if hash, done, err := l.checkSent(ctx, backend, sub); done {
		return hash, err
	}
	if sub.broadcast {
		hash, err := l.waitReceipt(ctx, backend, sub.sent)
		if !apperr.Is(err, apperr.KindTransient) {
			return hash, err
		}
	}

	used := sub.nonce
	l.logger.Warn().Uint64("nonce", used).Msg("nonce 已被其他交易占用，重新分配")
	l.nonces.release(used)
	sub.haveNonce, sub.broadcast, sub.lastPrice = false, false, nil
	return "", apperr.Transient(op, fmt.Errorf("send transaction: nonce %d already used", used))
}

// checkSent looks for a receipt of any previously broadcast transaction.
func (l *Ledger) checkSent(ctx context.Context, backend Backend, sub *submission) (string, bool, error) {
	for _, h := range sub.sent {
		receipt, err := backend.TransactionReceipt(ctx, h)
		if err != nil {
			continue
		}
		hash, err := receiptOutcome(h, receipt)
		return hash, true, err
	}
	return "", false, nil
}

func receiptOutcome(h common.Hash, receipt *types.Receipt) (string, error) {
	if receipt.Status == types.ReceiptStatusFailed {
		return "", apperr.Chain("submit record", "transaction %s reverted in block %s", h.Hex(), receipt.BlockNumber)
	}
	return h.Hex(), nil
}

func scale(v *big.Int, factor decimal.Decimal) *big.Int {
	return decimal.NewFromBigInt(v, 0).Mul(factor).Floor().BigInt()
}

// isRevert recognises execution reverts reported by eth_call.
func isRevert(err error) bool {
	var dataErr interface{ ErrorData() interface{} }
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func isInsufficientFunds(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "insufficient funds")
}

func ensure0x(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return "0x" + s[2:]
	}
	return "0x" + s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
