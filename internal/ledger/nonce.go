package ledger

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// nonceManager hands out account nonces to concurrent submissions from one key.
//
// 一个 nonce 从分配到该次提交结束一直保留；节点的 pending nonce 只统计已进入交易池的连续交易，
// 因此未能广播的提交释放后，其 nonce 会被下一次分配重新使用，不会留下空洞。
type nonceManager struct {
	mu       sync.Mutex
	reserved map[uint64]struct{}
}

// reserve returns the lowest nonce at or above the node's pending nonce that no
// in-flight submission holds.
func (m *nonceManager) reserve(ctx context.Context, backend Backend, from common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := backend.PendingNonceAt(ctx, from)
	if err != nil {
		return 0, err
	}
	if m.reserved == nil {
		m.reserved = make(map[uint64]struct{})
	}
	for {
		if _, held := m.reserved[n]; !held {
			break
		}
		n++
	}
	m.reserved[n] = struct{}{}
	return n, nil
}

func (m *nonceManager) release(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, n)
}

func (m *nonceManager) inFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reserved)
}

// isNonceTooLow: a transaction with this nonce is already mined.
func isNonceTooLow(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

// isAlreadyKnown: the node already holds this exact transaction.
func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}
