package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"advisor-ledger/internal/apperr"
)

const (
	testKeyHex   = "289c2857d4598e37fb9647507e47a309d6133539bf21a8b9cb6df88fd5232032"
	testContract = "0x950c656375dbeb78a59a498c69df136fc35f9fcc"
	testUser     = "0x1111111111111111111111111111111111111111"
	testReqHash  = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testCID      = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"
	testSig      = "0x" + "11111111111111111111111111111111111111111111111111111111111111112222222222222222222222222222222222222222222222222222222222222222" + "1b"
)

type revertError struct{}

func (revertError) Error() string          { return "execution reverted: caller is not advisor" }
func (revertError) ErrorData() interface{} { return "0x08c379a0" }

// fakeBackend simulates a chain. Receipts become visible after minedAfter lookups.
type fakeBackend struct {
	mu sync.Mutex

	chainID    *big.Int
	gasPrice   *big.Int
	nonce      uint64
	nonceCalls int

	callResult []byte
	callErr    error

	sendErrs []error
	// acceptErrs: the transaction reaches the pool but the reply is lost.
	acceptErrs []error
	sent       []*types.Transaction

	// strictNonce rejects a nonce already taken by another transaction and
	// advances the pending nonce on every accepted send.
	strictNonce bool
	usedNonces  map[uint64]common.Hash

	minedAfter map[common.Hash]int
	lookups    map[common.Hash]int
	receipts   map[common.Hash]*types.Receipt
	// receiptFor decides, at send time, how a transaction will be mined. nil means never.
	receiptFor func(index int, tx *types.Transaction) (*types.Receipt, int)

	txs map[common.Hash]*types.Transaction
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:    big.NewInt(11155111),
		gasPrice:   big.NewInt(1_000_000_000),
		nonce:      7,
		minedAfter: map[common.Hash]int{},
		lookups:    map[common.Hash]int{},
		receipts:   map[common.Hash]*types.Receipt{},
		txs:        map[common.Hash]*types.Transaction{},
		usedNonces: map[uint64]common.Hash{},
	}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceCalls++
	return f.nonce, nil
}

func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return f.callResult, f.callErr
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := len(f.sent)
	f.sent = append(f.sent, tx)
	if idx < len(f.sendErrs) && f.sendErrs[idx] != nil {
		return f.sendErrs[idx]
	}
	if f.strictNonce {
		if owner, used := f.usedNonces[tx.Nonce()]; used {
			if owner == tx.Hash() {
				return errors.New("already known")
			}
			for n := range f.usedNonces {
				if n >= f.nonce {
					f.nonce = n + 1
				}
			}
			return fmt.Errorf("nonce too low: next nonce %d, tx nonce %d", f.nonce, tx.Nonce())
		}
		f.usedNonces[tx.Nonce()] = tx.Hash()
		if tx.Nonce() >= f.nonce {
			f.nonce = tx.Nonce() + 1
		}
	}
	f.txs[tx.Hash()] = tx
	if f.receiptFor != nil {
		if receipt, after := f.receiptFor(idx, tx); receipt != nil {
			f.receipts[tx.Hash()] = receipt
			f.minedAfter[tx.Hash()] = after
		}
	}
	if idx < len(f.acceptErrs) && f.acceptErrs[idx] != nil {
		return f.acceptErrs[idx]
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	receipt, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	f.lookups[h]++
	if f.lookups[h] <= f.minedAfter[h] {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *fakeBackend) TransactionByHash(_ context.Context, h common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[h]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}

func (f *fakeBackend) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func successReceipt(tx *types.Transaction) *types.Receipt {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash(), BlockNumber: big.NewInt(100), GasUsed: 54321}
}

func newTestLedger(t *testing.T, backend Backend) *Ledger {
	t.Helper()
	l, err := NewWithBackend(Options{
		ContractAddress: testContract,
		PrivateKey:      testKeyHex,
		ChainID:         11155111,
		RetryBackoff:    -1,
		ReceiptTimeout:  50 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
	}, backend, zerolog.Nop())
	if err != nil {
		t.Fatalf("构造 ledger 失败: %v", err)
	}
	return l
}

func TestSubmitRecordRetriesTransientFailures(t *testing.T) {
	fb := newFakeBackend()
	fb.sendErrs = []error{errors.New("connection reset by peer"), errors.New("i/o timeout")}
	fb.receiptFor = func(_ int, tx *types.Transaction) (*types.Receipt, int) { return successReceipt(tx), 0 }

	var attempts []int
	l := newTestLedger(t, fb)
	hash, err := l.SubmitRecordObserved(context.Background(), testUser, testReqHash, testCID, testSig, func(attempt int, err error) {
		attempts = append(attempts, attempt)
	})
	if err != nil {
		t.Fatalf("第三次尝试应成功: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("应尝试 3 次, 实际 %v", attempts)
	}
	if fb.nonceCalls != 1 {
		t.Fatalf("nonce 只应获取一次, 实际 %d", fb.nonceCalls)
	}
	for _, tx := range fb.sent {
		if tx.Nonce() != 7 {
			t.Fatalf("所有重试应复用同一 nonce, 实际 %d", tx.Nonce())
		}
	}
	confirmed := 0
	for h := range fb.receipts {
		if h.Hex() == hash {
			confirmed++
		}
	}
	if len(fb.receipts) != 1 || confirmed != 1 {
		t.Fatalf("一次调用只应确认一笔交易, receipts=%d", len(fb.receipts))
	}
}

func TestSubmitRecordReturnsLateReceiptInsteadOfResending(t *testing.T) {
	fb := newFakeBackend()
	// 第一笔交易在等待超时后才上链。
	fb.receiptFor = func(idx int, tx *types.Transaction) (*types.Receipt, int) {
		if idx == 0 {
			return successReceipt(tx), 1_000_000
		}
		return successReceipt(tx), 0
	}

	l := newTestLedger(t, fb)
	var once sync.Once
	hash, err := l.SubmitRecordObserved(context.Background(), testUser, testReqHash, testCID, testSig, func(int, error) {
		once.Do(func() {
			fb.mu.Lock()
			fb.minedAfter[fb.sent[0].Hash()] = 0
			fb.mu.Unlock()
		})
	})
	if err != nil {
		t.Fatalf("不应失败: %v", err)
	}
	if fb.sentCount() != 1 {
		t.Fatalf("已上链的交易不应重发, 发送次数 %d", fb.sentCount())
	}
	if hash != fb.sent[0].Hash().Hex() {
		t.Fatalf("应返回第一笔交易哈希")
	}
}

func TestSubmitRecordFindsTransactionBehindLostReply(t *testing.T) {
	fb := newFakeBackend()
	fb.acceptErrs = []error{errors.New("write tcp 10.0.0.2:51234->10.0.0.9:443: i/o timeout")}
	fb.sendErrs = []error{nil, errors.New("nonce too low"), errors.New("nonce too low")}
	fb.receiptFor = func(_ int, tx *types.Transaction) (*types.Receipt, int) { return successReceipt(tx), 0 }

	l := newTestLedger(t, fb)
	hash, err := l.SubmitRecord(context.Background(), testUser, testReqHash, testCID, testSig)
	if err != nil {
		t.Fatalf("交易已上链，不应报告失败: %v", err)
	}
	if hash != fb.sent[0].Hash().Hex() {
		t.Fatalf("应返回已上链的第一笔交易: %s", hash)
	}
	if fb.sentCount() != 1 {
		t.Fatalf("找到回执后不应重发, 发送次数 %d", fb.sentCount())
	}
	if l.nonces.inFlight() != 0 {
		t.Fatal("提交结束后 nonce 应释放")
	}
}

func TestSubmitRecordWaitsForOwnTransactionOnNonceTooLow(t *testing.T) {
	fb := newFakeBackend()
	fb.acceptErrs = []error{errors.New("i/o timeout")}
	fb.sendErrs = []error{nil, errors.New("nonce too low")}
	// 第一笔交易的回执在第三次查询时才可见。
	fb.receiptFor = func(idx int, tx *types.Transaction) (*types.Receipt, int) {
		if idx == 0 {
			return successReceipt(tx), 2
		}
		return nil, 0
	}

	l := newTestLedger(t, fb)
	hash, err := l.SubmitRecord(context.Background(), testUser, testReqHash, testCID, testSig)
	if err != nil {
		t.Fatalf("应等到自己的交易上链: %v", err)
	}
	if hash != fb.sent[0].Hash().Hex() {
		t.Fatalf("应返回第一笔交易哈希: %s", hash)
	}
	if fb.nonceCalls != 1 {
		t.Fatalf("nonce 属于自己的交易时不应重新分配, 获取次数 %d", fb.nonceCalls)
	}
}

func TestSubmitRecordMovesToFreshNonceWhenTaken(t *testing.T) {
	fb := newFakeBackend()
	fb.strictNonce = true
	fb.usedNonces[7] = common.HexToHash("0x01")
	fb.receiptFor = func(_ int, tx *types.Transaction) (*types.Receipt, int) { return successReceipt(tx), 0 }

	l := newTestLedger(t, fb)
	hash, err := l.SubmitRecord(context.Background(), testUser, testReqHash, testCID, testSig)
	if err != nil {
		t.Fatalf("nonce 被占用后应换用新 nonce: %v", err)
	}
	if fb.sentCount() != 2 || hash != fb.sent[1].Hash().Hex() {
		t.Fatalf("应在第二笔交易确认, 发送次数 %d", fb.sentCount())
	}
	if fb.sent[1].Nonce() != 8 {
		t.Fatalf("新 nonce 应为 8, 实际 %d", fb.sent[1].Nonce())
	}
}

func TestSubmitRecordConcurrentCallsUseDistinctNonces(t *testing.T) {
	fb := newFakeBackend()
	fb.strictNonce = true
	fb.receiptFor = func(_ int, tx *types.Transaction) (*types.Receipt, int) { return successReceipt(tx), 1 }

	l := newTestLedger(t, fb)
	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	hashes := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reqHash := "0x" + strings.Repeat(fmt.Sprintf("%02x", i+1), 32)
			hashes[i], errs[i] = l.SubmitRecord(context.Background(), testUser, reqHash, testCID, testSig)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil || hashes[i] == "" {
			t.Fatalf("并发请求 %d 失败: %v", i, err)
		}
	}
	if fb.sentCount() != n {
		t.Fatalf("并发请求不应互相占用 nonce, 发送次数 %d", fb.sentCount())
	}
	seen := map[uint64]bool{}
	for _, tx := range fb.sent {
		if seen[tx.Nonce()] {
			t.Fatalf("nonce %d 被重复使用", tx.Nonce())
		}
		seen[tx.Nonce()] = true
	}
	if l.nonces.inFlight() != 0 {
		t.Fatal("提交结束后 nonce 应全部释放")
	}
}

func TestNonceManagerFillsReleasedGap(t *testing.T) {
	fb := newFakeBackend()
	var m nonceManager
	from := common.HexToAddress(testUser)

	a, _ := m.reserve(context.Background(), fb, from)
	b, _ := m.reserve(context.Background(), fb, from)
	if a != 7 || b != 8 {
		t.Fatalf("应依次分配 7 和 8, 实际 %d %d", a, b)
	}
	m.release(a)
	c, _ := m.reserve(context.Background(), fb, from)
	if c != 7 {
		t.Fatalf("未广播的 nonce 释放后应被重新使用, 实际 %d", c)
	}
}

func TestSubmitRecordBumpsReplacementGasPrice(t *testing.T) {
	fb := newFakeBackend()
	fb.receiptFor = func(idx int, tx *types.Transaction) (*types.Receipt, int) {
		if idx == 0 {
			return nil, 0
		}
		return successReceipt(tx), 0
	}

	l := newTestLedger(t, fb)
	if _, err := l.SubmitRecord(context.Background(), testUser, testReqHash, testCID, testSig); err != nil {
		t.Fatalf("替换交易应成功: %v", err)
	}
	if fb.sentCount() != 2 {
		t.Fatalf("应发送 2 笔交易, 实际 %d", fb.sentCount())
	}

	first, second := fb.sent[0], fb.sent[1]
	if first.GasPrice().Cmp(big.NewInt(1_100_000_000)) != 0 {
		t.Fatalf("gas price 应为网络价格 × 1.1, 实际 %s", first.GasPrice())
	}
	floor := new(big.Int).Div(new(big.Int).Mul(first.GasPrice(), big.NewInt(11)), big.NewInt(10))
	if second.GasPrice().Cmp(floor) < 0 {
		t.Fatalf("替换交易 gas price 至少提高 10%%: %s -> %s", first.GasPrice(), second.GasPrice())
	}
	if first.Nonce() != second.Nonce() || first.Gas() != 2_000_000 {
		t.Fatalf("nonce 或 gas limit 不正确")
	}
}

func TestSubmitRecordRevertNotRetried(t *testing.T) {
	fb := newFakeBackend()
	fb.receiptFor = func(_ int, tx *types.Transaction) (*types.Receipt, int) {
		r := successReceipt(tx)
		r.Status = types.ReceiptStatusFailed
		return r, 0
	}

	l := newTestLedger(t, fb)
	_, err := l.SubmitRecord(context.Background(), testUser, testReqHash, testCID, testSig)
	if !apperr.Is(err, apperr.KindChain) {
		t.Fatalf("回滚应为 ChainError: %v", err)
	}
	if fb.sentCount() != 1 {
		t.Fatalf("回滚不应重试, 发送次数 %d", fb.sentCount())
	}
}

func TestSubmitRecordPreflightRevert(t *testing.T) {
	fb := newFakeBackend()
	fb.callErr = revertError{}

	l := newTestLedger(t, fb)
	_, err := l.SubmitRecord(context.Background(), testUser, testReqHash, testCID, testSig)
	if !apperr.Is(err, apperr.KindChain) {
		t.Fatalf("预执行回滚应为 ChainError: %v", err)
	}
	if fb.sentCount() != 0 {
		t.Fatal("预执行失败时不应广播交易")
	}
}

func TestSubmitRecordExhaustsRetries(t *testing.T) {
	fb := newFakeBackend()
	fb.sendErrs = []error{errors.New("a"), errors.New("b"), errors.New("last")}

	l := newTestLedger(t, fb)
	_, err := l.SubmitRecord(context.Background(), testUser, testReqHash, testCID, testSig)
	if !apperr.Is(err, apperr.KindTransient) || !strings.Contains(err.Error(), "last") {
		t.Fatalf("应返回最后一次的错误: %v", err)
	}
	if fb.sentCount() != 3 {
		t.Fatalf("最多尝试 3 次, 实际 %d", fb.sentCount())
	}
}

func TestSubmitRecordInputErrors(t *testing.T) {
	l := newTestLedger(t, newFakeBackend())
	cases := []struct{ user, hash, sig string }{
		{"not-an-address", testReqHash, testSig},
		{testUser, "0x1234", testSig},
		{testUser, testReqHash, "0xzz"},
	}
	for _, c := range cases {
		if _, err := l.SubmitRecord(context.Background(), c.user, c.hash, testCID, c.sig); !apperr.Is(err, apperr.KindInput) {
			t.Fatalf("非法输入应为 InputError: %+v -> %v", c, err)
		}
	}

	noKey, err := NewWithBackend(Options{ContractAddress: testContract}, newFakeBackend(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := noKey.SubmitRecord(context.Background(), testUser, testReqHash, testCID, testSig); !apperr.Is(err, apperr.KindConfig) {
		t.Fatalf("未配置私钥应为 ConfigError: %v", err)
	}
}

func TestHistoryZipsArrays(t *testing.T) {
	fb := newFakeBackend()
	l := newTestLedger(t, fb)

	h1 := [32]byte{1}
	h2 := [32]byte{2}
	out, err := l.abi.Methods[methodGetUserRequests].Outputs.Pack(
		[][32]byte{h1, h2},
		[]string{"QmFirst", "QmSecond"},
		[]*big.Int{big.NewInt(1700000000), big.NewInt(1700000100)},
	)
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}
	fb.callResult = out

	records, err := l.History(context.Background(), testUser)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 2 || records[0].CID != "QmFirst" || records[1].Timestamp != 1700000100 {
		t.Fatalf("记录不正确: %+v", records)
	}
	if records[0].RequestHash != common.Hash(h1).Hex() {
		t.Fatalf("requestHash 应为 0x 十六进制: %s", records[0].RequestHash)
	}

	if _, err := l.History(context.Background(), "0x123"); !apperr.Is(err, apperr.KindInput) {
		t.Fatalf("非法地址应为 InputError: %v", err)
	}
}

func TestVerifyTransactionDecodesEvents(t *testing.T) {
	fb := newFakeBackend()
	l := newTestLedger(t, fb)

	key, _ := crypto.HexToECDSA(testKeyHex)
	contract := common.HexToAddress(testContract)
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{Nonce: 1, GasPrice: big.NewInt(1), Gas: 21000, To: &contract}),
		types.LatestSignerForChainID(fb.chainID), key)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}

	event := l.abi.Events["RequestRecorded"]
	data, err := event.Inputs.NonIndexed().Pack([32]byte{0xaa}, testCID, big.NewInt(1700000000))
	if err != nil {
		t.Fatalf("pack event: %v", err)
	}
	user := common.HexToAddress(testUser)
	receipt := successReceipt(tx)
	receipt.Logs = []*types.Log{
		{Address: contract, Topics: []common.Hash{event.ID, common.BytesToHash(user.Bytes())}, Data: data, BlockNumber: 100},
		{Address: common.HexToAddress("0x2222222222222222222222222222222222222222"), Topics: []common.Hash{event.ID}},
	}
	fb.txs[tx.Hash()] = tx
	fb.receipts[tx.Hash()] = receipt

	record, err := l.VerifyTransaction(context.Background(), strings.TrimPrefix(tx.Hash().Hex(), "0x"), time.Second)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if record.Status != StatusSuccess || record.BlockNumber != 100 || record.GasUsed != 54321 {
		t.Fatalf("交易记录不正确: %+v", record)
	}
	if record.From != crypto.PubkeyToAddress(key.PublicKey).Hex() || record.To != contract.Hex() {
		t.Fatalf("from/to 不正确: %s %s", record.From, record.To)
	}
	if len(record.Events) != 1 {
		t.Fatalf("只应解码合约地址发出的事件, 实际 %d", len(record.Events))
	}
	ev := record.Events[0]
	if ev.Event != "RequestRecorded" || ev.ReturnValues["cid"] != testCID {
		t.Fatalf("事件解码不正确: %+v", ev)
	}
	if ev.ReturnValues["user"] != user.Hex() || ev.ReturnValues["timestamp"] != int64(1700000000) {
		t.Fatalf("事件参数不正确: %+v", ev.ReturnValues)
	}
	if rh, _ := ev.ReturnValues["requestHash"].(string); !strings.HasPrefix(rh, "0xaa") || len(rh) != 66 {
		t.Fatalf("bytes32 应编码为 0x 十六进制: %v", ev.ReturnValues["requestHash"])
	}
}

func TestVerifyTransactionTimesOut(t *testing.T) {
	fb := newFakeBackend()
	l, err := NewWithBackend(Options{ContractAddress: testContract}, fb, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err = l.VerifyTransaction(context.Background(), testReqHash, time.Second)
	elapsed := time.Since(start)
	if !apperr.Is(err, apperr.KindTimeout) {
		t.Fatalf("应返回 TimeoutError: %v", err)
	}
	if elapsed < 900*time.Millisecond || elapsed > 3*time.Second {
		t.Fatalf("超时时间不合理: %s", elapsed)
	}
}

func TestVerifyTransactionRejectsMalformedHash(t *testing.T) {
	l := newTestLedger(t, newFakeBackend())
	for _, h := range []string{"", "0x12", "0x" + strings.Repeat("g", 64)} {
		if _, err := l.VerifyTransaction(context.Background(), h, time.Second); !apperr.Is(err, apperr.KindInput) {
			t.Fatalf("%q 应为 InputError: %v", h, err)
		}
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Options{ContractAddress: "nope"}, zerolog.Nop()); !apperr.Is(err, apperr.KindConfig) {
		t.Fatalf("非法合约地址应为 ConfigError: %v", err)
	}
	if _, err := New(Options{ContractAddress: testContract, ContractABI: "[{"}, zerolog.Nop()); !apperr.Is(err, apperr.KindConfig) {
		t.Fatalf("非法 ABI 应为 ConfigError: %v", err)
	}

	l, err := New(Options{ContractAddress: testContract}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.History(context.Background(), testUser); !apperr.Is(err, apperr.KindConfig) {
		t.Fatalf("未配置 RPC 应为 ConfigError: %v", err)
	}
}
