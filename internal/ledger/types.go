package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Backend is the subset of the JSON-RPC client the ledger needs. *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// Recorder anchors signed CIDs on-chain.
type Recorder interface {
	SubmitRecord(ctx context.Context, user, requestHash, cid, signature string) (string, error)
}

// Reader exposes the read-only queries.
type Reader interface {
	History(ctx context.Context, user string) ([]ProvenanceRecord, error)
	VerifyTransaction(ctx context.Context, txHash string, timeout time.Duration) (TransactionRecord, error)
}

// ProvenanceRecord 是合约中记录的一条请求。
type ProvenanceRecord struct {
	RequestHash string `json:"requestHash"`
	CID         string `json:"cid"`
	Timestamp   int64  `json:"timestamp"`
}

// DecodedEvent is a contract log decoded against the ABI.
type DecodedEvent struct {
	Event        string         `json:"event"`
	Address      string         `json:"address"`
	BlockNumber  uint64         `json:"blockNumber"`
	ReturnValues map[string]any `json:"returnValues"`
}

// Transaction status strings.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// TransactionRecord 是交易验证结果。
type TransactionRecord struct {
	Hash        string         `json:"hash"`
	BlockNumber uint64         `json:"blockNumber"`
	From        string         `json:"from"`
	To          string         `json:"to"`
	Status      string         `json:"status"`
	GasUsed     uint64         `json:"gasUsed"`
	Events      []DecodedEvent `json:"events"`
}
