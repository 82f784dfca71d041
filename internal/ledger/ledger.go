package ledger

import (
	"context"
	"crypto/ecdsa"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"advisor-ledger/internal/apperr"
)

//go:embed abi.json
var defaultABIJSON string

const (
	methodRecordRequest   = "recordRequest"
	methodGetUserRequests = "getUserRequests"
	methodAdvisorServer   = "advisorServer"
)

// Options parameterise the ledger client.
type Options struct {
	RPCURL          string
	ContractAddress string
	// ContractABI overrides the built-in ABI when non-empty.
	ContractABI        string
	PrivateKey         string
	ChainID            int64
	NetworkName        string
	GasLimit           uint64
	GasPriceMultiplier decimal.Decimal
	MaxAttempts        int
	RetryBackoff       time.Duration
	ReceiptTimeout     time.Duration
	PollInterval       time.Duration
	DialTimeout        time.Duration
}

func (o *Options) applyDefaults() {
	if o.GasLimit == 0 {
		o.GasLimit = 2_000_000
	}
	if !o.GasPriceMultiplier.IsPositive() {
		o.GasPriceMultiplier = decimal.RequireFromString("1.1")
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoff < 0 {
		o.RetryBackoff = 0
	} else if o.RetryBackoff == 0 {
		o.RetryBackoff = 2 * time.Second
	}
	if o.ReceiptTimeout <= 0 {
		o.ReceiptTimeout = 120 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
}

// Ledger submits provenance records to the contract and reads them back.
type Ledger struct {
	opts     Options
	logger   zerolog.Logger
	abi      abi.ABI
	contract common.Address

	key  *ecdsa.PrivateKey
	from common.Address

	backend    Backend
	backendMux sync.Mutex
	dial       func(ctx context.Context, url string) (Backend, error)
	chainID    *big.Int

	nonces nonceManager
}

// New validates the contract configuration and returns a Ledger that dials lazily.
func New(opts Options, logger zerolog.Logger) (*Ledger, error) {
	l, err := newLedger(opts, logger)
	if err != nil {
		return nil, err
	}
	l.dial = func(ctx context.Context, url string) (Backend, error) {
		return ethclient.DialContext(ctx, url)
	}
	return l, nil
}

// NewWithBackend returns a Ledger bound to an existing backend.
func NewWithBackend(opts Options, backend Backend, logger zerolog.Logger) (*Ledger, error) {
	l, err := newLedger(opts, logger)
	if err != nil {
		return nil, err
	}
	l.backend = backend
	return l, nil
}

func newLedger(opts Options, logger zerolog.Logger) (*Ledger, error) {
	const op = "init ledger"
	opts.applyDefaults()

	if !common.IsHexAddress(opts.ContractAddress) {
		return nil, apperr.Config(op, "contract address %q is not a valid address", opts.ContractAddress)
	}

	abiJSON := strings.TrimSpace(opts.ContractABI)
	if abiJSON == "" {
		abiJSON = defaultABIJSON
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, apperr.Config(op, "parse contract abi: %v", err)
	}
	for _, name := range []string{methodRecordRequest, methodGetUserRequests} {
		if _, ok := parsed.Methods[name]; !ok {
			return nil, apperr.Config(op, "contract abi lacks method %s", name)
		}
	}

	l := &Ledger{
		opts:     opts,
		logger:   logger.With().Str("component", "ledger").Str("network", opts.NetworkName).Logger(),
		abi:      parsed,
		contract: common.HexToAddress(opts.ContractAddress),
	}

	if raw := strings.TrimSpace(opts.PrivateKey); raw != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X"))
		if err != nil {
			return nil, apperr.Config(op, "private key is not a valid secp256k1 key")
		}
		l.key = key
		l.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return l, nil
}

// Contract returns the checksummed contract address.
func (l *Ledger) Contract() common.Address { return l.contract }

// Close releases the RPC connection, if any.
func (l *Ledger) Close() {
	l.backendMux.Lock()
	defer l.backendMux.Unlock()
	if c, ok := l.backend.(*ethclient.Client); ok {
		c.Close()
	}
}

// History 读取用户在合约中的全部记录，按合约返回顺序（最早在前）。
func (l *Ledger) History(ctx context.Context, user string) ([]ProvenanceRecord, error) {
	const op = "get user history"

	if !common.IsHexAddress(user) {
		return nil, apperr.Input(op, "invalid user address %q", user)
	}
	addr := common.HexToAddress(user)

	backend, err := l.getBackend(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := l.abi.Pack(methodGetUserRequests, addr)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", methodGetUserRequests, err)
	}
	res, err := backend.CallContract(ctx, ethereum.CallMsg{To: &l.contract, Data: payload}, nil)
	if err != nil {
		return nil, apperr.New(apperr.KindRemote, op, err)
	}

	outputs, err := l.abi.Unpack(methodGetUserRequests, res)
	if err != nil {
		return nil, apperr.Protocol(op, "unpack response: %v", err)
	}
	if len(outputs) != 3 {
		return nil, apperr.Protocol(op, "expected 3 outputs, got %d", len(outputs))
	}

	hashes, ok1 := outputs[0].([][32]byte)
	cids, ok2 := outputs[1].([]string)
	stamps, ok3 := outputs[2].([]*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return nil, apperr.Protocol(op, "unexpected output types %T, %T, %T", outputs[0], outputs[1], outputs[2])
	}
	if len(hashes) != len(cids) || len(cids) != len(stamps) {
		return nil, apperr.Protocol(op, "array lengths differ: %d/%d/%d", len(hashes), len(cids), len(stamps))
	}

	records := make([]ProvenanceRecord, len(hashes))
	for i := range hashes {
		records[i] = ProvenanceRecord{
			RequestHash: common.Hash(hashes[i]).Hex(),
			CID:         cids[i],
			Timestamp:   stamps[i].Int64(),
		}
	}
	return records, nil
}

// AdvisorServer reads the signer address the contract accepts.
func (l *Ledger) AdvisorServer(ctx context.Context) (common.Address, error) {
	const op = "get advisor server"

	if _, ok := l.abi.Methods[methodAdvisorServer]; !ok {
		return common.Address{}, apperr.Config(op, "contract abi lacks method %s", methodAdvisorServer)
	}
	backend, err := l.getBackend(ctx)
	if err != nil {
		return common.Address{}, err
	}

	payload, err := l.abi.Pack(methodAdvisorServer)
	if err != nil {
		return common.Address{}, fmt.Errorf("pack %s: %w", methodAdvisorServer, err)
	}
	res, err := backend.CallContract(ctx, ethereum.CallMsg{To: &l.contract, Data: payload}, nil)
	if err != nil {
		return common.Address{}, apperr.New(apperr.KindRemote, op, err)
	}
	outputs, err := l.abi.Unpack(methodAdvisorServer, res)
	if err != nil || len(outputs) != 1 {
		return common.Address{}, apperr.Protocol(op, "unexpected response: %v", err)
	}
	addr, ok := outputs[0].(common.Address)
	if !ok {
		return common.Address{}, apperr.Protocol(op, "unexpected output type %T", outputs[0])
	}
	return addr, nil
}

// getBackend 懒加载 RPC 连接，首次连接时校验链 ID。
func (l *Ledger) getBackend(ctx context.Context) (Backend, error) {
	l.backendMux.Lock()
	defer l.backendMux.Unlock()

	if l.backend == nil {
		if l.dial == nil || strings.TrimSpace(l.opts.RPCURL) == "" {
			return nil, apperr.Config("connect chain", "blockchain rpc url not configured")
		}
		dialCtx, cancel := context.WithTimeout(ctx, l.opts.DialTimeout)
		defer cancel()

		backend, err := l.dial(dialCtx, l.opts.RPCURL)
		if err != nil {
			return nil, apperr.Remote("connect chain", "dial rpc endpoint: %v", err)
		}
		l.backend = backend
	}

	if l.chainID == nil {
		id, err := l.backend.ChainID(ctx)
		if err != nil {
			return nil, apperr.Remote("connect chain", "chain unreachable: %v", err)
		}
		if l.opts.ChainID != 0 && id.Int64() != l.opts.ChainID {
			l.logger.Warn().Int64("configured", l.opts.ChainID).Str("actual", id.String()).
				Msg("配置的链 ID 与连接的网络不一致")
		} else {
			l.logger.Info().Str("chain_id", id.String()).Str("contract", l.contract.Hex()).Msg("已连接到区块链网络")
		}
		l.chainID = id
	}
	return l.backend, nil
}

// parseHash accepts a 32-byte hex string with or without 0x.
func parseHash(op, s string) (common.Hash, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(raw) != 64 {
		return common.Hash{}, apperr.Input(op, "hash must be 32 bytes of hex, got %q", s)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return common.Hash{}, apperr.Input(op, "hash %q is not valid hex", s)
	}
	return common.BytesToHash(b), nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound)
}

var (
	_ Recorder = (*Ledger)(nil)
	_ Reader   = (*Ledger)(nil)
	_ Backend  = (*ethclient.Client)(nil)
)
