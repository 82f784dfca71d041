package signer

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"advisor-ledger/internal/apperr"
)

// Options hold the server signing identity.
type Options struct {
	PrivateKey    string
	ServerAddress string
}

// SignedMessage 是对 CID 的签名结果。
type SignedMessage struct {
	Message     string `json:"cid"`
	MessageHash string `json:"messageHash"`
	Signature   string `json:"signature"`
	Timestamp   int64  `json:"timestamp"`
}

// Service signs messages the way the contract verifies them.
type Service interface {
	Sign(message string, ts int64) (SignedMessage, error)
}

// Signer signs keccak256(utf8(message)) under the personal-message prefix.
type Signer struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	once    sync.Once
	key     *ecdsa.PrivateKey
	address common.Address
	loadErr error
}

// New constructs a Signer. Key material is parsed and checked on first use.
func New(opts Options, logger zerolog.Logger) *Signer {
	return &Signer{
		opts:   opts,
		logger: logger.With().Str("component", "signer").Logger(),
		now:    time.Now,
	}
}

// MessageHash returns keccak256 of the raw UTF-8 bytes, matching
// keccak256(abi.encodePacked(string)) on-chain.
func MessageHash(message string) []byte {
	return crypto.Keccak256([]byte(message))
}

// Sign 对消息签名。ts 为 0 时使用当前时间。
func (s *Signer) Sign(message string, ts int64) (SignedMessage, error) {
	if err := s.load(); err != nil {
		return SignedMessage{}, err
	}
	if ts == 0 {
		ts = s.now().Unix()
	}

	hash := MessageHash(message)
	sig, err := crypto.Sign(accounts.TextHash(hash), s.key)
	if err != nil {
		return SignedMessage{}, fmt.Errorf("sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	s.logger.Info().
		Str("message", message).
		Str("hash", hexutil.Encode(hash)).
		Str("signer", s.address.Hex()).
		Msg("消息已签名")

	return SignedMessage{
		Message:     message,
		MessageHash: hexutil.Encode(hash),
		Signature:   hexutil.Encode(sig),
		Timestamp:   ts,
	}, nil
}

// Address returns the configured signer address once the key has been validated.
func (s *Signer) Address() (common.Address, error) {
	if err := s.load(); err != nil {
		return common.Address{}, err
	}
	return s.address, nil
}

// Recover returns the address that produced signature over message.
func Recover(message, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(ensure0x(signature))
	if err != nil {
		return common.Address{}, apperr.Input("recover signer", "invalid signature hex: %v", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, apperr.Input("recover signer", "signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}

	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(MessageHash(message)), sig)
	if err != nil {
		return common.Address{}, apperr.Input("recover signer", "%v", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func (s *Signer) load() error {
	s.once.Do(func() {
		s.key, s.address, s.loadErr = parseIdentity(s.opts)
		if s.loadErr != nil {
			s.logger.Error().Err(s.loadErr).Msg("签名密钥配置错误")
		}
	})
	return s.loadErr
}

func parseIdentity(opts Options) (*ecdsa.PrivateKey, common.Address, error) {
	const op = "load signer"

	rawKey := strings.TrimSpace(opts.PrivateKey)
	if rawKey == "" {
		return nil, common.Address{}, apperr.Config(op, "private key not configured")
	}
	server := strings.TrimSpace(opts.ServerAddress)
	if server == "" {
		return nil, common.Address{}, apperr.Config(op, "server address not configured")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimPrefix(rawKey, "0x"), "0X"))
	if err != nil {
		return nil, common.Address{}, apperr.Config(op, "private key is not a valid secp256k1 key")
	}

	derived := crypto.PubkeyToAddress(key.PublicKey)
	if !strings.EqualFold(derived.Hex(), server) {
		return nil, common.Address{}, apperr.Config(op, "signer address %s does not match configured server address %s", derived.Hex(), server)
	}
	return key, derived, nil
}

func ensure0x(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return "0x" + s[2:]
	}
	return "0x" + s
}

var _ Service = (*Signer)(nil)
