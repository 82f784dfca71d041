package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"advisor-ledger/internal/advisor"
	"advisor-ledger/internal/alerting"
	"advisor-ledger/internal/apperr"
	"advisor-ledger/internal/hashcodec"
	"advisor-ledger/internal/ipfs"
	"advisor-ledger/internal/ledger"
	"advisor-ledger/internal/metrics"
	"advisor-ledger/internal/signer"
	"advisor-ledger/internal/storage"
)

const (
	pinType        = "investment-advice"
	alertTimeout   = 10 * time.Second
	journalTimeout = 5 * time.Second
)

// ErrRequestHashMismatch is returned when hash enforcement is on and the client
// fingerprint does not match the canonical hash of its input.
var ErrRequestHashMismatch = errors.New("request hash does not match input")

// Recorder is the ledger operation the pipeline depends on.
type Recorder interface {
	SubmitRecordObserved(ctx context.Context, user, requestHash, cid, signature string, observe ledger.AttemptObserver) (string, error)
}

// Request is one advice submission.
type Request struct {
	UserAddress string
	Input       advisor.InputData
	// RawInput is the input exactly as the client sent it. When set it is what gets pinned and hashed.
	RawInput    json.RawMessage
	RequestHash string
}

// Result is the outcome of a confirmed run.
type Result struct {
	RunID        string         `json:"runId"`
	Advice       advisor.Advice `json:"advice"`
	CID          string         `json:"cid"`
	TxHash       string         `json:"txHash"`
	Signature    string         `json:"signature"`
	Timestamp    int64          `json:"timestamp"`
	ComputedHash string         `json:"computedHash"`
}

// PinnedDocument 是上传到 IPFS 的存证内容。
type PinnedDocument struct {
	Input     json.RawMessage `json:"input"`
	Output    advisor.Advice  `json:"output"`
	Timestamp int64           `json:"timestamp"`
}

// Options tune the pipeline.
type Options struct {
	EnforceRequestHash bool
}

// Deps are the collaborators of a Service. Journal, Locker, Notifier and Metrics are optional.
type Deps struct {
	Advisor  advisor.Generator
	Pinner   ipfs.Pinner
	Signer   signer.Service
	Ledger   Recorder
	Journal  storage.RunJournal
	Locker   storage.AdvisoryLocker
	Notifier alerting.Notifier
	Metrics  *metrics.Metrics
}

// Service 串行执行 AI 生成 → IPFS 存储 → 签名 → 上链 的写入流水线。
type Service struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs the pipeline service.
func New(opts Options, deps Deps, logger zerolog.Logger) *Service {
	return &Service{
		opts:   opts,
		deps:   deps,
		logger: logger.With().Str("component", "pipeline").Logger(),
		now:    time.Now,
	}
}

// run carries the mutable state of one ProcessAdvice call.
type run struct {
	record  storage.Run
	state   State
	started time.Time
	logger  zerolog.Logger
	journal bool
}

// ProcessAdvice 执行完整的写入流水线。任一阶段失败即进入 Failed，不会从中间阶段恢复。
func (s *Service) ProcessAdvice(ctx context.Context, req Request) (Result, error) {
	const op = "process advice"

	user, requestHash, raw, err := s.prepare(req)
	if err != nil {
		return Result{}, err
	}

	computed, err := hashcodec.CanonicalHash(raw)
	if err != nil {
		return Result{}, apperr.Input(op, "input is not valid JSON: %v", err)
	}
	if computed != requestHash {
		s.logger.Warn().Str("user", user).
			Str("request_hash", requestHash).
			Str("computed_hash", computed).
			Bool("enforced", s.opts.EnforceRequestHash).
			Msg("请求哈希与输入内容不一致")
		if s.opts.EnforceRequestHash {
			return Result{}, apperr.New(apperr.KindInput, op, ErrRequestHashMismatch)
		}
	}

	unlock, err := s.acquireLock(ctx, requestHash)
	if err != nil {
		return Result{}, err
	}
	if unlock != nil {
		defer unlock()
	}

	r := s.start(ctx, user, requestHash)
	r.logger.Info().Str("computed_hash", computed).Msg("开始处理投资建议请求")

	// 1. AI 生成（不会失败，异常时返回兜底建议）
	advice := s.deps.Advisor.Generate(ctx, req.Input.WithDefaults())
	if advice.IsFallback() {
		s.deps.Metrics.ObserveFallback()
		r.logger.Warn().Str("reason", advice.Error).Msg("AI 生成失败，使用兜底配置")
	}
	r.record.ModelVersion = advice.ModelVersion
	if err := s.advance(ctx, r, StateAIGenerated); err != nil {
		return Result{}, err
	}

	// 2. IPFS 存储
	doc := PinnedDocument{Input: raw, Output: advice, Timestamp: s.now().Unix()}
	cid, err := s.deps.Pinner.Pin(ctx, doc, ipfs.Metadata{Name: pinName(user), Type: pinType})
	if err != nil {
		return Result{}, s.fail(ctx, r, StatePinned, err)
	}
	r.record.CID = cid
	if err := s.advance(ctx, r, StatePinned); err != nil {
		return Result{}, err
	}

	// 3. 签名 CID
	signed, err := s.deps.Signer.Sign(cid, 0)
	if err != nil {
		return Result{}, s.fail(ctx, r, StateSigned, err)
	}
	if err := s.advance(ctx, r, StateSigned); err != nil {
		return Result{}, err
	}

	// 4. 上链存证
	if err := s.advance(ctx, r, StateSubmitted); err != nil {
		return Result{}, err
	}
	txHash, err := s.deps.Ledger.SubmitRecordObserved(ctx, user, requestHash, cid, signed.Signature, func(attempt int, err error) {
		r.record.Attempts = attempt
		s.deps.Metrics.ObserveAttempt(attempt, err)
	})
	if err != nil {
		return Result{}, s.fail(ctx, r, StateConfirmed, err)
	}
	r.record.TxHash = txHash
	if err := s.advance(ctx, r, StateConfirmed); err != nil {
		return Result{}, err
	}

	s.deps.Metrics.ObserveRun(time.Since(r.started), nil)
	r.logger.Info().Str("cid", cid).Str("tx_hash", txHash).Int("attempts", r.record.Attempts).
		Dur("took", time.Since(r.started)).Msg("投资建议已上链存证")

	return Result{
		RunID:        r.record.ID.String(),
		Advice:       advice,
		CID:          cid,
		TxHash:       txHash,
		Signature:    signed.Signature,
		Timestamp:    signed.Timestamp,
		ComputedHash: computed,
	}, nil
}

// prepare validates the request and returns the checksummed user, the normalised hash and the input bytes.
func (s *Service) prepare(req Request) (string, string, json.RawMessage, error) {
	const op = "process advice"

	if !common.IsHexAddress(req.UserAddress) {
		return "", "", nil, apperr.Input(op, "invalid user address %q", req.UserAddress)
	}
	user := common.HexToAddress(req.UserAddress).Hex()

	requestHash := hashcodec.NormalizeHex(req.RequestHash)
	if len(requestHash) != 2+2*common.HashLength || !isHex(requestHash[2:]) {
		return "", "", nil, apperr.Input(op, "requestHash must be 32 bytes of hex, got %q", req.RequestHash)
	}
	requestHash = strings.ToLower(requestHash)

	if err := req.Input.Validate(); err != nil {
		return "", "", nil, apperr.New(apperr.KindInput, op, err)
	}

	raw := req.RawInput
	if len(raw) == 0 {
		encoded, err := json.Marshal(req.Input)
		if err != nil {
			return "", "", nil, fmt.Errorf("encode input: %w", err)
		}
		raw = encoded
	}
	return user, requestHash, raw, nil
}

func (s *Service) acquireLock(ctx context.Context, requestHash string) (func(), error) {
	key := storage.LockKey(requestHash)
	if s.deps.Locker == nil || key == 0 {
		return nil, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, key)
	if err != nil {
		return nil, apperr.New(apperr.KindRemote, "acquire request lock", err)
	}
	if !acquired {
		return nil, apperr.Conflict("acquire request lock", "request %s is already being processed", requestHash)
	}
	return unlock, nil
}

func (s *Service) start(ctx context.Context, user, requestHash string) *run {
	r := &run{
		record: storage.Run{
			ID:          uuid.New(),
			RequestHash: requestHash,
			UserAddress: user,
			State:       string(StateDrafted),
		},
		state:   StateDrafted,
		started: time.Now(),
	}
	r.logger = s.logger.With().Str("run_id", r.record.ID.String()).Str("user", user).Logger()

	if s.deps.Journal != nil {
		jctx, cancel := journalContext(ctx)
		defer cancel()
		if err := s.deps.Journal.InsertRun(jctx, &r.record); err != nil {
			r.logger.Error().Err(err).Msg("failed to insert run")
		} else {
			r.journal = true
		}
	}
	return r
}

func (s *Service) advance(ctx context.Context, r *run, to State) error {
	if err := checkTransition(r.state, to); err != nil {
		return err
	}
	r.state = to
	r.record.State = string(to)
	s.deps.Metrics.ObserveStage(string(to), nil)
	r.logger.Debug().Str("state", string(to)).Msg("pipeline transition")
	s.persist(ctx, r)
	return nil
}

// fail moves the run to Failed. stage is the state the run was trying to reach.
func (s *Service) fail(ctx context.Context, r *run, stage State, cause error) error {
	if err := checkTransition(r.state, StateFailed); err != nil {
		return errors.Join(cause, err)
	}
	from := r.state
	r.state = StateFailed
	r.record.State = string(StateFailed)
	msg := cause.Error()
	r.record.Error = &msg

	s.deps.Metrics.ObserveStage(string(stage), cause)
	s.deps.Metrics.ObserveRun(time.Since(r.started), cause)
	r.logger.Error().Err(cause).
		Str("from", string(from)).
		Str("stage", string(stage)).
		Str("kind", string(apperr.KindOf(cause))).
		Msg("流水线失败")
	s.persist(ctx, r)

	if s.deps.Notifier != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
		defer cancel()
		note := alerting.Notification{
			RunID:       r.record.ID.String(),
			UserAddress: r.record.UserAddress,
			RequestHash: r.record.RequestHash,
			Stage:       string(stage),
			Kind:        string(apperr.KindOf(cause)),
			CID:         r.record.CID,
			TxHash:      r.record.TxHash,
			Err:         msg,
			At:          s.now(),
		}
		if err := s.deps.Notifier.Notify(actx, note); err != nil {
			r.logger.Error().Err(err).Msg("failed to dispatch alert")
		}
	}
	return cause
}

func (s *Service) persist(ctx context.Context, r *run) {
	if !r.journal {
		return
	}
	jctx, cancel := journalContext(ctx)
	defer cancel()
	if err := s.deps.Journal.UpdateRun(jctx, &r.record); err != nil {
		r.logger.Error().Err(err).Str("state", r.record.State).Msg("failed to update run")
	}
}

func journalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
}

// pinName follows the "advice-<address prefix>.json" convention.
func pinName(user string) string {
	prefix := user
	if len(prefix) > 10 {
		prefix = prefix[:10]
	}
	return "advice-" + prefix + ".json"
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
