package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"advisor-ledger/internal/advisor"
	"advisor-ledger/internal/apperr"
	"advisor-ledger/internal/ipfs"
	"advisor-ledger/internal/pipeline"
)

const maxVerifyTimeout = 2 * time.Minute

type adviceRequest struct {
	UserAddress string          `json:"userAddress"`
	Input       json.RawMessage `json:"input"`
	RequestHash string          `json:"requestHash"`
}

// adviceResponse carries whichever advice variant was produced plus its provenance.
type adviceResponse struct {
	RunID          string                   `json:"runId,omitempty"`
	Action         advisor.Action           `json:"action"`
	Recommendation string                   `json:"recommendation"`
	Allocation     []advisor.AllocationItem `json:"allocation"`
	Trades         []advisor.TradeItem      `json:"trades,omitempty"`
	TradeSummary   string                   `json:"tradeSummary,omitempty"`
	ModelVersion   string                   `json:"modelVersion"`
	CID            string                   `json:"cid"`
	TxHash         string                   `json:"txHash"`
	Signature      string                   `json:"signature"`
	Timestamp      int64                    `json:"timestamp"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: s.opts.Version})
}

func (s *Server) handleAdvice(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipeline == nil {
		writeError(w, r, apperr.Config("advice", "pipeline not configured"))
		return
	}

	var body adviceRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		writeFailure(w, r, http.StatusBadRequest, CodeInvalidRequest, "请求体不是合法的 JSON: "+err.Error())
		return
	}
	if missing := missingFields(body); len(missing) > 0 {
		writeFailure(w, r, http.StatusBadRequest, CodeInvalidRequest, "缺少必填字段: "+strings.Join(missing, ", "))
		return
	}

	var input advisor.InputData
	if err := json.Unmarshal(body.Input, &input); err != nil {
		writeFailure(w, r, http.StatusBadRequest, CodeInvalidRequest, "input 格式错误: "+err.Error())
		return
	}

	result, err := s.deps.Pipeline.ProcessAdvice(r.Context(), pipeline.Request{
		UserAddress: body.UserAddress,
		Input:       input,
		RawInput:    body.Input,
		RequestHash: body.RequestHash,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeData(w, newAdviceResponse(result), "")
}

func missingFields(body adviceRequest) []string {
	var missing []string
	if strings.TrimSpace(body.UserAddress) == "" {
		missing = append(missing, "userAddress")
	}
	if len(body.Input) == 0 || string(body.Input) == "null" {
		missing = append(missing, "input")
	}
	if strings.TrimSpace(body.RequestHash) == "" {
		missing = append(missing, "requestHash")
	}
	return missing
}

func newAdviceResponse(result pipeline.Result) adviceResponse {
	advice := result.Advice
	allocation := advice.Allocation
	if allocation == nil {
		allocation = []advisor.AllocationItem{}
	}
	return adviceResponse{
		RunID:          result.RunID,
		Action:         advice.Action,
		Recommendation: advice.Summary(),
		Allocation:     allocation,
		Trades:         advice.Trades,
		TradeSummary:   advice.TradeSummary,
		ModelVersion:   advice.ModelVersion,
		CID:            result.CID,
		TxHash:         result.TxHash,
		Signature:      result.Signature,
		Timestamp:      result.Timestamp,
	}
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		writeError(w, r, apperr.Config("verify", "ledger not configured"))
		return
	}

	timeout, err := verifyTimeout(r.URL.Query().Get("timeout"), s.opts.VerifyTimeout)
	if err != nil {
		writeFailure(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	record, err := s.deps.Ledger.VerifyTransaction(r.Context(), chi.URLParam(r, "txHash"), timeout)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("verify transaction failed")
		_, code := classify(err)
		writeFailure(w, r, http.StatusBadRequest, CodeVerifyFailed, "验证交易失败: "+publicMessage(code, err))
		return
	}
	writeData(w, record, "")
}

// verifyTimeout accepts either a Go duration ("45s") or plain seconds ("45").
func verifyTimeout(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, errors.New("timeout 参数格式错误: " + raw)
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return def, nil
	}
	if d > maxVerifyTimeout {
		d = maxVerifyTimeout
	}
	return d, nil
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Content == nil {
		writeError(w, r, apperr.Config("ipfs", "ipfs reader not configured"))
		return
	}

	cid := chi.URLParam(r, "cid")
	if err := ipfs.ValidateCID(cid); err != nil {
		writeFailure(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if !s.deps.Content.IsAvailable(r.Context(), cid, 0) {
		writeFailure(w, r, http.StatusNotFound, CodeContentUnavailable, "IPFS内容不可用: "+cid)
		return
	}

	data, err := s.deps.Content.RetrieveJSON(r.Context(), cid)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("cid", cid).Msg("retrieve ipfs content failed")
		writeFailure(w, r, http.StatusInternalServerError, CodeContentFailed, "获取IPFS数据失败")
		return
	}
	writeData(w, data, "")
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		writeError(w, r, apperr.Config("history", "ledger not configured"))
		return
	}

	user := chi.URLParam(r, "userAddress")
	if !common.IsHexAddress(user) {
		writeFailure(w, r, http.StatusBadRequest, CodeInvalidRequest, "无效的用户地址: "+user)
		return
	}

	records, err := s.deps.Ledger.History(r.Context(), user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, records, "")
}

func (s *Server) handleMarketData(w http.ResponseWriter, r *http.Request) {
	if s.deps.Market == nil {
		writeError(w, r, apperr.Config("market", "market source not configured"))
		return
	}
	writeData(w, s.deps.Market.Snapshot(r.Context()), "市场数据获取成功")
}

func (s *Server) handleFearGreed(w http.ResponseWriter, r *http.Request) {
	if s.deps.Market == nil {
		writeError(w, r, apperr.Config("market", "market source not configured"))
		return
	}
	snap := s.deps.Market.Snapshot(r.Context())
	if snap.FearGreed.Fallback {
		writeJSON(w, http.StatusOK, envelope{Success: false, Data: snap.FearGreed, Message: "恐慌与贪婪指数获取失败"})
		return
	}
	writeData(w, snap.FearGreed, "恐慌与贪婪指数获取成功")
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	if s.deps.Market == nil {
		writeError(w, r, apperr.Config("market", "market source not configured"))
		return
	}
	snap := s.deps.Market.Snapshot(r.Context())
	if snap.FearGreed.Fallback {
		writeJSON(w, http.StatusOK, envelope{Success: false, Data: snap.Trend, Message: "市场趋势数据获取失败"})
		return
	}
	writeData(w, snap.Trend, "市场趋势数据获取成功")
}

func (s *Server) handleGas(w http.ResponseWriter, r *http.Request) {
	if s.deps.Market == nil {
		writeError(w, r, apperr.Config("market", "market source not configured"))
		return
	}
	snap := s.deps.Market.Snapshot(r.Context())
	if snap.Gas == nil {
		writeJSON(w, http.StatusOK, envelope{Success: false, Message: "以太坊GAS费数据获取失败"})
		return
	}
	writeData(w, snap.Gas, "以太坊GAS费数据获取成功")
}
