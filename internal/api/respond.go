package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"advisor-ledger/internal/apperr"
	"advisor-ledger/internal/pipeline"
)

// Error codes returned in the "error" field.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeRequestHashMismatch = "REQUEST_HASH_MISMATCH"
	CodeInProgress          = "REQUEST_IN_PROGRESS"
	CodeConfiguration       = "CONFIGURATION_ERROR"
	CodeUpstream            = "UPSTREAM_ERROR"
	CodeChain               = "CHAIN_ERROR"
	CodeChainUnavailable    = "CHAIN_UNAVAILABLE"
	CodeTimeout             = "TIMEOUT"
	CodeNotFound            = "NOT_FOUND"
	CodeVerifyFailed        = "VERIFY_FAILED"
	CodeContentUnavailable  = "IPFS_UNAVAILABLE"
	CodeContentFailed       = "IPFS_RETRIEVE_FAILED"
	CodeInternal            = "INTERNAL_ERROR"
)

const internalMessage = "服务器内部错误"

// Fixed messages for failures whose error text may carry endpoints or credentials.
var publicMessages = map[string]string{
	CodeConfiguration:    internalMessage,
	CodeInternal:         internalMessage,
	CodeUpstream:         "上游服务请求失败",
	CodeChain:            "区块链交易失败",
	CodeChainUnavailable: "区块链服务暂不可用，请稍后重试",
	CodeTimeout:          "请求超时",
}

// envelope is the common response body: {success, data, message} on success,
// {success:false, error, message} on failure.
type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, data any, message string) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data, Message: message})
}

func writeFailure(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, envelope{
		Success:   false,
		Error:     code,
		Message:   message,
		RequestID: requestIDFrom(r),
	})
}

// writeError maps err to a status and code by its kind. Only client-side
// errors echo their text; the rest get a fixed message and the full error is logged.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if code == CodeInternal || code == CodeConfiguration {
		hlog.FromRequest(r).Error().Err(err).Str("code", code).Msg("request failed")
	} else {
		hlog.FromRequest(r).Warn().Err(err).Str("code", code).Msg("request failed")
	}
	writeFailure(w, r, status, code, publicMessage(code, err))
}

// publicMessage returns the text safe to show a client for err.
func publicMessage(code string, err error) string {
	if msg, ok := publicMessages[code]; ok {
		return msg
	}
	return err.Error()
}

func classify(err error) (int, string) {
	if errors.Is(err, pipeline.ErrRequestHashMismatch) {
		return http.StatusBadRequest, CodeRequestHashMismatch
	}
	switch apperr.KindOf(err) {
	case apperr.KindInput, apperr.KindValidation:
		return http.StatusBadRequest, CodeInvalidRequest
	case apperr.KindConflict:
		return http.StatusConflict, CodeInProgress
	case apperr.KindConfig:
		return http.StatusInternalServerError, CodeConfiguration
	case apperr.KindRemote, apperr.KindProtocol, apperr.KindParse:
		return http.StatusBadGateway, CodeUpstream
	case apperr.KindChain:
		return http.StatusBadGateway, CodeChain
	case apperr.KindTransient:
		return http.StatusServiceUnavailable, CodeChainUnavailable
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout, CodeTimeout
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
