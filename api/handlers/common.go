package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/types"
)

// Response 管理接口与错误响应的统一信封。检测与聊天接口的成功响应
// 直接返回契约体，不套信封。
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo is the error half of Response.
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"`
}

// RequestIDHeader 请求 ID 头，由 RequestID 中间件写入响应
const RequestIDHeader = "X-Request-ID"

// DefaultMaxBodyBytes 请求体上限；服务端可通过 server.max_body_bytes 进一步收紧
const DefaultMaxBodyBytes = 4 << 20

// WriteJSON writes data as the whole body.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	// 头已写出，编码失败无法补救
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess wraps data in the envelope.
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: w.Header().Get(RequestIDHeader),
	})
}

// WriteError writes err in the envelope. Causes are only exposed on 4xx.
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	info := toErrorInfo(err)
	requestID := w.Header().Get(RequestIDHeader)

	if logger != nil {
		level := zap.WarnLevel
		if info.HTTPStatus >= http.StatusInternalServerError {
			level = zap.ErrorLevel
		}
		logger.Log(level, "request failed",
			zap.String("code", info.Code),
			zap.String("message", info.Message),
			zap.Int("status", info.HTTPStatus),
			zap.Bool("retryable", info.Retryable),
			zap.String("detector_id", err.DetectorID),
			zap.String("request_id", requestID),
			zap.Error(err.Cause))
	}

	WriteJSON(w, info.HTTPStatus, Response{
		Error:     info,
		Timestamp: time.Now(),
		RequestID: requestID,
	})
}

func toErrorInfo(err *types.Error) *ErrorInfo {
	status := err.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(err.Code)
	}
	info := &ErrorInfo{
		Code:       string(err.Code),
		Message:    err.Message,
		Retryable:  err.Retryable,
		HTTPStatus: status,
	}
	if err.Cause != nil && status < http.StatusInternalServerError {
		info.Details = err.Cause.Error()
	}
	return info
}

// WriteAnyError unwraps a *types.Error anywhere in err's chain; anything
// else is reported as INTERNAL_ERROR.
func WriteAnyError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var typed *types.Error
	if !errors.As(err, &typed) {
		typed = types.NewError(types.ErrInternalError, "internal error").WithCause(err)
	}
	WriteError(w, typed, logger)
}

// WriteErrorMessage writes an error with an explicit status.
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message).WithHTTPStatus(status), logger)
}

var codeStatus = map[types.ErrorCode]int{
	types.ErrInvalidRequest:      http.StatusBadRequest,
	types.ErrConfiguration:       http.StatusBadRequest,
	types.ErrUnauthorized:        http.StatusUnauthorized,
	types.ErrForbidden:           http.StatusForbidden,
	types.ErrNotFound:            http.StatusNotFound,
	types.ErrRateLimited:         http.StatusTooManyRequests,
	types.ErrTimeout:             http.StatusGatewayTimeout,
	types.ErrDetectorUnavailable: http.StatusServiceUnavailable,
	types.ErrServiceUnavailable:  http.StatusServiceUnavailable,
	types.ErrUpstreamError:       http.StatusBadGateway,
}

func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	if status, ok := codeStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// DecodeJSONBody decodes a detection request body, rejecting unknown fields.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	return decodeJSON(w, r, dst, true, logger)
}

// decodeJSON writes the error response itself; callers only return.
// strict=false 用于 OpenAI 兼容请求体，客户端常带额外字段。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, strict bool, logger *zap.Logger) error {
	reject := func(status int, message string, cause error) error {
		err := types.NewError(types.ErrInvalidRequest, message).WithHTTPStatus(status)
		if cause != nil {
			err = err.WithCause(cause)
		}
		WriteError(w, err, logger)
		return err
	}

	if r.Body == nil || r.Body == http.NoBody {
		return reject(http.StatusBadRequest, "request body is empty", nil)
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, DefaultMaxBodyBytes))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return reject(http.StatusRequestEntityTooLarge, "request body too large", nil)
		}
		return reject(http.StatusBadRequest, "invalid JSON body", err)
	}
	if dec.More() {
		return reject(http.StatusBadRequest, "invalid JSON body", errors.New("unexpected data after top-level object"))
	}
	return nil
}

// ValidateContentType requires application/json, with or without parameters.
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	mediaType, _, _ := strings.Cut(r.Header.Get("Content-Type"), ";")
	if strings.EqualFold(strings.TrimSpace(mediaType), "application/json") {
		return true
	}
	WriteError(w, types.NewError(types.ErrInvalidRequest, "Content-Type must be application/json").
		WithHTTPStatus(http.StatusUnsupportedMediaType), logger)
	return false
}

// ResponseWriter records the first status written and the body size.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
	Bytes      int64
}

// NewResponseWriter wraps w; StatusCode defaults to 200.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (rw *ResponseWriter) WriteHeader(code int) {
	if rw.Written {
		return
	}
	rw.StatusCode = code
	rw.Written = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.Bytes += int64(n)
	return n, err
}

// Unwrap 供 http.ResponseController 访问底层 writer
func (rw *ResponseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }
