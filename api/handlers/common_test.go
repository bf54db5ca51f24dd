package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/types"
)

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestWriteJSON_RawBody(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]any{"detections": []any{}})

	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.JSONEq(t, `{"detections":[]}`, w.Body.String())
}

func TestWriteSuccess_EchoesRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set(RequestIDHeader, "req-7")
	WriteSuccess(w, []string{"pii", "hap"})

	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, "req-7", resp.RequestID)
	assert.ElementsMatch(t, []any{"pii", "hap"}, resp.Data)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError_Envelope(t *testing.T) {
	refused := errors.New("dial tcp 10.0.0.3:8000: connection refused")

	tests := []struct {
		name        string
		err         *types.Error
		wantStatus  int
		wantCode    types.ErrorCode
		retryable   bool
		wantDetails string
	}{
		{
			name:        "configuration error exposes cause",
			err:         types.NewConfigurationError("unknown detector %q", "nope").WithCause(errors.New("not registered")),
			wantStatus:  http.StatusBadRequest,
			wantCode:    types.ErrConfiguration,
			wantDetails: "not registered",
		},
		{
			name:       "unavailable detector hides cause",
			err:        types.NewDetectorUnavailableError("hap", refused),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   types.ErrDetectorUnavailable,
			retryable:  true,
		},
		{
			name:       "detector timeout",
			err:        types.NewTimeoutError("judge", nil),
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   types.ErrTimeout,
			retryable:  true,
		},
		{
			name:       "status from code",
			err:        types.NewError(types.ErrUpstreamError, "generation failed"),
			wantStatus: http.StatusBadGateway,
			wantCode:   types.ErrUpstreamError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err, zap.NewNop())

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeResponse(t, w)
			assert.False(t, resp.Success)
			assert.Nil(t, resp.Data)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.wantCode), resp.Error.Code)
			assert.Equal(t, tt.retryable, resp.Error.Retryable)
			assert.Equal(t, tt.wantDetails, resp.Error.Details)
		})
	}
}

func TestWriteAnyError(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set(RequestIDHeader, "req-42")
	WriteAnyError(w, errors.New("boom"), zap.NewNop())

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeResponse(t, w)
	assert.Equal(t, string(types.ErrInternalError), resp.Error.Code)
	assert.Equal(t, "req-42", resp.RequestID)
	assert.Empty(t, resp.Error.Details, "5xx causes are not exposed")

	w = httptest.NewRecorder()
	WriteAnyError(w, fmt.Errorf("wrapped: %w", types.NewDetectorUnavailableError("hap", errors.New("refused"))), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMapErrorCodeToHTTPStatus(t *testing.T) {
	want := map[types.ErrorCode]int{
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
		types.ErrInvalidTransition:   http.StatusInternalServerError,
		"SOMETHING_NEW":              http.StatusInternalServerError,
	}
	for code, status := range want {
		assert.Equal(t, status, mapErrorCodeToHTTPStatus(code), code)
	}
}

type detectionBody struct {
	Content   string                    `json:"content"`
	Detectors map[string]map[string]any `json:"detectors"`
}

func TestDecodeJSON_StrictAndLenient(t *testing.T) {
	body := `{"content":"hi","detectors":{"pii":{}},"n":1}`

	var strict detectionBody
	w := httptest.NewRecorder()
	err := DecodeJSONBody(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), &strict, nil)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var lenient detectionBody
	w = httptest.NewRecorder()
	require.NoError(t, decodeJSON(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), &lenient, false, nil))
	assert.Equal(t, "hi", lenient.Content)
	assert.Contains(t, lenient.Detectors, "pii")
}

func TestDecodeJSON_Rejections(t *testing.T) {
	tests := map[string]struct {
		body       string
		wantStatus int
	}{
		"empty":     {"", http.StatusBadRequest},
		"malformed": {`{"content":`, http.StatusBadRequest},
		"trailing":  {`{"content":"a"} {"content":"b"}`, http.StatusBadRequest},
		"too large": {`{"content":"` + strings.Repeat("x", DefaultMaxBodyBytes+1) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			if tt.body == "" {
				r.Body = http.NoBody
			}
			w := httptest.NewRecorder()

			var dst detectionBody
			assert.Error(t, DecodeJSONBody(w, r, &dst, zap.NewNop()))
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, string(types.ErrInvalidRequest), decodeResponse(t, w).Error.Code)
		})
	}
}

func TestValidateContentType(t *testing.T) {
	for contentType, ok := range map[string]bool{
		"application/json":                true,
		"application/json; charset=UTF-8": true,
		" Application/JSON ":              true,
		"application/jsonl":               false,
		"text/plain":                      false,
		"":                                false,
	} {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.Header.Set("Content-Type", contentType)
		w := httptest.NewRecorder()

		assert.Equal(t, ok, ValidateContentType(w, r, nil), contentType)
		if !ok {
			assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
		}
	}
}

func TestResponseWriter_FirstStatusWins(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)
	assert.Equal(t, http.StatusOK, rw.StatusCode)

	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusBadRequest)
	_, err := rw.Write([]byte("ok"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, rw.StatusCode)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, int64(2), rw.Bytes)
	assert.Same(t, rec, rw.Unwrap())
}

func TestResponseWriter_ImplicitOK(t *testing.T) {
	rw := NewResponseWriter(httptest.NewRecorder())
	_, _ = rw.Write([]byte("x"))
	assert.True(t, rw.Written)
	assert.Equal(t, http.StatusOK, rw.StatusCode)
}
