package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDGeneratesAndEchoes(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	// A caller-provided id is kept.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "rid-123")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "rid-123", seen)
	assert.Equal(t, "rid-123", rec.Header().Get("X-Request-ID"))
}

func TestLoggerLinesCarryRequestID(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	// Same wrap order as main: RequestID outside Logger.
	var h http.Handler = okHandler()
	h = Logger(&log)(h)
	h = RequestID(h)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	var line struct {
		Method    string `json:"method"`
		Path      string `json:"path"`
		Status    int    `json:"status"`
		RequestID string `json:"request_id"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, http.MethodGet, line.Method)
	assert.Equal(t, "/x", line.Path)
	assert.Equal(t, http.StatusOK, line.Status)
	require.NotEmpty(t, line.RequestID)
	assert.Equal(t, rec.Header().Get("X-Request-ID"), line.RequestID)
}

func TestRecoveryConvertsPanics(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	h := Recovery(&log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, buf.String(), "panic recovered")
}

func TestCORSMatchesOriginList(t *testing.T) {
	h := CORS([]string{"https://app.example.com"})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	// An origin outside the list gets no allow header.
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSWildcardAllowsAny(t *testing.T) {
	h := CORS([]string{"*"})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
