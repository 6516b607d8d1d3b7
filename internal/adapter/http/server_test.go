package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpadapter "github.com/couchcryptid/quake-consensus-service/internal/adapter/http"
	"github.com/couchcryptid/quake-consensus-service/internal/domain"
	"github.com/couchcryptid/quake-consensus-service/internal/engine"
	"github.com/couchcryptid/quake-consensus-service/internal/observability"
)

var t0 = time.Date(2024, 1, 1, 7, 10, 0, 0, time.UTC)

// --- mocks ---

type mockVerifier struct {
	readyErr error
	status   domain.SystemStatus
	history  []domain.VerificationResult
	health   map[string]domain.SourceHealth
	live     engine.RealtimeResult
	liveErr  error
	received []domain.Event
}

func (m *mockVerifier) CheckReadiness(context.Context) error         { return m.readyErr }
func (m *mockVerifier) Status() domain.SystemStatus                  { return m.status }
func (m *mockVerifier) History() []domain.VerificationResult         { return m.history }
func (m *mockVerifier) SourceHealth() map[string]domain.SourceHealth { return m.health }

func (m *mockVerifier) VerifyRealtime(_ context.Context, ev domain.Event) (engine.RealtimeResult, error) {
	m.received = append(m.received, ev)
	return m.live, m.liveErr
}

func newTestServer(v *mockVerifier) *httpadapter.Server {
	return httpadapter.NewServer(":0", v, observability.NewMetricsForTesting(), slog.Default())
}

func serve(srv *httpadapter.Server, method, path string, body []byte) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	srv.ServeHTTP(rec, req)
	return rec
}

// --- health ---

func TestHealthzReturns200(t *testing.T) {
	rec := serve(newTestServer(&mockVerifier{}), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	rec := serve(newTestServer(&mockVerifier{}), http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	rec := serve(newTestServer(&mockVerifier{readyErr: fmt.Errorf("no verification cycle has completed yet")}), http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := serve(newTestServer(&mockVerifier{}), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

// --- api ---

func TestStatus(t *testing.T) {
	v := &mockVerifier{status: domain.SystemStatus{
		ActiveSourceCount:      3,
		LastVerification:       t0,
		OverallReliability:     0.82,
		CacheSize:              5,
		VerificationCycleCount: 12,
		State:                  "idle",
	}}
	rec := serve(newTestServer(v), http.MethodGet, "/api/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got domain.SystemStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, v.status, got)
}

func TestHistory_NewestFirstWithLimit(t *testing.T) {
	v := &mockVerifier{history: []domain.VerificationResult{{ID: "c1"}, {ID: "c2"}, {ID: "c3"}}}
	srv := newTestServer(v)

	var all []domain.VerificationResult
	rec := serve(srv, http.MethodGet, "/api/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, 3)
	assert.Equal(t, "c3", all[0].ID)

	var limited []domain.VerificationResult
	rec = serve(srv, http.MethodGet, "/api/history?limit=2", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &limited))
	assert.Equal(t, []string{"c3", "c2"}, []string{limited[0].ID, limited[1].ID})

	rec = serve(srv, http.MethodGet, "/api/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistory_EmptyIsArray(t *testing.T) {
	rec := serve(newTestServer(&mockVerifier{}), http.MethodGet, "/api/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestSources(t *testing.T) {
	v := &mockVerifier{health: map[string]domain.SourceHealth{
		"usgs": {Status: domain.StatusActive, SuccessRate: 1, Probed: true},
	}}
	rec := serve(newTestServer(v), http.MethodGet, "/api/sources", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]domain.SourceHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, domain.StatusActive, got["usgs"].Status)
}

func TestLive_Verified(t *testing.T) {
	v := &mockVerifier{live: engine.RealtimeResult{EventID: "usgs:live", Agreement: 0.92, Compared: 2}}
	body := []byte(`{"id":"usgs:live","source_id":"usgs","category":"earthquake","time":"2024-01-01T07:10:00Z","magnitude":7.5,"coordinates":{"lat":37.5,"lon":137.2,"depth_km":10}}`)

	rec := serve(newTestServer(v), http.MethodPost, "/api/live", body)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, v.received, 1)
	ev := v.received[0]
	assert.Equal(t, "usgs", ev.SourceID)
	assert.Equal(t, t0, ev.Time)
	require.NotNil(t, ev.Magnitude)
	assert.InDelta(t, 7.5, *ev.Magnitude, 1e-9)

	var got engine.RealtimeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.InDelta(t, 0.92, got.Agreement, 1e-9)
	assert.Nil(t, got.Discrepancy)
}

func TestLive_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		liveErr error
		want    int
	}{
		{"malformed json", `{"id":`, nil, http.StatusBadRequest},
		{"invalid event", `{"id":"x"}`, fmt.Errorf("%w: missing time", engine.ErrInvalidEvent), http.StatusUnprocessableEntity},
		{"engine failure", `{"id":"x"}`, context.DeadlineExceeded, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &mockVerifier{liveErr: tt.liveErr}
			rec := serve(newTestServer(v), http.MethodPost, "/api/live", []byte(tt.body))
			assert.Equal(t, tt.want, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestLive_MethodNotAllowed(t *testing.T) {
	rec := serve(newTestServer(&mockVerifier{}), http.MethodGet, "/api/live", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
