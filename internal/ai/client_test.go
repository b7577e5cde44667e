package ai

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panguard-ai/panguard-guard/internal/config"
	"github.com/panguard-ai/panguard-guard/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T, reply string, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var probes atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		w.WriteHeader(status)
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)

		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"requests"}}`))
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": reply}}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &probes
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(config.AIConfig{
		Endpoint: srv.URL + "/v1/",
		Model:    "test-model",
		APIKey:   "sk-test",
		Timeout:  2 * time.Second,
	}, testLogger())
}

func TestClient_Analyze(t *testing.T) {
	reply := "```json\n{\"summary\":\"SSH brute force from external host\",\"confidence\":0.82,\"severity\":\"high\",\"recommendations\":[\"block source\"]}\n```"
	srv, _ := newTestServer(t, reply, http.StatusOK)

	out, err := newTestClient(srv).Analyze(context.Background(), "assess")
	require.NoError(t, err)
	assert.Equal(t, "SSH brute force from external host", out.Summary)
	assert.InDelta(t, 0.82, out.Confidence, 1e-9)
	assert.Equal(t, []string{"block source"}, out.Recommendations)
}

func TestClient_AnalyzeRejectsBadConfidence(t *testing.T) {
	srv, _ := newTestServer(t, `{"summary":"x","confidence":82}`, http.StatusOK)

	_, err := newTestClient(srv).Analyze(context.Background(), "assess")
	assert.Error(t, err)
}

func TestClient_APIError(t *testing.T) {
	srv, _ := newTestServer(t, "", http.StatusTooManyRequests)

	_, err := newTestClient(srv).Analyze(context.Background(), "assess")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestClient_Classify(t *testing.T) {
	tests := []struct {
		reply string
		want  string
	}{
		{`{"technique":"t1110.001","tactic":"credential-access"}`, "T1110.001"},
		{`{"technique":"brute force"}`, ""},
		{`{"technique":""}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			srv, _ := newTestServer(t, tt.reply, http.StatusOK)
			ev := model.NewEvent(model.SourceLog, model.SeverityMedium, "authentication", "Failed password for root", nil)

			out, err := newTestClient(srv).Classify(context.Background(), ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Technique)
		})
	}
}

func TestClient_IsAvailableCaches(t *testing.T) {
	srv, probes := newTestServer(t, "", http.StatusOK)
	c := newTestClient(srv)

	assert.True(t, c.IsAvailable(context.Background()))
	assert.True(t, c.IsAvailable(context.Background()))
	assert.Equal(t, int32(1), probes.Load())

	c.checkExpiry = 0
	assert.True(t, c.IsAvailable(context.Background()))
	assert.Equal(t, int32(2), probes.Load())
}

func TestClient_Unavailable(t *testing.T) {
	srv, _ := newTestServer(t, "", http.StatusUnauthorized)
	assert.False(t, newTestClient(srv).IsAvailable(context.Background()))

	down := NewClient(config.AIConfig{Endpoint: "http://127.0.0.1:1", Timeout: time.Second}, testLogger())
	assert.False(t, down.IsAvailable(context.Background()))
}
