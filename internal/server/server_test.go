package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/piiswap/internal/artifacts"
	"github.com/raaihank/piiswap/internal/config"
	"github.com/raaihank/piiswap/internal/export"
	"github.com/raaihank/piiswap/internal/extract"
	"github.com/raaihank/piiswap/internal/logger"
	"github.com/raaihank/piiswap/internal/mapping"
	"github.com/raaihank/piiswap/internal/pii"
	"github.com/raaihank/piiswap/internal/pipeline"
	"github.com/raaihank/piiswap/internal/planner"
	"github.com/raaihank/piiswap/internal/pool"
	"github.com/raaihank/piiswap/internal/websocket"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	return newTestServerWithHub(t, mutate, nil)
}

func newTestServerWithHub(t *testing.T, mutate func(*config.Config), hub *websocket.Hub) *Server {
	t.Helper()
	cfg := config.GetDefaults()
	cfg.Server.RateLimit.Enabled = false
	cfg.WebSocket.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	p, err := pool.New(map[pii.PiiType][]string{
		"Patient_Name": {"Smith", "Jones"},
		"MRN":          {"SWH07605906"},
	})
	require.NoError(t, err)

	store := mapping.NewMemoryStore()
	builder := planner.NewBuilder(store, p, zap.NewNop())
	return New(cfg, logger.Nop(), builder, store, p, hub)
}

func sanitizeBody(t *testing.T, text string, decls pii.Declarations) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(SanitizeRequest{Text: text, Declarations: decls})
	require.NoError(t, err)
	return bytes.NewReader(body)
}

func do(s *Server, method, path string, body *bytes.Reader) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, body)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestInfoReportsPool(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(s, http.MethodGet, "/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info struct {
		Name string           `json:"name"`
		Pool []pool.TypeStats `json:"pool"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "piiswap", info.Name)
	assert.Len(t, info.Pool, 2)
}

func TestSanitizeCertifiesPage(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(s, http.MethodPost, "/v1/pages/page_1/sanitize", sanitizeBody(t,
		"SWHC-Freer, James-Enc #131017766",
		pii.Declarations{{Type: "Patient_Name", Original: "Freer"}, {Type: "MRN", Original: "131017766"}},
	))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp SanitizeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "SWHC-Smith, James-Enc #SWH07605906", resp.SanitizedText)
	assert.True(t, resp.Verification.Passed)
	assert.Equal(t, 2, resp.Verification.Replacements)
	require.Equal(t, 2, resp.Plan.Len())

	a, ok := resp.Plan.Lookup("Patient_Name")
	require.True(t, ok)
	assert.Equal(t, "Smith", a.Dummy)
}

func TestSanitizeReusesAcrossRequests(t *testing.T) {
	s := newTestServer(t, nil)
	decls := pii.Declarations{{Type: "MRN", Original: "131017766"}}

	rec := do(s, http.MethodPost, "/v1/pages/page_1/sanitize", sanitizeBody(t, "MRN 131017766", decls))
	require.Equal(t, http.StatusOK, rec.Code)

	// The MRN pool holds a single dummy; reuse must not need a second one
	rec = do(s, http.MethodPost, "/v1/pages/page_2/sanitize", sanitizeBody(t, "again 131017766", decls))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SanitizeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "again SWH07605906", resp.SanitizedText)
}

func TestSanitizeErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantKind string
	}{
		{
			name:     "pool exhausted",
			path:     "/v1/pages/page_1/sanitize",
			body:     `{"text":"a b","declarations":{"Patient_Name":"A","Other":"B"}}`,
			wantCode: http.StatusConflict,
			wantKind: "pool_exhausted",
		},
		{
			name:     "blank declaration",
			path:     "/v1/pages/page_1/sanitize",
			body:     `{"text":"a","declarations":{"Patient_Name":""}}`,
			wantCode: http.StatusBadRequest,
			wantKind: "invalid_declaration",
		},
		{
			name:     "malformed body",
			path:     "/v1/pages/page_1/sanitize",
			body:     `{"text":`,
			wantCode: http.StatusBadRequest,
			wantKind: "invalid_request",
		},
		{
			name:     "bad page id",
			path:     "/v1/pages/cover/sanitize",
			body:     `{"text":"a","declarations":{}}`,
			wantCode: http.StatusBadRequest,
			wantKind: "invalid_page",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			rec := do(s, http.MethodPost, tt.path, bytes.NewReader([]byte(tt.body)))
			assert.Equal(t, tt.wantCode, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantKind, resp.Kind)
		})
	}
}

func TestSanitizeErrorNeverEchoesOriginal(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(s, http.MethodPost, "/v1/pages/page_1/sanitize",
		bytes.NewReader([]byte(`{"text":"x","declarations":{"SSN":"123-45-6789"}}`)))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NotContains(t, rec.Body.String(), "123-45-6789")
}

func TestSanitizeBodyLimit(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Server.MaxBodyBytes = 32 })
	rec := do(s, http.MethodPost, "/v1/pages/page_1/sanitize",
		sanitizeBody(t, strings.Repeat("x", 100), pii.Declarations{}))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestPlanAndMapping(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(s, http.MethodGet, "/v1/pages/page_1/plan", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(s, http.MethodPost, "/v1/pages/page_1/sanitize", sanitizeBody(t,
		"Freer", pii.Declarations{{Type: "Patient_Name", Original: "Freer"}}))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodGet, "/v1/pages/page_1/plan", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	plan := pii.NewPlan("")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), plan))
	a, ok := plan.Lookup("Patient_Name")
	require.True(t, ok)
	assert.Equal(t, pii.Assignment{Original: "Freer", Dummy: "Smith"}, a)

	rec = do(s, http.MethodGet, "/v1/mapping", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "Freer")

	var listing struct {
		Pages   int          `json:"pages"`
		Entries []export.Row `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, 1, listing.Pages)
	require.Len(t, listing.Entries, 1)
	assert.Equal(t, pii.Fingerprint("Freer"), listing.Entries[0].Fingerprint)

	rec = do(s, http.MethodGet, "/v1/mapping?include_originals=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"original":"Freer"`)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Server.RateLimit.Enabled = true
		c.Server.RateLimit.RequestsPerSec = 0.001
		c.Server.RateLimit.Burst = 2
	})

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = do(s, http.MethodGet, "/v1/mapping", nil).Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// Health checks are not rate limited
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health", nil).Code)
}

func TestClientLimiterCleanup(t *testing.T) {
	l := NewClientLimiter(1, 1)
	for i := 0; i < 3; i++ {
		l.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	assert.Equal(t, 0, l.Cleanup(time.Now().Add(-time.Minute)))
	assert.Equal(t, 3, l.Cleanup(time.Now().Add(time.Minute)))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(&pii.PageError{Err: pii.ErrConsistencyViolation}))
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("x: %w", pii.ErrPoolExhausted)))
	assert.Equal(t, http.StatusBadRequest, statusFor(pii.ErrInvalidDeclaration))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(pii.ErrIncompleteReplacement))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(pii.ErrUnauthorizedChange))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("disk full")))
}

func TestSanitizePublishesPageEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := websocket.NewHub(&websocket.HubConfig{BroadcastPages: true}, zap.NewNop())
	go hub.Run(ctx)

	s := newTestServerWithHub(t, func(c *config.Config) { c.WebSocket.Enabled = true }, hub)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	dash, err := http.Get(srv.URL + "/dashboard")
	require.NoError(t, err)
	defer dash.Body.Close()
	assert.Equal(t, http.StatusOK, dash.StatusCode)
	assert.Contains(t, dash.Header.Get("Content-Type"), "text/html")

	conn, _, err := gorillaws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		return hub.GetStats().ActiveConnections == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(srv.URL+"/v1/pages/page_4/sanitize", "application/json",
		sanitizeBody(t, "Freer", pii.Declarations{{Type: "Patient_Name", Original: "Freer"}}))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev struct {
		Type websocket.EventType `json:"type"`
		Data websocket.PageEvent `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, websocket.EventTypePage, ev.Type)
	assert.Equal(t, "page_4", ev.Data.Page)
	assert.Equal(t, "certified", ev.Data.Status)
	assert.Equal(t, 1, ev.Data.Minted)
}

func TestSanitizeFailurePublishesErrorKind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := websocket.NewHub(&websocket.HubConfig{BroadcastPages: true}, zap.NewNop())
	go hub.Run(ctx)

	s := newTestServerWithHub(t, func(c *config.Config) { c.WebSocket.Enabled = true }, hub)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := gorillaws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		return hub.GetStats().ActiveConnections == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(srv.URL+"/v1/pages/page_5/sanitize", "application/json",
		sanitizeBody(t, "Ward 7", pii.Declarations{{Type: "Ward", Original: "Ward 7"}}))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev struct {
		Type websocket.EventType `json:"type"`
		Data websocket.PageEvent `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "page_5", ev.Data.Page)
	assert.Equal(t, "failed", ev.Data.Status)
	assert.Equal(t, "pool_exhausted", ev.Data.ErrorKind)
	assert.NotEmpty(t, ev.Data.Error)
	assert.NotContains(t, ev.Data.Error, "Ward 7")
}

func TestRunEndpointRunsPipelineAndPublishesRunEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	textDir := filepath.Join(dir, "text")
	require.NoError(t, os.MkdirAll(textDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(textDir, "page_1.txt"), []byte("MRN 131017766"), 0o644))
	layout := artifacts.NewLayout(dir, "")
	require.NoError(t, layout.WriteDeclarations("page_1", pii.Declarations{{Type: "MRN", Original: "131017766"}}))

	hub := websocket.NewHub(&websocket.HubConfig{BroadcastRuns: true}, zap.NewNop())
	go hub.Run(ctx)

	cfg := config.GetDefaults()
	cfg.Server.RateLimit.Enabled = false
	cfg.WebSocket.Enabled = true
	p, err := pool.New(map[pii.PiiType][]string{"MRN": {"SWH07605906"}})
	require.NoError(t, err)
	store := mapping.NewMemoryStore()
	builder := planner.NewBuilder(store, p, zap.NewNop())
	pl := pipeline.New(builder, extract.NewTextDir(textDir), layout,
		config.PipelineConfig{Workers: 2, Source: "text", TextDir: textDir}, zap.NewNop()).WithSink(hub)
	s := New(cfg, logger.Nop(), builder, store, p, hub).WithPipeline(pl)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := gorillaws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		return hub.GetStats().ActiveConnections == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(srv.URL+"/v1/runs", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result pipeline.RunResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, 1, result.Certified)

	sanitized, err := layout.ReadSanitized("page_1")
	require.NoError(t, err)
	assert.Equal(t, "MRN SWH07605906", sanitized)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev struct {
		Type  websocket.EventType `json:"type"`
		RunID string              `json:"run_id"`
		Data  websocket.RunEvent  `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, websocket.EventTypeRun, ev.Type)
	assert.Equal(t, result.RunID, ev.RunID)
	assert.Equal(t, 1, ev.Data.Certified)
}

func TestRunEndpoint(t *testing.T) {
	dir := t.TempDir()
	s := newTestServer(t, nil)
	p, err := pool.New(map[pii.PiiType][]string{"MRN": {"SWH07605906"}})
	require.NoError(t, err)
	builder := planner.NewBuilder(mapping.NewMemoryStore(), p, zap.NewNop())
	s.WithPipeline(pipeline.New(builder, extract.NewTextDir(dir), artifacts.NewLayout(dir, ""),
		config.PipelineConfig{Workers: 1, Source: "text", TextDir: dir}, zap.NewNop()))

	t.Run("rejects bad page", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/v1/runs", bytes.NewReader([]byte(`{"pages": ["cover"]}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid_page")
	})

	t.Run("one run at a time", func(t *testing.T) {
		s.runMu.Lock()
		defer s.runMu.Unlock()

		rec := do(s, http.MethodPost, "/v1/runs", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), "run_in_progress")
	})

	t.Run("empty output dir", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/v1/runs", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var result pipeline.RunResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.Equal(t, 0, result.TotalPages)
	})

	t.Run("not mounted without a pipeline", func(t *testing.T) {
		rec := do(newTestServer(t, nil), http.MethodPost, "/v1/runs", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
