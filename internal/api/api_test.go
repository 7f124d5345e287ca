package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/decoder"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

type testEnv struct {
	server *Server
	repo   *repository.SQLRepository
	bus    *bus.ChannelBus
}

// createTestServer wires a server over a temp sqlite database, the
// in-process cache and the channel bus.
func createTestServer(t *testing.T) *testEnv {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	lru := cache.NewLRUCache(100)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	evaluator, err := alert.NewEvaluator(domain.DefaultConfig().Alert, history.NewService(repo))
	if err != nil {
		t.Fatalf("failed to create evaluator: %v", err)
	}

	processor := engine.NewProcessor(engine.Options{
		Store:    repo,
		Profiles: repo,
		Scorer:   scoring.NewRuleScorer(scoring.DefaultWeights()),
		Alerts:   evaluator,
	})

	cfg := domain.ServerConfig{Host: "localhost", Port: 5000, ReadTimeout: 30, WriteTimeout: 30}
	server := NewServer(cfg, Deps{
		Repository: repo,
		Cache:      lru,
		Bus:        eventBus,
		Processor:  processor,
		Alerts:     evaluator,
		Version:    "test-v1",
	}, "/metrics")

	return &testEnv{server: server, repo: repo, bus: eventBus}
}

func (e *testEnv) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func samplePayload(t *testing.T) string {
	t.Helper()
	base := int64(1_700_000_000_000)
	payload, err := decoder.Encode([]domain.RawEvent{
		domain.KeyEvent(domain.KindKeyDown, 72, base),
		domain.KeyEvent(domain.KindKeyUp, 72, base+90),
		domain.KeyEvent(domain.KindKeyDown, 73, base+180),
		domain.KeyEvent(domain.KindKeyUp, 73, base+260),
		domain.PointerEvent(domain.KindPointerMove, 0, 0, base+300),
		domain.PointerEvent(domain.KindPointerMove, 30, 40, base+400),
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return payload
}

func collectBody(t *testing.T, userID, data string) []byte {
	t.Helper()
	body, _ := json.Marshal(CollectRequest{UserID: userID, SessionData: data, Timestamp: 1700000000000})
	return body
}

func TestCollectBehaviorEndpoint(t *testing.T) {
	env := createTestServer(t)

	t.Run("SuccessfulSession", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/api/collect_behavior", collectBody(t, "alice", samplePayload(t)))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp engine.SessionResult
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Status != "success" {
			t.Errorf("expected status success, got %s", resp.Status)
		}
		if resp.SessionID == "" {
			t.Error("expected session_id to be set")
		}
		if resp.RiskScore != scoring.NoProfileScore {
			t.Errorf("expected risk %v for a new user, got %v", scoring.NoProfileScore, resp.RiskScore)
		}
		if resp.Action != domain.ActionRequire2FA {
			t.Errorf("expected require_2fa, got %s", resp.Action)
		}
		if resp.Message != "Session processed. Action: require 2fa" {
			t.Errorf("unexpected message %q", resp.Message)
		}
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID header")
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/api/collect_behavior", []byte("{invalid"))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "Request must be JSON") {
			t.Errorf("unexpected body %s", rr.Body.String())
		}
	})

	t.Run("MissingUserID", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/api/collect_behavior", collectBody(t, "", samplePayload(t)))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "Missing userId or sessionData") {
			t.Errorf("unexpected body %s", rr.Body.String())
		}
	})

	t.Run("MissingSessionData", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/api/collect_behavior", collectBody(t, "alice", ""))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NoExtractableFeatures", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/api/collect_behavior", collectBody(t, "bob", "bm90IGpzb24="))
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("expected status 500, got %d", rr.Code)
		}

		var resp map[string]any
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["status"] != "error" {
			t.Errorf("expected status error, got %v", resp["status"])
		}
		if resp["message"] != "Failed to extract features." {
			t.Errorf("unexpected message %v", resp["message"])
		}
		if resp["risk_score"] != 0.5 {
			t.Errorf("expected risk_score 0.5, got %v", resp["risk_score"])
		}
		if resp["action"] != "allow" {
			t.Errorf("expected action allow, got %v", resp["action"])
		}
	})
}

func TestSubmitAsyncEndpoint(t *testing.T) {
	env := createTestServer(t)

	received := make(chan *domain.Message, 1)
	env.bus.Subscribe(context.Background(), domain.TopicSessionSubmitted, func(ctx context.Context, msg *domain.Message) error {
		received <- msg
		return nil
	})

	rr := env.do(http.MethodPost, "/api/sessions/async", collectBody(t, "carol", samplePayload(t)))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp map[string]string
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["session_id"] == "" {
		t.Fatal("expected session_id in response")
	}

	select {
	case msg := <-received:
		var sub engine.Submission
		if err := json.Unmarshal(msg.Payload, &sub); err != nil {
			t.Fatalf("failed to parse queued submission: %v", err)
		}
		if sub.SessionID != resp["session_id"] {
			t.Errorf("expected queued session %s, got %s", resp["session_id"], sub.SessionID)
		}
		if sub.UserID != "carol" {
			t.Errorf("expected user carol, got %s", sub.UserID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for queued session")
	}

	t.Run("Validation", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/api/sessions/async", collectBody(t, "carol", ""))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestQueryEndpoints(t *testing.T) {
	env := createTestServer(t)

	t.Run("ProfileNotFound", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/api/profiles/dave", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	env.do(http.MethodPost, "/api/collect_behavior", collectBody(t, "dave", samplePayload(t)))
	env.do(http.MethodPost, "/api/collect_behavior", collectBody(t, "dave", samplePayload(t)))

	t.Run("ProfileAfterSession", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/api/profiles/dave", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var p domain.UserProfile
		json.Unmarshal(rr.Body.Bytes(), &p)
		if p.UserID != "dave" {
			t.Errorf("expected user dave, got %s", p.UserID)
		}
		if len(p.Metrics) != len(domain.ProfileMetrics) {
			t.Errorf("expected %d metrics, got %d", len(domain.ProfileMetrics), len(p.Metrics))
		}
	})

	t.Run("Sessions", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/api/users/dave/sessions?limit=1", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Count    int                  `json:"count"`
			Sessions []*domain.SessionLog `json:"sessions"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 || len(resp.Sessions) != 1 {
			t.Errorf("expected 1 session with limit=1, got %d", resp.Count)
		}
	})

	t.Run("InvalidLimit", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/api/users/dave/sessions?limit=abc", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("AlertsEmpty", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/api/users/dave/alerts", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"alerts":[]`) {
			t.Errorf("expected empty alerts array, got %s", rr.Body.String())
		}
	})
}

func TestTriggerEndpoints(t *testing.T) {
	env := createTestServer(t)

	t.Run("List", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/api/triggers", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Triggers []domain.AlertTrigger `json:"triggers"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if len(resp.Triggers) != 2 {
			t.Fatalf("expected 2 built-in triggers, got %d", len(resp.Triggers))
		}
		if resp.Triggers[0].ID != alert.TriggerExtreme {
			t.Errorf("expected %s first, got %s", alert.TriggerExtreme, resp.Triggers[0].ID)
		}
	})

	t.Run("ValidExpression", func(t *testing.T) {
		body, _ := json.Marshal(domain.AlertTrigger{ID: "night", Expression: "risk_score > 0.7", Reason: "x"})
		rr := env.do(http.MethodPost, "/api/triggers/validate", body)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("InvalidExpression", func(t *testing.T) {
		body, _ := json.Marshal(domain.AlertTrigger{ID: "bad", Expression: "risk_score + 1", Reason: "x"})
		rr := env.do(http.MethodPost, "/api/triggers/validate", body)
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	env := createTestServer(t)

	t.Run("Hello", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Health", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/health", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["version"] != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp["version"])
		}
	})

	t.Run("Ready", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/ready", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/metrics", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "kestrel_http_requests_total") {
			t.Error("expected kestrel_http_requests_total in metrics output")
		}
	})

	t.Run("NotReadyWhenBusClosed", func(t *testing.T) {
		env.bus.Close()
		rr := env.do(http.MethodGet, "/ready", nil)
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		rr := env.do(http.MethodOptions, "/api/collect_behavior", nil)
		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") == "" {
			t.Error("expected CORS header")
		}
	})
}

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("CORSAllowList", func(t *testing.T) {
		h := CORSMiddleware([]string{"https://app.example.com"})(ok)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Errorf("expected allowed origin echoed, got %q", got)
		}

		req = httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rr = httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("expected no CORS header for unlisted origin, got %q", got)
		}
	})

	t.Run("RequestIDPropagated", func(t *testing.T) {
		var seen string
		h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = GetRequestID(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if seen != "req-123" {
			t.Errorf("expected request ID in context, got %q", seen)
		}
		if rr.Header().Get(RequestIDHeader) != "req-123" {
			t.Errorf("expected request ID echoed, got %q", rr.Header().Get(RequestIDHeader))
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected trace ID header")
		}
	})

	t.Run("RecoverFromPanic", func(t *testing.T) {
		h := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})

	t.Run("OversizedBodyRejected", func(t *testing.T) {
		env := createTestServer(t)
		big := bytes.Repeat([]byte("a"), defaultMaxBodyBytes+1)
		body, _ := json.Marshal(CollectRequest{UserID: "u", SessionData: string(big)})
		rr := env.do(http.MethodPost, "/api/collect_behavior", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}
