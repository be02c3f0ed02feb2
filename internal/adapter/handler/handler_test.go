package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/johnquangdev/meeting-session/internal/domain/entities"
	"github.com/johnquangdev/meeting-session/internal/infrastructure/cache"
	"github.com/johnquangdev/meeting-session/internal/infrastructure/http/middleware"
	"github.com/johnquangdev/meeting-session/internal/infrastructure/storage"
	sessionUsecase "github.com/johnquangdev/meeting-session/internal/usecase/session"
	"github.com/johnquangdev/meeting-session/pkg/config"
	"github.com/johnquangdev/meeting-session/pkg/inference"
	"github.com/johnquangdev/meeting-session/pkg/jwt"
	"github.com/johnquangdev/meeting-session/pkg/validator"
)

type envelope struct {
	Code    interface{}       `json:"code"`
	Message string            `json:"message"`
	Data    json.RawMessage   `json:"data"`
	Details map[string]string `json:"details"`
	Payload json.RawMessage   `json:"payload"`
}

type testServer struct {
	e           *echo.Echo
	health      *inference.HealthRegistry
	resolveHits int32
}

// inference backend stub: resolve answers, enroll is down
func (ts *testServer) backend() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/resolve":
			atomic.AddInt32(&ts.resolveHits, 1)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"cluster_id":   "c1",
				"speaker_name": "Alice",
				"decision":     "confirm",
				"confidence":   0.92,
			})
		case "/enroll":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestServer(t *testing.T, auth echo.MiddlewareFunc) *testServer {
	t.Helper()
	ts := &testServer{health: inference.NewHealthRegistry(2, time.Minute)}

	backend := httptest.NewServer(ts.backend())
	t.Cleanup(backend.Close)

	client := inference.NewClient(inference.Config{
		PrimaryURL: backend.URL,
		Timeout:    2 * time.Second,
	}, ts.health, zap.NewNop())

	registry := sessionUsecase.NewRegistry(sessionUsecase.Deps{
		Blobs:     storage.NewMemoryStore(),
		Inference: client,
		Logger:    zap.NewNop(),
	}, sessionUsecase.Options{})

	idem := cache.NewMemoryStore()
	svc := sessionUsecase.NewService(registry, idem, time.Minute, zap.NewNop())
	t.Cleanup(func() {
		_ = svc.Shutdown(context.Background())
		_ = idem.Close()
	})

	v := validator.New()
	e := echo.New()
	e.Validator = v
	e.HTTPErrorHandler = ErrorHandler(zap.NewNop())

	cfg := &config.Config{Server: config.ServerConfig{Environment: "test"}}
	NewRouter(cfg,
		NewSessionHandler(svc, ts.health, zaptest.NewLogger(t)),
		NewIngestHandler(svc, v, nil, zap.NewNop()),
		auth,
	).Setup(e)

	ts.e = e
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: decode body %q: %v", method, path, rec.Body.String(), err)
	}
	return rec, env
}

func TestSession_ConfigureAndState(t *testing.T) {
	ts := newTestServer(t, nil)

	rec, _ := ts.do(t, http.MethodPost, "/v1/sessions/s1/config", `{"roster":["Ms. Li","Bob"],"interviewer_name":"Ms. Li"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("config status = %d: %s", rec.Code, rec.Body.String())
	}

	rec, env := ts.do(t, http.MethodGet, "/v1/sessions/s1/state", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("state status = %d", rec.Code)
	}
	var st struct {
		SessionID string                 `json:"session_id"`
		Phase     string                 `json:"phase"`
		Config    entities.SessionConfig `json:"config"`
		Streams   []struct {
			StreamRole string `json:"stream_role"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(env.Data, &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if st.SessionID != "s1" || st.Phase != "live" {
		t.Errorf("state = %+v", st)
	}
	if len(st.Config.Roster) != 2 || st.Config.InterviewerName != "Ms. Li" {
		t.Errorf("config = %+v", st.Config)
	}
	if len(st.Streams) != 3 {
		t.Errorf("streams = %+v", st.Streams)
	}
}

func TestSession_ValidationErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode string
	}{
		{"binding without cluster", http.MethodPost, "/v1/sessions/s1/bindings", `{"participant_name":"Bob"}`, "INVALID_ARGUMENT"},
		{"resolve with bad role", http.MethodPost, "/v1/sessions/s1/resolve", `{"stream_role":"audience","end_ms":10}`, "INVALID_ARGUMENT"},
		{"resolve with inverted span", http.MethodPost, "/v1/sessions/s1/resolve", `{"stream_role":"students","start_ms":50,"end_ms":10}`, "INVALID_ARGUMENT"},
		{"malformed json", http.MethodPost, "/v1/sessions/s1/config", `{"roster":`, "INVALID_PAYLOAD"},
		{"unknown view", http.MethodGet, "/v1/sessions/s1/utterances?view=summary", "", "INVALID_ARGUMENT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := ts.do(t, tt.method, tt.path, tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
			if env.Code != tt.wantCode {
				t.Errorf("code = %v, want %s", env.Code, tt.wantCode)
			}
		})
	}
}

func TestSession_ResolveIdempotencyKey(t *testing.T) {
	ts := newTestServer(t, nil)
	body := `{"stream_role":"students","start_ms":0,"end_ms":1500,"audio":"AAAA"}`
	headers := map[string]string{HeaderIdempotencyKey: "retry-1"}

	var first, second struct {
		SpeakerName string `json:"speaker_name"`
		EventID     string `json:"event_id"`
		Replayed    bool   `json:"idempotent_replay"`
	}

	rec, env := ts.do(t, http.MethodPost, "/v1/sessions/s1/resolve", body, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("first resolve status = %d: %s", rec.Code, rec.Body.String())
	}
	_ = json.Unmarshal(env.Data, &first)

	rec, env = ts.do(t, http.MethodPost, "/v1/sessions/s1/resolve", body, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("second resolve status = %d", rec.Code)
	}
	_ = json.Unmarshal(env.Data, &second)

	if first.SpeakerName != "Alice" || first.Replayed {
		t.Errorf("first = %+v", first)
	}
	if !second.Replayed || second.EventID != first.EventID {
		t.Errorf("second = %+v, first = %+v", second, first)
	}
	if hits := atomic.LoadInt32(&ts.resolveHits); hits != 1 {
		t.Errorf("backend hit %d times, want 1", hits)
	}

	rec, env = ts.do(t, http.MethodGet, "/v1/sessions/s1/events", "", nil)
	var events struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(env.Data, &events)
	if rec.Code != http.StatusOK || events.Count != 1 {
		t.Errorf("events status = %d count = %d", rec.Code, events.Count)
	}
}

func TestSession_EnrollDependencyFailure(t *testing.T) {
	ts := newTestServer(t, nil)

	rec, env := ts.do(t, http.MethodPost, "/v1/sessions/s1/enroll", `{"participant_name":"Bob","audio":"AAAA"}`, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502: %s", rec.Code, rec.Body.String())
	}
	if env.Code != "DEPENDENCY_FAILED" || env.Details["endpoint"] != inference.EndpointEnroll {
		t.Errorf("error = %+v", env)
	}
	var payload inference.FailoverError
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(payload.Attempts) != 1 || payload.Attempts[0].StatusCode != http.StatusServiceUnavailable {
		t.Errorf("attempts = %+v", payload.Attempts)
	}

	rec, env = ts.do(t, http.MethodGet, "/v1/backends/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("backends status = %d", rec.Code)
	}
	var health struct {
		Backends []inference.HealthState `json:"backends"`
	}
	_ = json.Unmarshal(env.Data, &health)
	if len(health.Backends) != 1 || health.Backends[0].ConsecutiveFailures != 1 {
		t.Errorf("backends = %+v", health.Backends)
	}
}

func TestSession_FinalizeWithoutAudio(t *testing.T) {
	ts := newTestServer(t, nil)

	rec, env := ts.do(t, http.MethodPost, "/v1/sessions/s1/finalize", "", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", rec.Code, rec.Body.String())
	}
	if env.Code != "FINALIZE_FAILED" {
		t.Errorf("code = %v", env.Code)
	}
	var res entities.FinalizeResult
	if err := json.Unmarshal(env.Payload, &res); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if res.Status != entities.ResultStatusFailed || len(res.Errors) == 0 {
		t.Errorf("result = %+v", res)
	}

	rec, env = ts.do(t, http.MethodGet, "/v1/sessions/s1/result", "", nil)
	if rec.Code != http.StatusNotFound || env.Code != "RESULT_NOT_READY" {
		t.Errorf("result status = %d code = %v", rec.Code, env.Code)
	}
}

func TestSession_UtterancesEmpty(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, view := range []string{"raw", "merged"} {
		rec, env := ts.do(t, http.MethodGet, "/v1/sessions/s1/utterances?view="+view+"&stream_role=teacher", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", view, rec.Code)
		}
		var out struct {
			View  string            `json:"view"`
			Count int               `json:"count"`
			Items []json.RawMessage `json:"items"`
		}
		_ = json.Unmarshal(env.Data, &out)
		if out.View != view || out.Count != 0 || out.Items == nil {
			t.Errorf("%s = %+v", view, out)
		}
	}
}

func TestRouter_AuthGroup(t *testing.T) {
	manager := jwt.NewManager("router-test-secret-0123", time.Hour, "meeting-session")
	ts := newTestServer(t, middleware.EchoAuth(manager))

	viewer, err := manager.GenerateToken("s1", jwt.RoleViewer)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	bearer := map[string]string{"Authorization": "Bearer " + viewer}

	if rec, _ := ts.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
	if rec, env := ts.do(t, http.MethodGet, "/v1/sessions/s1/state", "", nil); rec.Code != http.StatusUnauthorized || env.Code != "UNAUTHENTICATED" {
		t.Errorf("anonymous state = %d %v", rec.Code, env.Code)
	}
	if rec, _ := ts.do(t, http.MethodGet, "/v1/sessions/s1/state", "", bearer); rec.Code != http.StatusOK {
		t.Errorf("viewer state = %d", rec.Code)
	}
	if rec, env := ts.do(t, http.MethodPost, "/v1/sessions/s1/finalize", "", bearer); rec.Code != http.StatusForbidden || env.Code != "PERMISSION_DENIED" {
		t.Errorf("viewer finalize = %d %v", rec.Code, env.Code)
	}
	if rec, _ := ts.do(t, http.MethodGet, "/v1/sessions/s2/state", "", bearer); rec.Code != http.StatusForbidden {
		t.Errorf("foreign session = %d", rec.Code)
	}
}

func dialIngest(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", path, err, status)
	}
	t.Cleanup(func() { ws.Close() })
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func roundTrip(t *testing.T, ws *websocket.Conn, frame interface{}) map[string]interface{} {
	t.Helper()
	if err := ws.WriteJSON(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	var reply map[string]interface{}
	if err := ws.ReadJSON(&reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	return reply
}

func TestIngest_Channel(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.e)
	defer srv.Close()

	ws := dialIngest(t, srv, "/v1/sessions/s1/ingest/teacher")

	ready := roundTrip(t, ws, map[string]interface{}{"type": "hello", "stream_role": "teacher", "roster": []string{"Ms. Li"}})
	if ready["type"] != "ready" || ready["chunk_bytes"] != float64(entities.ChunkBytes) {
		t.Fatalf("ready = %v", ready)
	}

	chunk := map[string]interface{}{
		"type":         "chunk",
		"seq":          1,
		"timestamp_ms": 0,
		"sample_rate":  entities.TargetSampleRate,
		"channels":     entities.TargetChannels,
		"format":       entities.TargetFormat,
		"content_b64":  base64.StdEncoding.EncodeToString(make([]byte, entities.ChunkBytes)),
	}
	if ack := roundTrip(t, ws, chunk); ack["type"] != "ack" || ack["status"] != "stored" {
		t.Errorf("first ack = %v", ack)
	}
	if ack := roundTrip(t, ws, chunk); ack["status"] != "duplicate" || ack["duplicate_count"] != float64(1) {
		t.Errorf("second ack = %v", ack)
	}
	if pong := roundTrip(t, ws, map[string]string{"type": "ping"}); pong["type"] != "pong" {
		t.Errorf("pong = %v", pong)
	}
	if closing := roundTrip(t, ws, map[string]string{"type": "close", "reason": "done"}); closing["type"] != "closing" {
		t.Errorf("closing = %v", closing)
	}
	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
}

func TestIngest_FrameBeforeHelloClosesChannel(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.e)
	defer srv.Close()

	ws := dialIngest(t, srv, "/v1/sessions/s1/ingest/students")
	reply := roundTrip(t, ws, map[string]string{"type": "ping"})
	if reply["type"] != "error" || reply["fatal"] != true || reply["code"] != "HELLO_REQUIRED" {
		t.Fatalf("reply = %v", reply)
	}
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Errorf("channel should be closed after a fatal error")
	}
}

func TestIngest_UnknownRoleRejectedBeforeUpgrade(t *testing.T) {
	ts := newTestServer(t, nil)

	rec, env := ts.do(t, http.MethodGet, "/v1/sessions/s1/ingest/audience", "", nil)
	if rec.Code != http.StatusBadRequest || env.Code != "INVALID_ARGUMENT" {
		t.Errorf("status = %d code = %v", rec.Code, env.Code)
	}
}
