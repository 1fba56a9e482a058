package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/queue"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/signal"
)

const testSecret = "test-secret"

type fakeInspector struct {
	stats         queue.Stats
	pending       []*signal.Signal
	failed        []*signal.Signal
	recovered     int
	recoverSymbol string
}

func (f *fakeInspector) Counts(context.Context) (queue.Stats, error) { return f.stats, nil }

func (f *fakeInspector) PendingSignals(context.Context) ([]*signal.Signal, error) {
	return f.pending, nil
}

func (f *fakeInspector) FailedSignals(context.Context, float64, time.Duration) ([]*signal.Signal, error) {
	return f.failed, nil
}

func (f *fakeInspector) RecoverFailed(_ context.Context, symbol string, _ time.Duration) (int, error) {
	f.recoverSymbol = symbol
	return f.recovered, nil
}

type fakePositions struct{ positions []broker.Position }

func (f *fakePositions) StockPositions(context.Context) ([]broker.Position, error) {
	return f.positions, nil
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	s := NewServer("test-service", "TEST", Config{Port: 18080, JWTSecret: testSecret}, deps, zerolog.Nop())
	if s == nil {
		t.Fatal("server must not be nil for a non-zero port")
	}
	return s
}

func authedRequest(t *testing.T, method, path, body string) *http.Request {
	t.Helper()
	token, err := GenerateToken(testSecret, "ops-test", time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestDisabledWhenPortZero(t *testing.T) {
	s := NewServer("test", "TEST", Config{Port: 0}, Deps{}, zerolog.Nop())
	if s != nil {
		t.Fatal("port 0 must disable the server")
	}
	// Nil receivers must be safe.
	s.Start()
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
}

func TestHealthzNoAuth(t *testing.T) {
	s := newTestServer(t, Deps{})
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["account"] != "TEST" {
		t.Errorf("unexpected healthz body: %v", body)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, Deps{Queue: &fakeInspector{}})

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"garbage token", "Bearer not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/queue", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			s.Router().ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	s := newTestServer(t, Deps{Queue: &fakeInspector{}})
	token, err := GenerateToken(testSecret, "ops-test", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for expired token", rec.Code)
	}
}

func TestQueueEndpoint(t *testing.T) {
	insp := &fakeInspector{
		stats: queue.Stats{Pending: 3, Delayed: 1, Processing: 1, Failed: 2},
		pending: []*signal.Signal{
			signal.New("TEST", "700.HK", signal.TypeStrongBuy, 85),
		},
	}
	s := newTestServer(t, Deps{Queue: insp})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(t, http.MethodGet, "/api/v1/queue", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Stats   queue.Stats     `json:"stats"`
		Pending []signalSummary `json:"pending"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Stats.Pending != 3 || body.Stats.Failed != 2 {
		t.Errorf("stats = %+v", body.Stats)
	}
	if len(body.Pending) != 1 || body.Pending[0].Symbol != "700.HK" {
		t.Errorf("pending = %+v", body.Pending)
	}
}

func TestRecoverEndpoint(t *testing.T) {
	insp := &fakeInspector{recovered: 2}
	s := newTestServer(t, Deps{Queue: insp})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(t, http.MethodPost, "/api/v1/signals/recover",
		`{"symbol":"AAPL.US","max_age_minutes":30}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if insp.recoverSymbol != "AAPL.US" {
		t.Errorf("recover symbol = %q", insp.recoverSymbol)
	}

	// Missing symbol is a 400.
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(t, http.MethodPost, "/api/v1/signals/recover", `{}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without symbol", rec.Code)
	}
}

func TestEndpointsWithoutDeps(t *testing.T) {
	s := newTestServer(t, Deps{})
	for _, path := range []string{"/api/v1/status", "/api/v1/queue", "/api/v1/positions"} {
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, authedRequest(t, http.MethodGet, path, ""))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404 when dep missing", path, rec.Code)
		}
	}
}
