package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/developingchet/authguard/internal/access"
	"github.com/developingchet/authguard/internal/apperr"
	"github.com/developingchet/authguard/internal/config"
	"github.com/developingchet/authguard/internal/limiter"
	"github.com/developingchet/authguard/internal/netrule"
	"github.com/developingchet/authguard/internal/testutil"
	"github.com/rs/zerolog"
)

type fixture struct {
	repo  *netrule.Repository
	store *testutil.MockStore
	srv   *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testutil.NewMockStore()
	repo := netrule.NewRepository(store, zerolog.Nop())
	engine, err := limiter.New(store, limiter.Config{
		Expiry:       time.Hour,
		CounterTypes: access.CounterTypes,
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	checker := access.New(netrule.NewResolver(repo, netrule.ActionAllow, zerolog.Nop()), engine, access.Limits{
		ByHost:       access.Limit{Scale: time.Minute, Limit: 10},
		ByIdentifier: access.Limit{Scale: time.Minute, Limit: 2},
	}, zerolog.Nop())
	return &fixture{repo: repo, store: store, srv: New(&config.Config{}, checker, store, zerolog.Nop())}
}

func (f *fixture) check(t *testing.T, body string) (*httptest.ResponseRecorder, CheckResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, routeCheck, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.APIHandler().ServeHTTP(rec, req)

	var resp CheckResponse
	if rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, resp
}

func TestCheck_AllowThenRateLimited(t *testing.T) {
	f := newFixture(t)
	body := `{"host":"203.0.113.7","identifier":"alice"}`

	for i := 0; i < 2; i++ {
		rec, resp := f.check(t, body)
		if rec.Code != http.StatusOK || !resp.Allowed {
			t.Fatalf("attempt %d: code=%d resp=%+v", i+1, rec.Code, resp)
		}
		if resp.Reason != "allowed" || resp.Tier != "implied" {
			t.Errorf("attempt %d: resp=%+v", i+1, resp)
		}
	}

	rec, resp := f.check(t, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200 for a denial", rec.Code)
	}
	if resp.Allowed || resp.Reason != "rate_limited" {
		t.Errorf("resp = %+v, want rate_limited", resp)
	}
	if resp.Counter != string(access.CounterByIdentifier) || resp.Count != 2 || resp.Limit != 2 {
		t.Errorf("counter metadata = %+v", resp)
	}
	if resp.RetryAfterMs <= 0 || resp.RetryAfterMs > time.Minute.Milliseconds() {
		t.Errorf("RetryAfterMs = %d, want within one window", resp.RetryAfterMs)
	}
}

func TestCheck_NetworkDeny(t *testing.T) {
	f := newFixture(t)
	rule, err := f.repo.CreateOwnerRule("acme", netrule.RuleParams{Network: "198.51.100.0/24", Action: netrule.ActionDeny})
	if err != nil {
		t.Fatal(err)
	}

	rec, resp := f.check(t, `{"host":"198.51.100.4","identifier":"bob","owner_id":"acme"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if resp.Allowed || resp.Reason != "network_rule" || resp.Tier != "owner" || resp.RuleID != rule.ID {
		t.Errorf("resp = %+v", resp)
	}
	if !strings.Contains(rec.Body.String(), `"rule_id"`) {
		t.Errorf("body should carry rule_id: %s", rec.Body.String())
	}
}

func TestCheck_ErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		setup  func(*fixture)
		want   int
	}{
		{name: "malformed host", method: http.MethodPost, body: `{"host":"not-an-ip"}`, want: http.StatusBadRequest},
		{name: "empty host", method: http.MethodPost, body: `{}`, want: http.StatusBadRequest},
		{name: "bad json", method: http.MethodPost, body: `{"host":`, want: http.StatusBadRequest},
		{name: "unknown field", method: http.MethodPost, body: `{"host":"192.0.2.1","ip":"x"}`, want: http.StatusBadRequest},
		{name: "wrong method", method: http.MethodGet, want: http.StatusMethodNotAllowed},
		{
			name:   "store unavailable",
			method: http.MethodPost,
			body:   `{"host":"192.0.2.1"}`,
			setup: func(f *fixture) {
				f.store.SetError("FetchOrCreate", apperr.Unavailable("fetch or create", errors.New("connection refused")))
			},
			want: http.StatusServiceUnavailable,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			if tc.setup != nil {
				tc.setup(f)
			}
			req := httptest.NewRequest(tc.method, routeCheck, strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			f.srv.APIHandler().ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Fatalf("code = %d, want %d (body %s)", rec.Code, tc.want, rec.Body.String())
			}
			var er errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil || er.Error == "" {
				t.Errorf("error body = %q", rec.Body.String())
			}
		})
	}
}

func TestAPIRouting(t *testing.T) {
	f := newFixture(t)
	h := f.srv.APIHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, routeCheck, nil))
	if rec.Code != http.StatusMethodNotAllowed || rec.Header().Get("Allow") != http.MethodPost {
		t.Errorf("PUT %s = %d Allow=%q", routeCheck, rec.Code, rec.Header().Get("Allow"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/unknown", strings.NewReader(`{}`)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown route = %d, want 404", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.Invalid("host", "bad"), http.StatusBadRequest},
		{apperr.Unavailable("ping", errors.New("down")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)
	h := f.srv.HealthHandler()

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s = %d, want 200", path, rec.Code)
		}
	}

	f.store.SetError("Ping", apperr.Unavailable("ping", errors.New("down")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz with failing store = %d, want 503", rec.Code)
	}
}

func TestMetricsHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "authguard_") {
		t.Error("metrics output should include authguard collectors")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.srv.cfg = &config.Config{APIAddr: "127.0.0.1:0", HealthAddr: "127.0.0.1:0"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
