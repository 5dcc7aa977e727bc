package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/scriptnode/internal/runner"
	"github.com/danmuck/scriptnode/internal/scripts"
	"github.com/danmuck/scriptnode/internal/testutil/testlog"
)

type stubStatus struct {
	info runner.Info
	err  error
}

func (s stubStatus) Info(context.Context) (runner.Info, error) { return s.info, s.err }

func newTestServer(t *testing.T, status StatusSource, opts ...Option) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := scripts.NewRegistry()
	for _, ref := range []scripts.Reference{
		{Name: "kv-get", Kind: scripts.KindQuery, Path: "scripts/kv-get.query.lua"},
		{Name: "kv-set", Kind: scripts.KindExecute, Path: "scripts/kv-set.execute.lua"},
	} {
		if err := reg.Register(ref); err != nil {
			t.Fatalf("register %s: %v", ref.Name, err)
		}
	}
	return New("node-a", ":0", nil, status, reg, opts...)
}

func get(t *testing.T, s *Server, path string) (int, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s: %v body=%s", path, err, rr.Body.String())
	}
	return rr.Code, body
}

func TestHealthAndStatus(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t, stubStatus{info: runner.Info{Height: 3, Digest: []byte{0x02}}})

	code, body := get(t, s, "/health")
	if code != http.StatusOK || body["status"] != "ok" || body["node"] != "node-a" {
		t.Fatalf("health: %d %#v", code, body)
	}

	code, body = get(t, s, "/status")
	if code != http.StatusOK || body["height"] != float64(3) || body["digest"] != "02" {
		t.Fatalf("status: %d %#v", code, body)
	}

	code, body = get(t, s, "/ready")
	if code != http.StatusOK || body["ready"] != true {
		t.Fatalf("ready: %d %#v", code, body)
	}
}

func TestStoppedRunner(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t, stubStatus{err: runner.ErrRunnerStopped})

	if code, body := get(t, s, "/ready"); code != http.StatusServiceUnavailable || body["ready"] != false {
		t.Fatalf("ready: %d %#v", code, body)
	}
	if code, _ := get(t, s, "/status"); code != http.StatusServiceUnavailable {
		t.Fatalf("status: %d", code)
	}
}

func TestScriptsListing(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t, stubStatus{})

	code, body := get(t, s, "/scripts")
	list, _ := body["scripts"].([]any)
	if code != http.StatusOK || len(list) != 2 {
		t.Fatalf("scripts: %d %#v", code, body)
	}

	code, body = get(t, s, "/scripts?kind=query")
	list, _ = body["scripts"].([]any)
	if code != http.StatusOK || len(list) != 1 {
		t.Fatalf("query scripts: %d %#v", code, body)
	}
	entry, _ := list[0].(map[string]any)
	if entry["name"] != "kv-get" {
		t.Fatalf("unexpected entry %#v", entry)
	}

	if code, _ := get(t, s, "/scripts?kind=bogus"); code != http.StatusBadRequest {
		t.Fatalf("bad kind: %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t, stubStatus{})
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rr.Code)
	}
}

func TestTokenProtectsPrivateRoutes(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t, stubStatus{info: runner.Info{Height: 1}}, WithToken("secret"))

	cases := []struct {
		header string
		want   int
	}{
		{header: "", want: http.StatusUnauthorized},
		{header: "Bearer wrong", want: http.StatusUnauthorized},
		{header: "secret", want: http.StatusUnauthorized},
		{header: "Bearer secret", want: http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rr := httptest.NewRecorder()
		s.Router().ServeHTTP(rr, req)
		if rr.Code != tc.want {
			t.Fatalf("header %q: got %d want %d", tc.header, rr.Code, tc.want)
		}
	}

	if code, _ := get(t, s, "/health"); code != http.StatusOK {
		t.Fatalf("health must stay public, got %d", code)
	}
}
