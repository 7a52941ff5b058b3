package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"buildorch/internal/changes"
	"buildorch/internal/metrics"
	"buildorch/internal/model"
	"buildorch/internal/project"
	"buildorch/internal/scheduler"
	"buildorch/internal/treestatus"
	"buildorch/internal/workerpool"
)

type fakeBuilds struct {
	mu        sync.Mutex
	builds    map[int64]*model.Build
	cancelled map[int64]string
}

func (f *fakeBuilds) List(builder string) []*model.Build {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Build
	for id := int64(len(f.builds)); id > 0; id-- {
		if b := f.builds[id]; b != nil && (builder == "" || b.Builder == builder) {
			out = append(out, b)
		}
	}
	return out
}

func (f *fakeBuilds) Get(id int64) (*model.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.builds[id]; ok {
		return b, nil
	}
	return nil, model.ErrUnknownBuild
}

func (f *fakeBuilds) Cancel(id int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.builds[id]
	if !ok {
		return model.ErrUnknownBuild
	}
	if b.Status.Terminal() {
		return model.ErrBuildTerminal
	}
	f.cancelled[id] = reason
	return nil
}

type fakeHistory map[int64]*model.Build

func (h fakeHistory) ListBuilds(_ context.Context, _ string, limit int) ([]*model.Build, error) {
	var out []*model.Build
	for _, b := range h {
		out = append(out, b)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (h fakeHistory) GetBuild(_ context.Context, id int64) (*model.Build, bool, error) {
	b, ok := h[id]
	return b, ok, nil
}

type forced struct {
	builder, reason string
	src             model.SourceStamp
	props           map[string]string
}

type fakeScheduler struct {
	mu  sync.Mutex
	got []forced
}

func (f *fakeScheduler) ForceBuild(builder, reason string, src model.SourceStamp, props map[string]string) (int64, error) {
	if builder != "WebKit Linux" {
		return 0, model.ErrUnknownBuilder
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, forced{builder, reason, src, props})
	return 77, nil
}

func (f *fakeScheduler) Snapshot() []scheduler.Info {
	return []scheduler.Info{{Name: "trunk", Kind: project.KindSingleBranch}}
}

type fixture struct {
	srv    *httptest.Server
	builds *fakeBuilds
	sched  *fakeScheduler
	pool   *workerpool.Pool
	gate   *treestatus.Gate
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	f := &fixture{
		builds: &fakeBuilds{
			builds: map[int64]*model.Build{
				1: {ID: 1, Number: 1, Builder: "WebKit Linux", Status: model.StatusSuccess},
				2: {ID: 2, Number: 1, Builder: "V8 Linux", Status: model.StatusRunning},
			},
			cancelled: map[int64]string{},
		},
		sched: &fakeScheduler{},
		pool:  workerpool.New(workerpool.WithMetrics(m)),
		gate:  treestatus.New(treestatus.Options{Metrics: m}),
	}
	f.pool.Register("bot1", []string{"linux"})

	api := API{
		Builds:    f.builds,
		History:   fakeHistory{9: {ID: 9, Builder: "WebKit Linux", Status: model.StatusFailure}},
		Scheduler: f.sched,
		Workers:   f.pool,
		Tree:      f.gate,
		Changes:   changes.NewFeed(4, nil),
		Gatherer:  reg,
	}
	f.srv = httptest.NewServer(api.Handler(token, true))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(raw)
}

func TestBuildRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	tests := []struct {
		name, method, path, body string
		wantCode                 int
		wantBody                 string
	}{
		{"list", http.MethodGet, "/api/builds", "", http.StatusOK, `"id":2`},
		{"list by builder", http.MethodGet, "/api/builds?builder=V8%20Linux", "", http.StatusOK, `"builder":"V8 Linux"`},
		{"get live", http.MethodGet, "/api/builds/1", "", http.StatusOK, `"status":"success"`},
		{"get from history", http.MethodGet, "/api/builds/9", "", http.StatusOK, `"status":"failure"`},
		{"get unknown", http.MethodGet, "/api/builds/5", "", http.StatusNotFound, "unknown build"},
		{"get bad id", http.MethodGet, "/api/builds/abc", "", http.StatusBadRequest, "invalid build id"},
		{"cancel finished", http.MethodPost, "/api/builds/1/cancel", "", http.StatusConflict, "already finished"},
		{"cancel running", http.MethodPost, "/api/builds/2/cancel", `{"reason":"wrong revision"}`, http.StatusNoContent, ""},
		{"history", http.MethodGet, "/api/history?limit=5", "", http.StatusOK, `"id":9`},
	}
	for _, tc := range tests {
		code, body := f.do(t, tc.method, tc.path, tc.body)
		if code != tc.wantCode {
			t.Fatalf("%s: code = %d, want %d (body %q)", tc.name, code, tc.wantCode, body)
		}
		if !strings.Contains(body, tc.wantBody) {
			t.Fatalf("%s: body = %q, want substring %q", tc.name, body, tc.wantBody)
		}
	}
	if got := f.builds.cancelled[2]; got != "wrong revision" {
		t.Fatalf("cancel reason = %q, want %q", got, "wrong revision")
	}
}

func TestForceBuild(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	code, body := f.do(t, http.MethodPost, "/api/builders/WebKit%20Linux/force",
		`{"reason":"retry flaky","branch":"main","revision":"r9","properties":{"clobber":"1"}}`)
	if code != http.StatusCreated {
		t.Fatalf("code = %d, want %d (body %q)", code, http.StatusCreated, body)
	}
	var resp map[string]int64
	if err := json.Unmarshal([]byte(body), &resp); err != nil || resp["build_id"] != 77 {
		t.Fatalf("body = %q", body)
	}
	want := []forced{{"WebKit Linux", "retry flaky", model.SourceStamp{Branch: "main", Revision: "r9"}, map[string]string{"clobber": "1"}}}
	if diff := cmp.Diff(want, f.sched.got, cmp.AllowUnexported(forced{})); diff != "" {
		t.Fatalf("forced mismatch (-want +got):\n%s", diff)
	}

	if code, _ := f.do(t, http.MethodPost, "/api/builders/nope/force", ""); code != http.StatusNotFound {
		t.Fatalf("unknown builder code = %d, want 404", code)
	}
	if code, body := f.do(t, http.MethodGet, "/api/schedulers", ""); code != http.StatusOK || !strings.Contains(body, `"trunk"`) {
		t.Fatalf("schedulers = %d %q", code, body)
	}
}

func TestWorkerRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	if code, _ := f.do(t, http.MethodPost, "/api/workers/bot1/offline", `{"reason":"disk full"}`); code != http.StatusNoContent {
		t.Fatalf("offline code = %d", code)
	}
	if w := f.pool.Snapshot()[0]; w.State != model.WorkerOffline || w.OfflineReason != "disk full" {
		t.Fatalf("worker = %+v", w)
	}
	code, body := f.do(t, http.MethodGet, "/api/workers", "")
	if code != http.StatusOK || !strings.Contains(body, `"state":"offline"`) {
		t.Fatalf("workers = %d %q", code, body)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/workers/bot1/online", ""); code != http.StatusNoContent {
		t.Fatalf("online code = %d", code)
	}
	if w := f.pool.Snapshot()[0]; w.State != model.WorkerIdle {
		t.Fatalf("worker state = %v, want idle", w.State)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/workers/ghost/online", ""); code != http.StatusNotFound {
		t.Fatalf("unknown worker code = %d, want 404", code)
	}
}

func TestTreeRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	code, body := f.do(t, http.MethodPut, "/api/tree", `{"open":false,"reason":"infra outage","who":"sheriff"}`)
	if code != http.StatusOK {
		t.Fatalf("put code = %d (body %q)", code, body)
	}
	var st treestatus.Status
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatal(err)
	}
	if st.Open || st.Reason != "infra outage" || st.Who != "sheriff" {
		t.Fatalf("status = %+v", st)
	}
	if f.gate.IsOpen() {
		t.Fatal("gate still open")
	}
	if code, _ := f.do(t, http.MethodPut, "/api/tree", `{"reason":"no open field"}`); code != http.StatusBadRequest {
		t.Fatalf("missing open code = %d, want 400", code)
	}
}

func TestPostChange(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	code, body := f.do(t, http.MethodPost, "/api/changes", `{"branch":"main","revision":"abc123","author":"dev@example.com"}`)
	if code != http.StatusAccepted {
		t.Fatalf("code = %d (body %q)", code, body)
	}
	var c model.Change
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		t.Fatal(err)
	}
	if c.ID == "" || c.Timestamp.IsZero() {
		t.Fatalf("change not stamped: %+v", c)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/changes", `{"branch":"main"}`); code != http.StatusBadRequest {
		t.Fatalf("invalid change code = %d, want 400", code)
	}
}

func TestMetricsAndPprof(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	code, body := f.do(t, http.MethodGet, "/metrics", "")
	if code != http.StatusOK || !strings.Contains(body, "buildorch_tree_open 1") {
		t.Fatalf("metrics = %d, missing tree gauge", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/debug/pprof/", ""); code != http.StatusOK {
		t.Fatalf("pprof index code = %d", code)
	}
	if code, body := f.do(t, http.MethodGet, "/healthz", ""); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}
}

func TestTokenGuardsEveryRoute(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "s3cret")

	for _, path := range []string{"/healthz", "/metrics", "/api/builds", "/api/tree"} {
		if code, _ := f.do(t, http.MethodGet, path, ""); code != http.StatusUnauthorized {
			t.Fatalf("%s without token = %d, want 401", path, code)
		}
	}
	if code, _ := f.do(t, http.MethodGet, "/api/tree?token=wrong", ""); code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d, want 401", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/tree?token=s3cret", ""); code != http.StatusOK {
		t.Fatalf("query token = %d, want 200", code)
	}

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/tree", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer token = %d, want 200", resp.StatusCode)
	}
}

func TestHealthReportsFailure(t *testing.T) {
	t.Parallel()
	api := API{Health: func() error { return model.ErrOrchestratorStopped }}
	srv := httptest.NewServer(api.Handler("", false))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("healthz = %d, want 503", resp.StatusCode)
	}
	// Routes for missing members are not mounted.
	resp, err = http.Get(srv.URL + "/api/builds")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("/api/builds without table = %d, want 404", resp.StatusCode)
	}
}
