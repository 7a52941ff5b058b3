package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"buildorch/internal/changes"
	"buildorch/internal/model"
	"buildorch/internal/scheduler"
	"buildorch/internal/treestatus"
	"buildorch/pkg/logx"
)

// Builds is the live build table.
type Builds interface {
	List(builder string) []*model.Build
	Get(id int64) (*model.Build, error)
	Cancel(id int64, reason string) error
}

// History is the persisted build record.
type History interface {
	ListBuilds(ctx context.Context, builder string, limit int) ([]*model.Build, error)
	GetBuild(ctx context.Context, id int64) (*model.Build, bool, error)
}

type Scheduler interface {
	ForceBuild(builder, reason string, src model.SourceStamp, props map[string]string) (int64, error)
	Snapshot() []scheduler.Info
}

type Workers interface {
	Snapshot() []model.Worker
	MarkOffline(hostname, reason string) error
	MarkOnline(hostname string) error
}

type Tree interface {
	Status() treestatus.Status
	Set(open bool, reason, who string) bool
}

type ChangeSink interface {
	Push(ctx context.Context, c model.Change) (model.Change, error)
}

// API holds what the HTTP surface reads and drives. Nil members disable
// their routes.
type API struct {
	Builds    Builds
	History   History
	Scheduler Scheduler
	Workers   Workers
	Tree      Tree
	Changes   ChangeSink
	Gatherer  prometheus.Gatherer
	// Health reports a background failure; nil error means healthy.
	Health func() error
	Log    logx.Logger
}

// Handler builds the router. A non-empty token guards every route.
func (a API) Handler(token string, pprof bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(bearerAuth(token))

	r.Get("/healthz", a.healthz)
	if a.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.Gatherer, promhttp.HandlerOpts{}))
	}
	if pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		if a.Builds != nil {
			r.Get("/builds", a.listBuilds)
			r.Get("/builds/{id}", a.getBuild)
			r.Post("/builds/{id}/cancel", a.cancelBuild)
		}
		if a.History != nil {
			r.Get("/history", a.listHistory)
		}
		if a.Scheduler != nil {
			r.Get("/schedulers", a.listSchedulers)
			r.Post("/builders/{name}/force", a.forceBuild)
		}
		if a.Workers != nil {
			r.Get("/workers", a.listWorkers)
			r.Post("/workers/{host}/offline", a.workerOffline)
			r.Post("/workers/{host}/online", a.workerOnline)
		}
		if a.Tree != nil {
			r.Get("/tree", a.getTree)
			r.Put("/tree", a.putTree)
		}
		if a.Changes != nil {
			r.Post("/changes", a.postChange)
		}
	})
	return r
}

func (a API) healthz(w http.ResponseWriter, _ *http.Request) {
	if a.Health != nil {
		if err := a.Health(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a API) listBuilds(w http.ResponseWriter, r *http.Request) {
	builds := a.Builds.List(r.URL.Query().Get("builder"))
	if n := queryInt(r, "limit"); n > 0 && len(builds) > n {
		builds = builds[:n]
	}
	writeJSON(w, http.StatusOK, builds)
}

func (a API) getBuild(w http.ResponseWriter, r *http.Request) {
	id, ok := buildID(w, r)
	if !ok {
		return
	}
	b, err := a.Builds.Get(id)
	if errors.Is(err, model.ErrUnknownBuild) && a.History != nil {
		var found bool
		b, found, err = a.History.GetBuild(r.Context(), id)
		if err == nil && !found {
			err = model.ErrUnknownBuild
		}
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (a API) cancelBuild(w http.ResponseWriter, r *http.Request) {
	id, ok := buildID(w, r)
	if !ok {
		return
	}
	var body reasonBody
	if !decodeOptional(w, r, &body) {
		return
	}
	if body.Reason == "" {
		body.Reason = "operator request"
	}
	if err := a.Builds.Cancel(id, body.Reason); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a API) listHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit")
	if limit <= 0 {
		limit = 50
	}
	builds, err := a.History.ListBuilds(r.Context(), r.URL.Query().Get("builder"), limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, builds)
}

func (a API) listSchedulers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Scheduler.Snapshot())
}

// ForceRequest is the body of POST /api/builders/{name}/force.
type ForceRequest struct {
	Reason     string            `json:"reason,omitempty"`
	Branch     string            `json:"branch,omitempty"`
	Revision   string            `json:"revision,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

func (a API) forceBuild(w http.ResponseWriter, r *http.Request) {
	name := pathParam(r, "name")
	var body ForceRequest
	if !decodeOptional(w, r, &body) {
		return
	}
	id, err := a.Scheduler.ForceBuild(name, body.Reason, model.SourceStamp{Branch: body.Branch, Revision: body.Revision}, body.Properties)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"build_id": id})
}

func (a API) listWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Workers.Snapshot())
}

func (a API) workerOffline(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if !decodeOptional(w, r, &body) {
		return
	}
	if body.Reason == "" {
		body.Reason = "operator request"
	}
	if err := a.Workers.MarkOffline(pathParam(r, "host"), body.Reason); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a API) workerOnline(w http.ResponseWriter, r *http.Request) {
	if err := a.Workers.MarkOnline(pathParam(r, "host")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a API) getTree(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Tree.Status())
}

// TreeRequest is the body of PUT /api/tree.
type TreeRequest struct {
	Open   *bool  `json:"open"`
	Reason string `json:"reason,omitempty"`
	Who    string `json:"who,omitempty"`
}

func (a API) putTree(w http.ResponseWriter, r *http.Request) {
	var body TreeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Open == nil {
		http.Error(w, `body must be {"open": bool, "reason": "...", "who": "..."}`, http.StatusBadRequest)
		return
	}
	a.Tree.Set(*body.Open, body.Reason, body.Who)
	writeJSON(w, http.StatusOK, a.Tree.Status())
}

func (a API) postChange(w http.ResponseWriter, r *http.Request) {
	var c model.Change
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, "invalid change: "+err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	stored, err := a.Changes.Push(ctx, c)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, stored)
}

func (a API) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrUnknownBuild), errors.Is(err, model.ErrUnknownBuilder), errors.Is(err, model.ErrUnknownWorker):
		code = http.StatusNotFound
	case errors.Is(err, model.ErrBuildTerminal):
		code = http.StatusConflict
	case errors.Is(err, changes.ErrInvalidChange):
		code = http.StatusBadRequest
	case errors.Is(err, model.ErrOrchestratorStopped), errors.Is(err, changes.ErrFeedClosed), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError && !a.Log.IsZero() {
		a.Log.Warn("ops request failed", logx.Err(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeOptional decodes a JSON body if one was sent.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func buildID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid build id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func pathParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get(key)))
	return n
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
