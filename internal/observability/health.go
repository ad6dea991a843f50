package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

const defaultCheckTimeout = 2 * time.Second

var errNoStore = errors.New("no store configured")

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status  string `json:"status"`
	Latency string `json:"latency"`
	Error   string `json:"error,omitempty"`
}

// OK reports whether the dependency answered without error.
func (c CheckResult) OK() bool { return c.Status == "ok" }

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck implements HealthChecker.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

type dependency struct {
	name  string
	check HealthChecker
}

// Readiness aggregates the checks of the dependencies sbomer needs to make
// progress: the work unit store always, then whichever of the cluster, the
// dedup cache and the event bus are configured.
type Readiness struct {
	deps    []dependency
	timeout time.Duration
}

// NewReadiness starts a readiness set with the store check. A nil store keeps
// the service permanently not ready.
func NewReadiness(store HealthChecker) *Readiness {
	if store == nil {
		store = HealthCheckFunc(func(context.Context) error { return errNoStore })
	}
	r := &Readiness{timeout: defaultCheckTimeout}
	return r.With("store", store)
}

// With adds a named dependency. Nil checks are skipped so optional
// components can be passed unconditionally.
func (r *Readiness) With(name string, check HealthChecker) *Readiness {
	if check != nil {
		r.deps = append(r.deps, dependency{name: name, check: check})
	}
	return r
}

// Check runs every dependency check concurrently, each under its own timeout.
func (r *Readiness) Check(ctx context.Context) (ready bool, results map[string]CheckResult) {
	if r == nil {
		r = NewReadiness(nil)
	}

	results = make(map[string]CheckResult, len(r.deps))
	var mu sync.Mutex
	var g errgroup.Group
	for _, d := range r.deps {
		g.Go(func() error {
			res := timedCheck(ctx, d.check, r.timeout)
			mu.Lock()
			results[d.name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	ready = true
	for _, res := range results {
		ready = ready && res.OK()
	}
	return ready, results
}

// ServeHTTP answers 200 when every dependency is reachable and 503 otherwise.
func (r *Readiness) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ready, results := r.Check(req.Context())
	body := ReadinessResponse{Status: "ready", Checks: results}
	code := http.StatusOK
	if !ready {
		body.Status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeHealthJSON(w, code, body)
}

// HandleHealth serves liveness together with the running build.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

func timedCheck(parent context.Context, check HealthChecker, timeout time.Duration) CheckResult {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	err := check.HealthCheck(ctx)
	res := CheckResult{Status: "ok", Latency: time.Since(start).Round(time.Microsecond).String()}
	if err != nil {
		res.Status, res.Error = "error", err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
