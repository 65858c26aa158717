// Package httpapi fronts one service with an HTTP listener. Declared
// routes map REST verbs onto the service's own RPC methods, so every
// request flows through the broker and the full middleware chain. The
// listener reads X-Correlation-ID when present, mints one otherwise,
// and echoes it on every response. Built-in routes serve /healthz,
// /schemas, and /metrics.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/robbyt/go-supervisor/runnables/httpserver"
	"github.com/robbyt/go-supervisor/supervisor"

	"github.com/sndwch/cliffracer-sub001/internal/correlation"
	"github.com/sndwch/cliffracer-sub001/internal/errz"
	"github.com/sndwch/cliffracer-sub001/internal/messaging"
	"github.com/sndwch/cliffracer-sub001/internal/metrics"
	"github.com/sndwch/cliffracer-sub001/internal/service"
	"github.com/sndwch/cliffracer-sub001/internal/service/finitestate"
)

const (
	correlationHeader = "X-Correlation-ID"
	maxBodyBytes      = 1 << 20
)

var _ supervisor.Runnable = (*Runner)(nil)

var allowedVerbs = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
	http.MethodHead:   {},
}

var reservedPaths = map[string]struct{}{
	"/healthz": {},
	"/schemas": {},
	"/metrics": {},
}

// Route declares one REST binding: requests matching Method and Path
// invoke the fronted service's RPC method named RPC.
type Route struct {
	Method string
	Path   string
	RPC    string
}

// Runner is a supervisor runnable serving the HTTP surface of one
// service.
type Runner struct {
	svc     *service.Service
	logger  *slog.Logger
	metrics *metrics.Collector
	addr    string
	routes  []Route
	runner  *httpserver.Runner
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogHandler sets the logging handler for this listener.
func WithLogHandler(handler slog.Handler) Option {
	return func(r *Runner) {
		if handler != nil {
			r.logger = slog.New(handler).WithGroup("httpapi")
		}
	}
}

// WithMetrics serves the collector's registry on /metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Runner) {
		r.metrics = c
	}
}

// WithAddr overrides the listen address derived from the service's
// http_port.
func WithAddr(addr string) Option {
	return func(r *Runner) {
		r.addr = addr
	}
}

// NewRunner builds the listener for svc from its declared routes. The
// listen address comes from the service's http_port unless WithAddr
// overrides it.
func NewRunner(svc *service.Service, routes []Route, opts ...Option) (*Runner, error) {
	if svc == nil {
		return nil, fmt.Errorf("%w: nil service", errz.ErrConfiguration)
	}

	r := &Runner{
		svc:    svc,
		logger: slog.Default().WithGroup("httpapi"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("service", svc.Name())

	if r.addr == "" {
		port := svc.Config().HTTPPort
		if port <= 0 {
			return nil, fmt.Errorf("%w: http_port not configured for service %q", errz.ErrConfiguration, svc.Name())
		}
		r.addr = fmt.Sprintf(":%d", port)
	}

	normalized, err := normalizeRoutes(routes)
	if err != nil {
		return nil, err
	}
	r.routes = normalized

	serverRoutes, err := r.buildRoutes()
	if err != nil {
		return nil, err
	}
	runner, err := httpserver.NewRunner(httpserver.WithConfigCallback(func() (*httpserver.Config, error) {
		return httpserver.NewConfig(r.addr, serverRoutes)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP server runner: %w", err)
	}
	r.runner = runner

	return r, nil
}

// normalizeRoutes uppercases verbs, validates each declaration, and
// refuses duplicates and reserved paths.
func normalizeRoutes(routes []Route) ([]Route, error) {
	seen := make(map[string]struct{}, len(routes))
	out := make([]Route, 0, len(routes))

	for _, rt := range routes {
		rt.Method = strings.ToUpper(strings.TrimSpace(rt.Method))
		if _, ok := allowedVerbs[rt.Method]; !ok {
			return nil, fmt.Errorf("%w: unsupported HTTP method %q", errz.ErrConfiguration, rt.Method)
		}
		if !strings.HasPrefix(rt.Path, "/") {
			return nil, fmt.Errorf("%w: route path %q must start with /", errz.ErrConfiguration, rt.Path)
		}
		if _, ok := reservedPaths[rt.Path]; ok {
			return nil, fmt.Errorf("%w: path %q is reserved", errz.ErrConfiguration, rt.Path)
		}
		if rt.RPC == "" {
			return nil, fmt.Errorf("%w: route %s %s has no RPC method", errz.ErrConfiguration, rt.Method, rt.Path)
		}
		key := rt.Method + " " + rt.Path
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: duplicate route %s", errz.ErrConfiguration, key)
		}
		seen[key] = struct{}{}
		out = append(out, rt)
	}
	return out, nil
}

// buildRoutes groups declarations by path, one handler per path that
// dispatches on the HTTP verb, then appends the built-in routes.
func (r *Runner) buildRoutes() ([]httpserver.Route, error) {
	byPath := make(map[string]map[string]string)
	var order []string
	for _, rt := range r.routes {
		if _, ok := byPath[rt.Path]; !ok {
			byPath[rt.Path] = make(map[string]string)
			order = append(order, rt.Path)
		}
		byPath[rt.Path][rt.Method] = rt.RPC
	}

	var routes []httpserver.Route
	add := func(id, path string, handler http.HandlerFunc) error {
		route, err := httpserver.NewRouteFromHandlerFunc(id, path, handler)
		if err != nil {
			return fmt.Errorf("failed to create route %q: %w", path, err)
		}
		routes = append(routes, *route)
		return nil
	}

	for _, path := range order {
		if err := add("rpc:"+path, path, r.correlate(r.rpcHandler(byPath[path]))); err != nil {
			return nil, err
		}
	}
	if err := add("healthz", "/healthz", r.correlate(r.healthzHandler())); err != nil {
		return nil, err
	}
	if err := add("schemas", "/schemas", r.correlate(r.schemasHandler())); err != nil {
		return nil, err
	}
	if err := add("metrics", "/metrics", r.metrics.Handler().ServeHTTP); err != nil {
		return nil, err
	}
	return routes, nil
}

// String implements the supervisor.Runnable interface.
func (r *Runner) String() string {
	return "httpapi." + r.svc.Name()
}

// Run implements the supervisor.Runnable interface.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("Starting HTTP listener", "addr", r.addr, "routes", len(r.routes))
	return r.runner.Run(ctx)
}

// Stop implements the supervisor.Runnable interface.
func (r *Runner) Stop() {
	r.logger.Debug("Stopping HTTP listener")
	r.runner.Stop()
}

// correlate reads or mints the correlation ID, stamps it on the
// response, and threads it through the request context.
func (r *Runner) correlate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id := req.Header.Get(correlationHeader)
		if id == "" {
			id = correlation.NewID()
		}
		w.Header().Set(correlationHeader, id)
		next(w, req.WithContext(correlation.WithID(req.Context(), id)))
	}
}

// rpcHandler serves one path: the verb picks the RPC method, the
// request payload rides the broker, and the raw RPC result is the
// response body.
func (r *Runner) rpcHandler(byVerb map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		method, ok := byVerb[req.Method]
		if !ok {
			verbs := make([]string, 0, len(byVerb))
			for verb := range byVerb {
				verbs = append(verbs, verb)
			}
			sort.Strings(verbs)
			w.Header().Set("Allow", strings.Join(verbs, ", "))
			r.writeError(w, req, fmt.Errorf("%w: method %s not allowed", errz.ErrValidation, req.Method),
				http.StatusMethodNotAllowed)
			return
		}

		payload, err := requestPayload(w, req)
		if err != nil {
			r.writeError(w, req, err, 0)
			return
		}

		var result json.RawMessage
		if err := r.svc.CallRPC(req.Context(), r.svc.Name(), method, payload, &result); err != nil {
			r.writeError(w, req, err, 0)
			return
		}
		r.writeJSON(w, http.StatusOK, result)
	}
}

// requestPayload builds the RPC request from the HTTP request: the
// JSON body for verbs that carry one, the query parameters otherwise.
func requestPayload(w http.ResponseWriter, req *http.Request) (json.RawMessage, error) {
	switch req.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: reading request body: %w", errz.ErrValidation, err)
		}
		if len(bytes.TrimSpace(body)) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(body) {
			return nil, fmt.Errorf("%w: request body is not valid JSON", errz.ErrValidation)
		}
		return body, nil
	default:
		params := make(map[string]string)
		for key, values := range req.URL.Query() {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding query parameters: %w", errz.ErrValidation, err)
		}
		return raw, nil
	}
}

func (r *Runner) healthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		state := r.svc.GetState()
		status := http.StatusOK
		if state != finitestate.StatusRunning {
			status = http.StatusServiceUnavailable
		}
		body, err := json.Marshal(map[string]string{"service": r.svc.Name(), "state": state})
		if err != nil {
			r.writeError(w, req, err, http.StatusInternalServerError)
			return
		}
		r.writeJSON(w, status, body)
	}
}

func (r *Runner) schemasHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, err := r.svc.Registry().SchemasJSON()
		if err != nil {
			r.writeError(w, req, err, http.StatusInternalServerError)
			return
		}
		r.writeJSON(w, http.StatusOK, body)
	}
}

// writeError answers with the wire error shape. A zero status derives
// the code from the error's taxonomy kind.
func (r *Runner) writeError(w http.ResponseWriter, req *http.Request, err error, status int) {
	if status == 0 {
		status = errz.HTTPStatus(err)
	}
	r.logger.Warn("Request failed",
		"method", req.Method, "path", req.URL.Path, "status", status, "error", err)

	body, encErr := messaging.NewErrorReply(correlation.FromContext(req.Context()), err).Encode()
	if encErr != nil {
		http.Error(w, err.Error(), status)
		return
	}
	r.writeJSON(w, status, body)
}

func (r *Runner) writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		r.logger.Debug("Failed to write response", "error", err)
	}
}
