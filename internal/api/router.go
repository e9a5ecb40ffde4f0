package api

import (
	"net/http"
	"time"

	"github.com/rcourtman/pulse-license-gate/internal/replay"
)

// Options wires the router's collaborators.
type Options struct {
	Licenses  Licenser
	Guard     replay.Guard
	ReplayTTL time.Duration
	// Gate is nil when no upstream is configured.
	Gate *GateConfig
	Now  func() time.Time
}

// Router serves the license API and, when configured, the gate.
type Router struct {
	mux     *http.ServeMux
	handler http.Handler
	routes  map[string]bool
	gate    *Gate
}

// NewRouter builds the HTTP handler tree.
func NewRouter(opts Options) (*Router, error) {
	h := NewLicenseHandlers(opts.Licenses, opts.Guard, opts.ReplayTTL, opts.Now)

	r := &Router{
		mux:    http.NewServeMux(),
		routes: make(map[string]bool),
	}

	for _, prefix := range []string{"/license", "/api/license"} {
		r.handle(prefix+"/validate", h.HandleValidate)
		r.handle(prefix+"/use", h.HandleUse)
		r.handle(prefix+"/info", h.HandleInfo)
		r.handle(prefix+"/config", h.HandleConfig)
	}
	r.handle("/healthz", HandleHealth)

	if opts.Gate != nil {
		gate, err := newGate(h.consumer, *opts.Gate)
		if err != nil {
			return nil, err
		}
		r.gate = gate
		r.mux.Handle("/", gate)
	} else {
		r.mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
			writeErrorResponse(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		})
	}

	r.handler = ErrorHandler(r.mux, r.routeLabel)
	return r, nil
}

func (r *Router) handle(path string, fn http.HandlerFunc) {
	r.mux.HandleFunc(path, fn)
	r.routes[path] = true
}

// routeLabel keeps metric cardinality bounded: proxied paths collapse into
// one label.
func (r *Router) routeLabel(path string) string {
	if r.routes[path] {
		return path
	}
	if r.gate != nil {
		if r.gate.paths[path] {
			return path
		}
		return "proxy"
	}
	return "unmatched"
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}
