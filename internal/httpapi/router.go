package httpapi

import "net/http"

// route describes a single endpoint with an optional method guard.
type route struct {
	pattern string
	method  string
	handler http.HandlerFunc
}

// mountRoutes attaches the provided routes to the mux, wrapping handlers
// with method enforcement when a method is specified.
func mountRoutes(mux *http.ServeMux, routes ...route) {
	for _, rt := range routes {
		if rt.pattern == "" || rt.handler == nil {
			continue
		}
		h := rt.handler
		if rt.method != "" {
			h = withMethod(rt.method, h)
		}
		mux.HandleFunc(rt.pattern, h)
	}
}

func withMethod(method string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	}
}

func newMux(h *handler) *http.ServeMux {
	mux := http.NewServeMux()
	mountRoutes(mux,
		route{pattern: "/healthz", method: http.MethodGet, handler: h.healthz},
		route{pattern: "/sessions", method: http.MethodPost, handler: h.createSession},
		route{pattern: "/sessions/list", method: http.MethodGet, handler: h.listSessions},
		route{pattern: "/sessions/", handler: sessionSubrouter(h)},
		route{pattern: "/stream", method: http.MethodGet, handler: h.streamEvents},
	)
	return mux
}

// sessionSubrouter dispatches /sessions/{id}[/events|/state] by method
// and trailing path segment, since http.ServeMux's pattern matching
// alone cannot express "GET or DELETE on the same prefix".
func sessionSubrouter(h *handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case len(r.URL.Path) > len("/sessions/") && hasSuffixSegment(r.URL.Path, "/events") && r.Method == http.MethodPost:
			h.appendEvent(w, r)
		case hasSuffixSegment(r.URL.Path, "/state") && r.Method == http.MethodGet:
			h.getState(w, r)
		case hasSuffixSegment(r.URL.Path, "/state") && r.Method == http.MethodPut:
			h.setState(w, r)
		case r.Method == http.MethodGet:
			h.getSession(w, r)
		case r.Method == http.MethodDelete:
			h.deleteSession(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func hasSuffixSegment(path, suffix string) bool {
	if len(path) < len(suffix) {
		return false
	}
	return path[len(path)-len(suffix):] == suffix
}
