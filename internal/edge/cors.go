package edge

import (
	"bufio"
	"errors"
	"net"
	"net/http"
)

const (
	corsAllowMethods = "GET, POST, OPTIONS, PUT, DELETE, PATCH"
	corsAllowHeaders = "DNT,User-Agent,X-Requested-With,If-Modified-Since,Cache-Control,Content-Type,Range,Authorization"
)

// corsPolicy gates responses on an exact Origin match while always
// advertising the wildcard origin on matched responses. A configured origin
// of "*" matches any non-empty Origin. No Access-Control-Max-Age is set, so
// clients re-run the preflight every time.
type corsPolicy struct {
	allowedOrigin string
}

func (p corsPolicy) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	if p.allowedOrigin == "*" {
		return true
	}
	return origin == p.allowedOrigin
}

// apply attaches the CORS headers when origin passes the gate and reports
// whether it did.
func (p corsPolicy) apply(h http.Header, origin string) bool {
	if !p.originAllowed(origin) {
		return false
	}
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
	h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
	return true
}

// middleware injects the policy into every response written for a gated
// request, including locally generated errors.
func (p corsPolicy) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cw := &corsWriter{ResponseWriter: w, policy: p, origin: r.Header.Get("Origin")}
		next.ServeHTTP(cw, r)
	})
}

type corsWriter struct {
	http.ResponseWriter
	policy corsPolicy
	origin string
	wrote  bool
}

func (w *corsWriter) WriteHeader(code int) {
	if !w.wrote {
		w.wrote = true
		w.policy.apply(w.Header(), w.origin)
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *corsWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *corsWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *corsWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying writer does not support hijacking")
	}
	return hj.Hijack()
}
