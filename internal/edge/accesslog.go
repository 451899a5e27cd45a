package edge

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

type accessEntry struct {
	ID         string `json:"id"`
	Time       string `json:"ts"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Class      string `json:"class"`
	WebSocket  bool   `json:"ws,omitempty"`
	Origin     string `json:"origin,omitempty"`
	Status     int    `json:"status"`
	Bytes      int64  `json:"bytes"`
	DurationMS int64  `json:"duration_ms"`
}

// accessLogger writes one JSON line per exchange and feeds the request
// metrics. Classification happens here too so the log and the labels agree
// with what the router will decide.
type accessLogger struct {
	mu  sync.Mutex
	enc *json.Encoder
	cls *classifier
}

func newAccessLogger(w io.Writer, cls *classifier) *accessLogger {
	return &accessLogger{enc: json.NewEncoder(w), cls: cls}
}

func (a *accessLogger) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		cl, ws := a.cls.classify(r)
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		dur := time.Since(start)

		status := sw.status
		if sw.hijacked {
			status = http.StatusSwitchingProtocols
		} else if status == 0 {
			status = http.StatusOK
		}
		metricRequestsTotal.WithLabelValues(cl.String(), r.Method, strconv.Itoa(status)).Inc()
		metricRequestDuration.WithLabelValues(cl.String(), r.Method).Observe(dur.Seconds())

		entry := accessEntry{
			ID:         uuid.NewString(),
			Time:       start.UTC().Format(time.RFC3339Nano),
			Method:     r.Method,
			Path:       r.URL.Path,
			Class:      cl.String(),
			WebSocket:  ws,
			Origin:     r.Header.Get("Origin"),
			Status:     status,
			Bytes:      sw.bytes,
			DurationMS: dur.Milliseconds(),
		}
		a.mu.Lock()
		_ = a.enc.Encode(entry)
		a.mu.Unlock()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status   int
	bytes    int64
	hijacked bool
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		w.hijacked = true
	}
	return conn, rw, err
}
