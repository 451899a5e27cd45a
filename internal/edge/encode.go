package edge

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const (
	encodingZstd = "zstd"
	encodingGzip = "gzip"
)

var supportedEncodings = []string{encodingZstd, encodingGzip}

// acceptedEncodings parses an Accept-Encoding value into coding -> q weight.
func acceptedEncodings(v string) map[string]float64 {
	out := make(map[string]float64)
	for _, part := range strings.Split(v, ",") {
		part = textproto.TrimString(part)
		if part == "" {
			continue
		}
		name := part
		q := 1.0
		if i := strings.Index(part, ";"); i >= 0 {
			name = textproto.TrimString(part[:i])
			for _, param := range strings.Split(part[i+1:], ";") {
				param = textproto.TrimString(param)
				if rest, ok := strings.CutPrefix(param, "q="); ok {
					if f, err := strconv.ParseFloat(rest, 64); err == nil {
						q = f
					}
				}
			}
		}
		out[strings.ToLower(name)] = q
	}
	return out
}

// negotiateEncoding picks the first configured coding the client accepts.
// A coding listed with q=0 is refused even when a wildcard is present.
func negotiateEncoding(header string, prefs []string) string {
	if header == "" {
		return ""
	}
	accepted := acceptedEncodings(header)
	for _, name := range prefs {
		if q, ok := accepted[name]; ok {
			if q > 0 {
				return name
			}
			continue
		}
		if q, ok := accepted["*"]; ok && q > 0 {
			return name
		}
	}
	return ""
}

type compressor interface {
	io.WriteCloser
	Flush() error
}

var (
	zstdPool = sync.Pool{New: func() any {
		w, _ := zstd.NewWriter(nil)
		return w
	}}
	gzipPool = sync.Pool{New: func() any { return gzip.NewWriter(nil) }}
)

func getCompressor(name string, w io.Writer) compressor {
	switch name {
	case encodingZstd:
		z := zstdPool.Get().(*zstd.Encoder)
		z.Reset(w)
		return z
	default:
		g := gzipPool.Get().(*gzip.Writer)
		g.Reset(w)
		return g
	}
}

func putCompressor(name string, c compressor) {
	switch name {
	case encodingZstd:
		zstdPool.Put(c)
	default:
		gzipPool.Put(c)
	}
}

// encoder negotiates response compression against Accept-Encoding, in
// configured preference order, falling back to identity.
type encoder struct {
	prefs     []string
	minLength int
}

func newEncoder(prefs []string, minLength int) *encoder {
	if len(prefs) == 0 {
		prefs = supportedEncodings
	}
	return &encoder{prefs: prefs, minLength: minLength}
}

func (e *encoder) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		name := negotiateEncoding(r.Header.Get("Accept-Encoding"), e.prefs)
		if name == "" {
			next.ServeHTTP(w, r)
			return
		}
		ew := &encodeWriter{ResponseWriter: w, name: name, minLength: e.minLength}
		next.ServeHTTP(ew, r)
		_ = ew.close()
	})
}

// encodeWriter defers both the header write and the encode decision until
// body bytes arrive, so empty bodies stay empty and small bodies below the
// threshold go out unencoded with their original headers. Upgraded and
// already-encoded responses pass through untouched.
type encodeWriter struct {
	http.ResponseWriter
	name       string
	minLength  int
	status     int
	headerSent bool
	identity   bool
	comp       compressor
	buf        []byte
	hijacked   bool
}

func (w *encodeWriter) WriteHeader(code int) {
	if w.headerSent || w.hijacked {
		return
	}
	w.status = code
	if code < 200 || code == http.StatusNoContent || code == http.StatusNotModified ||
		w.Header().Get("Content-Encoding") != "" {
		w.commitIdentity()
	}
}

func (w *encodeWriter) Write(b []byte) (int, error) {
	if w.hijacked {
		return 0, http.ErrHijacked
	}
	if w.identity {
		return w.ResponseWriter.Write(b)
	}
	if w.comp != nil {
		return w.comp.Write(b)
	}
	if len(b) == 0 {
		return 0, nil
	}
	w.buf = append(w.buf, b...)
	if len(w.buf) >= w.minLength {
		if err := w.commit(); err != nil {
			return len(b), err
		}
	}
	return len(b), nil
}

func (w *encodeWriter) Flush() {
	if w.hijacked {
		return
	}
	if w.comp == nil && !w.identity {
		if len(w.buf) > 0 {
			_ = w.commit()
		} else {
			// nothing to encode yet, streamed responses go out as-is
			w.commitIdentity()
		}
	}
	if w.comp != nil {
		_ = w.comp.Flush()
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *encodeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
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

func (w *encodeWriter) commit() error {
	if w.Header().Get("Content-Encoding") != "" {
		w.commitIdentity()
		return nil
	}
	h := w.Header()
	h.Del("Content-Length")
	h.Set("Content-Encoding", w.name)
	h.Add("Vary", "Accept-Encoding")
	w.flushHeader()
	w.comp = getCompressor(w.name, w.ResponseWriter)
	if len(w.buf) > 0 {
		_, err := w.comp.Write(w.buf)
		w.buf = nil
		return err
	}
	return nil
}

func (w *encodeWriter) commitIdentity() {
	w.identity = true
	w.flushHeader()
	if len(w.buf) > 0 {
		_, _ = w.ResponseWriter.Write(w.buf)
		w.buf = nil
	}
}

func (w *encodeWriter) flushHeader() {
	if w.headerSent {
		return
	}
	w.headerSent = true
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.ResponseWriter.WriteHeader(w.status)
}

// close finishes the exchange: bodies that never reached the threshold are
// sent unencoded, committed streams get their trailer written.
func (w *encodeWriter) close() error {
	if w.hijacked {
		return nil
	}
	if w.comp != nil {
		err := w.comp.Close()
		putCompressor(w.name, w.comp)
		w.comp = nil
		return err
	}
	if !w.identity {
		w.commitIdentity()
	}
	return nil
}
