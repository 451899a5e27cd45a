package edge

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/harmony-development/overture/pkg/util"
)

// forwarder relays classified requests to the single upstream origin over
// its own TLS session, byte-identical apart from hop-by-hop headers. It is
// hand-rolled rather than built on httputil.ReverseProxy so the upgrade path
// can own both sockets and propagate half-closes.
type forwarder struct {
	upstream     *url.URL
	addr         string
	transport    *http.Transport
	tlsConfig    *tls.Config
	dialTimeout  time.Duration
	preserveHost bool
	forwarded    bool
	cors         corsPolicy
	log          *util.Logger
}

var _ http.Handler = (*forwarder)(nil)

func newForwarder(cfg Config, upstream *url.URL, tlsConf *tls.Config, cors corsPolicy, log *util.Logger) *forwarder {
	return &forwarder{
		upstream: upstream,
		addr:     upstreamAddr(upstream),
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   cfg.DialTimeout,
				KeepAlive: 60 * time.Second,
			}).DialContext,
			TLSClientConfig:     tlsConf,
			TLSHandshakeTimeout: cfg.DialTimeout,
			// keep the upstream leg on HTTP/1.1 so the relay stays
			// byte-faithful and upgrade-capable
			TLSNextProto:          make(map[string]func(string, *tls.Conn) http.RoundTripper),
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       cfg.IdleTimeout,
			ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
			ExpectContinueTimeout: 1 * time.Second,
			DisableCompression:    true,
		},
		tlsConfig:    tlsConf,
		dialTimeout:  cfg.DialTimeout,
		preserveHost: cfg.PreserveHost,
		forwarded:    cfg.ForwardedHeaders,
		cors:         cors,
		log:          log,
	}
}

func (f *forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isUpgradeRequest(r) {
		f.serveUpgrade(w, r)
		return
	}
	f.serveRoundTrip(w, r)
}

// outbound clones the request and retargets it at the upstream. Method,
// path, query, body and end-to-end headers pass through untouched.
func (f *forwarder) outbound(r *http.Request) *http.Request {
	out := r.Clone(r.Context())
	out.URL.Scheme = f.upstream.Scheme
	out.URL.Host = f.upstream.Host
	out.RequestURI = ""
	if !f.preserveHost {
		out.Host = f.upstream.Host
	}
	stripHopByHop(out.Header)
	if f.forwarded {
		appendForwardedHeaders(out, r)
	}
	return out
}

func (f *forwarder) serveRoundTrip(w http.ResponseWriter, r *http.Request) {
	out := f.outbound(r)
	resp, err := f.transport.RoundTrip(out)
	if err != nil {
		metricUpstreamErrors.Inc()
		f.log.Errorf("upstream round trip: %v", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	f.relayResponse(w, resp)
}

// relayResponse writes the upstream answer through verbatim, modulo
// hop-by-hop headers. Responses without a declared length are flushed per
// write so streamed bodies make progress.
func (f *forwarder) relayResponse(w http.ResponseWriter, resp *http.Response) {
	stripHopByHop(resp.Header)
	copyHeader(w.Header(), resp.Header)
	if len(resp.Trailer) > 0 {
		names := make([]string, 0, len(resp.Trailer))
		for k := range resp.Trailer {
			names = append(names, k)
		}
		w.Header().Set("Trailer", strings.Join(names, ", "))
	}
	w.WriteHeader(resp.StatusCode)

	var dst io.Writer = w
	if resp.ContentLength < 0 {
		if fl, ok := w.(http.Flusher); ok {
			dst = flushWriter{w: w, f: fl}
		}
	}
	buf := copyBufPool.Get().(*[]byte)
	_, err := io.CopyBuffer(dst, resp.Body, *buf)
	copyBufPool.Put(buf)
	if err != nil {
		// the exchange is already committed, nothing to synthesize
		f.log.Errorf("relay body: %v", err)
		return
	}
	for k, vv := range resp.Trailer {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
}

func (f *forwarder) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	upgradeType := r.Header.Get("Upgrade")
	out := f.outbound(r)
	// hop-by-hop stripping removed the upgrade intent, restore it for this hop
	out.Header.Set("Connection", "Upgrade")
	out.Header.Set("Upgrade", upgradeType)

	upstream, err := f.dialUpstream(r.Context())
	if err != nil {
		metricUpstreamErrors.Inc()
		f.log.Errorf("upstream dial: %v", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	if err := out.Write(upstream); err != nil {
		metricUpstreamErrors.Inc()
		f.log.Errorf("upstream handshake write: %v", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	br := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(br, out)
	if err != nil {
		metricUpstreamErrors.Inc()
		f.log.Errorf("upstream handshake read: %v", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		// upstream declined, relay its actual answer
		defer resp.Body.Close()
		f.relayResponse(w, resp)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		f.log.Errorf("client writer cannot be hijacked for upgrade")
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}
	client, crw, err := hj.Hijack()
	if err != nil {
		f.log.Errorf("hijack: %v", err)
		return
	}
	defer client.Close()

	f.cors.apply(resp.Header, r.Header.Get("Origin"))
	if err := writeUpgradeResponse(crw.Writer, resp); err != nil {
		f.log.Errorf("write upgrade response: %v", err)
		return
	}

	metricActiveUpgrades.Inc()
	defer metricActiveUpgrades.Dec()
	f.pump(r.Context(), client, crw.Reader, upstream, br)
}

func (f *forwarder) dialUpstream(ctx context.Context) (net.Conn, error) {
	d := &net.Dialer{Timeout: f.dialTimeout}
	if f.upstream.Scheme == "https" {
		td := &tls.Dialer{NetDialer: d, Config: f.tlsConfig}
		return td.DialContext(ctx, "tcp", f.addr)
	}
	return d.DialContext(ctx, "tcp", f.addr)
}

// pump relays raw bytes between the two legs. A clean EOF on one direction
// propagates as a write-side shutdown so the other direction can drain; a
// read or write error tears down both legs.
func (f *forwarder) pump(ctx context.Context, client net.Conn, clientRd io.Reader, upstream net.Conn, upstreamRd io.Reader) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
			upstream.Close()
		case <-done:
		}
	}()

	errc := make(chan error, 2)
	go copyAndShutdown(upstream, clientRd, errc)
	go copyAndShutdown(client, upstreamRd, errc)

	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil {
			client.Close()
			upstream.Close()
			if !errors.Is(err, net.ErrClosed) {
				f.log.Errorf("upgrade pump: %v", err)
			}
			return
		}
	}
}

func copyAndShutdown(dst net.Conn, src io.Reader, errc chan<- error) {
	buf := copyBufPool.Get().(*[]byte)
	_, err := io.CopyBuffer(dst, src, *buf)
	copyBufPool.Put(buf)
	if err != nil {
		errc <- err
		return
	}
	closeWrite(dst)
	errc <- nil
}

type closeWriter interface{ CloseWrite() error }

func closeWrite(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
	} else {
		_ = c.Close()
	}
}

func writeUpgradeResponse(w *bufio.Writer, resp *http.Response) error {
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode)); err != nil {
		return err
	}
	if err := resp.Header.Write(w); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func isUpgradeRequest(r *http.Request) bool {
	return r.ProtoMajor == 1 &&
		headerContainsToken(r.Header, "Connection", "upgrade") &&
		r.Header.Get("Upgrade") != ""
}

func headerContainsToken(h http.Header, key, token string) bool {
	for _, v := range h.Values(key) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(textproto.TrimString(part), token) {
				return true
			}
		}
	}
	return false
}

// Hop-by-hop headers are meaningful for a single transport leg only and are
// dropped before relaying, along with any header named by Connection.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func stripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for name := range hopByHop {
		// TE: trailers is the one end-to-end use of TE
		if name == "Te" && h.Get("Te") == "trailers" {
			continue
		}
		h.Del(name)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func appendForwardedHeaders(out, r *http.Request) {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		prior := out.Header.Get("X-Forwarded-For")
		if prior != "" {
			host = prior + ", " + host
		}
		out.Header.Set("X-Forwarded-For", host)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
	out.Header.Set("X-Forwarded-Host", r.Host)
}

func upstreamAddr(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil {
		fw.f.Flush()
	}
	return n, err
}

var copyBufPool = sync.Pool{New: func() any {
	b := make([]byte, 32<<10)
	return &b
}}
