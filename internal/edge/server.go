package edge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"golang.org/x/crypto/acme/autocert"

	"github.com/harmony-development/overture/pkg/transport"
	"github.com/harmony-development/overture/pkg/util"
	utilnet "github.com/harmony-development/overture/pkg/util/net"
)

type Config struct {
	HTTPSAddr string
	HTTPAddr  string
	AdminAddr string

	CertFile string
	KeyFile  string

	Upstream   string
	UpstreamCA string

	Origin           string
	WSProtocolPrefix string

	Encodings []string
	MinLength int

	PreserveHost     bool
	ForwardedHeaders bool
	ProxyProtocol    bool

	MaxConcurrent int
	RateLimit     RateLimitConfig
	ACME          ACMEConfig

	ReadHeaderTimeout     time.Duration
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	IdleTimeout           time.Duration
}

var supportedACMECAs = []string{"", "production", "staging"}

// Validate rejects configurations the server could not honor.
func (c *Config) Validate() error {
	if c.HTTPSAddr == "" {
		return errors.New("https_addr is required")
	}
	u, err := url.Parse(c.Upstream)
	if err != nil {
		return fmt.Errorf("invalid upstream %q: %w", c.Upstream, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("upstream scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream %q has no host", c.Upstream)
	}
	if !lo.Every(supportedEncodings, c.Encodings) {
		return fmt.Errorf("invalid encodings %v, optional values are %v", c.Encodings, supportedEncodings)
	}
	if !slices.Contains(supportedACMECAs, strings.ToLower(c.ACME.CA)) {
		return fmt.Errorf("invalid acme.ca %q, optional values are %v", c.ACME.CA, supportedACMECAs[1:])
	}
	if c.ACME.Enable {
		if c.CertFile != "" || c.KeyFile != "" {
			return errors.New("acme.enable conflicts with a static cert/key pair")
		}
		if c.ACME.Domain == "" {
			return errors.New("acme.domain is required when acme is enabled")
		}
	}
	if c.RateLimit.Enable && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("ratelimit.rps must be positive, got %v", c.RateLimit.RPS)
	}
	for _, ip := range c.RateLimit.Allow {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("invalid ratelimit.allow entry %q", ip)
		}
	}
	return nil
}

func Run(ctx context.Context, cfg Config, log *util.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		return err
	}

	clientTLS, err := transport.NewClientTLSConfig(cfg.UpstreamCA, upstream.Hostname())
	if err != nil {
		return fmt.Errorf("upstream tls config: %w", err)
	}
	if cfg.UpstreamCA == "" && upstream.Scheme == "https" {
		log.Warnf("no upstream CA bundle configured, upstream certificate verification is disabled")
	}

	cors := corsPolicy{allowedOrigin: cfg.Origin}
	cls := newClassifier(cfg.WSProtocolPrefix)
	fwd := newForwarder(cfg, upstream, clientTLS, cors, log)
	handler := buildHandler(cfg, cls, cors, fwd, os.Stdout)

	tlsConf, acmeMgr, err := buildServerTLS(cfg, log)
	if err != nil {
		return err
	}

	cr := cron.New()
	if cfg.CertFile != "" {
		if err := startCertWatch(cr, cfg.CertFile, log); err != nil {
			return fmt.Errorf("cert watch: %w", err)
		}
	}
	cr.Start()
	defer cr.Stop()

	httpsLn, err := listen(cfg.HTTPSAddr, cfg.ProxyProtocol, cfg.ReadHeaderTimeout)
	if err != nil {
		return err
	}
	httpsSrv := &http.Server{
		Handler:           handler,
		TLSConfig:         tlsConf,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ErrorLog:          stdlog.New(util.NewWarnWriter(log), "", 0),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	redirect := redirectHandler(cfg.HTTPSAddr)
	var plainHandler http.Handler = redirect
	if acmeMgr != nil {
		plainHandler = acmeMgr.HTTPHandler(redirect)
	}
	httpLn, err := listen(cfg.HTTPAddr, cfg.ProxyProtocol, cfg.ReadHeaderTimeout)
	if err != nil {
		httpsLn.Close()
		return err
	}
	httpSrv := &http.Server{
		Handler:           plainHandler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	adminLn, err := net.Listen("tcp", cfg.AdminAddr)
	if err != nil {
		httpsLn.Close()
		httpLn.Close()
		return err
	}
	adminSrv := &http.Server{
		Handler:           adminRoutes(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 3)
	go func() { errCh <- httpsSrv.ServeTLS(httpsLn, "", "") }()
	go func() { errCh <- httpSrv.Serve(httpLn) }()
	go func() { errCh <- adminSrv.Serve(adminLn) }()

	log.Infof("listening: https=%s http=%s admin=%s upstream=%s", cfg.HTTPSAddr, cfg.HTTPAddr, cfg.AdminAddr, cfg.Upstream)

	select {
	case <-ctx.Done():
		log.Infof("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpsSrv.Shutdown(shutdownCtx)
		_ = httpSrv.Shutdown(shutdownCtx)
		_ = adminSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// buildHandler assembles the middleware chain around the router: access log
// and limits outermost, then encoding, then CORS, then the class switch.
func buildHandler(cfg Config, cls *classifier, cors corsPolicy, fwd http.Handler, logw io.Writer) http.Handler {
	route := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cl, _ := cls.classify(r)
		if cl == classPreflight {
			// answered locally, never forwarded
			w.WriteHeader(http.StatusOK)
			return
		}
		fwd.ServeHTTP(w, r)
	})

	var h http.Handler = route
	h = cors.middleware(h)
	h = newEncoder(cfg.Encodings, cfg.MinLength).middleware(h)
	h = concurrencyLimit(cfg.MaxConcurrent, h)
	if cfg.RateLimit.Enable {
		h = newRateLimiter(cfg.RateLimit).middleware(h)
	}
	h = newAccessLogger(logw, cls).middleware(h)
	return h
}

func buildServerTLS(cfg Config, log *util.Logger) (*tls.Config, *autocert.Manager, error) {
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		conf, err := transport.NewServerTLSConfig(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("server tls config: %w", err)
		}
		return conf, nil, nil
	}
	if cfg.ACME.Enable {
		if cfg.ACME.DNSProvider != "" {
			conf, err := makeCertMagic(cfg.ACME)
			if err != nil {
				return nil, nil, err
			}
			return conf, nil, nil
		}
		mgr := newAutocertManager(cfg.ACME)
		fallback, err := selfSignedFallback(cfg.ACME.Domain)
		if err != nil {
			log.Errorf("self-signed fallback generation failed: %v", err)
		}
		return autocertTLSConfig(mgr, fallback), mgr, nil
	}
	log.Warnf("no certificate configured, serving with a generated self-signed pair")
	conf, err := transport.NewServerTLSConfig("", "")
	if err != nil {
		return nil, nil, err
	}
	return conf, nil, nil
}

func selfSignedFallback(host string) (*tls.Certificate, error) {
	certPEM, keyPEM, err := transport.SelfSignedPair(host)
	if err != nil {
		return nil, err
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &pair, nil
}

func listen(addr string, proxyProto bool, readHeaderTimeout time.Duration) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if proxyProto {
		return utilnet.WrapProxyProtocol(ln, readHeaderTimeout), nil
	}
	return ln, nil
}

// redirectHandler answers every plaintext request with a permanent redirect
// to the TLS origin, keeping the request host and URI.
func redirectHandler(httpsAddr string) http.Handler {
	_, port, err := net.SplitHostPort(httpsAddr)
	if err != nil {
		port = "443"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := hostOnly(r.Host)
		if port != "443" {
			host = net.JoinHostPort(host, port)
		}
		to := "https://" + host + r.URL.RequestURI()
		http.Redirect(w, r, to, http.StatusMovedPermanently)
	})
}

func adminRoutes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func hostOnly(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}

func sameHost(a, b string) bool {
	return strings.EqualFold(hostOnly(a), hostOnly(b))
}
