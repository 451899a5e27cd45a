package edge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caddyserver/certmagic"
	cloudflaredns "github.com/libdns/cloudflare"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

// ACMEConfig drives automatic certificate issuance when no static pair is
// configured. HTTP-01 via the plaintext listener is the default; set
// DNSProvider for DNS-01.
type ACMEConfig struct {
	Enable          bool
	Domain          string
	Email           string
	CacheDir        string
	CA              string // "production" or "staging", dns-01 only
	DNSProvider     string // "" = http-01, "cloudflare" = dns-01
	CloudflareToken string
}

func acmeCAURL(which string) string {
	switch strings.ToLower(which) {
	case "staging":
		return certmagic.LetsEncryptStagingCA
	default:
		return certmagic.LetsEncryptProductionCA
	}
}

// hostPolicy admits only the configured domain.
func hostPolicy(domain string) autocert.HostPolicy {
	return func(ctx context.Context, host string) error {
		if sameHost(host, domain) {
			return nil
		}
		return errors.New("host not allowed by policy")
	}
}

func newAutocertManager(cfg ACMEConfig) *autocert.Manager {
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}
	return &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: hostPolicy(cfg.Domain),
		Email:      cfg.Email,
		Cache:      autocert.DirCache(cacheDir),
	}
}

// autocertTLSConfig wires the manager into the listener config. A fallback
// self-signed certificate keeps handshakes without SNI from failing noisily.
func autocertTLSConfig(mgr *autocert.Manager, fallback *tls.Certificate) *tls.Config {
	getCert := func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		if hello == nil || hello.ServerName == "" {
			if fallback != nil {
				return fallback, nil
			}
			return nil, errors.New("missing SNI (ServerName)")
		}
		return mgr.GetCertificate(hello)
	}
	return &tls.Config{
		GetCertificate: getCert,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"h2", "http/1.1", acme.ALPNProto},
	}
}

func makeCertMagic(cfg ACMEConfig) (*tls.Config, error) {
	if cfg.Email == "" {
		return nil, errors.New("acme.email is required for dns-01")
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = "cert-cache"
	}

	cache := certmagic.NewCache(certmagic.CacheOptions{})
	magic := certmagic.New(cache, certmagic.Config{
		Storage: &certmagic.FileStorage{Path: cfg.CacheDir},

		OnDemand: &certmagic.OnDemandConfig{
			DecisionFunc: func(ctx context.Context, name string) error {
				if sameHost(name, cfg.Domain) {
					return nil
				}
				return fmt.Errorf("reject host outside configured domain: %s", name)
			},
		},
	})

	issuer := &certmagic.ACMEIssuer{
		CA:                      acmeCAURL(cfg.CA),
		Email:                   cfg.Email,
		Agreed:                  true,
		DisableHTTPChallenge:    true,
		DisableTLSALPNChallenge: true,
	}

	switch strings.ToLower(cfg.DNSProvider) {
	case "cloudflare":
		token := strings.TrimSpace(cfg.CloudflareToken)
		if token == "" {
			token = os.Getenv("CLOUDFLARE_API_TOKEN")
		}
		if token == "" {
			return nil, errors.New("cloudflare token is empty (set acme.cloudflare_token or CLOUDFLARE_API_TOKEN)")
		}
		issuer.DNS01Solver = &certmagic.DNS01Solver{
			DNSManager: certmagic.DNSManager{
				DNSProvider: &cloudflaredns.Provider{APIToken: token},
			},
		}
	default:
		return nil, fmt.Errorf("unsupported acme.dns_provider %q", cfg.DNSProvider)
	}

	magic.Issuers = []certmagic.Issuer{issuer}

	tlsConf := magic.TLSConfig()
	tlsConf.MinVersion = tls.VersionTLS12
	tlsConf.NextProtos = []string{"h2", "http/1.1", acme.ALPNProto}
	return tlsConf, nil
}
