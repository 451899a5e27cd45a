package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/harmony-development/overture/internal/edge"
	"github.com/harmony-development/overture/pkg/util"
)

func init() {
	serveCmd.Flags().String("https-addr", ":8443", "public TLS address")
	serveCmd.Flags().String("http-addr", ":8080", "plaintext address (redirects to TLS)")
	serveCmd.Flags().String("admin-addr", "127.0.0.1:2112", "admin address (health, metrics)")
	serveCmd.Flags().String("cert-file", "", "TLS certificate path")
	serveCmd.Flags().String("key-file", "", "TLS private key path")
	serveCmd.Flags().String("upstream", "https://localhost:2289", "upstream origin")
	serveCmd.Flags().String("upstream-ca", "", "CA bundle trusted for the upstream leg")
	serveCmd.Flags().String("origin", "*", "allowed CORS origin")
	serveCmd.Flags().String("ws-protocol", "harmony", "websocket subprotocol prefix to tag")
	serveCmd.Flags().StringSlice("encodings", []string{"zstd", "gzip"}, "response encodings in preference order")
	serveCmd.Flags().Int("min-length", 0, "smallest body size to encode")
	serveCmd.Flags().Bool("preserve-host", true, "forward the client Host header")
	serveCmd.Flags().Bool("forwarded-headers", false, "add X-Forwarded-* headers upstream")
	serveCmd.Flags().Bool("proxy-protocol", false, "accept PROXY protocol on public listeners")
	serveCmd.Flags().Int("max-concurrent", 0, "cap on in-flight requests (0 = unlimited)")
	serveCmd.Flags().Bool("ratelimit", false, "enable per-client rate limiting")
	serveCmd.Flags().Float64("ratelimit-rps", 50, "sustained requests per second per client")
	serveCmd.Flags().Int("ratelimit-burst", 100, "burst size per client")
	serveCmd.Flags().String("ratelimit-header", "", "trusted header naming the client IP")
	serveCmd.Flags().StringSlice("ratelimit-allow", nil, "client IPs exempt from rate limiting")
	serveCmd.Flags().Bool("acme", false, "enable ACME issuance")
	serveCmd.Flags().String("acme-domain", "", "domain to issue for")
	serveCmd.Flags().String("acme-email", "", "ACME account email")
	serveCmd.Flags().String("acme-cache", "cert-cache", "ACME cache dir")
	serveCmd.Flags().String("acme-ca", "production", "ACME CA (production or staging)")
	serveCmd.Flags().String("acme-dns", "", "DNS-01 provider (cloudflare)")
	serveCmd.Flags().String("acme-cloudflare-token", "", "Cloudflare API token for dns-01")
	serveCmd.Flags().Duration("read-header-timeout", 10*time.Second, "client header read timeout")
	serveCmd.Flags().Duration("dial-timeout", 5*time.Second, "upstream dial timeout")
	serveCmd.Flags().Duration("response-header-timeout", 0, "upstream response header timeout")
	serveCmd.Flags().Duration("idle-timeout", 90*time.Second, "idle upstream connection timeout")

	_ = viper.BindPFlag("edge.https_addr", serveCmd.Flags().Lookup("https-addr"))
	_ = viper.BindPFlag("edge.http_addr", serveCmd.Flags().Lookup("http-addr"))
	_ = viper.BindPFlag("edge.admin_addr", serveCmd.Flags().Lookup("admin-addr"))
	_ = viper.BindPFlag("edge.cert_file", serveCmd.Flags().Lookup("cert-file"))
	_ = viper.BindPFlag("edge.key_file", serveCmd.Flags().Lookup("key-file"))
	_ = viper.BindPFlag("edge.upstream", serveCmd.Flags().Lookup("upstream"))
	_ = viper.BindPFlag("edge.upstream_ca", serveCmd.Flags().Lookup("upstream-ca"))
	_ = viper.BindPFlag("edge.origin", serveCmd.Flags().Lookup("origin"))
	_ = viper.BindPFlag("edge.ws_protocol", serveCmd.Flags().Lookup("ws-protocol"))
	_ = viper.BindPFlag("edge.encodings", serveCmd.Flags().Lookup("encodings"))
	_ = viper.BindPFlag("edge.min_length", serveCmd.Flags().Lookup("min-length"))
	_ = viper.BindPFlag("edge.preserve_host", serveCmd.Flags().Lookup("preserve-host"))
	_ = viper.BindPFlag("edge.forwarded_headers", serveCmd.Flags().Lookup("forwarded-headers"))
	_ = viper.BindPFlag("edge.proxy_protocol", serveCmd.Flags().Lookup("proxy-protocol"))
	_ = viper.BindPFlag("edge.max_concurrent", serveCmd.Flags().Lookup("max-concurrent"))
	_ = viper.BindPFlag("edge.ratelimit.enable", serveCmd.Flags().Lookup("ratelimit"))
	_ = viper.BindPFlag("edge.ratelimit.rps", serveCmd.Flags().Lookup("ratelimit-rps"))
	_ = viper.BindPFlag("edge.ratelimit.burst", serveCmd.Flags().Lookup("ratelimit-burst"))
	_ = viper.BindPFlag("edge.ratelimit.header", serveCmd.Flags().Lookup("ratelimit-header"))
	_ = viper.BindPFlag("edge.ratelimit.allow", serveCmd.Flags().Lookup("ratelimit-allow"))
	_ = viper.BindPFlag("edge.acme.enable", serveCmd.Flags().Lookup("acme"))
	_ = viper.BindPFlag("edge.acme.domain", serveCmd.Flags().Lookup("acme-domain"))
	_ = viper.BindPFlag("edge.acme.email", serveCmd.Flags().Lookup("acme-email"))
	_ = viper.BindPFlag("edge.acme.cache", serveCmd.Flags().Lookup("acme-cache"))
	_ = viper.BindPFlag("edge.acme.ca", serveCmd.Flags().Lookup("acme-ca"))
	_ = viper.BindPFlag("edge.acme.dns_provider", serveCmd.Flags().Lookup("acme-dns"))
	_ = viper.BindPFlag("edge.acme.cloudflare_token", serveCmd.Flags().Lookup("acme-cloudflare-token"))
	_ = viper.BindPFlag("edge.timeouts.read_header", serveCmd.Flags().Lookup("read-header-timeout"))
	_ = viper.BindPFlag("edge.timeouts.dial", serveCmd.Flags().Lookup("dial-timeout"))
	_ = viper.BindPFlag("edge.timeouts.response_header", serveCmd.Flags().Lookup("response-header-timeout"))
	_ = viper.BindPFlag("edge.timeouts.idle", serveCmd.Flags().Lookup("idle-timeout"))

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the edge proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := util.NewLogger("edge")
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return edge.Run(ctx, edgeConfig(), log)
	},
}

// edgeConfig materializes the edge configuration from the resolved viper
// state, whatever mix of flags, environment and config file set it.
func edgeConfig() edge.Config {
	return edge.Config{
		HTTPSAddr:        viper.GetString("edge.https_addr"),
		HTTPAddr:         viper.GetString("edge.http_addr"),
		AdminAddr:        viper.GetString("edge.admin_addr"),
		CertFile:         viper.GetString("edge.cert_file"),
		KeyFile:          viper.GetString("edge.key_file"),
		Upstream:         viper.GetString("edge.upstream"),
		UpstreamCA:       viper.GetString("edge.upstream_ca"),
		Origin:           viper.GetString("edge.origin"),
		WSProtocolPrefix: viper.GetString("edge.ws_protocol"),
		Encodings:        viper.GetStringSlice("edge.encodings"),
		MinLength:        viper.GetInt("edge.min_length"),
		PreserveHost:     viper.GetBool("edge.preserve_host"),
		ForwardedHeaders: viper.GetBool("edge.forwarded_headers"),
		ProxyProtocol:    viper.GetBool("edge.proxy_protocol"),
		MaxConcurrent:    viper.GetInt("edge.max_concurrent"),
		RateLimit: edge.RateLimitConfig{
			Enable:      viper.GetBool("edge.ratelimit.enable"),
			RPS:         viper.GetFloat64("edge.ratelimit.rps"),
			Burst:       viper.GetInt("edge.ratelimit.burst"),
			TrustHeader: viper.GetString("edge.ratelimit.header"),
			Allow:       viper.GetStringSlice("edge.ratelimit.allow"),
		},
		ACME: edge.ACMEConfig{
			Enable:          viper.GetBool("edge.acme.enable"),
			Domain:          viper.GetString("edge.acme.domain"),
			Email:           viper.GetString("edge.acme.email"),
			CacheDir:        viper.GetString("edge.acme.cache"),
			CA:              viper.GetString("edge.acme.ca"),
			DNSProvider:     viper.GetString("edge.acme.dns_provider"),
			CloudflareToken: viper.GetString("edge.acme.cloudflare_token"),
		},
		ReadHeaderTimeout:     viper.GetDuration("edge.timeouts.read_header"),
		DialTimeout:           viper.GetDuration("edge.timeouts.dial"),
		ResponseHeaderTimeout: viper.GetDuration("edge.timeouts.response_header"),
		IdleTimeout:           viper.GetDuration("edge.timeouts.idle"),
	}
}
