package cmd

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

// The flag bindings are the only source of defaults, so a typo in a viper key
// silently zeroes a setting. Building the config from an untouched flag set
// checks every key end to end.
func TestEdgeConfigDefaults(t *testing.T) {
	cfg := edgeConfig()

	if cfg.HTTPSAddr != ":8443" {
		t.Errorf("HTTPSAddr = %q", cfg.HTTPSAddr)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.AdminAddr != "127.0.0.1:2112" {
		t.Errorf("AdminAddr = %q", cfg.AdminAddr)
	}
	if cfg.Upstream != "https://localhost:2289" {
		t.Errorf("Upstream = %q", cfg.Upstream)
	}
	if cfg.Origin != "*" {
		t.Errorf("Origin = %q", cfg.Origin)
	}
	if cfg.WSProtocolPrefix != "harmony" {
		t.Errorf("WSProtocolPrefix = %q", cfg.WSProtocolPrefix)
	}
	if len(cfg.Encodings) != 2 || cfg.Encodings[0] != "zstd" || cfg.Encodings[1] != "gzip" {
		t.Errorf("Encodings = %v", cfg.Encodings)
	}
	if !cfg.PreserveHost {
		t.Error("PreserveHost should default on")
	}
	if cfg.ForwardedHeaders || cfg.ProxyProtocol || cfg.RateLimit.Enable || cfg.ACME.Enable {
		t.Error("opt-in features enabled by default")
	}
	if cfg.RateLimit.RPS != 50 || cfg.RateLimit.Burst != 100 {
		t.Errorf("RateLimit defaults = %v/%v", cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}
	if cfg.ACME.CA != "production" || cfg.ACME.CacheDir != "cert-cache" {
		t.Errorf("ACME defaults = %q %q", cfg.ACME.CA, cfg.ACME.CacheDir)
	}
	if cfg.ReadHeaderTimeout != 10*time.Second {
		t.Errorf("ReadHeaderTimeout = %v", cfg.ReadHeaderTimeout)
	}
	if cfg.DialTimeout != 5*time.Second {
		t.Errorf("DialTimeout = %v", cfg.DialTimeout)
	}
	if cfg.IdleTimeout != 90*time.Second {
		t.Errorf("IdleTimeout = %v", cfg.IdleTimeout)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration does not validate: %v", err)
	}
}

func TestEdgeConfigOverride(t *testing.T) {
	viper.Set("edge.upstream", "https://chat.example:2289")
	viper.Set("edge.ratelimit.enable", true)
	t.Cleanup(func() {
		viper.Set("edge.upstream", "https://localhost:2289")
		viper.Set("edge.ratelimit.enable", false)
	})

	cfg := edgeConfig()
	if cfg.Upstream != "https://chat.example:2289" {
		t.Errorf("Upstream = %q, want the override", cfg.Upstream)
	}
	if !cfg.RateLimit.Enable {
		t.Error("RateLimit.Enable override ignored")
	}
}
