package edge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/harmony-development/overture/pkg/transport"
	"github.com/harmony-development/overture/pkg/util"
)

func writeTestCert(t *testing.T) string {
	t.Helper()
	certPEM, _, err := transport.SelfSignedPair("chat.example")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "tls.crt")
	if err := os.WriteFile(path, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLeafNotAfter(t *testing.T) {
	t.Run("parses a pem certificate", func(t *testing.T) {
		notAfter, err := leafNotAfter(writeTestCert(t))
		if err != nil {
			t.Fatal(err)
		}
		if notAfter.Before(time.Now()) {
			t.Fatalf("freshly generated certificate already expired at %s", notAfter)
		}
		if notAfter.After(time.Now().Add(2 * 365 * 24 * time.Hour)) {
			t.Fatalf("expiry %s implausibly far out", notAfter)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := leafNotAfter(filepath.Join(t.TempDir(), "absent.crt")); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("not a certificate", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "junk.crt")
		if err := os.WriteFile(path, []byte("junk"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := leafNotAfter(path); err == nil {
			t.Fatal("expected an error")
		}
	})
}

func TestStartCertWatch(t *testing.T) {
	c := cron.New()
	if err := startCertWatch(c, writeTestCert(t), util.NewLogger("test")); err != nil {
		t.Fatal(err)
	}
	if len(c.Entries()) != 1 {
		t.Fatalf("scheduled %d entries, want 1", len(c.Entries()))
	}
}
