package edge

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/harmony-development/overture/pkg/util"
)

// startCertWatch checks the serving certificate hourly, exporting its expiry
// and warning when renewal is due. Only static pairs are watched; managed
// certificates renew themselves.
func startCertWatch(c *cron.Cron, certFile string, log *util.Logger) error {
	check := func() {
		notAfter, err := leafNotAfter(certFile)
		if err != nil {
			log.Errorf("cert watch: %v", err)
			return
		}
		metricCertNotAfter.Set(float64(notAfter.Unix()))
		if left := time.Until(notAfter); left < 30*24*time.Hour {
			log.Warnf("serving certificate %s expires in %s", certFile, left.Round(time.Hour))
		}
	}
	check()
	_, err := c.AddFunc("@hourly", check)
	return err
}

func leafNotAfter(certFile string) (time.Time, error) {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return time.Time{}, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return time.Time{}, fmt.Errorf("no certificate block in %s", certFile)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, err
	}
	return cert.NotAfter, nil
}
