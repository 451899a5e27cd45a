package net

import (
	"net"
	"time"

	pp "github.com/pires/go-proxyproto"
)

// WrapProxyProtocol accepts a PROXY protocol v1/v2 prefix on every connection
// and exposes the advertised client address as RemoteAddr. The header must
// arrive within readHeaderTimeout so a stalled peer cannot pin the accept
// loop.
func WrapProxyProtocol(ln net.Listener, readHeaderTimeout time.Duration) net.Listener {
	return &pp.Listener{
		Listener:          ln,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}
