package edge

import (
	"net/http"
	"strings"
)

// class is the routing outcome for one request.
type class int

const (
	classPreflight class = iota
	classForward
)

func (c class) String() string {
	if c == classPreflight {
		return "preflight"
	}
	return "forward"
}

type predicate func(*http.Request) bool

func isPreflight(r *http.Request) bool { return r.Method == http.MethodOptions }

func isForwardable(r *http.Request) bool { return r.Method != http.MethodOptions }

// rule pairs a predicate with the class it selects.
type rule struct {
	name  string
	match predicate
	class class
}

// classifier evaluates an ordered rule chain; the first match wins.
// Preflight takes precedence over forwarding, and the websocket predicate is
// a tag on the exchange rather than a branch: tagged and untagged requests
// share the forwarding path today.
type classifier struct {
	wsPrefix string
	rules    []rule
}

func newClassifier(wsPrefix string) *classifier {
	return &classifier{
		wsPrefix: wsPrefix,
		rules: []rule{
			{name: "preflight", match: isPreflight, class: classPreflight},
			{name: "forward", match: isForwardable, class: classForward},
		},
	}
}

func (c *classifier) classify(r *http.Request) (class, bool) {
	ws := c.isWebSocketUpgrade(r)
	for _, ru := range c.rules {
		if ru.match(r) {
			return ru.class, ws
		}
	}
	// The chain is exhaustive, forward is the complement of preflight.
	return classForward, ws
}

// isWebSocketUpgrade reports whether the request announces a websocket
// subprotocol under the configured prefix. An absent header never matches.
func (c *classifier) isWebSocketUpgrade(r *http.Request) bool {
	if c.wsPrefix == "" {
		return false
	}
	return strings.HasPrefix(r.Header.Get("Sec-WebSocket-Protocol"), c.wsPrefix)
}
