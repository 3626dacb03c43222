package circuit

import (
	"fmt"
	"net"
	"strconv"
)

const (
	SchemeSOCKS5 = "socks5"
	SchemeHTTP   = "http"
)

// Endpoint is a local proxy bound to one circuit. Exactly one worker uses it.
type Endpoint struct {
	ID          int
	Scheme      string
	Host        string
	Port        int
	ControlPort int    // zero for endpoints not backed by a managed tor process
	DataDir     string // tor data directory, empty for static endpoints
}

func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ProxyURL is the proxy URL for an HTTP transport. Go's SOCKS5 dialer hands
// the target hostname to the proxy, so .onion names resolve inside tor.
func (e Endpoint) ProxyURL() string {
	scheme := e.Scheme
	if scheme == "" {
		scheme = SchemeSOCKS5
	}
	return scheme + "://" + e.Address()
}

func (e Endpoint) String() string {
	return fmt.Sprintf("circuit-%d(%s)", e.ID, e.ProxyURL())
}
