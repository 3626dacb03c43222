package circuit

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// StaticProvider hands out endpoints of externally managed proxies, for
// example tor instances started by a service manager.
type StaticProvider struct {
	endpoints []Endpoint
}

// NewStaticProvider parses proxies given as host:port (SOCKS5 assumed),
// socks5://host:port or http://host:port.
func NewStaticProvider(proxies []string) (*StaticProvider, error) {
	endpoints := make([]Endpoint, 0, len(proxies))
	for i, raw := range proxies {
		ep, err := parseProxy(raw)
		if err != nil {
			return nil, err
		}
		ep.ID = i
		endpoints = append(endpoints, ep)
	}
	return &StaticProvider{endpoints: endpoints}, nil
}

func (p *StaticProvider) Len() int {
	return len(p.endpoints)
}

func (p *StaticProvider) Start(ctx context.Context, index int) (Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return Endpoint{}, err
	}
	if index < 0 || index >= len(p.endpoints) {
		return Endpoint{}, fmt.Errorf("%w: %d", ErrNoEndpoint, index)
	}
	return p.endpoints[index], nil
}

func (p *StaticProvider) Close() error {
	return nil
}

func parseProxy(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = SchemeSOCKS5 + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrInvalidProxy, raw)
	}
	scheme := u.Scheme
	if scheme == "socks5h" {
		scheme = SchemeSOCKS5
	}
	if scheme != SchemeSOCKS5 && scheme != SchemeHTTP {
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidProxy, u.Scheme)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrInvalidProxy, raw)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("%w: bad port in %s", ErrInvalidProxy, raw)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return Endpoint{Scheme: scheme, Host: host, Port: port}, nil
}
