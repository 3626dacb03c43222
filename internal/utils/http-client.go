package utils

import (
	"net"
	"net/http"
	"net/url"
	"time"
)

type HTTPClientConfig struct {
	Timeout        time.Duration // whole-request timeout, zero means none
	ConnectTimeout time.Duration
	KATimeout      time.Duration
	ProxyURL       string // socks5://host:port or http://host:port
	UserAgent      string
	Headers        map[string]string
}

type TorboostHTTPClient struct {
	client *http.Client
	config HTTPClientConfig
}

func NewTorboostHTTPClient(cfg HTTPClientConfig) (*TorboostHTTPClient, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 60 * time.Second
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 90 * time.Second
	}
	transport := &http.Transport{
		IdleConnTimeout:     cfg.KATimeout,
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		// Transparent gzip would make the body length disagree with the range length
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &TorboostHTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		config: cfg,
	}, nil
}

func (c *TorboostHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	} else {
		req.Header.Set("User-Agent", DefaultUserAgent)
	}
	// Request-specific headers (Range, Accept-Encoding) win over configured ones
	for k, v := range c.config.Headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	return c.client.Do(req)
}

func (c *TorboostHTTPClient) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}
