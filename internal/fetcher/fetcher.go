package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/tanq16/torboost/internal/chunk"
	"github.com/tanq16/torboost/internal/circuit"
	"github.com/tanq16/torboost/internal/utils"
)

var (
	ErrConnect         = errors.New("fetcher: request failed")
	ErrStatus          = errors.New("fetcher: unexpected status")
	ErrStream          = errors.New("fetcher: stream interrupted")
	ErrSizeMismatch    = errors.New("fetcher: size mismatch")
	ErrNoContentLength = errors.New("fetcher: server did not report a usable Content-Length")
)

// Fetcher downloads one byte range through one endpoint into dst. skipped is
// true when dst already held the complete range and no request was made.
type Fetcher interface {
	Fetch(ctx context.Context, r chunk.ByteRange, ep circuit.Endpoint, dst string) (skipped bool, err error)
}

// HTTPFetcher issues ranged GETs for a single URL, keeping one client (and so
// one connection pool) per endpoint.
type HTTPFetcher struct {
	url     string
	config  utils.HTTPClientConfig
	mu      sync.Mutex
	clients map[int]*utils.TorboostHTTPClient
}

func New(url string, cfg utils.HTTPClientConfig) *HTTPFetcher {
	return &HTTPFetcher{
		url:     url,
		config:  cfg,
		clients: make(map[int]*utils.TorboostHTTPClient),
	}
}

func (f *HTTPFetcher) client(ep circuit.Endpoint) (*utils.TorboostHTTPClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[ep.ID]; ok {
		return c, nil
	}
	cfg := f.config
	cfg.ProxyURL = ep.ProxyURL()
	c, err := utils.NewTorboostHTTPClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating client for %s: %v", ep, err)
	}
	f.clients[ep.ID] = c
	return c, nil
}

// Close drops the idle connections of every endpoint client.
func (f *HTTPFetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		c.CloseIdleConnections()
	}
}

// ContentSize learns the resource size from a plain GET. HEAD is avoided
// because onion services answer it inconsistently; the body is not read.
func (f *HTTPFetcher) ContentSize(ctx context.Context, ep circuit.Endpoint) (int64, error) {
	log := utils.GetLogger("fetcher").With().Int("endpoint", ep.ID).Logger()
	client, err := f.client(ep)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return 0, fmt.Errorf("error creating GET request: %v", err)
	}
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	defer resp.Body.Close()
	log.Debug().Int("status", resp.StatusCode).Interface("headers", resp.Header).Msg("Initial response headers")
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}
	if resp.ContentLength <= 0 {
		return 0, fmt.Errorf("%w (got %d)", ErrNoContentLength, resp.ContentLength)
	}
	return resp.ContentLength, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r chunk.ByteRange, ep circuit.Endpoint, dst string) (bool, error) {
	log := utils.GetLogger("fetcher").With().Int("endpoint", ep.ID).Stringer("range", r).Logger()
	if chunk.ValidateFile(dst, r.Len()) {
		log.Debug().Msg("Chunk already exists, skipping")
		return true, nil
	}
	client, err := f.client(ep)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return false, fmt.Errorf("error creating GET request: %v", err)
	}
	req.Header.Set("Range", r.Header())
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	defer resp.Body.Close()
	log.Debug().Int("status", resp.StatusCode).Str("contentRange", resp.Header.Get("Content-Range")).Msg("Range response")
	if !rangeSatisfied(resp, r) {
		return false, fmt.Errorf("%w: %d for range %s", ErrStatus, resp.StatusCode, r)
	}
	return false, writeChunk(resp.Body, r, dst)
}

// rangeSatisfied accepts a 206 whose Content-Range is exactly r, or a 200
// whose full body is exactly r (a server ignoring Range on a resource that
// fits in one chunk).
func rangeSatisfied(resp *http.Response, r chunk.ByteRange) bool {
	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, end, _, err := parseContentRange(resp.Header.Get("Content-Range"))
		return err == nil && start == r.Start && end == r.End
	case http.StatusOK:
		return r.Start == 0 && resp.ContentLength == r.Len()
	default:
		return false
	}
}

// parseContentRange reads "bytes start-end/total". total is -1 when the
// server reports it as "*".
func parseContentRange(header string) (start, end, total int64, err error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range: %q", header)
	}
	span, size, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range: %q", header)
	}
	first, last, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range: %q", header)
	}
	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %v", err)
	}
	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %v", err)
	}
	if end < start {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range: %q", header)
	}
	if size == "*" {
		return start, end, -1, nil
	}
	if total, err = strconv.ParseInt(size, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total size: %v", err)
	}
	return start, end, total, nil
}

// writeChunk streams body into dst.part and renames it onto dst only after
// the length checks out, so dst never holds a partial chunk.
func writeChunk(body io.Reader, r chunk.ByteRange, dst string) error {
	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("error opening chunk file: %v", err)
	}
	fail := func(err error) error {
		out.Close()
		os.Remove(tmp)
		return err
	}
	// one extra byte is enough to detect an oversized body
	buffer := make([]byte, utils.DefaultBufferSize)
	written, err := io.CopyBuffer(out, io.LimitReader(body, r.Len()+1), buffer)
	if err != nil {
		return fail(fmt.Errorf("%w after %d bytes: %v", ErrStream, written, err))
	}
	if err := out.Sync(); err != nil {
		return fail(fmt.Errorf("error syncing chunk file: %v", err))
	}
	info, err := out.Stat()
	if err != nil {
		return fail(fmt.Errorf("error getting chunk file info: %v", err))
	}
	if info.Size() != r.Len() {
		return fail(fmt.Errorf("%w: got %d bytes, expected %d", ErrSizeMismatch, info.Size(), r.Len()))
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("error closing chunk file: %v", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("error finalizing chunk file: %v", err)
	}
	return nil
}
