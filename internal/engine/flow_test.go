package engine

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanq16/torboost/internal/chunk"
	"github.com/tanq16/torboost/internal/config"
	"github.com/tanq16/torboost/internal/utils"
)

const testURL = "http://exampleonionaddress.onion/files/file.bin"

// fakeCircuit is an HTTP forward proxy that answers every request itself,
// serving data with range support.
func fakeCircuit(t *testing.T, data []byte) (string, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv.URL, &hits
}

func testConfig(t *testing.T, proxies ...string) *config.Config {
	t.Helper()
	return &config.Config{
		URL:           testURL,
		ChunkSize:     100,
		Proxies:       proxies,
		DownloadsDir:  t.TempDir(),
		MaxRetryDelay: time.Second,
	}
}

func TestDownload(t *testing.T) {
	data := reference(250)
	proxy, hits := fakeCircuit(t, data)
	cfg := testConfig(t, proxy, proxy)

	res, err := Download(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, int64(250), res.Size)
	assert.Equal(t, filepath.Join(cfg.DownloadsDir, "file.bin"), res.OutputPath)
	got, err := os.ReadFile(res.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int32(4), hits.Load(), "one size request and three ranges")

	store := chunk.NewStore(cfg.DownloadsDir, utils.URLHash(testURL))
	m, err := store.ReadManifest()
	require.NoError(t, err)
	assert.Equal(t, int64(250), m.ContentSize)
	assert.Equal(t, int64(100), m.ChunkSize)

	// the output is complete, only the size request is repeated
	res, err = Download(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, int32(5), hits.Load())
}

func TestDownloadReusesChunks(t *testing.T) {
	data := reference(250)
	proxy, hits := fakeCircuit(t, data)
	cfg := testConfig(t, proxy)

	_, err := Download(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(cfg.DownloadsDir, "file.bin")))

	res, err := Download(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(5), hits.Load(), "saved chunks are not fetched again")
	got, err := os.ReadFile(res.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadDiscardsStaleLayout(t *testing.T) {
	data := reference(250)
	proxy, _ := fakeCircuit(t, data)
	cfg := testConfig(t, proxy)

	_, err := Download(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(cfg.DownloadsDir, "file.bin")))

	cfg.ChunkSize = 60
	res, err := Download(context.Background(), cfg)
	require.NoError(t, err)
	got, err := os.ReadFile(res.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	store := chunk.NewStore(cfg.DownloadsDir, utils.URLHash(testURL))
	assert.NoFileExists(t, store.Path(chunk.ByteRange{Start: 0, End: 99}))
	assert.FileExists(t, store.Path(chunk.ByteRange{Start: 0, End: 59}))
}

func TestDownloadMetadataFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()
	_, err := Download(context.Background(), testConfig(t, srv.URL))
	assert.ErrorIs(t, err, ErrMetadata)
}

func TestDownloadBootstrapFailure(t *testing.T) {
	_, err := Download(context.Background(), testConfig(t, "ftp://127.0.0.1:21"))
	assert.ErrorIs(t, err, ErrBootstrap)
}

func TestCombineOnly(t *testing.T) {
	data := reference(250)
	cfg := testConfig(t)
	store := chunk.NewStore(cfg.DownloadsDir, utils.URLHash(testURL))
	require.NoError(t, store.Ensure())
	ranges, err := chunk.Plan(250, 100)
	require.NoError(t, err)
	for _, r := range ranges {
		require.NoError(t, os.WriteFile(store.Path(r), data[r.Start:r.End+1], 0644))
	}

	res, err := CombineOnly(cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(250), res.Size)
	got, err := os.ReadFile(filepath.Join(cfg.DownloadsDir, "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCombineOnlyPartial(t *testing.T) {
	data := reference(250)
	cfg := testConfig(t)
	store := chunk.NewStore(cfg.DownloadsDir, utils.URLHash(testURL))
	require.NoError(t, store.Ensure())
	require.NoError(t, store.WriteManifest(chunk.Manifest{URL: testURL, ContentSize: 250, ChunkSize: 100}))
	r := chunk.ByteRange{Start: 0, End: 99}
	require.NoError(t, os.WriteFile(store.Path(r), data[:100], 0644))

	res, err := CombineOnly(cfg)
	require.NoError(t, err, "gaps are tolerated")
	assert.Equal(t, int64(100), res.Size)
}

func TestCombineOnlyNothingSaved(t *testing.T) {
	_, err := CombineOnly(testConfig(t))
	assert.Error(t, err)
}
