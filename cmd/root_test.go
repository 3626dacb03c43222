package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanq16/torboost/internal/chunk"
	"github.com/tanq16/torboost/internal/engine"
	"github.com/tanq16/torboost/internal/utils"
)

const testURL = "http://exampleonionaddress.onion/files/big.iso"

// savedChunks writes a complete 250 byte download for testURL in 100 byte
// chunks under a fresh downloads dir and returns the dir and the content.
func savedChunks(t *testing.T) (string, []byte) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	data := make([]byte, 250)
	for i := range data {
		data[i] = byte((i * 13) % 256)
	}
	store := chunk.NewStore(dir, utils.URLHash(testURL))
	require.NoError(t, store.Ensure())
	ranges, err := chunk.Plan(int64(len(data)), 100)
	require.NoError(t, err)
	for _, r := range ranges {
		require.NoError(t, os.WriteFile(store.Path(r), data[r.Start:r.End+1], 0644))
	}
	return dir, data
}

func execute(t *testing.T, args ...string) {
	t.Helper()
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
}

func TestRootCombineFlag(t *testing.T) {
	dir, data := savedChunks(t)
	execute(t, "--combine", "--downloads-dir", dir, "--workers-dir", filepath.Join(dir, "workers"), testURL)

	got, err := os.ReadFile(filepath.Join(dir, "big.iso"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.NoDirExists(t, filepath.Join(dir, "workers"), "combining never starts tor")
}

func TestCombineCommand(t *testing.T) {
	dir, data := savedChunks(t)
	execute(t, "combine", "--downloads-dir", dir, testURL)

	got, err := os.ReadFile(filepath.Join(dir, "big.iso"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCleanCommand(t *testing.T) {
	dir, _ := savedChunks(t)
	execute(t, "clean", "--downloads-dir", dir, testURL)

	assert.NoDirExists(t, filepath.Join(dir, utils.URLHash(testURL)))
}

func TestDownloadFailure(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: tor exited", engine.ErrBootstrap), "Tor circuits could not be bootstrapped"},
		{fmt.Errorf("%w: no length", engine.ErrMetadata), "Could not determine the download size"},
		{fmt.Errorf("%w: 0-99", engine.ErrChunkFailed), "Chunks failed after the maximum number of attempts"},
		{fmt.Errorf("worker: %w", context.Canceled), "Download interrupted"},
		{errors.New("disk full"), "Download failed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, downloadFailure(tt.err), tt.err.Error())
	}
}
