package assembler

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"

	"github.com/tanq16/torboost/internal/chunk"
	"github.com/tanq16/torboost/internal/utils"
)

const fallbackName = "download"

var (
	ErrNoChunks   = errors.New("assembler: no chunk files found")
	ErrCoverage   = errors.New("assembler: chunks do not cover the content")
	ErrInvalidURL = errors.New("assembler: cannot derive output name")
)

// Combine concatenates every valid chunk in store, in ascending offset order,
// into outputPath. An existing output is truncated, never appended to.
// Coverage is not checked; see CheckCoverage.
func Combine(store *chunk.Store, outputPath string) (int64, error) {
	log := utils.GetLogger("assembler")
	ranges, err := store.List()
	if err != nil {
		return 0, err
	}
	if len(ranges) == 0 {
		return 0, fmt.Errorf("%w in %s", ErrNoChunks, store.Dir())
	}
	log.Debug().Int("count", len(ranges)).Msg("Assembling chunks in order")

	dest, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("error creating output file: %v", err)
	}
	defer dest.Close()

	buffer := make([]byte, utils.DefaultBufferSize)
	var totalWritten int64
	for _, r := range ranges {
		written, err := copyChunk(dest, store.Path(r), buffer)
		if err != nil {
			return totalWritten, err
		}
		if written != r.Len() {
			return totalWritten, fmt.Errorf("error: wrote %d bytes but chunk %s is %d", written, r, r.Len())
		}
		totalWritten += written
	}
	if err := dest.Sync(); err != nil {
		return totalWritten, fmt.Errorf("error syncing output file: %v", err)
	}
	log.Debug().Int64("bytes", totalWritten).Str("output", outputPath).Msg("Chunks combined")
	return totalWritten, nil
}

func copyChunk(dest io.Writer, chunkPath string, buffer []byte) (int64, error) {
	f, err := os.Open(chunkPath)
	if err != nil {
		return 0, fmt.Errorf("error opening chunk file %s: %v", chunkPath, err)
	}
	defer f.Close()
	written, err := io.CopyBuffer(dest, f, buffer)
	if err != nil {
		return written, fmt.Errorf("error copying chunk data: %v", err)
	}
	return written, nil
}

// OutputName is the percent-decoded basename of the URL path.
func OutputName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	// u.Path is already decoded
	name := path.Base(u.Path)
	switch name {
	case "", ".", "/", "..":
		return fallbackName, nil
	}
	return name, nil
}

// CheckCoverage verifies that ranges, sorted by start, exactly tile
// [0, contentSize).
func CheckCoverage(ranges []chunk.ByteRange, contentSize int64) error {
	var next int64
	for _, r := range ranges {
		if r.Start != next {
			if r.Start > next {
				return fmt.Errorf("%w: gap at bytes %d-%d", ErrCoverage, next, r.Start-1)
			}
			return fmt.Errorf("%w: overlap at %s", ErrCoverage, r)
		}
		next = r.End + 1
	}
	if next != contentSize {
		return fmt.Errorf("%w: covered %d of %d bytes", ErrCoverage, next, contentSize)
	}
	return nil
}
