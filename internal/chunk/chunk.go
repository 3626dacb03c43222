package chunk

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const FileSuffix = ".chunk"

var (
	ErrInvalidContentSize = errors.New("chunk: content size must be positive")
	ErrInvalidChunkSize   = errors.New("chunk: chunk size must be positive")
	ErrInvalidFileName    = errors.New("chunk: not a chunk file name")
)

// ByteRange is an inclusive [Start, End] span of the remote resource.
type ByteRange struct {
	Start int64
	End   int64
}

func (r ByteRange) Len() int64 {
	return r.End - r.Start + 1
}

func (r ByteRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Header renders the value of an HTTP Range request header.
func (r ByteRange) Header() string {
	return "bytes=" + r.String()
}

// FileName is the deterministic chunk file name for r.
func (r ByteRange) FileName() string {
	return r.String() + FileSuffix
}

// Plan splits [0, contentSize) into contiguous ranges of chunkSize bytes,
// the last one absorbing the remainder. An exact multiple yields no extra
// empty range.
func Plan(contentSize, chunkSize int64) ([]ByteRange, error) {
	if contentSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidContentSize, contentSize)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, chunkSize)
	}
	full := contentSize / chunkSize
	ranges := make([]ByteRange, 0, full+1)
	for i := range full {
		start := i * chunkSize
		ranges = append(ranges, ByteRange{Start: start, End: start + chunkSize - 1})
	}
	if contentSize%chunkSize != 0 {
		ranges = append(ranges, ByteRange{Start: full * chunkSize, End: contentSize - 1})
	}
	return ranges, nil
}

// ParseFileName recovers the range encoded in a chunk file name.
func ParseFileName(name string) (ByteRange, error) {
	bounds, ok := strings.CutSuffix(name, FileSuffix)
	if !ok {
		return ByteRange{}, fmt.Errorf("%w: %s", ErrInvalidFileName, name)
	}
	startStr, endStr, ok := strings.Cut(bounds, "-")
	if !ok {
		return ByteRange{}, fmt.Errorf("%w: %s", ErrInvalidFileName, name)
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return ByteRange{}, fmt.Errorf("%w: %s", ErrInvalidFileName, name)
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return ByteRange{}, fmt.Errorf("%w: %s", ErrInvalidFileName, name)
	}
	if start < 0 || end < start {
		return ByteRange{}, fmt.Errorf("%w: %s", ErrInvalidFileName, name)
	}
	return ByteRange{Start: start, End: end}, nil
}
