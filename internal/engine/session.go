package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tanq16/torboost/internal/chunk"
	"github.com/tanq16/torboost/internal/queue"
	"github.com/tanq16/torboost/internal/utils"
)

var ErrEmptyURL = errors.New("engine: download URL is empty")

// Session is one download of one URL. ID is stable across runs for the same
// URL and names the chunk store; RunID identifies this particular run in logs.
type Session struct {
	URL         string
	ID          string
	RunID       string
	ContentSize int64
	ChunkSize   int64
	Ranges      []chunk.ByteRange
}

func NewSession(rawURL string, contentSize, chunkSize int64) (*Session, error) {
	if rawURL == "" {
		return nil, ErrEmptyURL
	}
	ranges, err := chunk.Plan(contentSize, chunkSize)
	if err != nil {
		return nil, fmt.Errorf("error planning chunks: %w", err)
	}
	return &Session{
		URL:         rawURL,
		ID:          utils.URLHash(rawURL),
		RunID:       uuid.New().String(),
		ContentSize: contentSize,
		ChunkSize:   chunkSize,
		Ranges:      ranges,
	}, nil
}

// Seed builds the initial tasks for ranges over n endpoints. Range i
// (1-indexed) is assigned endpoint (n-1) mod i, which is always a valid
// endpoint ID. The assignment is metadata only: whichever worker takes the
// task fetches it through its own endpoint.
func Seed(ranges []chunk.ByteRange, n int) []queue.Task {
	tasks := make([]queue.Task, 0, len(ranges))
	for idx, r := range ranges {
		i := idx + 1
		endpoint := 0
		if n > 0 {
			endpoint = (n - 1) % i
		}
		tasks = append(tasks, queue.Task{Range: r, Endpoint: endpoint, Attempt: 1})
	}
	return tasks
}
