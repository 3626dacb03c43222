package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanq16/torboost/internal/assembler"
	"github.com/tanq16/torboost/internal/chunk"
	"github.com/tanq16/torboost/internal/circuit"
	"github.com/tanq16/torboost/internal/queue"
)

var errInjected = errors.New("injected failure")

// stubFetcher serves ranges of data from memory. failures[r] is the number of
// calls for r that fail before one succeeds; a negative value fails forever.
type stubFetcher struct {
	data     []byte
	mu       sync.Mutex
	failures map[chunk.ByteRange]int
	calls    map[chunk.ByteRange]int
}

func newStub(data []byte) *stubFetcher {
	return &stubFetcher{
		data:     data,
		failures: make(map[chunk.ByteRange]int),
		calls:    make(map[chunk.ByteRange]int),
	}
}

func (s *stubFetcher) Fetch(ctx context.Context, r chunk.ByteRange, ep circuit.Endpoint, dst string) (bool, error) {
	s.mu.Lock()
	s.calls[r]++
	left := s.failures[r]
	if left > 0 {
		s.failures[r] = left - 1
	}
	s.mu.Unlock()
	if left != 0 {
		return false, errInjected
	}
	if chunk.ValidateFile(dst, r.Len()) {
		return true, nil
	}
	return false, os.WriteFile(dst, s.data[r.Start:r.End+1], 0644)
}

func (s *stubFetcher) callsFor(r chunk.ByteRange) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[r]
}

func reference(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte((i * 7) % 256)
	}
	return data
}

func endpoints(n int) []circuit.Endpoint {
	eps := make([]circuit.Endpoint, n)
	for i := range eps {
		eps[i] = circuit.Endpoint{ID: i, Host: "127.0.0.1", Port: 9080 + i}
	}
	return eps
}

func newTestEngine(t *testing.T, f *stubFetcher, size, chunkSize int64, workers int, opts Options) (*Engine, *Session, *chunk.Store) {
	t.Helper()
	session, err := NewSession("http://exampleonion.onion/file.bin", size, chunkSize)
	require.NoError(t, err)
	store := chunk.NewStore(t.TempDir(), session.ID)
	return New(session, store, f, endpoints(workers), opts), session, store
}

func TestRunSmallFileSingleWorker(t *testing.T) {
	data := reference(250)
	eng, session, store := newTestEngine(t, newStub(data), 250, 100, 1, Options{})
	assert.Equal(t, []chunk.ByteRange{{Start: 0, End: 99}, {Start: 100, End: 199}, {Start: 200, End: 249}}, session.Ranges)

	require.NoError(t, eng.Run(context.Background()))
	for _, r := range session.Ranges {
		assert.True(t, store.Validate(r), r.String())
	}

	out := filepath.Join(t.TempDir(), "file.bin")
	n, err := assembler.Combine(store, out)
	require.NoError(t, err)
	assert.Equal(t, int64(250), n)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRunRequeuesUntilSuccess(t *testing.T) {
	stub := newStub(reference(250))
	flaky := chunk.ByteRange{Start: 100, End: 199}
	stub.failures[flaky] = 2
	eng, session, store := newTestEngine(t, stub, 250, 100, 2, Options{})

	require.NoError(t, eng.Run(context.Background()))
	assert.Equal(t, 3, stub.callsFor(flaky), "two failures and one success")
	assert.Equal(t, 1, stub.callsFor(chunk.ByteRange{Start: 0, End: 99}))
	assert.Equal(t, 1, stub.callsFor(chunk.ByteRange{Start: 200, End: 249}))
	assert.Empty(t, store.Missing(session.Ranges))

	chunks, bytes := eng.Progress().Snapshot()
	assert.Equal(t, 3, chunks)
	assert.Equal(t, int64(250), bytes)
}

func TestRunWithBackoff(t *testing.T) {
	stub := newStub(reference(300))
	flaky := chunk.ByteRange{Start: 0, End: 99}
	stub.failures[flaky] = 2
	opts := Options{Retry: RetryPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}}
	eng, _, _ := newTestEngine(t, stub, 300, 100, 3, opts)

	start := time.Now()
	require.NoError(t, eng.Run(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "10ms then 20ms of backoff")
	assert.Equal(t, 3, stub.callsFor(flaky))
}

func TestRunBoundedAttempts(t *testing.T) {
	stub := newStub(reference(250))
	broken := chunk.ByteRange{Start: 200, End: 249}
	stub.failures[broken] = -1
	opts := Options{Retry: RetryPolicy{MaxAttempts: 3}}
	eng, _, store := newTestEngine(t, stub, 250, 100, 2, opts)

	err := eng.Run(context.Background())
	require.ErrorIs(t, err, ErrChunkFailed)
	assert.ErrorIs(t, err, errInjected)
	var failed *ChunkFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, broken, failed.Range)
	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, 3, stub.callsFor(broken))
	assert.False(t, store.Validate(broken))
}

type lyingFetcher struct{}

func (lyingFetcher) Fetch(ctx context.Context, r chunk.ByteRange, ep circuit.Endpoint, dst string) (bool, error) {
	return false, nil
}

func TestRunDetectsMissingChunks(t *testing.T) {
	session, err := NewSession("http://exampleonion.onion/file.bin", 250, 100)
	require.NoError(t, err)
	eng := New(session, chunk.NewStore(t.TempDir(), session.ID), lyingFetcher{}, endpoints(1), Options{})
	assert.ErrorIs(t, eng.Run(context.Background()), ErrIncomplete)
}

type blockingFetcher struct{}

func (blockingFetcher) Fetch(ctx context.Context, r chunk.ByteRange, ep circuit.Endpoint, dst string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func TestRunCancelled(t *testing.T) {
	session, err := NewSession("http://exampleonion.onion/file.bin", 250, 100)
	require.NoError(t, err)
	eng := New(session, chunk.NewStore(t.TempDir(), session.ID), blockingFetcher{}, endpoints(2), Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, eng.Run(ctx), context.DeadlineExceeded)
}

func TestRunNoEndpoints(t *testing.T) {
	eng, _, _ := newTestEngine(t, newStub(reference(10)), 10, 5, 0, Options{})
	assert.ErrorIs(t, eng.Run(context.Background()), ErrNoEndpoints)
}

func TestAttemptRequeuesWithWorkerEndpoint(t *testing.T) {
	stub := newStub(reference(250))
	r := chunk.ByteRange{Start: 0, End: 99}
	stub.failures[r] = 1
	eng, _, store := newTestEngine(t, stub, 250, 100, 3, Options{})
	require.NoError(t, store.Ensure())

	eng.queue.Put(queue.Task{Range: r, Endpoint: 0, Attempt: 1})
	task, err := eng.queue.Get(context.Background())
	require.NoError(t, err)
	eng.attempt(context.Background(), eng.endpoints[2], task)
	eng.queue.Done()

	assert.Equal(t, 1, eng.queue.Unfinished(), "the retry is still outstanding")
	retry, err := eng.queue.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.Task{Range: r, Endpoint: 2, Attempt: 2}, retry)
}

func TestSeed(t *testing.T) {
	ranges, err := chunk.Plan(1000, 10)
	require.NoError(t, err)
	for _, n := range []int{1, 2, 5, 17} {
		tasks := Seed(ranges, n)
		require.Len(t, tasks, len(ranges))
		for i, task := range tasks {
			assert.Equal(t, ranges[i], task.Range)
			assert.Equal(t, 1, task.Attempt)
			assert.GreaterOrEqual(t, task.Endpoint, 0)
			assert.Less(t, task.Endpoint, n)
			assert.Equal(t, (n-1)%(i+1), task.Endpoint)
		}
	}
	tasks := Seed(ranges[:6], 5)
	got := make([]int, len(tasks))
	for i, task := range tasks {
		got[i] = task.Endpoint
	}
	assert.Equal(t, []int{0, 0, 1, 0, 4, 4}, got)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 800*time.Millisecond, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(5))
	assert.Equal(t, time.Second, p.Delay(500))
	assert.Equal(t, time.Duration(0), RetryPolicy{}.Delay(3))

	assert.False(t, RetryPolicy{}.exhausted(1000), "zero attempts means unlimited")
	assert.True(t, RetryPolicy{MaxAttempts: 2}.exhausted(2))
}

func TestNewSession(t *testing.T) {
	s, err := NewSession("http://exampleonion.onion/file.bin", 250, 100)
	require.NoError(t, err)
	assert.Len(t, s.ID, 64)
	assert.NotEmpty(t, s.RunID)
	other, err := NewSession("http://exampleonion.onion/file.bin", 250, 100)
	require.NoError(t, err)
	assert.Equal(t, s.ID, other.ID)
	assert.NotEqual(t, s.RunID, other.RunID)

	_, err = NewSession("", 250, 100)
	assert.ErrorIs(t, err, ErrEmptyURL)
	_, err = NewSession("http://exampleonion.onion/file.bin", 0, 100)
	assert.ErrorIs(t, err, chunk.ErrInvalidContentSize)
}
