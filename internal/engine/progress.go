package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanq16/torboost/internal/chunk"
	"github.com/tanq16/torboost/internal/output"
	"github.com/tanq16/torboost/internal/utils"
)

// Progress counts completed chunks. Bytes of chunks that were already on disk
// count towards completion but not towards speed.
type Progress struct {
	totalChunks int
	totalBytes  int64
	chunks      atomic.Int64
	bytes       atomic.Int64
	fetched     atomic.Int64
	start       time.Time
	log         zerolog.Logger
}

func NewProgress(totalChunks int, totalBytes int64) *Progress {
	return &Progress{
		totalChunks: totalChunks,
		totalBytes:  totalBytes,
		start:       time.Now(),
		log:         utils.GetLogger("progress"),
	}
}

func (p *Progress) Add(r chunk.ByteRange, skipped bool) {
	p.chunks.Add(1)
	p.bytes.Add(r.Len())
	if !skipped {
		p.fetched.Add(r.Len())
	}
}

// Snapshot returns completed chunks and completed bytes.
func (p *Progress) Snapshot() (int, int64) {
	return int(p.chunks.Load()), p.bytes.Load()
}

// Report logs a progress line every interval until ctx is done.
func (p *Progress) Report(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			chunks, bytes := p.Snapshot()
			p.log.Info().
				Int("chunks", chunks).
				Int("total", p.totalChunks).
				Msgf("%s %s / %s at %s", output.ProgressBar(bytes, p.totalBytes, 30),
					utils.FormatBytes(bytes), utils.FormatBytes(p.totalBytes),
					utils.FormatSpeed(p.fetched.Load(), time.Since(p.start)))
		}
	}
}

func (p *Progress) Summary() {
	elapsed := time.Since(p.start)
	p.log.Info().
		Int("chunks", int(p.chunks.Load())).
		Str("elapsed", elapsed.Round(time.Millisecond).String()).
		Msgf("Downloaded %s at %s", utils.FormatBytes(p.fetched.Load()), utils.FormatSpeed(p.fetched.Load(), elapsed))
}
