package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tanq16/torboost/internal/assembler"
	"github.com/tanq16/torboost/internal/chunk"
	"github.com/tanq16/torboost/internal/circuit"
	"github.com/tanq16/torboost/internal/config"
	"github.com/tanq16/torboost/internal/fetcher"
	"github.com/tanq16/torboost/internal/utils"
)

var (
	ErrBootstrap = errors.New("circuit bootstrap failed")
	ErrMetadata  = errors.New("could not determine content size")
)

type Result struct {
	OutputPath string
	Size       int64
	// Skipped is set when the output was already complete on disk
	Skipped bool
}

func newProvider(cfg *config.Config) (circuit.Provider, error) {
	if len(cfg.Proxies) > 0 {
		return circuit.NewStaticProvider(cfg.Proxies)
	}
	return circuit.NewTorProvider(circuit.TorConfig{
		Binary:           cfg.TorBinary,
		WorkersDir:       cfg.WorkersDir,
		SocksPortStart:   cfg.SocksPortStart,
		ControlPortStart: cfg.ControlPortStart,
		Timeout:          cfg.Timeout,
	}), nil
}

// Download runs the full flow: bring up the circuits, learn the content size,
// fetch every chunk and combine them into the downloads directory.
func Download(ctx context.Context, cfg *config.Config) (*Result, error) {
	log := utils.GetLogger("download")
	name, err := assembler.OutputName(cfg.URL)
	if err != nil {
		return nil, err
	}
	outputPath := filepath.Join(cfg.DownloadsDir, name)

	provider, err := newProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBootstrap, err)
	}
	defer func() {
		if err := provider.Close(); err != nil {
			log.Debug().Err(err).Msg("Error stopping circuits")
		}
	}()
	endpoints, err := circuit.Connect(ctx, provider, cfg.Circuits())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBootstrap, err)
	}

	f := fetcher.New(cfg.URL, cfg.HTTPClientConfig())
	defer f.Close()
	size, err := f.ContentSize(ctx, endpoints[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMetadata, err)
	}
	log.Info().Msgf("Download size: %s (%d bytes)", utils.FormatBytes(size), size)

	if chunk.ValidateFile(outputPath, size) {
		log.Info().Str("output", outputPath).Msg("File already on disk, skipping download")
		return &Result{OutputPath: outputPath, Size: size, Skipped: true}, nil
	}

	session, err := NewSession(cfg.URL, size, cfg.ChunkSize)
	if err != nil {
		return nil, err
	}
	store := chunk.NewStore(cfg.DownloadsDir, session.ID)
	if err := prepareStore(store, session); err != nil {
		return nil, err
	}

	eng := New(session, store, f, endpoints, Options{
		Retry: RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.RetryDelay,
			MaxDelay:    cfg.MaxRetryDelay,
		},
		ProgressInterval: cfg.ProgressInterval,
	})
	if err := eng.Run(ctx); err != nil {
		return nil, err
	}

	ranges, err := store.List()
	if err != nil {
		return nil, err
	}
	if err := assembler.CheckCoverage(ranges, size); err != nil {
		return nil, err
	}
	log.Info().Msg("Combining...")
	written, err := assembler.Combine(store, outputPath)
	if err != nil {
		return nil, err
	}
	log.Info().Msgf("Saved: %s to %s", name, cfg.DownloadsDir)
	return &Result{OutputPath: outputPath, Size: written}, nil
}

// prepareStore discards chunks planned against a different content size or
// chunk size, then records the current plan.
func prepareStore(store *chunk.Store, s *Session) error {
	log := utils.GetLogger("download")
	if err := store.Ensure(); err != nil {
		return err
	}
	created := time.Now().UTC()
	m, err := store.ReadManifest()
	switch {
	case err == nil && m.Matches(s.ContentSize, s.ChunkSize):
		created = m.CreatedAt
	case err == nil:
		log.Warn().Int64("previousSize", m.ContentSize).Int64("previousChunkSize", m.ChunkSize).
			Msg("Saved chunks were planned for a different layout, discarding them")
		if err := store.Reset(); err != nil {
			return fmt.Errorf("error discarding stale chunks: %v", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		log.Warn().Err(err).Msg("Unreadable manifest, discarding saved chunks")
		if err := store.Reset(); err != nil {
			return fmt.Errorf("error discarding stale chunks: %v", err)
		}
	}
	return store.WriteManifest(chunk.Manifest{
		URL:         s.URL,
		ContentSize: s.ContentSize,
		ChunkSize:   s.ChunkSize,
		CreatedAt:   created,
	})
}

// CombineOnly assembles whatever valid chunks exist for the URL without
// touching the network. Gaps are reported as a warning, not an error.
func CombineOnly(cfg *config.Config) (*Result, error) {
	log := utils.GetLogger("combine")
	name, err := assembler.OutputName(cfg.URL)
	if err != nil {
		return nil, err
	}
	store := chunk.NewStore(cfg.DownloadsDir, utils.URLHash(cfg.URL))
	if m, err := store.ReadManifest(); err == nil {
		ranges, err := store.List()
		if err != nil {
			return nil, err
		}
		if err := assembler.CheckCoverage(ranges, m.ContentSize); err != nil {
			log.Warn().Err(err).Msg("Combining an incomplete download")
		}
	}
	log.Info().Msg("Combining...")
	outputPath := filepath.Join(cfg.DownloadsDir, name)
	written, err := assembler.Combine(store, outputPath)
	if err != nil {
		return nil, err
	}
	log.Info().Msgf("Saved: %s to %s", name, cfg.DownloadsDir)
	return &Result{OutputPath: outputPath, Size: written}, nil
}
