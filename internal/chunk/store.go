package chunk

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tanq16/torboost/internal/utils"
)

const partSuffix = ".part"

// Store is the on-disk scratch space of one download session. Each range owns
// exactly one file path, so concurrent workers never write the same file.
type Store struct {
	dir string
}

func NewStore(downloadsDir, sessionID string) *Store {
	return &Store{dir: filepath.Join(downloadsDir, sessionID)}
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) Ensure() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("error creating chunk directory: %v", err)
	}
	return nil
}

func (s *Store) Path(r ByteRange) string {
	return filepath.Join(s.dir, r.FileName())
}

// PartPath is where an in-progress download of r is streamed before it is
// promoted to Path(r). A part file never validates.
func (s *Store) PartPath(r ByteRange) string {
	return s.Path(r) + partSuffix
}

// Validate reports whether a complete chunk file exists for r.
func (s *Store) Validate(r ByteRange) bool {
	return ValidateFile(s.Path(r), r.Len())
}

func ValidateFile(path string, expected int64) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() == expected
}

func (s *Store) Remove(r ByteRange) error {
	err := os.Remove(s.Path(r))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Missing returns the ranges without a valid chunk file, in input order.
func (s *Store) Missing(ranges []ByteRange) []ByteRange {
	var missing []ByteRange
	for _, r := range ranges {
		if !s.Validate(r) {
			missing = append(missing, r)
		}
	}
	return missing
}

// List returns the ranges of all valid chunk files in ascending start order.
// Files whose size disagrees with their name are skipped.
func (s *Store) List() ([]ByteRange, error) {
	log := utils.GetLogger("chunk-store")
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("error reading chunk directory: %w", err)
	}
	var ranges []ByteRange
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), FileSuffix) {
			continue
		}
		r, err := ParseFileName(entry.Name())
		if err != nil {
			log.Debug().Str("file", entry.Name()).Msg("Ignoring file with malformed chunk name")
			continue
		}
		if !s.Validate(r) {
			log.Debug().Str("file", entry.Name()).Int64("expected", r.Len()).Msg("Ignoring incomplete chunk")
			continue
		}
		ranges = append(ranges, r)
	}
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].Start < ranges[j].Start
	})
	return ranges, nil
}

// Reset removes every chunk and part file, keeping the directory.
func (s *Store) Reset() error {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, FileSuffix) || strings.HasSuffix(name, FileSuffix+partSuffix)) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
