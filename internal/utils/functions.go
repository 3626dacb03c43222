package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

func GetRandomUserAgent() string {
	return userAgents[time.Now().UnixNano()%int64(len(userAgents))]
}

func ParseHeaderArgs(headers []string) map[string]string {
	result := make(map[string]string)
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			result[key] = value
		}
	}
	return result
}

// URLHash is the session identifier of a download: the chunk store of a URL
// lives in a directory named after it, so re-runs find their earlier chunks.
func URLHash(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

func FormatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}

func FormatSpeed(bytes int64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "0 B/s"
	}
	bps := float64(bytes) / elapsed.Seconds()
	return humanize.IBytes(uint64(bps)) + "/s"
}

// CleanSession removes the chunk store of one session from downloadsDir.
func CleanSession(downloadsDir, sessionID string) error {
	if !sessionDirRegex.MatchString(sessionID) {
		return fmt.Errorf("%w: %s", ErrNotSessionDir, sessionID)
	}
	dir := filepath.Join(downloadsDir, sessionID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// CleanAll removes every chunk store under downloadsDir and the tor data
// directories under workersDir. Combined files are left alone.
func CleanAll(downloadsDir, workersDir string) (int, error) {
	removed := 0
	entries, err := os.ReadDir(downloadsDir)
	if err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	for _, entry := range entries {
		if !entry.IsDir() || !sessionDirRegex.MatchString(entry.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(downloadsDir, entry.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	if workersDir != "" {
		if err := os.RemoveAll(workersDir); err != nil {
			return removed, err
		}
	}
	return removed, nil
}
