package circuit

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanq16/torboost/internal/utils"
)

const (
	WorkerPrefix    = "torboost-"
	bootstrapMarker = "Bootstrapped "
)

var bootstrapRegex = regexp.MustCompile(`Bootstrapped (\d+)%`)

type TorConfig struct {
	Binary           string
	WorkersDir       string
	SocksPortStart   int
	ControlPortStart int
	Timeout          time.Duration
}

// TorProvider runs one tor process per circuit, each with its own SOCKS port,
// control port and data directory.
type TorProvider struct {
	cfg   TorConfig
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

func NewTorProvider(cfg TorConfig) *TorProvider {
	if cfg.Binary == "" {
		cfg.Binary = "tor"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &TorProvider{cfg: cfg, procs: make(map[int]*exec.Cmd)}
}

// BootstrapProgress extracts the percentage from a tor "Bootstrapped" notice.
func BootstrapProgress(line string) (int, bool) {
	m := bootstrapRegex.FindStringSubmatch(line)
	if len(m) < 2 {
		return 0, false
	}
	pct, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return pct, true
}

func (p *TorProvider) Start(ctx context.Context, index int) (Endpoint, error) {
	log := utils.GetLogger("tor").With().Int("circuit", index).Logger()
	dataDir := filepath.Join(p.cfg.WorkersDir, WorkerPrefix+strconv.Itoa(index))
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return Endpoint{}, fmt.Errorf("error creating tor data directory: %v", err)
	}
	ep := Endpoint{
		ID:          index,
		Scheme:      SchemeSOCKS5,
		Host:        "127.0.0.1",
		Port:        p.cfg.SocksPortStart + index,
		ControlPort: p.cfg.ControlPortStart + index,
		DataDir:     dataDir,
	}
	cmd := exec.Command(p.cfg.Binary,
		"--SocksPort", strconv.Itoa(ep.Port),
		"--ControlPort", strconv.Itoa(ep.ControlPort),
		"--DataDirectory", dataDir,
		// tor exits on its own if torboost dies without cleaning up
		"--__OwningControllerProcess", strconv.Itoa(os.Getpid()),
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Endpoint{}, fmt.Errorf("error creating stdout pipe: %v", err)
	}
	log.Info().Msgf("Bootstrapping tor process %d", index)
	log.Debug().Str("command", cmd.String()).Msg("Starting tor")
	if err := cmd.Start(); err != nil {
		return Endpoint{}, fmt.Errorf("error starting tor: %v", err)
	}
	p.mu.Lock()
	p.procs[index] = cmd
	p.mu.Unlock()

	ready := make(chan error, 1)
	go watchBootstrap(log, cmd, stdout, ready)

	timer := time.NewTimer(p.cfg.Timeout)
	defer timer.Stop()
	select {
	case err := <-ready:
		if err != nil {
			p.stop(index)
			return Endpoint{}, err
		}
		return ep, nil
	case <-timer.C:
		p.stop(index)
		return Endpoint{}, fmt.Errorf("%w after %s", ErrBootstrapTimeout, p.cfg.Timeout)
	case <-ctx.Done():
		p.stop(index)
		return Endpoint{}, ctx.Err()
	}
}

// watchBootstrap keeps draining tor's stdout for the life of the process so
// tor never blocks on a full pipe. ready receives exactly one value.
func watchBootstrap(log zerolog.Logger, cmd *exec.Cmd, stdout io.Reader, ready chan<- error) {
	signalled := false
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.Contains(line, bootstrapMarker) {
			log.Debug().Str("line", line).Msg("tor output")
			continue
		}
		log.Info().Msg(line)
		if pct, ok := BootstrapProgress(line); ok && pct == 100 && !signalled {
			ready <- nil
			signalled = true
		}
	}
	err := cmd.Wait()
	if !signalled {
		ready <- fmt.Errorf("%w: %v", ErrProcessExited, err)
		return
	}
	log.Debug().Err(err).Msg("Tor process exited")
}

func (p *TorProvider) stop(index int) error {
	p.mu.Lock()
	cmd, ok := p.procs[index]
	delete(p.procs, index)
	p.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Close kills every tor process this provider started.
func (p *TorProvider) Close() error {
	p.mu.Lock()
	indexes := make([]int, 0, len(p.procs))
	for i := range p.procs {
		indexes = append(indexes, i)
	}
	p.mu.Unlock()
	var errs []error
	for _, i := range indexes {
		if err := p.stop(i); err != nil {
			errs = append(errs, fmt.Errorf("circuit %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
