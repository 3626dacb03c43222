package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tanq16/torboost/internal/config"
	"github.com/tanq16/torboost/internal/engine"
	"github.com/tanq16/torboost/internal/output"
	"github.com/tanq16/torboost/internal/utils"
)

var (
	configPath string
	logCloser  io.Closer
)

var TorboostVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "torboost URL",
	Short:   "Download files from onion services using multiple Tor circuits",
	Version: TorboostVersion,
	Args:    cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd, args, true)
		defer closeLog()
		if cfg.Combine {
			runCombine(cfg)
			return
		}
		res, err := engine.Download(cmd.Context(), cfg)
		if err != nil {
			fatal(downloadFailure(err), err)
		}
		if res.Skipped {
			output.PrintInfo(fmt.Sprintf("%s is already complete", res.OutputPath))
			return
		}
		output.PrintSuccess(fmt.Sprintf("Saved %s (%s)", res.OutputPath, utils.FormatBytes(res.Size)))
	},
}

// Execute cancels the command context on SIGINT or SIGTERM so tor processes
// are stopped before exit.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default ./torboost.yaml if present)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debugging mode (verbose output)")
	rootCmd.PersistentFlags().String("log-file", "", "Also write logs to this file (rotated)")
	rootCmd.PersistentFlags().String("downloads-dir", "downloads", "Directory for chunks and combined files")
	rootCmd.PersistentFlags().String("workers-dir", "workers", "Directory for Tor data directories")

	rootCmd.Flags().IntP("tor-processes", "p", 5, "Number of Tor processes (one worker each)")
	rootCmd.Flags().Int("socks-port-start", 9080, "First port for SOCKS")
	rootCmd.Flags().Int("control-port-start", 10080, "First port for Tor control")
	rootCmd.Flags().Duration("timeout", 5*time.Minute, "Timeout for Tor circuit bootstrap")
	rootCmd.Flags().Int64("chunk-size", 50000000, "Size of a single download block (in bytes)")
	rootCmd.Flags().StringP("user-agent", "a", "", "User-Agent header (\"randomize\" picks one)")
	rootCmd.Flags().StringArrayP("header", "H", []string{}, "Custom headers (like 'Cookie: a=b'); can be specified multiple times")
	rootCmd.Flags().Bool("combine", false, "Combine all chunks downloaded so far and exit")
	rootCmd.Flags().Int("max-attempts", 0, "Attempts per chunk before giving up (0 retries forever)")
	rootCmd.Flags().Duration("retry-delay", 0, "Initial delay before retrying a failed chunk, doubled per attempt")
	rootCmd.Flags().Duration("max-retry-delay", time.Minute, "Upper bound for the retry delay")
	rootCmd.Flags().Duration("progress-interval", 10*time.Second, "Interval between progress lines (0 disables)")
	rootCmd.Flags().String("tor-binary", "tor", "Path to the tor executable")
	rootCmd.Flags().StringArray("proxy", []string{}, "Use an existing SOCKS5 proxy (host:port) instead of launching tor; can be specified multiple times")

	rootCmd.AddCommand(newCombineCmd())
	rootCmd.AddCommand(newCleanCmd())
}

// loadConfig exits the process on error, as every caller would.
func loadConfig(cmd *cobra.Command, args []string, validate bool) *config.Config {
	cfg, err := config.Load(cmd.Flags(), configPath)
	if err != nil {
		output.PrintError("Failed to load configuration")
		output.PrintDetail(err.Error())
		os.Exit(1)
	}
	if len(args) > 0 {
		cfg.URL = args[0]
	}
	logCloser = utils.InitLogger(utils.LogConfig{Debug: cfg.Debug, File: cfg.LogFile})
	if validate {
		if err := cfg.Validate(); err != nil {
			fatal("Invalid configuration", err)
		}
	}
	return cfg
}

func downloadFailure(err error) string {
	switch {
	case errors.Is(err, engine.ErrBootstrap):
		return "Tor circuits could not be bootstrapped"
	case errors.Is(err, engine.ErrMetadata):
		return "Could not determine the download size"
	case errors.Is(err, engine.ErrChunkFailed):
		return "Chunks failed after the maximum number of attempts"
	case errors.Is(err, context.Canceled):
		return "Download interrupted"
	default:
		return "Download failed"
	}
}

func fatal(msg string, err error) {
	log := utils.GetLogger("torboost")
	log.Debug().Err(err).Msg(msg)
	output.PrintError(msg)
	if err != nil {
		output.PrintDetail(err.Error())
	}
	closeLog()
	os.Exit(1)
}

func closeLog() {
	if logCloser != nil {
		logCloser.Close()
		logCloser = nil
	}
}
