package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tanq16/torboost/internal/utils"
)

const EnvPrefix = "TORBOOST"

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the validated input of one torboost invocation.
type Config struct {
	URL              string        `mapstructure:"url"`
	TorProcesses     int           `mapstructure:"tor_processes"`
	SocksPortStart   int           `mapstructure:"socks_port_start"`
	ControlPortStart int           `mapstructure:"control_port_start"`
	Timeout          time.Duration `mapstructure:"timeout"`
	ChunkSize        int64         `mapstructure:"chunk_size"`
	UserAgent        string        `mapstructure:"user_agent"`
	Headers          []string      `mapstructure:"headers"`
	Debug            bool          `mapstructure:"debug"`
	Combine          bool          `mapstructure:"combine"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay    time.Duration `mapstructure:"max_retry_delay"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	TorBinary        string        `mapstructure:"tor_binary"`
	Proxies          []string      `mapstructure:"proxies"`
	DownloadsDir     string        `mapstructure:"downloads_dir"`
	WorkersDir       string        `mapstructure:"workers_dir"`
	LogFile          string        `mapstructure:"log_file"`
}

// flag names whose config key is not the flag name with dashes replaced
var flagKeys = map[string]string{
	"header": "headers",
	"proxy":  "proxies",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("url", "")
	v.SetDefault("tor_processes", 5)
	v.SetDefault("socks_port_start", 9080)
	v.SetDefault("control_port_start", 10080)
	v.SetDefault("timeout", 5*time.Minute)
	v.SetDefault("chunk_size", 50000000)
	v.SetDefault("user_agent", "")
	v.SetDefault("headers", []string{})
	v.SetDefault("debug", false)
	v.SetDefault("combine", false)
	v.SetDefault("max_attempts", 0)
	v.SetDefault("retry_delay", time.Duration(0))
	v.SetDefault("max_retry_delay", time.Minute)
	v.SetDefault("progress_interval", 10*time.Second)
	v.SetDefault("tor_binary", "tor")
	v.SetDefault("proxies", []string{})
	v.SetDefault("downloads_dir", "downloads")
	v.SetDefault("workers_dir", "workers")
	v.SetDefault("log_file", "")
}

// Load merges, from lowest to highest priority, defaults, the YAML config
// file, TORBOOST_* environment variables and flags set on the command line.
// The result is not validated.
func Load(flags *pflag.FlagSet, configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("torboost")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/torboost")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || bindErr != nil {
				return
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				key = strings.ReplaceAll(f.Name, "-", "_")
			}
			bindErr = v.BindPFlag(key, f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// Circuits is the number of endpoints, and so workers, of a download.
func (c *Config) Circuits() int {
	if len(c.Proxies) > 0 {
		return len(c.Proxies)
	}
	return c.TorProcesses
}

func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: a download URL is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("%w: unparseable URL %q: %v", ErrInvalidConfig, c.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: URL scheme must be http or https, got %q", ErrInvalidConfig, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: URL %q has no host", ErrInvalidConfig, c.URL)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidConfig, c.ChunkSize)
	}
	if c.DownloadsDir == "" {
		return fmt.Errorf("%w: downloads directory is required", ErrInvalidConfig)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("%w: max attempts cannot be negative", ErrInvalidConfig)
	}
	if c.RetryDelay < 0 || c.MaxRetryDelay < 0 {
		return fmt.Errorf("%w: retry delays cannot be negative", ErrInvalidConfig)
	}
	if len(c.Proxies) > 0 {
		return nil
	}
	n := c.TorProcesses
	if n <= 0 {
		return fmt.Errorf("%w: number of tor processes must be positive, got %d", ErrInvalidConfig, n)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: bootstrap timeout must be positive, got %s", ErrInvalidConfig, c.Timeout)
	}
	if c.WorkersDir == "" {
		return fmt.Errorf("%w: workers directory is required", ErrInvalidConfig)
	}
	if err := validPortRange("socks", c.SocksPortStart, n); err != nil {
		return err
	}
	if err := validPortRange("control", c.ControlPortStart, n); err != nil {
		return err
	}
	if c.SocksPortStart < c.ControlPortStart+n && c.ControlPortStart < c.SocksPortStart+n {
		return fmt.Errorf("%w: socks ports %d-%d overlap control ports %d-%d", ErrInvalidConfig,
			c.SocksPortStart, c.SocksPortStart+n-1, c.ControlPortStart, c.ControlPortStart+n-1)
	}
	return nil
}

func validPortRange(name string, start, n int) error {
	if start < 1 || start+n-1 > 65535 {
		return fmt.Errorf("%w: %s ports %d-%d outside 1-65535", ErrInvalidConfig, name, start, start+n-1)
	}
	return nil
}

// HTTPClientConfig resolves the user agent and headers for range requests.
func (c *Config) HTTPClientConfig() utils.HTTPClientConfig {
	ua := c.UserAgent
	if ua == utils.RandomizeUserAgent {
		ua = utils.GetRandomUserAgent()
	}
	return utils.HTTPClientConfig{
		UserAgent: ua,
		Headers:   utils.ParseHeaderArgs(c.Headers),
	}
}
