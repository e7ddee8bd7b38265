package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values
const (
	DefaultCCachePath  = "ccache"
	DefaultAnalyzer    = "clang-tidy"
	DefaultBackend     = BackendCCache
	DefaultIncludeScan = ScanDirectives
	DefaultLogFormat   = "logfmt"
	DefaultLockTimeout = 30 * time.Second
	DefaultCacheDir    = "linter-cache"
)

// Cache backends
const (
	BackendCCache = "ccache"
	BackendLocal  = "local"
)

// Include graph strategies
const (
	ScanDirectives = "scan"
	ScanCompiler   = "compiler"
)

// DefaultConfigFiles are the analyzer configuration file names looked up
// from the target's directory upwards
var DefaultConfigFiles = []string{".clang-tidy", "_clang-tidy"}

// Holds the configuration options for linter-cache
type Config struct {
	// Path to the cache engine (ccache)
	CCachePath string

	// Path to the analyzer (clang-tidy)
	AnalyzerPath string

	// Cache backend, "ccache" or "local"
	Backend string

	// Directory of the local backend's database
	CacheDir string

	// Relocation base directory; absolute paths below it are made relative
	BaseDir string

	// Enable debug logging
	Verbose bool

	// Append debug logging to this file instead of stderr
	LogFile string

	// Log record format: logfmt, json or text
	LogFormat string

	// How the include graph is resolved: "scan" or "compiler"
	IncludeScan string

	// Analyzer flag used to make it write the requested output file,
	// e.g. --export-fixes. Empty means the wrapper writes the stamp itself.
	OutputFlag string

	// Fold the analyzer's --dump-config output into the fingerprint
	DumpConfig bool

	// Analyzer configuration file names, nearest one wins
	ConfigFiles []string

	// Suppress replayed output of successful cache hits
	Quiet bool

	// How long to wait for the local backend's database lock
	LockTimeout time.Duration

	// Number of files digested in parallel
	Jobs int
}

func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		CCachePath:   v.GetString("ccache"),
		AnalyzerPath: v.GetString("clang_tidy"),
		Backend:      v.GetString("backend"),
		CacheDir:     v.GetString("cache_dir"),
		BaseDir:      v.GetString("base_dir"),
		Verbose:      v.GetBool("verbose"),
		LogFile:      v.GetString("log_file"),
		LogFormat:    v.GetString("log_format"),
		IncludeScan:  v.GetString("include_scan"),
		OutputFlag:   v.GetString("output_flag"),
		DumpConfig:   v.GetBool("dump_config"),
		ConfigFiles:  v.GetStringSlice("config_files"),
		Quiet:        v.GetBool("quiet"),
		LockTimeout:  v.GetDuration("lock_timeout"),
		Jobs:         v.GetInt("jobs"),
	}

	// Apply defaults if not set
	if cfg.CCachePath == "" {
		cfg.CCachePath = DefaultCCachePath
	}

	if cfg.AnalyzerPath == "" {
		cfg.AnalyzerPath = DefaultAnalyzer
	}

	if cfg.Backend == "" {
		cfg.Backend = DefaultBackend
	}

	if cfg.IncludeScan == "" {
		cfg.IncludeScan = DefaultIncludeScan
	}

	if cfg.LogFormat == "" {
		cfg.LogFormat = DefaultLogFormat
	}

	if len(cfg.ConfigFiles) == 0 {
		cfg.ConfigFiles = slices.Clone(DefaultConfigFiles)
	}

	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}

	if cfg.Jobs <= 0 {
		cfg.Jobs = runtime.NumCPU()
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendCCache, BackendLocal:
	default:
		return fmt.Errorf("invalid cache backend: %s", c.Backend)
	}

	switch c.IncludeScan {
	case ScanDirectives, ScanCompiler:
	default:
		return fmt.Errorf("invalid include scan mode: %s", c.IncludeScan)
	}

	switch c.LogFormat {
	case "logfmt", "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}

	// A log file implies verbose logging
	if c.LogFile != "" {
		abs, err := filepath.Abs(c.LogFile)
		if err != nil {
			return fmt.Errorf("invalid log file path: %v", err)
		}

		c.LogFile = abs
		c.Verbose = true
	}

	if c.BaseDir != "" {
		abs, err := filepath.Abs(c.BaseDir)
		if err != nil {
			return fmt.Errorf("invalid base directory: %v", err)
		}

		c.BaseDir = abs
	}

	if c.CacheDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("cannot determine cache directory: %v", err)
		}

		c.CacheDir = filepath.Join(dir, DefaultCacheDir)
	}

	abs, err := filepath.Abs(c.CacheDir)
	if err != nil {
		return fmt.Errorf("invalid cache directory: %v", err)
	}

	c.CacheDir = abs

	return nil
}
