package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/Norgate-AV/linter-cache/internal/args"
)

// envBindings maps configuration keys to the environment variables that set
// them, in order of precedence. The first name is the one documented for
// each key; the others are kept for compatibility.
var envBindings = map[string][]string{
	"ccache":       {"CCACHE"},
	"clang_tidy":   {"CLANG_TIDY"},
	"verbose":      {"LINTER_CACHE_DEBUG", "CACHE_TIDY_VERBOSE"},
	"log_file":     {"LINTER_CACHE_LOGFILE", "CACHE_TIDY_LOGFILE"},
	"log_format":   {"LINTER_CACHE_LOG_FORMAT"},
	"base_dir":     {"CCACHE_BASEDIR"},
	"backend":      {"LINTER_CACHE_BACKEND"},
	"cache_dir":    {"LINTER_CACHE_DIR"},
	"include_scan": {"LINTER_CACHE_INCLUDE_SCAN"},
	"output_flag":  {"LINTER_CACHE_OUTPUT_FLAG"},
	"dump_config":  {"LINTER_CACHE_DUMP_CONFIG"},
}

// Loader handles configuration loading from various sources
type Loader struct {
	v         *viper.Viper
	globalDir string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	globalDir := ""
	if dir, err := os.UserConfigDir(); err == nil {
		globalDir = filepath.Join(dir, "linter-cache")
	}

	return &Loader{
		v:         viper.New(),
		globalDir: globalDir,
	}
}

// LoadForRequest loads the configuration for one analyzer invocation.
// Precedence: command line overrides, environment, local config, global config, defaults.
func (l *Loader) LoadForRequest(req *args.Request) (*Config, error) {
	if err := l.prepare(filepath.Dir(req.Target)); err != nil {
		return nil, err
	}

	l.applyOverrides(req)

	return Load(l.v)
}

// LoadForDir loads the configuration that applies to files below dir
func (l *Loader) LoadForDir(dir string) (*Config, error) {
	if err := l.prepare(dir); err != nil {
		return nil, err
	}

	return Load(l.v)
}

func (l *Loader) prepare(dir string) error {
	l.setupViperDefaults()

	if err := l.bindEnv(); err != nil {
		return err
	}

	if err := l.loadGlobalConfig(); err != nil {
		return err
	}

	return l.loadLocalConfig(dir)
}

// setupViperDefaults sets up default values for viper
func (l *Loader) setupViperDefaults() {
	l.v.SetDefault("ccache", DefaultCCachePath)
	l.v.SetDefault("clang_tidy", DefaultAnalyzer)
	l.v.SetDefault("backend", DefaultBackend)
	l.v.SetDefault("include_scan", DefaultIncludeScan)
	l.v.SetDefault("log_format", DefaultLogFormat)
	l.v.SetDefault("config_files", DefaultConfigFiles)
	l.v.SetDefault("lock_timeout", DefaultLockTimeout)
	l.v.SetDefault("verbose", false)
	l.v.SetDefault("quiet", false)
}

// bindEnv binds configuration keys to their environment variables
func (l *Loader) bindEnv() error {
	for key, envs := range envBindings {
		if err := l.v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("failed to bind environment for %s: %w", key, err)
		}
	}

	return nil
}

// loadGlobalConfig loads the per-user configuration file
func (l *Loader) loadGlobalConfig() error {
	path := FindGlobalConfig(l.globalDir)
	if path == "" {
		return nil
	}

	l.v.SetConfigFile(path)
	if err := l.v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	return nil
}

// loadLocalConfig merges the nearest project configuration file on top of the global one
func (l *Loader) loadLocalConfig(dir string) error {
	if dir == "" {
		return nil
	}

	path := FindLocalConfig(dir)
	if path == "" {
		return nil
	}

	l.v.SetConfigFile(path)
	if err := l.v.MergeInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	return nil
}

// applyOverrides applies the wrapper-only command line options
func (l *Loader) applyOverrides(req *args.Request) {
	if req.CCachePath != "" {
		l.v.Set("ccache", req.CCachePath)
	}

	if req.AnalyzerPath != "" {
		l.v.Set("clang_tidy", req.AnalyzerPath)
	}

	if req.Quiet {
		l.v.Set("quiet", true)
	}
}
