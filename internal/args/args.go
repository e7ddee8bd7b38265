// Package args turns the wrapper's command line into an InvocationRequest.
//
// The wrapper is used in place of the analyzer, so its command line is the
// analyzer's command line plus a handful of wrapper-only options. Anything
// the wrapper does not recognise is forwarded verbatim and in order, which
// keeps the wrapper usable when the analyzer grows new flags.
package args

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// OptionPrefix introduces wrapper-only options, e.g. --linter-cache-o=stamp
	OptionPrefix = "--linter-cache-"

	// legacyOptionPrefix is the underscore spelling accepted for compatibility
	legacyOptionPrefix = "--linter-cache_"
)

// sourceExtensions identify the positional target among pass-through arguments
var sourceExtensions = map[string]bool{
	".c":   true,
	".cc":  true,
	".cp":  true,
	".cpp": true,
	".cxx": true,
	".c++": true,
	".C":   true,
	".m":   true,
	".mm":  true,
	".cu":  true,
}

// Request is the parsed invocation. It is built once by Parse and never
// modified afterwards.
type Request struct {
	// Target is the absolute path of the translation unit to analyze
	Target string

	// CompDBDir is the absolute path of the directory holding compile_commands.json
	CompDBDir string

	// ExtraArgs are appended to the resolved compiler flags (--extra-arg)
	ExtraArgs []string

	// ExtraArgsBefore are prepended to the resolved compiler flags (--extra-arg-before)
	ExtraArgsBefore []string

	// PassThrough holds every analyzer argument in its original order,
	// excluding the target and wrapper-only options
	PassThrough []string

	// OutputFile is the absolute path of the requested stamp file, if any
	OutputFile string

	// Quiet suppresses the replayed streams of a successful cache hit
	Quiet bool

	// CCachePath overrides the configured cache engine binary
	CCachePath string

	// AnalyzerPath overrides the configured analyzer binary
	AnalyzerPath string

	// Help is set when usage information was requested
	Help bool

	// ShowVersion is set when the wrapper version was requested
	ShowVersion bool
}

// HasOutput reports whether a stamp file was requested
func (r *Request) HasOutput() bool {
	return r.OutputFile != ""
}

// UsageError reports a command line that cannot be acted upon
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string {
	return "usage: " + e.Msg
}

func usageErrorf(format string, a ...any) *UsageError {
	return &UsageError{Msg: fmt.Sprintf(format, a...)}
}

// Parse parses argv (without the program name) into a Request
func Parse(argv []string) (*Request, error) {
	req := &Request{}

	for i := 0; i < len(argv); i++ {
		arg := argv[i]

		// value returns the argument following a flag that takes a separate value
		value := func() (string, error) {
			if i+1 >= len(argv) {
				return "", usageErrorf("option %s requires a value", arg)
			}

			i++
			return argv[i], nil
		}

		switch {
		case arg == "--":
			req.PassThrough = append(req.PassThrough, argv[i:]...)
			i = len(argv)

		case arg == "-h" || arg == "--help":
			req.Help = true
			return req, nil

		case arg == "--version" || arg == OptionPrefix+"version":
			req.ShowVersion = true
			return req, nil

		case arg == "-p" || arg == "--p":
			dir, err := value()
			if err != nil {
				return nil, err
			}

			req.CompDBDir = dir
			req.PassThrough = append(req.PassThrough, arg, dir)

		case strings.HasPrefix(arg, "-p=") || strings.HasPrefix(arg, "--p="):
			dir := arg[strings.Index(arg, "=")+1:]
			if dir == "" {
				return nil, usageErrorf("option %s requires a value", arg)
			}

			req.CompDBDir = dir
			req.PassThrough = append(req.PassThrough, arg)

		case arg == "--quiet":
			req.Quiet = true
			req.PassThrough = append(req.PassThrough, arg)

		case arg == "--extra-arg" || arg == "--extra-arg-before":
			extra, err := value()
			if err != nil {
				return nil, err
			}

			req.addExtra(arg, extra)
			req.PassThrough = append(req.PassThrough, arg, extra)

		case strings.HasPrefix(arg, "--extra-arg=") || strings.HasPrefix(arg, "--extra-arg-before="):
			name, extra, _ := strings.Cut(arg, "=")
			if extra == "" {
				return nil, usageErrorf("option %s requires a value", name)
			}

			req.addExtra(name, extra)
			req.PassThrough = append(req.PassThrough, arg)

		case arg == "-o":
			out, err := value()
			if err != nil {
				return nil, err
			}

			req.OutputFile = out

		case strings.HasPrefix(arg, "-o="):
			req.OutputFile = strings.TrimPrefix(arg, "-o=")
			if req.OutputFile == "" {
				return nil, usageErrorf("option -o requires a value")
			}

		case strings.HasPrefix(arg, OptionPrefix) || strings.HasPrefix(arg, legacyOptionPrefix):
			if err := req.parseOption(arg[len(OptionPrefix):]); err != nil {
				return nil, err
			}

		case !strings.HasPrefix(arg, "-") && IsSource(arg):
			if req.Target != "" {
				return nil, usageErrorf("only one target file may be given, got %s and %s", req.Target, arg)
			}

			req.Target = arg

		default:
			req.PassThrough = append(req.PassThrough, arg)
		}
	}

	if err := req.validate(); err != nil {
		return nil, err
	}

	return req, nil
}

func (r *Request) addExtra(name, extra string) {
	if name == "--extra-arg-before" {
		r.ExtraArgsBefore = append(r.ExtraArgsBefore, extra)
		return
	}

	r.ExtraArgs = append(r.ExtraArgs, extra)
}

// parseOption handles the part of a wrapper-only option after the prefix
func (r *Request) parseOption(opt string) error {
	name, val, ok := strings.Cut(opt, "=")
	if !ok || val == "" {
		return usageErrorf("option %s%s requires a value", OptionPrefix, name)
	}

	switch name {
	case "o":
		r.OutputFile = val
	case "ccache":
		r.CCachePath = val
	case "clang-tidy":
		r.AnalyzerPath = val
	default:
		return usageErrorf("unknown option %s%s", OptionPrefix, name)
	}

	return nil
}

func (r *Request) validate() error {
	if r.Target == "" {
		return usageErrorf("missing target source file")
	}

	if r.CompDBDir == "" {
		return usageErrorf("-p <build-path> is required")
	}

	target, err := filepath.Abs(r.Target)
	if err != nil {
		return usageErrorf("invalid target path %s: %v", r.Target, err)
	}

	r.Target = target

	dbDir, err := filepath.Abs(r.CompDBDir)
	if err != nil {
		return usageErrorf("invalid build path %s: %v", r.CompDBDir, err)
	}

	r.CompDBDir = dbDir

	if r.OutputFile != "" {
		out, err := filepath.Abs(r.OutputFile)
		if err != nil {
			return usageErrorf("invalid output file path %s: %v", r.OutputFile, err)
		}

		info, err := os.Stat(filepath.Dir(out))
		if err != nil || !info.IsDir() {
			return usageErrorf("output directory %s does not exist", filepath.Dir(out))
		}

		r.OutputFile = out
	}

	return nil
}

// IsSource reports whether path names a translation unit the analyzer accepts
func IsSource(path string) bool {
	ext := filepath.Ext(path)
	if sourceExtensions[ext] {
		return true
	}

	return sourceExtensions[strings.ToLower(ext)]
}

// Usage returns the help text printed for -h/--help
func Usage() string {
	return `linter-cache: run clang-tidy through ccache to accelerate analysis.

Use exactly as if running clang-tidy directly:

  linter-cache -p <build-path> [--quiet] [--extra-arg=<flag>...] [-o=<stamp>] <source>

Wrapper options (not forwarded to clang-tidy):
  -o=<path>, --linter-cache-o=<path>   capture and replay a stamp file
  --linter-cache-ccache=<path>         ccache executable to use
  --linter-cache-clang-tidy=<path>     clang-tidy executable to use
  --version, --linter-cache-version    print the wrapper version

Environment:
  CCACHE                       ccache executable (default: ccache)
  CLANG_TIDY                   clang-tidy executable (default: clang-tidy)
  LINTER_CACHE_DEBUG           enable debug logging to stderr
  LINTER_CACHE_LOGFILE         append debug logging to a file
  CCACHE_BASEDIR               make fingerprints relative to this directory
  LINTER_CACHE_BACKEND         ccache (default) or local

Subcommands:
  stats [--zero]               show (or reset) cache statistics
  clear                        remove all cached results
`
}
