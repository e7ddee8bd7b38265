package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Norgate-AV/linter-cache/internal/cache"
	"github.com/Norgate-AV/linter-cache/internal/codes"
	"github.com/Norgate-AV/linter-cache/internal/config"
	"github.com/Norgate-AV/linter-cache/internal/logging"
)

// exitError carries a process exit code out of a command. err is nil when
// the code is the analyzer's own and there is nothing to report.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}

	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// NewRootCmd builds the command tree. The root command is the analyzer
// stand-in, so it leaves its arguments to args.Parse.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:                "linter-cache [clang-tidy options] <source>",
		Short:              "Cache clang-tidy results with ccache",
		Long:               `Run clang-tidy through ccache so unchanged translation units are not analyzed twice.`,
		RunE:               runLint,
		SilenceUsage:       true,
		SilenceErrors:      true,
		DisableFlagParsing: true,
		Args:               cobra.ArbitraryArgs,
	}

	root.AddCommand(newStatsCmd(), newClearCmd())

	return root
}

// Execute runs the process and exits with the resulting code
func Execute() {
	// ccache calling back into the wrapper as the compiler
	if session := os.Getenv(cache.SessionEnv); session != "" {
		os.Exit(runCallback(session, os.Args[1:], os.Stdout, os.Stderr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()

	os.Exit(code)
}

func execute(ctx context.Context, argv []string, stdout, stderr io.Writer) int {
	// cobra falls back to os.Args when given nil
	if argv == nil {
		argv = []string{}
	}

	root := NewRootCmd()
	root.SetArgs(argv)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return codes.Success
	}

	var exit *exitError
	if !errors.As(err, &exit) {
		fmt.Fprintf(stderr, "linter-cache: %v\n", err)
		return codes.Usage
	}

	if exit.err != nil {
		fmt.Fprintf(stderr, "linter-cache: %v\n", exit.err)
	}

	return exit.code
}

// runCallback serves ccache calling back into the wrapper. ccache hashes
// what the preprocessor step writes to stderr, so debug records only ever go
// to the log file here.
func runCallback(session string, argv []string, stdout, stderr io.Writer) int {
	logger := logging.Discard()

	// The callback has no target to find a local config from, so only the
	// global configuration and environment apply
	if cfg, err := config.NewLoader().LoadForDir(""); err == nil {
		if l, err := logging.New(cfg, io.Discard); err == nil {
			defer l.Close()
			logger = l
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cache.Callback(ctx, session, argv, stdout, logger); err != nil {
		logger.WithError(err).Debug("engine callback failed")
		fmt.Fprintf(stderr, "linter-cache: %v\n", err)
		return 1
	}

	return 0
}
