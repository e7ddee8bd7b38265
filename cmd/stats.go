package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Norgate-AV/linter-cache/internal/cache"
	"github.com/Norgate-AV/linter-cache/internal/codes"
	"github.com/Norgate-AV/linter-cache/internal/config"
	"github.com/Norgate-AV/linter-cache/internal/lint"
	"github.com/Norgate-AV/linter-cache/internal/logging"
)

func newStatsCmd() *cobra.Command {
	var zero bool

	cmd := &cobra.Command{
		Use:          "stats",
		Short:        "Show cache statistics",
		Long:         `Show the hit and miss counters of the configured cache backend, or reset them with --zero.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, func(backend cache.Backend) error {
				if zero {
					if err := backend.ZeroStats(cmd.Context()); err != nil {
						return err
					}

					fmt.Fprintln(cmd.OutOrStdout(), "Statistics zeroed")
					return nil
				}

				stats, err := backend.Stats(cmd.Context())
				if err != nil {
					return err
				}

				printStats(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&zero, "zero", "z", false, "Reset the statistics instead of showing them")

	return cmd
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "clear",
		Short:        "Remove all cached results",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, func(backend cache.Backend) error {
				if err := backend.Clear(cmd.Context()); err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared")
				return nil
			})
		},
	}
}

// withBackend loads the configuration for the working directory and runs
// fn against the selected backend
func withBackend(cmd *cobra.Command, fn func(cache.Backend) error) error {
	dir, err := os.Getwd()
	if err != nil {
		return &exitError{code: codes.Internal, err: err}
	}

	cfg, err := config.NewLoader().LoadForDir(dir)
	if err != nil {
		return &exitError{code: codes.Usage, err: err}
	}

	logger, err := logging.New(cfg, cmd.ErrOrStderr())
	if err != nil {
		return &exitError{code: codes.Internal, err: err}
	}
	defer logger.Close()

	backend, err := cache.New(cfg, logger)
	if err != nil {
		return &exitError{code: codes.Usage, err: err}
	}

	if err := fn(backend); err != nil {
		return &exitError{code: lint.ExitCode(err), err: lint.Describe(err)}
	}

	return nil
}

func printStats(w io.Writer, s cache.Stats) {
	rate := 0.0
	if s.Cacheable > 0 {
		rate = float64(s.Hits) / float64(s.Cacheable) * 100
	}

	fmt.Fprintf(w, "Cacheable calls: %s\n", humanize.Comma(s.Cacheable))
	fmt.Fprintf(w, "  Hits:          %s (%.2f%%)\n", humanize.Comma(s.Hits), rate)
	fmt.Fprintf(w, "  Misses:        %s\n", humanize.Comma(s.Misses))
	fmt.Fprintf(w, "Entries:         %s\n", humanize.Comma(s.Entries))
	fmt.Fprintf(w, "Cache size:      %s\n", humanize.Bytes(uint64(s.Size)))
}
