package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Norgate-AV/linter-cache/internal/args"
	"github.com/Norgate-AV/linter-cache/internal/codes"
	"github.com/Norgate-AV/linter-cache/internal/config"
	"github.com/Norgate-AV/linter-cache/internal/envelope"
	"github.com/Norgate-AV/linter-cache/internal/lint"
	"github.com/Norgate-AV/linter-cache/internal/logging"
	"github.com/Norgate-AV/linter-cache/internal/version"
)

func runLint(cmd *cobra.Command, argv []string) error {
	req, err := args.Parse(argv)
	if err != nil {
		return &exitError{code: codes.Usage, err: err}
	}

	if req.Help {
		fmt.Fprint(cmd.OutOrStdout(), args.Usage())
		return nil
	}

	if req.ShowVersion {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
		return nil
	}

	cfg, err := config.NewLoader().LoadForRequest(req)
	if err != nil {
		return &exitError{code: codes.Usage, err: err}
	}

	logger, err := logging.New(cfg, cmd.ErrOrStderr())
	if err != nil {
		return &exitError{code: codes.Internal, err: err}
	}
	defer logger.Close()

	deps, err := lint.NewDeps(cfg, logger, envelope.Streams{
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
	})
	if err != nil {
		return &exitError{code: lint.ExitCode(err), err: err}
	}

	code, err := lint.Run(cmd.Context(), deps, req)
	if err != nil {
		return &exitError{code: code, err: lint.Describe(err)}
	}

	if code != codes.Success {
		return &exitError{code: code}
	}

	return nil
}
