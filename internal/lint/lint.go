// Package lint runs one analyzer invocation through the cache.
package lint

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/spf13/afero"

	"github.com/Norgate-AV/linter-cache/internal/analyzer"
	"github.com/Norgate-AV/linter-cache/internal/args"
	"github.com/Norgate-AV/linter-cache/internal/cache"
	"github.com/Norgate-AV/linter-cache/internal/codes"
	"github.com/Norgate-AV/linter-cache/internal/compdb"
	"github.com/Norgate-AV/linter-cache/internal/config"
	"github.com/Norgate-AV/linter-cache/internal/envelope"
	"github.com/Norgate-AV/linter-cache/internal/fingerprint"
)

// Deps are the collaborators of a run
type Deps struct {
	Config   *config.Config
	Log      log.Interface
	Streams  envelope.Streams
	Fs       afero.Fs
	Backend  cache.Backend
	Analyzer *analyzer.Runner
}

// NewDeps wires the backend and analyzer selected by cfg
func NewDeps(cfg *config.Config, logger log.Interface, streams envelope.Streams) (*Deps, error) {
	backend, err := cache.New(cfg, logger)
	if err != nil {
		return nil, err
	}

	return &Deps{
		Config:   cfg,
		Log:      logger,
		Streams:  streams,
		Fs:       afero.NewOsFs(),
		Backend:  backend,
		Analyzer: analyzer.NewRunner(cfg, logger),
	}, nil
}

// Run analyzes req, from the cache when possible, replays the result and
// returns the exit code to exit with. A non-nil error always comes with one
// of the reserved wrapper codes.
func Run(ctx context.Context, d *Deps, req *args.Request) (int, error) {
	logger := d.Log.WithField("target", req.Target)

	cctx, err := compdb.Resolve(d.Fs, req.CompDBDir, req.Target, req.ExtraArgsBefore, req.ExtraArgs)
	if err != nil {
		return fail(logger, err)
	}

	fp, err := fingerprint.NewBuilder(d.Fs, d.Config, d.Analyzer, d.Log).Build(ctx, req, cctx)
	if err != nil {
		return fail(logger, err)
	}

	env, decision, err := d.Backend.Lookup(ctx, fp)
	if err != nil {
		return fail(logger, err)
	}

	logger = logger.WithFields(log.Fields{
		"digest":   fp.Digest.String(),
		"decision": decision.String(),
	})

	opts := envelope.ReplayOptions{
		Quiet:      d.Config.Quiet,
		Hit:        decision == cache.Hit,
		OutputFile: req.OutputFile,
		Fs:         d.Fs,
	}

	if decision == cache.Hit {
		logger.Debug("replaying cached result")
		return replay(logger, d.Streams, env, opts)
	}

	env, err = d.Analyzer.Run(ctx, analyzer.Invocation{
		Target:      req.Target,
		PassThrough: req.PassThrough,
		OutputFile:  req.OutputFile,
	})
	if err != nil {
		if abortErr := d.Backend.Abort(); abortErr != nil {
			logger.WithError(abortErr).Warn("failed to abort lookup")
		}

		return fail(logger, err)
	}

	// The result is replayed even when it cannot be stored
	if err := d.Backend.Store(ctx, fp, env); err != nil {
		if _, replayErr := replay(logger, d.Streams, env, opts); replayErr != nil {
			logger.WithError(replayErr).Warn("failed to replay result")
		}

		return fail(logger, err)
	}

	logger.WithField("exit_code", env.ExitCode).Debug("stored analyzer result")

	return replay(logger, d.Streams, env, opts)
}

func replay(logger log.Interface, w envelope.Streams, env *envelope.Envelope, opts envelope.ReplayOptions) (int, error) {
	code, err := envelope.Replay(w, env, opts)
	if err != nil {
		return fail(logger, err)
	}

	return code, nil
}

func fail(logger log.Interface, err error) (int, error) {
	code := ExitCode(err)

	logger.WithError(err).WithFields(log.Fields{
		"exit_code": code,
		"reason":    codes.GetErrorMessage(code),
	}).Debug("run failed")

	return code, err
}

// ExitCode maps a run error to the exit code reported for it
func ExitCode(err error) int {
	var (
		usage       *args.UsageError
		input       *fingerprint.InputUnavailableError
		launch      *analyzer.LaunchError
		engineStart *cache.LaunchError
		engine      *cache.EngineError
		signaled    *analyzer.SignaledError
	)

	switch {
	case err == nil:
		return codes.Success
	case errors.As(err, &signaled):
		return signaled.Code
	case errors.As(err, &usage):
		return codes.Usage
	case errors.Is(err, compdb.ErrContextNotFound), errors.Is(err, compdb.ErrDatabaseUnreadable):
		return codes.ContextNotFound
	case errors.As(err, &input):
		return codes.InputUnavailable
	case errors.Is(err, analyzer.ErrOutputMissing):
		return codes.OutputMissing
	case errors.As(err, &launch), errors.As(err, &engineStart):
		return codes.LaunchFailure
	case errors.As(err, &engine):
		return codes.EngineFailure
	default:
		return codes.Internal
	}
}

// Describe prefixes err with the description of its exit code
func Describe(err error) error {
	return fmt.Errorf("%s: %w", codes.GetErrorMessage(ExitCode(err)), err)
}
