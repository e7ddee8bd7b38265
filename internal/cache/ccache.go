package cache

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/Norgate-AV/linter-cache/internal/config"
	"github.com/Norgate-AV/linter-cache/internal/envelope"
	"github.com/Norgate-AV/linter-cache/internal/fingerprint"
)

// CCache drives ccache through its compiler interface. ccache runs the
// wrapper back as the "compiler": the fingerprint document stands in for
// preprocessor output and the encoded envelope for the object file.
type CCache struct {
	engine   []string
	self     string
	baseDir  string
	analyzer string
	log      log.Interface

	// extraEnv is appended to the engine's environment
	extraEnv []string

	pending *pendingLookup
}

// pendingLookup is a miss waiting for Store or Abort while ccache waits
// for its compiler call to finish
type pendingLookup struct {
	dir    string
	conn   net.Conn
	exited <-chan error
	stderr *bytes.Buffer
}

// NewCCache creates the ccache backend
func NewCCache(cfg *config.Config, logger log.Interface) (*CCache, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("cannot locate own executable: %w", err)
	}

	return &CCache{
		engine:   []string{cfg.CCachePath},
		self:     self,
		baseDir:  cfg.BaseDir,
		analyzer: cfg.AnalyzerPath,
		log:      logger,
	}, nil
}

// environ is the environment ccache runs with. It forces preprocessor mode
// so ccache always asks for the fingerprint, and makes a change of the
// analyzer binary invalidate results.
func (c *CCache) environ(sessionPath string) []string {
	env := os.Environ()
	env = append(env,
		SessionEnv+"="+sessionPath,
		"CCACHE_NODEPEND=1",
		"CCACHE_NODIRECT=1",
		"CCACHE_COMPILERTYPE=clang",
	)

	if c.baseDir != "" {
		env = append(env, "CCACHE_BASEDIR="+c.baseDir)
	}

	if path, err := exec.LookPath(c.analyzer); err == nil {
		if abs, err := filepath.Abs(path); err == nil {
			extra := os.Getenv("CCACHE_EXTRAFILES")
			if extra != "" {
				extra += string(os.PathListSeparator)
			}

			env = append(env, "CCACHE_EXTRAFILES="+extra+abs)
		}
	}

	return append(env, c.extraEnv...)
}

// Lookup asks ccache for the result of fp. On a miss the ccache process is
// left running until Store or Abort.
func (c *CCache) Lookup(ctx context.Context, fp *fingerprint.Fingerprint) (*envelope.Envelope, Decision, error) {
	if c.pending != nil {
		return nil, Miss, errors.New("lookup already in progress")
	}

	dir, err := os.MkdirTemp("", "linter-cache-")
	if err != nil {
		return nil, Miss, fmt.Errorf("failed to create session directory: %w", err)
	}

	pending := false
	defer func() {
		if !pending {
			os.RemoveAll(dir)
		}
	}()

	session := &Session{
		Version:     sessionVersion,
		ID:          uuid.NewString(),
		Socket:      filepath.Join(dir, socketFile),
		Fingerprint: fp.Text,
	}

	ln, err := net.Listen("unix", session.Socket)
	if err != nil {
		return nil, Miss, fmt.Errorf("failed to listen for engine callback: %w", err)
	}
	defer ln.Close()

	sessionPath, err := writeSession(dir, session)
	if err != nil {
		return nil, Miss, err
	}

	result := filepath.Join(dir, resultFile)
	args := append(slices.Clone(c.engine[1:]), c.self, "-o", result, "-c", fp.Inputs.Source.Path)

	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, c.engine[0], args...)
	cmd.Env = c.environ(sessionPath)
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr

	logger := c.log.WithFields(log.Fields{
		"session": session.ID,
		"digest":  fp.Digest.String(),
	})

	logger.WithField("args", strings.Join(args, " ")).Debug("starting ccache lookup")

	if err := cmd.Start(); err != nil {
		return nil, Miss, &LaunchError{Path: c.engine[0], Err: err}
	}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	type accepted struct {
		conn net.Conn
		err  error
	}

	connected := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		connected <- accepted{conn, err}
	}()

	select {
	case err := <-exited:
		if ctx.Err() != nil {
			return nil, Miss, ctx.Err()
		}

		if err != nil {
			return nil, Miss, engineError("lookup", err, &stderr)
		}

		data, err := os.ReadFile(result)
		if err != nil {
			return nil, Miss, &EngineError{Op: "lookup", Err: fmt.Errorf("no result: %w", err)}
		}

		env, err := envelope.Decode(data)
		if err != nil {
			return nil, Miss, &EngineError{Op: "lookup", Err: err}
		}

		logger.Debug("ccache hit")

		return env, Hit, nil

	case a := <-connected:
		if a.err != nil {
			<-exited
			return nil, Miss, fmt.Errorf("failed to accept engine callback: %w", a.err)
		}

		if err := readGreeting(a.conn, session.ID); err != nil {
			a.conn.Close()
			<-exited
			return nil, Miss, &EngineError{Op: "lookup", Err: err}
		}

		c.pending = &pendingLookup{
			dir:    dir,
			conn:   a.conn,
			exited: exited,
			stderr: &stderr,
		}
		pending = true

		logger.Debug("ccache miss")

		return nil, Miss, nil
	}
}

// Store hands env to the waiting compiler call and lets ccache save it
func (c *CCache) Store(_ context.Context, fp *fingerprint.Fingerprint, env *envelope.Envelope) error {
	p := c.pending
	if p == nil {
		return errors.New("store without a pending miss")
	}

	c.pending = nil
	defer os.RemoveAll(p.dir)

	data, err := envelope.Encode(env)
	if err != nil {
		p.conn.Close()
		<-p.exited
		return err
	}

	_, writeErr := p.conn.Write(data)
	p.conn.Close()

	if err := <-p.exited; err != nil {
		return engineError("store", err, p.stderr)
	}

	if writeErr != nil {
		return &EngineError{Op: "store", Err: writeErr}
	}

	c.log.WithField("digest", fp.Digest.String()).Debug("ccache store")

	return nil
}

// Abort releases a pending miss without storing anything. ccache counts the
// failed compiler call and keeps no result.
func (c *CCache) Abort() error {
	p := c.pending
	if p == nil {
		return nil
	}

	c.pending = nil
	defer os.RemoveAll(p.dir)

	p.conn.Close()
	<-p.exited

	c.log.Debug("ccache lookup aborted")

	return nil
}

// Stats reads ccache's machine readable statistics
func (c *CCache) Stats(ctx context.Context) (Stats, error) {
	out, err := c.run(ctx, "stats", "--print-stats")
	if err != nil {
		return Stats{}, err
	}

	return parseStats(out), nil
}

// ZeroStats resets ccache's statistics
func (c *CCache) ZeroStats(ctx context.Context) error {
	_, err := c.run(ctx, "zero stats", "--zero-stats")
	return err
}

// Clear removes every object from the ccache store
func (c *CCache) Clear(ctx context.Context) error {
	_, err := c.run(ctx, "clear", "--clear")
	return err
}

func (c *CCache) run(ctx context.Context, op string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, c.engine[0], append(slices.Clone(c.engine[1:]), args...)...)
	cmd.Env = append(os.Environ(), c.extraEnv...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", &LaunchError{Path: c.engine[0], Err: err}
	}

	if err := cmd.Wait(); err != nil {
		return "", engineError(op, err, &stderr)
	}

	return stdout.String(), nil
}

func engineError(op string, err error, output *bytes.Buffer) *EngineError {
	return &EngineError{Op: op, Err: err, Stderr: strings.TrimSpace(output.String())}
}

// parseStats reads "name<TAB>value" lines as printed by ccache --print-stats
func parseStats(out string) Stats {
	counters := map[string]int64{}

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}

		if n, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
			counters[fields[0]] = n
		}
	}

	s := Stats{
		Hits:    counters["direct_cache_hit"] + counters["preprocessed_cache_hit"],
		Misses:  counters["cache_miss"],
		Entries: counters["files_in_cache"],
		Size:    counters["cache_size_kibibyte"] * 1024,
	}
	s.Cacheable = s.Hits + s.Misses

	return s
}
