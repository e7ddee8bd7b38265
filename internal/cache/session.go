package cache

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"

	"github.com/Norgate-AV/linter-cache/internal/version"
)

// SessionEnv names the session file of a lookup in progress. Its presence
// means the process was started by the cache engine.
const SessionEnv = "LINTER_CACHE_SESSION"

const (
	sessionVersion = 1
	sessionFile    = "session.json"
	socketFile     = "engine.sock"
	resultFile     = "result"

	// missGreeting opens the callback's connection to the waiting lookup
	missGreeting = "miss"
)

// ErrSessionAborted is returned to the engine's compile call when the run
// ends without a result to store
var ErrSessionAborted = errors.New("lookup aborted, nothing to store")

// Session is what a lookup shares with the engine's calls back into the
// wrapper
type Session struct {
	Version     int    `json:"version"`
	ID          string `json:"id"`
	Socket      string `json:"socket"`
	Fingerprint string `json:"fingerprint"`
}

func writeSession(dir string, s *Session) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode session: %w", err)
	}

	path := filepath.Join(dir, sessionFile)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write session: %w", err)
	}

	return path, nil
}

// LoadSession reads the session file written by a lookup
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}

	if s.Version != sessionVersion {
		return nil, fmt.Errorf("session version %d not supported", s.Version)
	}

	return &s, nil
}

// Callback answers a call the cache engine makes while impersonating a
// compiler:
//
//	--version        the wrapper version, for compiler identification
//	-E ...           the fingerprint document, which the engine hashes
//	-o <obj> -c ...  a miss: the result of the waiting run is written to obj
func Callback(ctx context.Context, sessionPath string, argv []string, stdout io.Writer, logger log.Interface) error {
	s, err := LoadSession(sessionPath)
	if err != nil {
		return err
	}

	logger = logger.WithField("session", s.ID)

	var (
		preprocess bool
		object     string
	)

	for i := 0; i < len(argv); i++ {
		switch arg := argv[i]; {
		case arg == "--version":
			_, err := fmt.Fprintln(stdout, version.String())
			return err
		case arg == "-E":
			preprocess = true
		case arg == "-o" && i+1 < len(argv):
			i++
			object = argv[i]
		case strings.HasPrefix(arg, "-o") && len(arg) > 2:
			object = arg[2:]
		}
	}

	if preprocess {
		logger.Debug("engine requested fingerprint")

		_, err := io.WriteString(stdout, s.Fingerprint)
		return err
	}

	if object == "" {
		return fmt.Errorf("unexpected engine call: %s", strings.Join(argv, " "))
	}

	logger.WithField("object", object).Debug("engine reported a miss")

	result, err := awaitResult(ctx, s)
	if err != nil {
		return err
	}

	if err := os.WriteFile(object, result, 0o644); err != nil {
		return fmt.Errorf("failed to write object file: %w", err)
	}

	return nil
}

// awaitResult tells the waiting lookup about the miss and reads the result
// it eventually stores
func awaitResult(ctx context.Context, s *Session) ([]byte, error) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "unix", s.Socket)
	if err != nil {
		return nil, fmt.Errorf("failed to reach waiting run: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := fmt.Fprintf(conn, "%s %s\n", missGreeting, s.ID); err != nil {
		return nil, fmt.Errorf("failed to reach waiting run: %w", err)
	}

	result, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to receive result: %w", err)
	}

	if len(result) == 0 {
		return nil, ErrSessionAborted
	}

	return result, nil
}

// readGreeting checks that conn was opened by a callback of session id
func readGreeting(conn net.Conn, id string) error {
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to read callback greeting: %w", err)
	}

	if strings.TrimSpace(line) != missGreeting+" "+id {
		return fmt.Errorf("unexpected callback greeting %q", strings.TrimSpace(line))
	}

	return nil
}
