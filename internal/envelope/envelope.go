// Package envelope holds the captured outcome of one analyzer run and
// replays it.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"
)

// FormatVersion is bumped whenever the encoded layout changes
const FormatVersion = 1

// ErrFormatVersion is returned when decoding an envelope written by an
// incompatible version
var ErrFormatVersion = errors.New("unsupported envelope format version")

// Envelope is the unit stored in and replayed from the cache. []byte fields
// are base64 encoded by encoding/json.
type Envelope struct {
	Version  int    `json:"version"`
	Stdout   []byte `json:"stdout"`
	Stderr   []byte `json:"stderr"`
	ExitCode int    `json:"exit_code"`

	// HasOutput tells an empty output file apart from no output file
	HasOutput bool   `json:"has_output"`
	Output    []byte `json:"output,omitempty"`
}

// New creates an envelope at the current format version
func New(stdout, stderr []byte, exitCode int) *Envelope {
	return &Envelope{
		Version:  FormatVersion,
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
	}
}

// SetOutput attaches the bytes of the output file
func (e *Envelope) SetOutput(data []byte) {
	if data == nil {
		data = []byte{}
	}

	e.HasOutput = true
	e.Output = data
}

// Encode serializes the envelope
func Encode(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	return data, nil
}

// Decode parses an envelope produced by Encode
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	if e.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrFormatVersion, e.Version)
	}

	return &e, nil
}

// Streams are the writers a replay emits to
type Streams struct {
	Stdout io.Writer
	Stderr io.Writer
}

// ReplayOptions control how an envelope is emitted
type ReplayOptions struct {
	// Quiet suppresses the streams of a successful cache hit
	Quiet bool

	// Hit is set when the envelope came from the cache
	Hit bool

	// OutputFile is where the captured output file is restored, if requested
	OutputFile string

	// Fs is used to restore the output file; the OS filesystem when nil
	Fs afero.Fs
}

// Suppressed reports whether the streams of e are hidden under opts.
// A non-zero exit code is never hidden.
func (opts ReplayOptions) Suppressed(e *Envelope) bool {
	return opts.Quiet && opts.Hit && e.ExitCode == 0
}

// Replay restores the output file, writes stdout and stderr, and returns
// the exit code to exit with
func Replay(w Streams, e *Envelope, opts ReplayOptions) (int, error) {
	if opts.OutputFile != "" && e.HasOutput {
		fs := opts.Fs
		if fs == nil {
			fs = afero.NewOsFs()
		}

		if err := writeAtomic(fs, opts.OutputFile, e.Output); err != nil {
			return e.ExitCode, err
		}
	}

	if opts.Suppressed(e) {
		return e.ExitCode, nil
	}

	if _, err := w.Stdout.Write(e.Stdout); err != nil {
		return e.ExitCode, fmt.Errorf("failed to write stdout: %w", err)
	}

	if _, err := w.Stderr.Write(e.Stderr); err != nil {
		return e.ExitCode, fmt.Errorf("failed to write stderr: %w", err)
	}

	return e.ExitCode, nil
}

// writeAtomic writes data next to path and renames it into place, so a
// concurrent reader never sees a partial file
func writeAtomic(fs afero.Fs, path string, data []byte) error {
	tmp, err := afero.TempFile(fs, filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	name := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		fs.Remove(name)
		return fmt.Errorf("failed to write output file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		fs.Remove(name)
		return fmt.Errorf("failed to write output file: %w", err)
	}

	if err := fs.Chmod(name, 0o644); err != nil {
		fs.Remove(name)
		return fmt.Errorf("failed to write output file: %w", err)
	}

	if err := fs.Rename(name, path); err != nil {
		fs.Remove(name)
		return fmt.Errorf("failed to restore output file: %w", err)
	}

	return nil
}
