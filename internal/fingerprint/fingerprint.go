// Package fingerprint collects every input that can change the analyzer's
// output and renders them into a deterministic document whose hash is the
// cache key.
package fingerprint

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/Norgate-AV/linter-cache/internal/args"
	"github.com/Norgate-AV/linter-cache/internal/compdb"
	"github.com/Norgate-AV/linter-cache/internal/config"
)

// header is the first line of every fingerprint document. Bump it when the
// document layout changes so old cache entries stop matching.
const header = "linter-cache fingerprint v1"

// InputUnavailableError reports a file that belongs to the fingerprint but
// cannot be read. Skipping it would narrow the key and cause false hits.
type InputUnavailableError struct {
	Path string
	Err  error
}

func (e *InputUnavailableError) Error() string {
	return fmt.Sprintf("input %s unavailable: %v", e.Path, e.Err)
}

func (e *InputUnavailableError) Unwrap() error {
	return e.Err
}

// Analyzer is what the builder needs to know about the analyzer binary
type Analyzer interface {
	Version(ctx context.Context) (string, error)
	DumpConfig(ctx context.Context, target string, passThrough []string) (string, error)
}

// File is a content input of the fingerprint
type File struct {
	Path   string
	Digest digest.Digest
}

// Inputs is the ordered, deduplicated set of values that make up the key
type Inputs struct {
	Analyzer   string
	Compiler   string
	Directory  string
	Source     File
	Includes   []File
	Configs    []File
	ConfigDump digest.Digest
	Flags      []string
	Args       []string
	Output     bool
}

// Fingerprint is the encoded form of Inputs
type Fingerprint struct {
	Inputs *Inputs

	// Text is the document handed to the cache engine as preprocessor output
	Text string

	// Digest is the sha256 of Text
	Digest digest.Digest
}

// Builder derives fingerprints. It is safe to reuse for several targets.
type Builder struct {
	fs       afero.Fs
	cfg      *config.Config
	analyzer Analyzer
	log      log.Interface

	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewBuilder creates a fingerprint builder reading files through fs
func NewBuilder(fs afero.Fs, cfg *config.Config, analyzer Analyzer, logger log.Interface) *Builder {
	return &Builder{
		fs:          fs,
		cfg:         cfg,
		analyzer:    analyzer,
		log:         logger,
		execCommand: exec.CommandContext,
	}
}

// Build collects the inputs for req as compiled by cctx and encodes them
func (b *Builder) Build(ctx context.Context, req *args.Request, cctx *compdb.Context) (*Fingerprint, error) {
	version, err := b.analyzer.Version(ctx)
	if err != nil {
		return nil, err
	}

	headers, err := b.includeGraph(ctx, cctx)
	if err != nil {
		return nil, err
	}

	configs, err := b.toolConfigs(req)
	if err != nil {
		return nil, err
	}

	// The target goes first so its digest can be split off below
	files := append([]string{cctx.File}, configs...)
	files = append(files, headers...)

	digests, err := b.digestAll(ctx, files)
	if err != nil {
		return nil, err
	}

	in := &Inputs{
		Analyzer:  version,
		Compiler:  cctx.Compiler(),
		Directory: cctx.Directory,
		Source:    File{Path: cctx.File, Digest: digests[0]},
		Flags:     NormalizeFlags(cctx.Args[1:], cctx.Directory, cctx.File),
		Args:      slices.Clone(req.PassThrough),
		Output:    req.HasOutput(),
	}

	for i, path := range configs {
		in.Configs = append(in.Configs, File{Path: path, Digest: digests[1+i]})
	}

	for i, path := range headers {
		in.Includes = append(in.Includes, File{Path: path, Digest: digests[1+len(configs)+i]})
	}

	if b.cfg.DumpConfig {
		dump, err := b.analyzer.DumpConfig(ctx, cctx.File, req.PassThrough)
		if err != nil {
			return nil, err
		}

		in.ConfigDump = digest.FromString(dump)
	}

	text := in.Encode(b.cfg.BaseDir)

	fp := &Fingerprint{
		Inputs: in,
		Text:   text,
		Digest: digest.FromString(text),
	}

	b.log.WithFields(log.Fields{
		"target":   cctx.File,
		"includes": len(in.Includes),
		"configs":  len(in.Configs),
		"flags":    len(in.Flags),
		"digest":   fp.Digest.String(),
	}).Debug("fingerprint built")

	return fp, nil
}

// digestAll hashes the content of every path, in parallel, keeping order
func (b *Builder) digestAll(ctx context.Context, paths []string) ([]digest.Digest, error) {
	digests := make([]digest.Digest, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(b.cfg.Jobs, 1))

	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			d, err := b.digestFile(path)
			if err != nil {
				return err
			}

			digests[i] = d
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return digests, nil
}

func (b *Builder) digestFile(path string) (digest.Digest, error) {
	f, err := b.fs.Open(path)
	if err != nil {
		return "", &InputUnavailableError{Path: path, Err: err}
	}
	defer f.Close()

	d, err := digest.Canonical.FromReader(f)
	if err != nil {
		return "", &InputUnavailableError{Path: path, Err: err}
	}

	return d, nil
}

// Encode renders the inputs as the fingerprint document. Absolute paths
// under base are written relative to it when base is not empty.
func (in *Inputs) Encode(base string) string {
	var sb strings.Builder

	line := func(kind string, fields ...string) {
		sb.WriteString(kind)
		for _, f := range fields {
			sb.WriteByte(' ')
			sb.WriteString(f)
		}
		sb.WriteByte('\n')
	}

	rel := func(s string) string {
		return quote(Relocate(base, s))
	}

	line(header)
	line("analyzer", quote(in.Analyzer))
	line("compiler", rel(in.Compiler))
	line("directory", rel(in.Directory))
	line("source", rel(in.Source.Path), in.Source.Digest.String())

	includes := slices.Clone(in.Includes)
	sort.SliceStable(includes, func(i, j int) bool {
		return Relocate(base, includes[i].Path) < Relocate(base, includes[j].Path)
	})

	for _, f := range includes {
		line("include", rel(f.Path), f.Digest.String())
	}

	if len(in.Configs) == 0 {
		line("config", "none")
	}

	for _, f := range in.Configs {
		line("config", rel(f.Path), f.Digest.String())
	}

	if in.ConfigDump != "" {
		line("config-dump", in.ConfigDump.String())
	}

	// Flag units are quoted token by token already
	for _, f := range in.Flags {
		line("flag", Relocate(base, f))
	}

	for _, a := range in.Args {
		line("arg", rel(a))
	}

	if in.Output {
		line("output", "requested")
	} else {
		line("output", "none")
	}

	return sb.String()
}

// quote keeps one record per line whatever the value contains
func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\r\n\"\\") {
		return strconv.Quote(s)
	}

	return s
}

// Relocate rewrites absolute paths below base inside s as relative ones.
// base itself becomes ".". An empty base leaves s untouched.
func Relocate(base, s string) string {
	if base == "" {
		return s
	}

	base = filepath.Clean(base)

	var sb strings.Builder

	for {
		i := indexPath(s, base)
		if i < 0 {
			sb.WriteString(s)
			return sb.String()
		}

		sb.WriteString(s[:i])
		rest := s[i+len(base):]

		switch {
		case rest != "" && isSeparator(rest[0]):
			rest = rest[1:]
			if rest == "" || isDelimiter(rest[0]) {
				sb.WriteByte('.')
			}
		default:
			sb.WriteByte('.')
		}

		s = rest
	}
}

// indexPath finds the first occurrence of base in s that starts a path
// component and ends one
func indexPath(s, base string) int {
	offset := 0

	for {
		i := strings.Index(s[offset:], base)
		if i < 0 {
			return -1
		}

		i += offset
		end := i + len(base)

		if startsPath(s[:i]) && (end == len(s) || isSeparator(s[end]) || isDelimiter(s[end])) {
			return i
		}

		offset = i + 1
	}
}

// startsPath reports whether a path may begin right after prefix: either
// prefix is empty, ends with a delimiter, or is an option name such as -I
func startsPath(prefix string) bool {
	if j := strings.LastIndexAny(prefix, delimiters); j >= 0 {
		prefix = prefix[j+1:]
	}

	return !strings.ContainsAny(prefix, `/\`)
}

const delimiters = " \t=,;:\"'"

func isDelimiter(c byte) bool {
	return strings.IndexByte(delimiters, c) >= 0
}

func isSeparator(c byte) bool {
	return c == '/' || c == filepath.Separator
}
