package fingerprint

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/apex/log"
	"github.com/spf13/afero"

	"github.com/Norgate-AV/linter-cache/internal/compdb"
	"github.com/Norgate-AV/linter-cache/internal/config"
)

// includeDirective matches #include, #include_next and #import lines
var includeDirective = regexp.MustCompile(`^\s*#\s*(include|include_next|import)\s*([<"])([^>"]+)[>"]`)

// includeGraph returns every header transitively reachable from the target,
// in discovery order and without duplicates
func (b *Builder) includeGraph(ctx context.Context, cctx *compdb.Context) ([]string, error) {
	if b.cfg.IncludeScan == config.ScanCompiler {
		return b.compilerDeps(ctx, cctx)
	}

	return b.scanIncludes(ctx, cctx)
}

type directive struct {
	name   string
	angled bool
	path   string
}

// scanIncludes simulates the preprocessor's include resolution. Conditional
// blocks are not evaluated, so every directive counts.
func (b *Builder) scanIncludes(ctx context.Context, cctx *compdb.Context) ([]string, error) {
	seen := map[string]bool{cctx.File: true}

	var (
		headers []string
		queue   []string
	)

	for _, forced := range cctx.ForcedIncludes {
		if !b.isFile(forced) {
			return nil, &InputUnavailableError{Path: forced, Err: os.ErrNotExist}
		}

		if !seen[forced] {
			seen[forced] = true
			headers = append(headers, forced)
			queue = append(queue, forced)
		}
	}

	queue = append(queue, cctx.File)

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		file := queue[0]
		queue = queue[1:]

		directives, err := b.readDirectives(file)
		if err != nil {
			return nil, err
		}

		for _, d := range directives {
			resolved, ok := b.resolveInclude(cctx, file, d)
			if !ok {
				b.log.WithFields(log.Fields{
					"from":    file,
					"include": d.path,
				}).Debug("include not resolved, skipped")
				continue
			}

			if seen[resolved] {
				continue
			}

			seen[resolved] = true
			headers = append(headers, resolved)
			queue = append(queue, resolved)

			b.log.WithFields(log.Fields{
				"from":    file,
				"include": resolved,
			}).Debug("include resolved")
		}
	}

	return headers, nil
}

func (b *Builder) readDirectives(path string) ([]directive, error) {
	data, err := afero.ReadFile(b.fs, path)
	if err != nil {
		return nil, &InputUnavailableError{Path: path, Err: err}
	}

	var directives []directive

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), len(data)+1)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "#") {
			continue
		}

		m := includeDirective.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		directives = append(directives, directive{
			name:   m[1],
			angled: m[2] == "<",
			path:   m[3],
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, &InputUnavailableError{Path: path, Err: err}
	}

	return directives, nil
}

// resolveInclude finds the file a directive in from refers to
func (b *Builder) resolveInclude(cctx *compdb.Context, from string, d directive) (string, bool) {
	if filepath.IsAbs(d.path) {
		return filepath.Clean(d.path), b.isFile(d.path)
	}

	var dirs []string
	if !d.angled {
		dirs = append(dirs, filepath.Dir(from))
		dirs = append(dirs, cctx.QuoteDirs...)
	}

	dirs = append(dirs, cctx.SearchDirs()...)

	for _, dir := range dirs {
		candidate := filepath.Join(dir, d.path)

		// #include_next continues past the file doing the including
		if d.name == "include_next" && candidate == from {
			continue
		}

		if b.isFile(candidate) {
			return candidate, true
		}
	}

	return "", false
}

func (b *Builder) isFile(path string) bool {
	info, err := b.fs.Stat(path)
	return err == nil && !info.IsDir()
}

// compilerDeps asks the compiler for the dependency list of the target
func (b *Builder) compilerDeps(ctx context.Context, cctx *compdb.Context) ([]string, error) {
	tmp, err := afero.TempFile(afero.NewOsFs(), "", "linter-cache-*.d")
	if err != nil {
		return nil, fmt.Errorf("failed to create dependency file: %w", err)
	}

	depfile := tmp.Name()
	tmp.Close()
	defer os.Remove(depfile)

	argv := dependencyArgs(cctx, depfile)

	cmd := b.execCommand(ctx, cctx.Compiler(), argv...)
	cmd.Dir = cctx.Directory

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	b.log.WithFields(log.Fields{
		"compiler": cctx.Compiler(),
		"args":     strings.Join(argv, " "),
	}).Debug("running compiler for dependencies")

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("dependency scan of %s failed: %w: %s", cctx.File, err, strings.TrimSpace(stderr.String()))
	}

	data, err := os.ReadFile(depfile)
	if err != nil {
		return nil, fmt.Errorf("failed to read dependency file: %w", err)
	}

	var headers []string
	seen := map[string]bool{cctx.File: true}

	for _, dep := range ParseDepfile(string(data)) {
		if !filepath.IsAbs(dep) {
			dep = filepath.Join(cctx.Directory, dep)
		}

		dep = filepath.Clean(dep)
		if seen[dep] {
			continue
		}

		seen[dep] = true
		headers = append(headers, dep)
	}

	return headers, nil
}

// dependencyArgs rewrites the compile command to only emit dependencies
func dependencyArgs(cctx *compdb.Context, depfile string) []string {
	var argv []string

	for i := 1; i < len(cctx.Args); i++ {
		arg := cctx.Args[i]

		switch {
		case dropped[arg]:
			continue
		case droppedWithValue[arg]:
			i++
			continue
		case len(arg) > 3 && (strings.HasPrefix(arg, "-MF") || strings.HasPrefix(arg, "-MT") || strings.HasPrefix(arg, "-MQ")):
			continue
		case !strings.HasPrefix(arg, "-") && isTarget(arg, cctx.Directory, cctx.File):
			continue
		}

		argv = append(argv, arg)
	}

	return append(argv, "-E", "-M", "-MF", depfile, "-o", os.DevNull, cctx.File)
}

// ParseDepfile returns the prerequisites listed in a make-style dependency
// file. Targets are skipped.
func ParseDepfile(content string) []string {
	content = strings.ReplaceAll(content, "\\\r\n", " ")
	content = strings.ReplaceAll(content, "\\\n", " ")

	var deps []string

	for _, rule := range strings.Split(content, "\n") {
		_, prereqs, ok := cutRule(rule)
		if !ok {
			continue
		}

		deps = append(deps, splitDepWords(prereqs)...)
	}

	return deps
}

// cutRule splits a rule at the first ": " that is not part of a drive letter
func cutRule(rule string) (string, string, bool) {
	for i := 0; i < len(rule); i++ {
		if rule[i] != ':' {
			continue
		}

		if i+1 == len(rule) || rule[i+1] == ' ' || rule[i+1] == '\t' {
			return rule[:i], rule[i+1:], true
		}
	}

	return "", "", false
}

// splitDepWords splits on unescaped whitespace, honoring "\ " and "$$"
func splitDepWords(s string) []string {
	var (
		words []string
		cur   strings.Builder
	)

	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]

		switch {
		case c == '\\' && i+1 < len(s) && (s[i+1] == ' ' || s[i+1] == '#'):
			cur.WriteByte(s[i+1])
			i++
		case c == '$' && i+1 < len(s) && s[i+1] == '$':
			cur.WriteByte('$')
			i++
		case c == ' ' || c == '\t' || c == '\r':
			flush()
		default:
			cur.WriteByte(c)
		}
	}

	flush()

	return words
}
