// Package compdb resolves the compile command of a translation unit from a
// JSON compilation database (compile_commands.json).
package compdb

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	shellwords "github.com/caarlos0/go-shellwords"
	"github.com/spf13/afero"
	"github.com/tidwall/gjson"
)

// FileName is the compilation database file inside the build directory
const FileName = "compile_commands.json"

var (
	// ErrContextNotFound is returned when no database entry matches the target
	ErrContextNotFound = errors.New("no compile command found")

	// ErrDatabaseUnreadable is returned when the database is missing or malformed
	ErrDatabaseUnreadable = errors.New("compilation database unreadable")
)

// Context is the compile command resolved for one file
type Context struct {
	// File is the absolute path of the matched translation unit
	File string

	// Directory is the working directory of the compile command
	Directory string

	// Args is the full compiler argv, compiler first, extra args merged in
	Args []string

	// Defines lists -D and -U options in command line order
	Defines []string

	// QuoteDirs are searched for "quoted" includes only (-iquote)
	QuoteDirs []string

	// AngledDirs are the -I directories
	AngledDirs []string

	// SystemDirs are the -isystem directories
	SystemDirs []string

	// AfterDirs are the -idirafter directories
	AfterDirs []string

	// ForcedIncludes are the -include files
	ForcedIncludes []string
}

// Compiler returns the compiler driver of the command
func (c *Context) Compiler() string {
	if len(c.Args) == 0 {
		return ""
	}

	return c.Args[0]
}

// SearchDirs returns the directories searched for <angled> includes, in order
func (c *Context) SearchDirs() []string {
	dirs := make([]string, 0, len(c.AngledDirs)+len(c.SystemDirs)+len(c.AfterDirs))
	dirs = append(dirs, c.AngledDirs...)
	dirs = append(dirs, c.SystemDirs...)
	dirs = append(dirs, c.AfterDirs...)

	return dirs
}

// Resolve finds the compile command for target in the database stored in
// dbDir. Matching is by absolute path; the first matching entry wins.
// extraBefore is inserted right after the compiler, extra is appended.
func Resolve(fs afero.Fs, dbDir, target string, extraBefore, extra []string) (*Context, error) {
	path := filepath.Join(dbDir, FileName)

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseUnreadable, err)
	}

	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: %s is not valid JSON", ErrDatabaseUnreadable, path)
	}

	db := gjson.ParseBytes(data)
	if !db.IsArray() {
		return nil, fmt.Errorf("%w: %s is not a JSON array", ErrDatabaseUnreadable, path)
	}

	want := canonical(fs, target)

	var (
		match  *Context
		cmdErr error
	)

	db.ForEach(func(_, entry gjson.Result) bool {
		dir := entry.Get("directory").String()
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(dbDir, dir)
		}

		file := entry.Get("file").String()
		if file == "" {
			return true
		}

		if !filepath.IsAbs(file) {
			file = filepath.Join(dir, file)
		}

		if canonical(fs, file) != want {
			return true
		}

		argv, err := commandArgs(entry)
		if err != nil {
			cmdErr = fmt.Errorf("%w: entry for %s: %v", ErrDatabaseUnreadable, file, err)
			return false
		}

		match = newContext(filepath.Clean(file), dir, argv, extraBefore, extra)
		return false
	})

	if cmdErr != nil {
		return nil, cmdErr
	}

	if match == nil {
		return nil, fmt.Errorf("%w for %s in %s", ErrContextNotFound, target, path)
	}

	return match, nil
}

// commandArgs returns the argv of an entry from either "arguments" or "command"
func commandArgs(entry gjson.Result) ([]string, error) {
	if arguments := entry.Get("arguments"); arguments.IsArray() {
		var argv []string
		for _, a := range arguments.Array() {
			argv = append(argv, a.String())
		}

		if len(argv) == 0 {
			return nil, errors.New("empty arguments")
		}

		return argv, nil
	}

	command := entry.Get("command").String()
	if command == "" {
		return nil, errors.New("neither arguments nor command present")
	}

	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("cannot split command: %w", err)
	}

	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	return argv, nil
}

// canonical returns the cleaned absolute form of path with symlinks
// resolved where the filesystem supports it
func canonical(fs afero.Fs, path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	if _, ok := fs.(*afero.OsFs); ok {
		if resolved, err := filepath.EvalSymlinks(path); err == nil {
			return resolved
		}
	}

	return filepath.Clean(path)
}

func newContext(file, dir string, argv, extraBefore, extra []string) *Context {
	args := make([]string, 0, len(argv)+len(extraBefore)+len(extra))
	args = append(args, argv[0])
	args = append(args, extraBefore...)
	args = append(args, argv[1:]...)
	args = append(args, extra...)

	ctx := &Context{
		File:      file,
		Directory: dir,
		Args:      args,
	}

	ctx.derive()

	return ctx
}

// pathOptions maps options whose value is a path to the list they fill
func (c *Context) pathOptions() map[string]*[]string {
	return map[string]*[]string{
		"-I":         &c.AngledDirs,
		"-iquote":    &c.QuoteDirs,
		"-isystem":   &c.SystemDirs,
		"-idirafter": &c.AfterDirs,
		"-include":   &c.ForcedIncludes,
	}
}

// longestFirst orders joined option spellings so -isystem is tried before -I
var longestFirst = []string{"-idirafter", "-isystem", "-include", "-iquote", "-I"}

// derive fills the defines and search paths from Args
func (c *Context) derive() {
	opts := c.pathOptions()

	for i := 1; i < len(c.Args); i++ {
		arg := c.Args[i]

		next := func() (string, bool) {
			if i+1 >= len(c.Args) {
				return "", false
			}

			i++
			return c.Args[i], true
		}

		switch {
		case arg == "-D" || arg == "-U":
			if v, ok := next(); ok {
				c.Defines = append(c.Defines, arg+v)
			}
			continue
		case strings.HasPrefix(arg, "-D") || strings.HasPrefix(arg, "-U"):
			c.Defines = append(c.Defines, arg)
			continue
		case arg == "--include-directory" || arg == "/I":
			if v, ok := next(); ok {
				c.AngledDirs = append(c.AngledDirs, c.abs(v))
			}
			continue
		}

		if list, ok := opts[arg]; ok {
			if v, ok := next(); ok {
				*list = append(*list, c.abs(v))
			}
			continue
		}

		if strings.HasPrefix(arg, "-include-") {
			continue
		}

		for _, opt := range longestFirst {
			if strings.HasPrefix(arg, opt) && len(arg) > len(opt) {
				v := strings.TrimPrefix(arg[len(opt):], "=")
				*opts[opt] = append(*opts[opt], c.abs(v))
				break
			}
		}
	}
}

func (c *Context) abs(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}

	return filepath.Join(c.Directory, path)
}
