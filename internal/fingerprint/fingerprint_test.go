package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/linter-cache/internal/args"
	"github.com/Norgate-AV/linter-cache/internal/compdb"
	"github.com/Norgate-AV/linter-cache/internal/config"
	"github.com/Norgate-AV/linter-cache/internal/logging"
)

type fakeAnalyzer struct {
	version    string
	dump       string
	versionErr error
}

func (f *fakeAnalyzer) Version(context.Context) (string, error) {
	return f.version, f.versionErr
}

func (f *fakeAnalyzer) DumpConfig(context.Context, string, []string) (string, error) {
	return f.dump, nil
}

// project lays out a.cpp including a.h under root
func project(t *testing.T, fs afero.Fs, root string) {
	t.Helper()

	files := map[string]string{
		"src/a.cpp":          "#include \"a.h\"\n#include <vector>\nint main() { return answer(); }\n",
		"src/a.h":            "#pragma once\n#include <lib/util.h>\ninline int answer() { return 42; }\n",
		"include/lib/util.h": "#pragma once\n",
	}

	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	}

	require.NoError(t, fs.MkdirAll(filepath.Join(root, "build"), 0o755))
}

func compileContext(root string) *compdb.Context {
	return &compdb.Context{
		File:       filepath.Join(root, "src/a.cpp"),
		Directory:  filepath.Join(root, "build"),
		Args:       []string{"/usr/bin/c++", "-I" + filepath.Join(root, "include"), "-DNDEBUG", "-O2", "-c", "-o", "a.o", filepath.Join(root, "src/a.cpp")},
		Defines:    []string{"-DNDEBUG"},
		AngledDirs: []string{filepath.Join(root, "include")},
	}
}

func request(root string) *args.Request {
	return &args.Request{
		Target:      filepath.Join(root, "src/a.cpp"),
		CompDBDir:   filepath.Join(root, "build"),
		PassThrough: []string{"-p", filepath.Join(root, "build")},
	}
}

func newTestBuilder(fs afero.Fs, cfg *config.Config) *Builder {
	if cfg == nil {
		cfg = &config.Config{
			IncludeScan: config.ScanDirectives,
			ConfigFiles: config.DefaultConfigFiles,
			Jobs:        4,
		}
	}

	return NewBuilder(fs, cfg, &fakeAnalyzer{version: "LLVM version 18.1.8"}, logging.Discard())
}

func build(t *testing.T, b *Builder, req *args.Request, cctx *compdb.Context) *Fingerprint {
	t.Helper()

	fp, err := b.Build(context.Background(), req, cctx)
	require.NoError(t, err)

	return fp
}

func TestBuild_Document(t *testing.T) {
	fs := afero.NewMemMapFs()
	project(t, fs, "/proj")

	fp := build(t, newTestBuilder(fs, nil), request("/proj"), compileContext("/proj"))

	lines := strings.Split(strings.TrimSpace(fp.Text), "\n")
	assert.Equal(t, header, lines[0])
	assert.Contains(t, lines, `analyzer "LLVM version 18.1.8"`)
	assert.Contains(t, lines, "compiler /usr/bin/c++")
	assert.Contains(t, lines, "config none")
	assert.Contains(t, lines, "flag -I/proj/include")
	assert.Contains(t, lines, "flag -DNDEBUG")
	assert.Contains(t, lines, "arg -p")
	assert.Contains(t, lines, "output none")
	assert.NotContains(t, fp.Text, "a.o")

	require.Len(t, fp.Inputs.Includes, 2)
	assert.Equal(t, "/proj/src/a.h", fp.Inputs.Includes[0].Path)
	assert.Equal(t, "/proj/include/lib/util.h", fp.Inputs.Includes[1].Path)
	assert.Equal(t, "/proj/src/a.cpp", fp.Inputs.Source.Path)
	assert.Equal(t, "sha256", string(fp.Digest.Algorithm()))
	assert.NoError(t, fp.Digest.Validate())
}

func TestBuild_Idempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	project(t, fs, "/proj")
	b := newTestBuilder(fs, nil)

	first := build(t, b, request("/proj"), compileContext("/proj"))
	second := build(t, b, request("/proj"), compileContext("/proj"))

	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, first.Digest, second.Digest)
}

func TestBuild_Sensitivity(t *testing.T) {
	tests := []struct {
		name   string
		change func(t *testing.T, fs afero.Fs, req *args.Request, cctx *compdb.Context, b *Builder)
	}{
		{
			name: "source edited",
			change: func(t *testing.T, fs afero.Fs, _ *args.Request, _ *compdb.Context, _ *Builder) {
				require.NoError(t, afero.WriteFile(fs, "/proj/src/a.cpp", []byte("#include \"a.h\"\nint main() { return 0; }\n"), 0o644))
			},
		},
		{
			name: "direct header edited",
			change: func(t *testing.T, fs afero.Fs, _ *args.Request, _ *compdb.Context, _ *Builder) {
				require.NoError(t, afero.WriteFile(fs, "/proj/src/a.h", []byte("#pragma once\n#include <lib/util.h>\ninline int answer() { return 7; }\n"), 0o644))
			},
		},
		{
			name: "transitive header edited",
			change: func(t *testing.T, fs afero.Fs, _ *args.Request, _ *compdb.Context, _ *Builder) {
				require.NoError(t, afero.WriteFile(fs, "/proj/include/lib/util.h", []byte("#pragma once\n#define X 1\n"), 0o644))
			},
		},
		{
			name: "config added",
			change: func(t *testing.T, fs afero.Fs, _ *args.Request, _ *compdb.Context, _ *Builder) {
				require.NoError(t, afero.WriteFile(fs, "/proj/.clang-tidy", []byte("Checks: '-*,bugprone-*'\n"), 0o644))
			},
		},
		{
			name: "define added",
			change: func(_ *testing.T, _ afero.Fs, _ *args.Request, cctx *compdb.Context, _ *Builder) {
				cctx.Args = append(cctx.Args, "-DLINTING=1")
			},
		},
		{
			name: "extra argument passed through",
			change: func(_ *testing.T, _ afero.Fs, req *args.Request, _ *compdb.Context, _ *Builder) {
				req.PassThrough = append(req.PassThrough, "--extra-arg=-Wall")
			},
		},
		{
			name: "output file requested",
			change: func(_ *testing.T, _ afero.Fs, req *args.Request, _ *compdb.Context, _ *Builder) {
				req.OutputFile = "/proj/build/a.tidy"
			},
		},
		{
			name: "analyzer upgraded",
			change: func(_ *testing.T, _ afero.Fs, _ *args.Request, _ *compdb.Context, b *Builder) {
				b.analyzer = &fakeAnalyzer{version: "LLVM version 19.1.0"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			project(t, fs, "/proj")
			b := newTestBuilder(fs, nil)

			before := build(t, b, request("/proj"), compileContext("/proj"))

			req, cctx := request("/proj"), compileContext("/proj")
			tt.change(t, fs, req, cctx, b)

			after := build(t, b, req, cctx)
			assert.NotEqual(t, before.Digest, after.Digest)
		})
	}
}

func TestBuild_HeaderRevertRestoresDigest(t *testing.T) {
	fs := afero.NewMemMapFs()
	project(t, fs, "/proj")
	b := newTestBuilder(fs, nil)

	original, err := afero.ReadFile(fs, "/proj/src/a.h")
	require.NoError(t, err)

	baseline := build(t, b, request("/proj"), compileContext("/proj"))

	require.NoError(t, afero.WriteFile(fs, "/proj/src/a.h", []byte("// edited\n"), 0o644))
	edited := build(t, b, request("/proj"), compileContext("/proj"))
	assert.NotEqual(t, baseline.Digest, edited.Digest)

	require.NoError(t, afero.WriteFile(fs, "/proj/src/a.h", original, 0o644))
	restored := build(t, b, request("/proj"), compileContext("/proj"))
	assert.Equal(t, baseline.Digest, restored.Digest)
}

func TestBuild_FlagReorderingAcrossFamilies(t *testing.T) {
	fs := afero.NewMemMapFs()
	project(t, fs, "/proj")
	b := newTestBuilder(fs, nil)

	cctx := compileContext("/proj")
	first := build(t, b, request("/proj"), cctx)

	reordered := compileContext("/proj")
	reordered.Args = []string{"/usr/bin/c++", "-O2", "-c", "/proj/src/a.cpp", "-DNDEBUG", "-o", "other.o", "-I/proj/include"}
	second := build(t, b, request("/proj"), reordered)

	assert.Equal(t, first.Digest, second.Digest)
}

func TestBuild_Relocation(t *testing.T) {
	fs := afero.NewMemMapFs()
	project(t, fs, "/home/alice/proj")
	project(t, fs, "/tmp/ci/proj")

	build := func(root string, base string) *Fingerprint {
		cfg := &config.Config{
			IncludeScan: config.ScanDirectives,
			ConfigFiles: config.DefaultConfigFiles,
			BaseDir:     base,
			Jobs:        2,
		}

		fp, err := newTestBuilder(fs, cfg).Build(context.Background(), request(root), compileContext(root))
		require.NoError(t, err)

		return fp
	}

	t.Run("with base directory", func(t *testing.T) {
		a := build("/home/alice/proj", "/home/alice/proj")
		b := build("/tmp/ci/proj", "/tmp/ci/proj")

		assert.Equal(t, a.Text, b.Text)
		assert.Equal(t, a.Digest, b.Digest)
		assert.NotContains(t, a.Text, "/home/alice")
		assert.Contains(t, a.Text, "source src/a.cpp ")
		assert.Contains(t, a.Text, "directory build\n")
	})

	t.Run("without base directory", func(t *testing.T) {
		a := build("/home/alice/proj", "")
		b := build("/tmp/ci/proj", "")

		assert.NotEqual(t, a.Digest, b.Digest)
	})
}

func TestBuild_InputUnavailable(t *testing.T) {
	t.Run("missing target", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		project(t, fs, "/proj")
		require.NoError(t, fs.Remove("/proj/src/a.cpp"))

		_, err := newTestBuilder(fs, nil).Build(context.Background(), request("/proj"), compileContext("/proj"))

		var inputErr *InputUnavailableError
		require.True(t, errors.As(err, &inputErr))
		assert.Equal(t, "/proj/src/a.cpp", inputErr.Path)
	})

	t.Run("missing forced include", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		project(t, fs, "/proj")

		cctx := compileContext("/proj")
		cctx.ForcedIncludes = []string{"/proj/build/prefix.h"}

		_, err := newTestBuilder(fs, nil).Build(context.Background(), request("/proj"), cctx)

		var inputErr *InputUnavailableError
		require.True(t, errors.As(err, &inputErr))
		assert.Equal(t, "/proj/build/prefix.h", inputErr.Path)
	})

	t.Run("missing explicit config file", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		project(t, fs, "/proj")

		req := request("/proj")
		req.PassThrough = append(req.PassThrough, "--config-file=/proj/missing.yaml")

		_, err := newTestBuilder(fs, nil).Build(context.Background(), req, compileContext("/proj"))

		var inputErr *InputUnavailableError
		require.True(t, errors.As(err, &inputErr))
	})
}

func TestBuild_AnalyzerVersionError(t *testing.T) {
	fs := afero.NewMemMapFs()
	project(t, fs, "/proj")

	launchErr := errors.New("exec: clang-tidy: not found")
	b := newTestBuilder(fs, nil)
	b.analyzer = &fakeAnalyzer{versionErr: launchErr}

	_, err := b.Build(context.Background(), request("/proj"), compileContext("/proj"))
	assert.ErrorIs(t, err, launchErr)
}

func TestBuild_DumpConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	project(t, fs, "/proj")

	cfg := &config.Config{IncludeScan: config.ScanDirectives, ConfigFiles: config.DefaultConfigFiles, DumpConfig: true, Jobs: 1}
	b := NewBuilder(fs, cfg, &fakeAnalyzer{version: "v1", dump: "Checks: '*'\n"}, logging.Discard())

	first := build(t, b, request("/proj"), compileContext("/proj"))
	assert.Contains(t, first.Text, "config-dump sha256:")

	b.analyzer = &fakeAnalyzer{version: "v1", dump: "Checks: '-*'\n"}
	second := build(t, b, request("/proj"), compileContext("/proj"))
	assert.NotEqual(t, first.Digest, second.Digest)
}

func TestScanIncludes(t *testing.T) {
	fs := afero.NewMemMapFs()
	files := map[string]string{
		"/p/src/main.cpp":       "#include \"local.h\"\n  #  include <sys/dep.h>\n#import \"objc.h\"\n#include MACRO_HEADER\n#include \"missing.h\"\n",
		"/p/src/local.h":        "#include \"local.h\"\n#include \"quoted.h\"\n",
		"/p/quote/quoted.h":     "",
		"/p/sys/sys/dep.h":      "#include_next <sys/dep.h>\n",
		"/p/after/sys/dep.h":    "",
		"/p/src/objc.h":         "",
		"/p/build/forced.h":     "#include \"forced_dep.h\"\n",
		"/p/build/forced_dep.h": "",
	}

	for name, content := range files {
		require.NoError(t, afero.WriteFile(fs, name, []byte(content), 0o644))
	}

	cctx := &compdb.Context{
		File:           "/p/src/main.cpp",
		Directory:      "/p/build",
		Args:           []string{"cc"},
		QuoteDirs:      []string{"/p/quote"},
		SystemDirs:     []string{"/p/sys"},
		AfterDirs:      []string{"/p/after"},
		ForcedIncludes: []string{"/p/build/forced.h"},
	}

	headers, err := newTestBuilder(fs, nil).scanIncludes(context.Background(), cctx)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"/p/build/forced.h",
		"/p/build/forced_dep.h",
		"/p/src/local.h",
		"/p/sys/sys/dep.h",
		"/p/src/objc.h",
		"/p/quote/quoted.h",
		"/p/after/sys/dep.h",
	}, headers)
	assert.Equal(t, "/p/build/forced.h", headers[0])
}

func TestScanIncludes_AngledIgnoresIncluderDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/p/src/main.cpp", []byte("#include <config.h>\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/p/src/config.h", []byte(""), 0o644))

	cctx := &compdb.Context{File: "/p/src/main.cpp", Directory: "/p", Args: []string{"cc"}}

	headers, err := newTestBuilder(fs, nil).scanIncludes(context.Background(), cctx)
	require.NoError(t, err)
	assert.Empty(t, headers)
}

func TestNormalizeFlags(t *testing.T) {
	tests := []struct {
		name string
		argv []string
		want []string
	}{
		{
			name: "drops output and dependency options and the target",
			argv: []string{"-c", "-o", "a.o", "-MD", "-MF", "a.d", "-MTa.o", "../src/a.cpp", "-Wall"},
			want: []string{"-Wall"},
		},
		{
			name: "groups separate values",
			argv: []string{"-isystem", "/usr/include/x", "-D", "A=1", "-x", "c++"},
			want: []string{"-D A=1", "-isystem /usr/include/x", "-x c++"},
		},
		{
			name: "keeps order within a family",
			argv: []string{"-DB", "-UB", "-DA"},
			want: []string{"-DB", "-UB", "-DA"},
		},
		{
			name: "positionals keep order after flags",
			argv: []string{"z.c", "-O2", "y.c", "-fno-exceptions"},
			want: []string{"-O2", "-fno-exceptions", "z.c", "y.c"},
		},
		{
			name: "quotes tokens with spaces",
			argv: []string{"-DNAME=two words"},
			want: []string{`"-DNAME=two words"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeFlags(tt.argv, "/p/build", "/p/src/a.cpp"))
		})
	}
}

func TestNormalizeFlags_CrossFamilyOrderIrrelevant(t *testing.T) {
	a := NormalizeFlags([]string{"-Wall", "-DX", "-O2", "-I/inc", "-std=c++17"}, "/", "/a.cpp")
	b := NormalizeFlags([]string{"-std=c++17", "-I/inc", "-O2", "-DX", "-Wall"}, "/", "/a.cpp")
	assert.Equal(t, a, b)

	c := NormalizeFlags([]string{"-DX=1", "-DX=2"}, "/", "/a.cpp")
	d := NormalizeFlags([]string{"-DX=2", "-DX=1"}, "/", "/a.cpp")
	assert.NotEqual(t, c, d)
}

func TestRelocate(t *testing.T) {
	tests := []struct {
		base string
		in   string
		want string
	}{
		{"", "/home/u/proj/a.cpp", "/home/u/proj/a.cpp"},
		{"/home/u/proj", "/home/u/proj/a.cpp", "a.cpp"},
		{"/home/u/proj", "/home/u/proj", "."},
		{"/home/u/proj", "/home/u/proj/", "."},
		{"/home/u/proj", "-I/home/u/proj/include", "-Iinclude"},
		{"/home/u/proj", "-I/home/u/proj", "-I."},
		{"/home/u/proj", "--config-file=/home/u/proj/.clang-tidy", "--config-file=.clang-tidy"},
		{"/home/u/proj", `-DROOT="/home/u/proj/data"`, `-DROOT="data"`},
		{"/home/u/proj", "/home/u/project/a.cpp", "/home/u/project/a.cpp"},
		{"/home/u/proj", "/other/home/u/proj/a.cpp", "/other/home/u/proj/a.cpp"},
		{"/home/u/proj", "/usr/include/stdio.h", "/usr/include/stdio.h"},
		{"/home/u/proj", "-I/home/u/proj/a:/home/u/proj/b", "-Ia:b"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Relocate(tt.base, tt.in), "Relocate(%q, %q)", tt.base, tt.in)
	}
}

func TestParseDepfile(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "single line",
			content: "a.o: a.cpp a.h\n",
			want:    []string{"a.cpp", "a.h"},
		},
		{
			name:    "continuations",
			content: "a.o: /p/a.cpp \\\n  /p/a.h \\\n  /usr/include/stdio.h\n",
			want:    []string{"/p/a.cpp", "/p/a.h", "/usr/include/stdio.h"},
		},
		{
			name:    "escaped spaces and dollars",
			content: "a.o: my\\ file.h cost$$.h\n",
			want:    []string{"my file.h", "cost$.h"},
		},
		{
			name:    "windows drive letters",
			content: "C:\\p\\a.o: C:\\p\\a.cpp C:\\p\\a.h\r\n",
			want:    []string{"C:\\p\\a.cpp", "C:\\p\\a.h"},
		},
		{
			name:    "phony targets",
			content: "a.o: a.cpp a.h\n\na.h:\n",
			want:    []string{"a.cpp", "a.h"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseDepfile(tt.content))
		})
	}
}

func TestFindToolConfigs(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/p/.clang-tidy", []byte("Checks: '*'\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/p/src/.clang-tidy", []byte("InheritParentConfig: true\nChecks: '-misc-*'\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/p/src/sub/_clang-tidy", []byte("Checks: 'bugprone-*'\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/p/bad/.clang-tidy", []byte("InheritParentConfig: [\n"), 0o644))

	tests := []struct {
		dir  string
		want []string
	}{
		{"/p", []string{"/p/.clang-tidy"}},
		{"/p/src", []string{"/p/src/.clang-tidy", "/p/.clang-tidy"}},
		{"/p/src/sub", []string{"/p/src/sub/_clang-tidy"}},
		{"/p/other/deep", []string{"/p/.clang-tidy"}},
		{"/p/bad", []string{"/p/bad/.clang-tidy"}},
		{"/elsewhere", nil},
	}

	for _, tt := range tests {
		t.Run(tt.dir, func(t *testing.T) {
			got, err := FindToolConfigs(fs, tt.dir, config.DefaultConfigFiles)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuild_ExplicitConfigFile(t *testing.T) {
	dir := t.TempDir()
	fs := afero.NewOsFs()
	project(t, fs, dir)

	cfgPath := filepath.Join(dir, "ci.clang-tidy")
	require.NoError(t, os.WriteFile(cfgPath, []byte("Checks: '*'\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".clang-tidy"), []byte("Checks: '-*'\n"), 0o644))

	req := request(dir)
	req.PassThrough = append(req.PassThrough, "--config-file="+cfgPath)

	fp := build(t, newTestBuilder(fs, nil), req, compileContext(dir))

	require.Len(t, fp.Inputs.Configs, 1)
	assert.Equal(t, cfgPath, fp.Inputs.Configs[0].Path)
}

func TestBuild_CompilerDependencies(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("needs a POSIX shell")
	}

	dir := t.TempDir()
	fs := afero.NewOsFs()
	project(t, fs, dir)

	cfg := &config.Config{IncludeScan: config.ScanCompiler, ConfigFiles: config.DefaultConfigFiles, Jobs: 2}
	b := newTestBuilder(fs, cfg)

	var gotArgs []string
	b.execCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		gotArgs = args

		// Write a depfile the way the compiler would, to the path after -MF
		var depfile string
		for i, a := range args {
			if a == "-MF" {
				depfile = args[i+1]
			}
		}

		rule := fmt.Sprintf("a.o: %s \\\n %s\n", filepath.Join(dir, "src/a.cpp"), "../src/a.h")
		return exec.CommandContext(ctx, "sh", "-c", `printf '%s' "$1" > "$2"`, "sh", rule, depfile)
	}

	fp := build(t, b, request(dir), compileContext(dir))

	require.Len(t, fp.Inputs.Includes, 1)
	assert.Equal(t, filepath.Join(dir, "src/a.h"), fp.Inputs.Includes[0].Path)
	assert.Contains(t, gotArgs, "-M")
	assert.NotContains(t, gotArgs, "-c")
	assert.NotContains(t, gotArgs, "a.o")
	assert.Equal(t, filepath.Join(dir, "src/a.cpp"), gotArgs[len(gotArgs)-1])
}
