package fingerprint

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/Norgate-AV/linter-cache/internal/args"
)

const configFileOption = "--config-file="

// toolSettings is the part of a .clang-tidy file that changes the lookup
type toolSettings struct {
	InheritParentConfig bool `yaml:"InheritParentConfig"`
}

// toolConfigs returns the analyzer configuration files that apply to the
// target, nearest first. An explicit --config-file replaces the lookup.
func (b *Builder) toolConfigs(req *args.Request) ([]string, error) {
	for _, arg := range req.PassThrough {
		if !strings.HasPrefix(arg, configFileOption) {
			continue
		}

		path, err := filepath.Abs(strings.TrimPrefix(arg, configFileOption))
		if err != nil {
			return nil, &InputUnavailableError{Path: arg, Err: err}
		}

		if !b.isFile(path) {
			return nil, &InputUnavailableError{Path: path, Err: os.ErrNotExist}
		}

		b.log.WithField("config", path).Debug("using explicit analyzer config")

		return []string{path}, nil
	}

	configs, err := FindToolConfigs(b.fs, filepath.Dir(req.Target), b.cfg.ConfigFiles)
	if err != nil {
		return nil, err
	}

	if len(configs) == 0 {
		b.log.WithField("target", req.Target).Debug("no analyzer config found")
	}

	for _, c := range configs {
		b.log.WithField("config", c).Debug("analyzer config found")
	}

	return configs, nil
}

// FindToolConfigs walks from dir to the filesystem root and returns the
// nearest file named in names. Parent configurations are added while the
// found file sets InheritParentConfig.
func FindToolConfigs(fs afero.Fs, dir string, names []string) ([]string, error) {
	var configs []string

	for {
		path, ok := findInDir(fs, dir, names)
		if ok {
			configs = append(configs, path)

			inherit, err := inheritsParent(fs, path)
			if err != nil {
				return nil, err
			}

			if !inherit {
				return configs, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return configs, nil
		}

		dir = parent
	}
}

func findInDir(fs afero.Fs, dir string, names []string) (string, bool) {
	for _, name := range names {
		path := filepath.Join(dir, name)

		info, err := fs.Stat(path)
		if err == nil && !info.IsDir() {
			return path, true
		}
	}

	return "", false
}

// inheritsParent reports whether the config at path asks for its parent.
// A file that does not parse does not inherit; the analyzer reports it.
func inheritsParent(fs afero.Fs, path string) (bool, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return false, &InputUnavailableError{Path: path, Err: err}
	}

	var settings toolSettings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return false, nil
	}

	return settings.InheritParentConfig, nil
}
