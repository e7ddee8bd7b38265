package fingerprint

import (
	"path/filepath"
	"sort"
	"strings"
)

// dropped options cannot affect analysis results
var dropped = map[string]bool{
	"-c":   true,
	"-MD":  true,
	"-MMD": true,
	"-MP":  true,
	"-M":   true,
	"-MM":  true,
}

// droppedWithValue are dropped together with the argument that follows them
var droppedWithValue = map[string]bool{
	"-o":  true,
	"-MF": true,
	"-MT": true,
	"-MQ": true,
}

// separateValue lists options that take their value as the next argument
var separateValue = map[string]bool{
	"-D":                 true,
	"-U":                 true,
	"-I":                 true,
	"-iquote":            true,
	"-isystem":           true,
	"-idirafter":         true,
	"-include":           true,
	"-imacros":           true,
	"-isysroot":          true,
	"--sysroot":          true,
	"-x":                 true,
	"-Xclang":            true,
	"-Xpreprocessor":     true,
	"-Xassembler":        true,
	"-Xlinker":           true,
	"-target":            true,
	"-arch":              true,
	"-ivfsoverlay":       true,
	"-iprefix":           true,
	"-iwithprefix":       true,
	"-iwithprefixbefore": true,
}

// families group options whose relative order matters. Options in
// different families commute, so units are sorted by family only.
var families = []struct {
	prefix string
	family string
}{
	{"-idirafter", "-idirafter"},
	{"-isystem", "-isystem"},
	{"-iquote", "-iquote"},
	{"-include", "-include"},
	{"-imacros", "-include"},
	{"-D", "-D"},
	{"-U", "-D"},
	{"-I", "-I"},
	{"-W", "-W"},
	{"-f", "-f"},
	{"-m", "-m"},
	{"-O", "-O"},
}

type unit struct {
	family string
	tokens []string
}

// NormalizeFlags turns compiler arguments (without the compiler itself)
// into order-normalized units. Output and dependency options and the target
// are dropped; options are stable-sorted by family and followed by the
// positional arguments in their original order.
func NormalizeFlags(argv []string, dir, target string) []string {
	var options, positionals []unit

	for i := 0; i < len(argv); i++ {
		arg := argv[i]

		switch {
		case dropped[arg]:
			continue

		case droppedWithValue[arg]:
			i++
			continue

		case len(arg) > 3 && (strings.HasPrefix(arg, "-MF") || strings.HasPrefix(arg, "-MT") || strings.HasPrefix(arg, "-MQ")):
			continue

		case !strings.HasPrefix(arg, "-") || arg == "-":
			if isTarget(arg, dir, target) {
				continue
			}

			positionals = append(positionals, unit{tokens: []string{arg}})
			continue
		}

		u := unit{family: familyOf(arg), tokens: []string{arg}}
		if separateValue[arg] && i+1 < len(argv) {
			i++
			u.tokens = append(u.tokens, argv[i])
		}

		options = append(options, u)
	}

	sort.SliceStable(options, func(i, j int) bool {
		return options[i].family < options[j].family
	})

	flags := make([]string, 0, len(options)+len(positionals))
	for _, u := range append(options, positionals...) {
		flags = append(flags, u.String())
	}

	return flags
}

func (u unit) String() string {
	quoted := make([]string, len(u.tokens))
	for i, t := range u.tokens {
		quoted[i] = quote(t)
	}

	return strings.Join(quoted, " ")
}

func familyOf(arg string) string {
	for _, f := range families {
		if strings.HasPrefix(arg, f.prefix) {
			return f.family
		}
	}

	name, _, _ := strings.Cut(arg, "=")
	return name
}

func isTarget(arg, dir, target string) bool {
	if !filepath.IsAbs(arg) {
		arg = filepath.Join(dir, arg)
	}

	return filepath.Clean(arg) == target
}
