// Package flagx lets several flag sets share one command line: each loader
// picks out only the flags it owns before parsing.
package flagx

import (
	"flag"
	"io"
	"strings"
)

// FilterArgs returns the subset of args that belongs to the given flag
// names. Names are given bare ("c", "config") and match both the single and
// double dash spellings.
//
// Supported formats:
//  1. Flag and value as separate arguments:  -c conf.json
//  2. Flag and value combined with '=':      --config=conf.json
//  3. Boolean flags without a value:         -v
func FilterArgs(args []string, names ...string) []string {
	allowed := make(map[string]struct{}, len(names))
	for _, n := range names {
		allowed[strings.TrimLeft(n, "-")] = struct{}{}
	}

	filtered := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") || arg == "-" || arg == "--" {
			continue
		}

		name, _, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if _, ok := allowed[name]; !ok {
			continue
		}

		filtered = append(filtered, arg)
		if hasValue {
			continue
		}

		// The next argument is this flag's value unless it looks like a flag.
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			filtered = append(filtered, args[i+1])
			i++
		}
	}

	return filtered
}

// ConfigFileFlag extracts the JSON config path given via -c or -config.
// It returns an empty string when neither is present.
func ConfigFileFlag(args []string) string {
	var path string

	fs := flag.NewFlagSet("config-file", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&path, "config", "", "path to config file")
	fs.StringVar(&path, "c", "", "path to config file (short)")
	_ = fs.Parse(FilterArgs(args, "c", "config"))

	return path
}
