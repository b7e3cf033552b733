// Package flagx lets several configuration loaders share os.Args without
// tripping over each other's flags.
package flagx

import (
	"flag"
	"strings"
)

// FilterArgs returns the subset of args that belong to allowedFlags,
// keeping each flag's value when it is passed as a separate argument.
//
// Supported forms:
//
//	-d postgres://...     value as the next argument
//	-d=postgres://...     value joined with '='
//	-path-style           boolean switch (listed in switches)
//
// Flags listed in switches never consume the following argument, so
// "-path-style -d dsn" keeps "-d dsn" intact.
func FilterArgs(args []string, allowedFlags []string, switches ...string) []string {
	allowed := make(map[string]struct{}, len(allowedFlags)+len(switches))
	for _, f := range allowedFlags {
		allowed[f] = struct{}{}
	}
	isSwitch := make(map[string]struct{}, len(switches))
	for _, f := range switches {
		allowed[f] = struct{}{}
		isSwitch[f] = struct{}{}
	}

	filtered := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") {
			name := strings.SplitN(arg, "=", 2)[0]
			if _, ok := allowed[name]; ok {
				filtered = append(filtered, arg)
			}
			continue
		}

		if _, ok := allowed[arg]; !ok {
			continue
		}
		filtered = append(filtered, arg)

		if _, ok := isSwitch[arg]; ok {
			continue
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			filtered = append(filtered, args[i+1])
			i++
		}
	}

	return filtered
}

// ConfigPath extracts the JSON config file path passed via -c or -config.
// It returns an empty string when neither flag is present.
func ConfigPath(args []string) string {
	var path string

	fs := flag.NewFlagSet("json", flag.ContinueOnError)
	fs.StringVar(&path, "config", "", "Path to config file")
	fs.StringVar(&path, "c", "", "Path to config file (short)")
	_ = fs.Parse(FilterArgs(args, []string{"-c", "-config"}))

	return path
}
