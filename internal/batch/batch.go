// Package batch runs builds.  Shell runs a script on this machine;
// Provisioned wraps any batch with an environment acquired for the
// duration of one build.
package batch

import (
	"maps"
	"slices"
	"strings"
	"unicode"
)

// EnvVars turns build arguments into NAME=value pairs: names are
// upper-cased and every character outside [A-Z0-9_] becomes '_'.
// The result is sorted so commands see a stable environment.
func EnvVars(args map[string]string) []string {
	vars := make([]string, 0, len(args))
	for _, k := range slices.Sorted(maps.Keys(args)) {
		vars = append(vars, envName(k)+"="+args[k])
	}
	return vars
}

func envName(k string) string {
	return strings.Map(func(r rune) rune {
		r = unicode.ToUpper(r)
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, k)
}
