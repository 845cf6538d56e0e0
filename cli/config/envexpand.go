// Package config loads the recorder's YAML configuration.
package config

import (
	"os"
	"regexp"
)

// envRef matches ${VAR}, with an optional ${VAR:-fallback} form.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv substitutes environment references in a raw config file
// before YAML decoding. ${VAR} becomes the variable's value, and the
// ${VAR:-fallback} form uses fallback when the variable is unset or
// empty. A reference with neither resolves to the empty string; a
// value that was actually required then fails downstream validation
// (serial port open, session creation) instead of the expansion.
func ExpandEnv(input string) string {
	return envRef.ReplaceAllStringFunc(input, func(match string) string {
		groups := envRef.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}

		if value, ok := os.LookupEnv(groups[1]); ok && value != "" {
			return value
		}
		if len(groups) >= 3 && groups[2] != "" {
			return groups[2]
		}
		return ""
	})
}
