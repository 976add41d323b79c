package config

import (
	"fmt"
	"os"
	"regexp"
)

// envReference matches ${VAR}, ${VAR:-default}, ${VAR:?message} and $VAR.
var envReference = regexp.MustCompile(`\$\{(?P<braced>[a-zA-Z_][a-zA-Z0-9_]*)(?:(?P<op>:[-?])(?P<arg>[^}]*))?\}|\$(?P<bare>[a-zA-Z_][a-zA-Z0-9_]*)`)

var (
	groupBraced = envReference.SubexpIndex("braced")
	groupOp     = envReference.SubexpIndex("op")
	groupArg    = envReference.SubexpIndex("arg")
	groupBare   = envReference.SubexpIndex("bare")
)

// expandEnvWithDefaults substitutes environment references in a config document.
// Unset variables expand to the empty string unless a default or a required marker is given.
// The first missing required variable aborts the expansion.
func expandEnvWithDefaults(input string) (string, error) {
	var firstErr error

	out := envReference.ReplaceAllStringFunc(input, func(ref string) string {
		if firstErr != nil {
			return ref
		}
		value, err := resolveReference(envReference.FindStringSubmatch(ref), os.LookupEnv)
		if err != nil {
			firstErr = err
			return ref
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func resolveReference(groups []string, lookup func(string) (string, bool)) (string, error) {
	if name := groups[groupBare]; name != "" {
		value, _ := lookup(name)
		return value, nil
	}

	name := groups[groupBraced]
	value, _ := lookup(name)
	if value != "" {
		return value, nil
	}

	switch groups[groupOp] {
	case ":-":
		return groups[groupArg], nil
	case ":?":
		if msg := groups[groupArg]; msg != "" {
			return "", fmt.Errorf("environment variable %s is required: %s", name, msg)
		}
		return "", fmt.Errorf("environment variable %s is required but not set", name)
	default:
		return "", nil
	}
}
