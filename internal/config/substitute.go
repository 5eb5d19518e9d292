package config

import (
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteString replaces every ${VAR} in s with the value of the
// environment variable VAR. The substitution is total but never silent:
// an unset VAR is left as the literal "${VAR}" text rather than being
// replaced with an empty string, so downstream checks (e.g. the OAuth2
// pre-activation check) can detect it.
func substituteString(s string) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

// substituteNode walks a parsed YAML document and applies substituteString
// to every string scalar in place. Working on the node tree rather than a
// decoded interface{} value keeps mapping order intact, which matters for
// ordered constructs like rewrite rules.
func substituteNode(node *yaml.Node) {
	if node == nil {
		return
	}
	if node.Kind == yaml.ScalarNode {
		if node.Tag == "" || node.Tag == "!!str" {
			node.Value = substituteString(node.Value)
		}
		return
	}
	for _, child := range node.Content {
		substituteNode(child)
	}
}

// hasUnresolvedPlaceholder reports whether s still contains a ${VAR} token
// after substitution, i.e. VAR was unset in the environment.
func hasUnresolvedPlaceholder(s string) bool {
	return placeholderPattern.MatchString(s)
}
