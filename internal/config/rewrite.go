package config

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// RewriteRule is one regex → replacement rule applied to the request path.
type RewriteRule struct {
	Pattern     string
	Replacement string

	re *regexp.Regexp
}

// RewriteRules is an ordered list of rewrite rules. YAML declares them as a
// mapping (`rewrite: {"^/api/": "/v1/"}`); document order is preserved here
// even though a Go map would not, because the rules are applied in order
// and a later rule may depend on an earlier one having run.
type RewriteRules []RewriteRule

func (r *RewriteRules) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("rewrite must be a mapping of pattern: replacement")
	}

	rules := make(RewriteRules, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		pattern := node.Content[i].Value
		replacement := node.Content[i+1].Value

		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("rewrite pattern %q: %w", pattern, err)
		}
		rules = append(rules, RewriteRule{Pattern: pattern, Replacement: replacement, re: re})
	}
	*r = rules
	return nil
}

// MarshalYAML round-trips the rules back to the mapping form they were
// declared in.
func (r RewriteRules) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, rule := range r {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: rule.Pattern},
			&yaml.Node{Kind: yaml.ScalarNode, Value: rule.Replacement},
		)
	}
	return node, nil
}

// Apply runs every rule against path in declaration order and returns the
// final result. Replacement strings may use $1-style capture references.
func (r RewriteRules) Apply(path string) string {
	for _, rule := range r {
		path = rule.re.ReplaceAllString(path, rule.Replacement)
	}
	return path
}
