package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes from YAML as either a Go duration string ("30m",
// "1h30m") or a bare number of milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var ms int64
	if err := node.Decode(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}

	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string or millisecond count")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML allows `cors: true` (defaults) or `cors: {...}`
// (explicit fields).
func (c *CORSConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var b bool
		if err := node.Decode(&b); err != nil {
			return err
		}
		c.Enabled = b
		if b {
			applyCORSDefaults(c)
		}
		return nil
	}

	type plain CORSConfig
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*c = CORSConfig(p)
	c.Enabled = true
	applyCORSDefaults(c)
	return nil
}

// defaultCORSMethods covers the common REST verbs; OPTIONS is implicit.
var defaultCORSMethods = []string{"GET", "HEAD", "PUT", "PATCH", "POST", "DELETE"}

func applyCORSDefaults(c *CORSConfig) {
	if len(c.AllowedMethods) == 0 {
		c.AllowedMethods = append([]string(nil), defaultCORSMethods...)
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
}
