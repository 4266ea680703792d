package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"
)

// loadYAML reads a flat YAML document whose keys are flag names, with either
// dashes or underscores. A key may also be nested under a command name, in
// which case it only applies to that command's flags.
func loadYAML(r io.Reader) (kong.Resolver, error) {
	values := map[string]any{}
	if err := yaml.NewDecoder(r).Decode(&values); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return kong.ResolverFunc(func(kctx *kong.Context, parent *kong.Path, flag *kong.Flag) (any, error) {
		if parent != nil && parent.Command != nil {
			if section, ok := values[parent.Command.Name].(map[string]any); ok {
				if v, ok := lookup(section, flag.Name); ok {
					return v, nil
				}
			}
		}
		v, _ := lookup(values, flag.Name)
		return v, nil
	}), nil
}

func lookup(values map[string]any, name string) (any, bool) {
	for _, key := range []string{name, strings.ReplaceAll(name, "-", "_")} {
		v, ok := values[key]
		if !ok {
			continue
		}
		if _, nested := v.(map[string]any); nested {
			continue
		}
		return v, true
	}
	return nil, false
}
