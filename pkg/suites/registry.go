// Package suites names the built-in suites so the CLI can select them.
package suites

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dutkit/dutkit/pkg/harness"
	"github.com/dutkit/dutkit/pkg/scenario"
	"github.com/dutkit/dutkit/pkg/suites/devicetree"
	"github.com/dutkit/dutkit/pkg/suites/modem"
	"github.com/dutkit/dutkit/pkg/suites/supervisor"
)

// Builder builds a suite for a wired environment.
type Builder func(env *harness.Env) scenario.Suite

var builtin = map[string]Builder{
	"supervisor": supervisor.New,
	"devicetree": devicetree.New,
	"modem":      modem.New,
}

// Names lists the built-in suite names in order.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the builder for name.
func Lookup(name string) (Builder, error) {
	b, ok := builtin[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown suite %q (have %s)", name, strings.Join(Names(), ", "))
	}
	return b, nil
}

// Build builds the named suites for env, all of them when names is empty.
func Build(env *harness.Env, names ...string) ([]scenario.Suite, error) {
	if len(names) == 0 {
		names = Names()
	}
	out := make([]scenario.Suite, 0, len(names))
	for _, name := range names {
		b, err := Lookup(name)
		if err != nil {
			return nil, err
		}
		out = append(out, b(env))
	}
	return out, nil
}
