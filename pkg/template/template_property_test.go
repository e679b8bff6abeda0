// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package template

import (
	"fmt"
	"strings"
	"testing"

	"github.com/jllopis/tradecrew/pkg/core"
	kerrors "github.com/jllopis/tradecrew/pkg/errors"
	"pgregory.net/rapid"
)

type generated struct {
	tmpl   string
	want   string
	values map[string]string
	names  []string
}

func drawTemplate(rt *rapid.T) generated {
	g := generated{values: make(map[string]string)}
	var tmpl, want strings.Builder
	parts := rapid.IntRange(0, 8).Draw(rt, "parts")
	for i := 0; i < parts; i++ {
		lit := rapid.StringMatching(`[a-zA-Z0-9 .,:;-]{0,20}`).Draw(rt, fmt.Sprintf("literal_%d", i))
		tmpl.WriteString(lit)
		want.WriteString(lit)

		name := rapid.StringMatching(`[a-z_][a-z0-9_]{0,10}`).Draw(rt, fmt.Sprintf("name_%d", i))
		value, ok := g.values[name]
		if !ok {
			value = rapid.StringMatching(`[A-Za-z0-9 .]{0,15}`).Draw(rt, fmt.Sprintf("value_%d", i))
			g.values[name] = value
			g.names = append(g.names, name)
		}
		tmpl.WriteString("{" + name + "}")
		want.WriteString(value)
	}
	g.tmpl = tmpl.String()
	g.want = want.String()
	return g
}

func TestBindProperty_NoUnresolvedMarkers(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		g := drawTemplate(rt)
		out, err := Bind(g.tmpl, core.NewExecutionContext(g.values))
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}
		if out != g.want {
			rt.Fatalf("Bind(%q) = %q, want %q", g.tmpl, out, g.want)
		}
		if HasPlaceholders(out) {
			rt.Fatalf("output still contains placeholders: %q", out)
		}
	})
}

func TestBindProperty_Deterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		g := drawTemplate(rt)
		ec := core.NewExecutionContext(g.values)
		first, err1 := Bind(g.tmpl, ec)
		second, err2 := Bind(g.tmpl, ec)
		if err1 != nil || err2 != nil {
			rt.Fatalf("unexpected errors: %v, %v", err1, err2)
		}
		if first != second {
			rt.Fatalf("non-deterministic output: %q vs %q", first, second)
		}
	})
}

func TestBindProperty_MissingAlwaysFails(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		g := drawTemplate(rt)
		if len(g.names) == 0 {
			rt.Skip("no placeholders drawn")
		}
		drop := rapid.SampledFrom(g.names).Draw(rt, "drop")
		values := make(map[string]string, len(g.values))
		for k, v := range g.values {
			if k != drop {
				values[k] = v
			}
		}
		out, err := Bind(g.tmpl, core.NewExecutionContext(values))
		if !kerrors.Is(err, kerrors.CodeTemplateBinding) {
			rt.Fatalf("expected template binding error, got %v", err)
		}
		if out != "" {
			rt.Fatalf("expected no partial output, got %q", out)
		}
	})
}
