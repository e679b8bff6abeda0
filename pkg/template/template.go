// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package template resolves named placeholders in task templates against an
// execution context.
//
// A placeholder is an identifier wrapped in single braces, such as
// {stock_selection}. Doubled braces ("{{" and "}}") produce literal braces.
// Any other brace sequence is copied through unchanged, so prose containing
// braces that do not wrap an identifier is left alone.
//
// Binding is all-or-nothing: if any placeholder has no value the template is
// not substituted at all and a TEMPLATE_BINDING_ERROR lists every missing name.
package template

import (
	"sort"
	"strings"

	"github.com/jllopis/tradecrew/pkg/core"
	kerrors "github.com/jllopis/tradecrew/pkg/errors"
)

type segment struct {
	literal string
	name    string
}

// parse splits tmpl into literal and placeholder segments.
func parse(tmpl string) []segment {
	var (
		segs []segment
		lit  strings.Builder
	)
	flush := func() {
		if lit.Len() > 0 {
			segs = append(segs, segment{literal: lit.String()})
			lit.Reset()
		}
	}
	for i := 0; i < len(tmpl); {
		c := tmpl[i]
		switch {
		case c == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			lit.WriteByte('{')
			i += 2
		case c == '}' && i+1 < len(tmpl) && tmpl[i+1] == '}':
			lit.WriteByte('}')
			i += 2
		case c == '{':
			end := identEnd(tmpl, i+1)
			if end > i+1 && end < len(tmpl) && tmpl[end] == '}' {
				flush()
				segs = append(segs, segment{name: tmpl[i+1 : end]})
				i = end + 1
				continue
			}
			lit.WriteByte(c)
			i++
		default:
			lit.WriteByte(c)
			i++
		}
	}
	flush()
	return segs
}

// identEnd returns the index just past the identifier starting at i.
func identEnd(s string, i int) int {
	j := i
	for j < len(s) {
		c := s[j]
		isLetter := c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isDigit := c >= '0' && c <= '9'
		if !isLetter && !(isDigit && j > i) {
			break
		}
		j++
	}
	return j
}

// Placeholders returns the distinct placeholder names in tmpl, in order of
// first appearance.
func Placeholders(tmpl string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, s := range parse(tmpl) {
		if s.name != "" && !seen[s.name] {
			seen[s.name] = true
			names = append(names, s.name)
		}
	}
	return names
}

// HasPlaceholders reports whether tmpl contains at least one placeholder.
func HasPlaceholders(tmpl string) bool {
	for _, s := range parse(tmpl) {
		if s.name != "" {
			return true
		}
	}
	return false
}

// Missing returns the sorted placeholder names of tmpl that ec does not bind.
func Missing(tmpl string, ec core.ExecutionContext) []string {
	return missingIn(parse(tmpl), ec)
}

// Bind substitutes every placeholder of tmpl with its value from ec.
// Substituted values are not rescanned for placeholders.
func Bind(tmpl string, ec core.ExecutionContext) (string, error) {
	segs := parse(tmpl)
	if missing := missingIn(segs, ec); len(missing) > 0 {
		return "", kerrors.Newf(kerrors.CodeTemplateBinding,
			"unresolved placeholders: %s", strings.Join(missing, ", ")).
			WithContext("missing", missing)
	}
	var b strings.Builder
	b.Grow(len(tmpl))
	for _, s := range segs {
		if s.name == "" {
			b.WriteString(s.literal)
			continue
		}
		v, _ := ec.Lookup(s.name)
		b.WriteString(v)
	}
	return b.String(), nil
}

// MustBind is like Bind but panics on error. Intended for tests and static templates.
func MustBind(tmpl string, ec core.ExecutionContext) string {
	out, err := Bind(tmpl, ec)
	if err != nil {
		panic(err)
	}
	return out
}

func missingIn(segs []segment, ec core.ExecutionContext) []string {
	seen := make(map[string]bool)
	var missing []string
	for _, s := range segs {
		if s.name == "" || seen[s.name] {
			continue
		}
		seen[s.name] = true
		if _, ok := ec.Lookup(s.name); !ok {
			missing = append(missing, s.name)
		}
	}
	sort.Strings(missing)
	return missing
}
