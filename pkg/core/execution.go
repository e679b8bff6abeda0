// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"sort"
	"strings"
)

// ExecutionContext is the resolved mapping from placeholder name to parameter
// value for one run. The zero value is an empty context. Values are copied on
// construction and never mutated afterwards, so a context can be shared by
// every task and agent of a run.
type ExecutionContext struct {
	values map[string]string
}

// NewExecutionContext copies values into a new immutable context.
func NewExecutionContext(values map[string]string) ExecutionContext {
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return ExecutionContext{values: cp}
}

// Lookup returns the value bound to name.
func (c ExecutionContext) Lookup(name string) (string, bool) {
	v, ok := c.values[name]
	return v, ok
}

// Len returns the number of bound names.
func (c ExecutionContext) Len() int { return len(c.values) }

// Keys returns the bound names in lexical order.
func (c ExecutionContext) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Map returns a copy of the bindings.
func (c ExecutionContext) Map() map[string]string {
	cp := make(map[string]string, len(c.values))
	for k, v := range c.values {
		cp[k] = v
	}
	return cp
}

// With returns a new context with name bound to value. The receiver is unchanged.
func (c ExecutionContext) With(name, value string) ExecutionContext {
	cp := c.Map()
	cp[name] = value
	return ExecutionContext{values: cp}
}

// String renders the context as "k=v, ..." in key order.
func (c ExecutionContext) String() string {
	var b strings.Builder
	for i, k := range c.Keys() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(c.values[k])
	}
	return b.String()
}
