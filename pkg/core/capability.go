// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"strings"

	kerrors "github.com/jllopis/tradecrew/pkg/errors"
)

// Capability names an external information-gathering tool kind an agent may call.
type Capability string

const (
	CapabilitySearch Capability = "search"
	CapabilityScrape Capability = "scrape"
)

// SupportedCapabilities lists every capability the tool layer implements.
var SupportedCapabilities = []Capability{CapabilitySearch, CapabilityScrape}

// Valid reports whether c is a supported capability.
func (c Capability) Valid() bool {
	return c.bit() != 0
}

func (c Capability) bit() uint8 {
	switch c {
	case CapabilitySearch:
		return 1
	case CapabilityScrape:
		return 2
	}
	return 0
}

// ParseCapability parses a capability name, case-insensitively.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", kerrors.Newf(kerrors.CodeConfiguration, "unsupported capability %q", s).
			WithContext("capability", s)
	}
	return c, nil
}

// CapabilitySet is an immutable subset of the supported capabilities.
type CapabilitySet struct {
	mask uint8
}

// NewCapabilitySet builds a set, failing with CONFIGURATION_ERROR on any
// capability outside the supported set. Duplicates are ignored.
func NewCapabilitySet(caps ...Capability) (CapabilitySet, error) {
	var s CapabilitySet
	for _, c := range caps {
		if !c.Valid() {
			return CapabilitySet{}, kerrors.Newf(kerrors.CodeConfiguration, "unsupported capability %q", string(c)).
				WithContext("capability", string(c))
		}
		s.mask |= c.bit()
	}
	return s, nil
}

// ParseCapabilitySet parses capability names into a set.
func ParseCapabilitySet(names []string) (CapabilitySet, error) {
	caps := make([]Capability, 0, len(names))
	for _, n := range names {
		c, err := ParseCapability(n)
		if err != nil {
			return CapabilitySet{}, err
		}
		caps = append(caps, c)
	}
	return NewCapabilitySet(caps...)
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	b := c.bit()
	return b != 0 && s.mask&b != 0
}

// Empty reports whether the set grants nothing.
func (s CapabilitySet) Empty() bool { return s.mask == 0 }

// List returns the capabilities in the set in SupportedCapabilities order.
func (s CapabilitySet) List() []Capability {
	var out []Capability
	for _, c := range SupportedCapabilities {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// String renders the set as a comma separated list.
func (s CapabilitySet) String() string {
	list := s.List()
	names := make([]string, len(list))
	for i, c := range list {
		names[i] = string(c)
	}
	return strings.Join(names, ",")
}
