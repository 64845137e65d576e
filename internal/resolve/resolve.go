// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package resolve maps user input (shelfmarks, short identifiers, URLs) to the
// canonical manifest URL and document id of a supported repository.
package resolve

import (
	"fmt"
	"strings"
)

// Resolution is the canonical (manifest URL, document id) pair.
type Resolution struct {
	ManifestURL string
	DocID       string
}

// Resolver turns raw user input into a Resolution for one library.
type Resolver interface {
	// CanResolve reports whether the input looks addressable by this library.
	CanResolve(input string) bool
	// Resolve returns the canonical pair or a *resolve.Error.
	Resolve(input string) (Resolution, error)
}

// Error is a structured resolver failure. It is surfaced to the caller and
// never silently swallowed.
type Error struct {
	Library string
	Input   string
	Reason  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("cannot resolve %q for %s: %s", e.Input, e.Library, e.Reason)
}

// registry entries are matched by case-insensitive keyword against the library
// name; the generic resolver is the fallback. A table, not a hierarchy.
type entry struct {
	keyword  string
	resolver Resolver
}

var registry = []entry{
	{"vatican", &Vatican{}},
	{"bav", &Vatican{}},
	{"gallica", &Gallica{}},
	{"bnf", &Gallica{}},
	{"bodleian", &Bodleian{}},
	{"oxford", &Bodleian{}},
	{"institut", &Institut{}},
}

// ForLibrary selects the resolver for a library name. Unknown libraries fall
// back to the generic resolver.
func ForLibrary(library string) Resolver {
	name := strings.ToLower(library)
	for _, e := range registry {
		if strings.Contains(name, e.keyword) {
			return e.resolver
		}
	}
	return &Generic{}
}

// canonicalNames maps registry keywords onto the library labels stored in the
// catalog.
var canonicalNames = map[string]string{
	"vatican":  "Vaticana",
	"bav":      "Vaticana",
	"gallica":  "Gallica",
	"bnf":      "Gallica",
	"bodleian": "Bodleian",
	"oxford":   "Bodleian",
	"institut": "Institut de France",
}

// CanonicalName normalizes a user-supplied library name to its catalog label.
// Unrecognized names pass through trimmed, or become "Unknown" when empty.
func CanonicalName(library string) string {
	name := strings.ToLower(strings.TrimSpace(library))
	for keyword, label := range canonicalNames {
		if strings.Contains(name, keyword) {
			return label
		}
	}
	if trimmed := strings.TrimSpace(library); trimmed != "" {
		return trimmed
	}
	return "Unknown"
}

// Input resolves in one call, preserving the library name for error context.
func Input(library, input string) (Resolution, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Resolution{}, &Error{Library: library, Input: input, Reason: "empty input"}
	}
	return ForLibrary(library).Resolve(input)
}
