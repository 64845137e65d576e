// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package iiif

import (
	"strings"
)

// FirstString flattens the value shapes observed across IIIF v2/v3 manifests
// into a single display string:
//
//   - bare string
//   - list of strings (joined with " | ")
//   - list of language-tagged dicts {"@value": ..., "@language": ...}
//   - map from language code to list of strings (v3 language map)
//
// Downstream code consumes only the flattened form.
func FirstString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64, int, int64, bool:
		return ""
	case []any:
		var parts []string
		for _, e := range t {
			if s := FirstString(e); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " | ")
	case map[string]any:
		// Language-tagged dict.
		if val, ok := t["@value"]; ok {
			return FirstString(val)
		}
		// v3 language map: prefer English-ish keys, then "none", then anything.
		for _, k := range []string{"en", "it", "fr", "la", "none", "@none"} {
			if val, ok := t[k]; ok {
				if s := FirstString(val); s != "" {
					return s
				}
			}
		}
		for _, val := range t {
			if s := FirstString(val); s != "" {
				return s
			}
		}
	}
	return ""
}

// genericTitles are site-chrome strings that must never be used as a document
// title. Matching happens on the compacted (lowercase, alphanumeric-only) form.
var genericTitles = []string{
	"digivatlib",
	"gallica",
	"advancedsearch",
	"bodleianlibraries",
	"digitalbodleian",
	"bibliothequenationaledefrance",
	"bibliothequedelinstitutdefrance",
	"searchresults",
	"defaultsearch",
	"homepage",
	"untitled",
}

// compact lowercases a string and strips everything but letters and digits.
func compact(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsGenericTitle reports whether s is repository chrome rather than a real
// document title.
func IsGenericTitle(s string) bool {
	c := compact(s)
	if c == "" {
		return true
	}
	for _, g := range genericTitles {
		if c == g {
			return true
		}
	}
	return false
}

// CleanTitle returns the flattened value, or "" when it is a generic site
// title.
func CleanTitle(v any) string {
	s := FirstString(v)
	if IsGenericTitle(s) {
		return ""
	}
	return s
}
