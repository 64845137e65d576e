// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"net/url"
	"strings"
)

// Generic accepts any manifest URL and derives a document id from the last
// meaningful path segment.
type Generic struct{}

func (g *Generic) CanResolve(input string) bool {
	return strings.HasPrefix(strings.TrimSpace(input), "http")
}

func (g *Generic) Resolve(input string) (Resolution, error) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "http") {
		return Resolution{}, &Error{Library: "Unknown", Input: input, Reason: "expected a manifest URL"}
	}
	return Resolution{ManifestURL: input, DocID: docIDFromURL(input)}, nil
}

// docIDFromURL picks the last path segment that is not manifest chrome,
// sanitized for use as a directory name.
func docIDFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "document"
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := len(segs) - 1; i >= 0; i-- {
		s := segs[i]
		if s == "" || s == "manifest.json" || s == "manifest" || s == "iiif" {
			continue
		}
		return sanitizeID(s)
	}
	return sanitizeID(u.Host)
}

func sanitizeID(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "document"
	}
	return b.String()
}
