// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package enrich

import (
	"encoding/json"
	"strings"

	"golang.org/x/net/html"

	"github.com/codexvault/codexvault/pkg/iiif"
)

// ExtractReferenceText pulls a human-readable citation out of a catalog
// detail page. Candidates in priority order: Open Graph title, citation_title
// meta, <title>, first <h1>/<h2>, inline JSON-LD headline/name/title. Generic
// site titles are discarded at every step.
func ExtractReferenceText(page []byte) string {
	root, err := html.Parse(strings.NewReader(string(page)))
	if err != nil {
		return ""
	}

	var ogTitle, citationTitle, pageTitle, heading string
	var jsonLD []string

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "meta":
				name, property, content := "", "", ""
				for _, a := range n.Attr {
					switch a.Key {
					case "name":
						name = a.Val
					case "property":
						property = a.Val
					case "content":
						content = a.Val
					}
				}
				if property == "og:title" && ogTitle == "" {
					ogTitle = content
				}
				if name == "citation_title" && citationTitle == "" {
					citationTitle = content
				}
			case "title":
				if pageTitle == "" {
					pageTitle = textOf(n)
				}
			case "h1", "h2":
				if heading == "" {
					heading = textOf(n)
				}
			case "script":
				for _, a := range n.Attr {
					if a.Key == "type" && a.Val == "application/ld+json" {
						jsonLD = append(jsonLD, textOf(n))
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	for _, cand := range []string{ogTitle, citationTitle, pageTitle, heading} {
		if s := cleanReference(cand); s != "" {
			return s
		}
	}
	for _, raw := range jsonLD {
		if s := cleanReference(jsonLDTitle(raw)); s != "" {
			return s
		}
	}
	return ""
}

// jsonLDTitle digs headline/name/title out of a JSON-LD blob, tolerating both
// a single object and an array of objects.
func jsonLDTitle(raw string) string {
	var probe any
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return ""
	}
	var objs []map[string]any
	switch t := probe.(type) {
	case map[string]any:
		objs = append(objs, t)
	case []any:
		for _, e := range t {
			if m, ok := e.(map[string]any); ok {
				objs = append(objs, m)
			}
		}
	}
	for _, obj := range objs {
		for _, key := range []string{"headline", "name", "title"} {
			if s, ok := obj[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func cleanReference(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if iiif.IsGenericTitle(s) {
		return ""
	}
	return s
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}
