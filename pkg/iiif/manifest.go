// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package iiif parses IIIF Presentation API manifests (v2 and v3) and Image
// API info.json documents into canonical structures.
package iiif

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Canvas is one logical page of a manifest. Canvases are transient: they are
// parsed at job start, handed to the download engine and never persisted.
type Canvas struct {
	// Index is the 0-based position within the manifest.
	Index int
	// ServiceBase is the IIIF Image API service base URL, without trailing
	// slash. Empty when the canvas carries no image service at all.
	ServiceBase string
	// Thumbnail is optional.
	Thumbnail string
	// Label is the language-normalized canvas label.
	Label string
}

// Link is a URL candidate harvested from a manifest, tagged with the field it
// came from. Enrichment scores these to pick a source detail URL.
type Link struct {
	URL    string
	Source string // seeAlso, related, homepage, rendering, service, metadata
}

// Document is the canonical, flattened view of a manifest.
type Document struct {
	Label       string
	Description string
	Attribution string
	Canvases    []Canvas
	// Metadata maps lowercased metadata labels to flattened values.
	Metadata map[string]string
	SeeAlso  []string
	Links    []Link

	Shelfmark     string
	DateLabel     string
	LanguageLabel string

	// Raw is the manifest bytes as fetched, persisted under data/.
	Raw json.RawMessage
}

// ErrInvalidManifest is returned by Parse when the document has none of the
// fields a manifest must carry. A manifest with zero canvases is not an error.
var ErrInvalidManifest = errors.New("iiif: not a manifest")

// Parse reads a raw manifest (v2 or v3) into a Document.
func Parse(raw []byte) (*Document, error) {
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("iiif: decode manifest: %w", err)
	}
	if root["label"] == nil && root["sequences"] == nil && root["items"] == nil {
		return nil, ErrInvalidManifest
	}

	doc := &Document{
		Label:       CleanTitle(root["label"]),
		Description: FirstString(pick(root, "description", "summary")),
		Attribution: attributionOf(root),
		Metadata:    map[string]string{},
		Raw:         json.RawMessage(raw),
	}

	for _, entry := range asSlice(root["metadata"]) {
		m := asMap(entry)
		if m == nil {
			continue
		}
		label := strings.ToLower(strings.TrimSpace(FirstString(m["label"])))
		value := FirstString(m["value"])
		if label == "" || value == "" {
			continue
		}
		doc.Metadata[label] = value
		for _, u := range urlsIn(value) {
			doc.Links = append(doc.Links, Link{URL: u, Source: "metadata"})
		}
	}

	doc.SeeAlso = collectURLs(root["seeAlso"])
	for _, u := range doc.SeeAlso {
		doc.Links = append(doc.Links, Link{URL: u, Source: "seeAlso"})
	}
	for _, field := range []string{"related", "homepage", "rendering", "service"} {
		for _, u := range collectURLs(root[field]) {
			doc.Links = append(doc.Links, Link{URL: u, Source: field})
		}
	}

	doc.Shelfmark = firstMeta(doc.Metadata, "shelfmark", "collocation", "segnatura")
	doc.DateLabel = firstMeta(doc.Metadata, "date", "data", "datierung")
	doc.LanguageLabel = firstMeta(doc.Metadata, "language", "langue", "lingua")

	doc.Canvases = parseCanvases(root)
	return doc, nil
}

// parseCanvases enumerates canvases: sequences[0].canvases (v2) when present
// and nonempty, otherwise items (v3).
func parseCanvases(root map[string]any) []Canvas {
	var entries []any
	if seqs := asSlice(root["sequences"]); len(seqs) > 0 {
		if seq := asMap(seqs[0]); seq != nil {
			entries = asSlice(seq["canvases"])
		}
	}
	if entries == nil {
		entries = asSlice(root["items"])
	}

	canvases := make([]Canvas, 0, len(entries))
	for i, e := range entries {
		m := asMap(e)
		if m == nil {
			continue
		}
		canvases = append(canvases, Canvas{
			Index:       i,
			ServiceBase: canvasService(m),
			Thumbnail:   firstURL(m["thumbnail"]),
			Label:       FirstString(m["label"]),
		})
	}
	return canvases
}

// canvasService resolves the Image API service base for a canvas entity.
// Order: images[0] (v2) or items[0] (v3, descending through the annotation
// page); then resource/body; then service (first element when a list); then
// its @id/id. Degrades to stripping /full/... off the resource id.
func canvasService(canvas map[string]any) string {
	var anno map[string]any
	if imgs := asSlice(canvas["images"]); len(imgs) > 0 {
		anno = asMap(imgs[0])
	} else if items := asSlice(canvas["items"]); len(items) > 0 {
		anno = asMap(items[0])
		// v3 wraps annotations in an AnnotationPage.
		if anno != nil {
			if inner := asSlice(anno["items"]); len(inner) > 0 {
				if m := asMap(inner[0]); m != nil {
					anno = m
				}
			}
		}
	}
	if anno == nil {
		return ""
	}

	res := anno
	if r := asMap(anno["resource"]); r != nil {
		res = r
	} else if b := asMap(anno["body"]); b != nil {
		res = b
	}

	svc := res["service"]
	if list := asSlice(svc); len(list) > 0 {
		svc = list[0]
	}
	if m := asMap(svc); m != nil {
		if id := idOf(m); id != "" {
			return strings.TrimRight(id, "/")
		}
	}

	if id := idOf(res); id != "" {
		if i := strings.Index(id, "/full/"); i > 0 {
			return id[:i]
		}
	}
	return ""
}

func idOf(m map[string]any) string {
	if s, ok := m["@id"].(string); ok && s != "" {
		return s
	}
	if s, ok := m["id"].(string); ok && s != "" {
		return s
	}
	return ""
}

// firstURL handles thumbnail-style fields: string, object with id/@id, or a
// list of either.
func firstURL(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		return idOf(t)
	case []any:
		for _, e := range t {
			if u := firstURL(e); u != "" {
				return u
			}
		}
	}
	return ""
}

// collectURLs flattens link-bearing fields into URL strings.
func collectURLs(v any) []string {
	var out []string
	switch t := v.(type) {
	case string:
		if isHTTP(t) {
			out = append(out, t)
		}
	case map[string]any:
		if u := idOf(t); isHTTP(u) {
			out = append(out, u)
		}
	case []any:
		for _, e := range t {
			out = append(out, collectURLs(e)...)
		}
	}
	return out
}

// urlsIn extracts http(s) URLs embedded in flattened metadata values.
func urlsIn(s string) []string {
	var out []string
	for _, f := range strings.Fields(s) {
		f = strings.Trim(f, `"'<>();,`)
		if isHTTP(f) {
			out = append(out, f)
		}
	}
	return out
}

func isHTTP(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func firstMeta(meta map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := meta[k]; v != "" {
			return v
		}
	}
	return ""
}

// attributionOf reads v2 attribution, falling back to the v3
// requiredStatement {label, value} pair.
func attributionOf(root map[string]any) string {
	if v := root["attribution"]; v != nil {
		return FirstString(v)
	}
	if rs := asMap(root["requiredStatement"]); rs != nil {
		return FirstString(rs["value"])
	}
	return ""
}

func pick(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
