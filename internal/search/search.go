// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package search queries the repositories that expose any search surface at
// all: BnF over SRU, the Institut de France over its records page, and the
// Vatican by probing synthesized shelfmarks. All searchers are failure
// tolerant: any error is logged and converted to an empty result list so the
// UI stays responsive.
package search

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
)

// Result is one search hit, resolvable into a download.
type Result struct {
	Library      string `json:"library"`
	Title        string `json:"title"`
	DocID        string `json:"doc_id"`
	ManifestURL  string `json:"manifest_url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	Date         string `json:"date,omitempty"`
	Identifier   string `json:"identifier,omitempty"`
}

// Library runs the searcher for the named library. Unknown libraries and the
// Bodleian (whose public search endpoint is unavailable) yield no results.
func Library(ctx context.Context, library, query string, maxResults int) []Result {
	if maxResults <= 0 {
		maxResults = 20
	}
	switch {
	case containsFold(library, "gallica"), containsFold(library, "bnf"):
		return BnF(ctx, query, maxResults)
	case containsFold(library, "institut"):
		return Institut(ctx, query, maxResults)
	case containsFold(library, "vatican"), containsFold(library, "bav"):
		return Vatican(ctx, query, maxResults)
	case containsFold(library, "bodleian"), containsFold(library, "oxford"):
		logrus.Debug("bodleian search endpoint unavailable, returning empty")
		return nil
	default:
		logrus.WithField("library", library).Debug("no searcher for library")
		return nil
	}
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), sub)
}
