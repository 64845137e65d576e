// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package enrich derives catalog fields (shelfmark, item type, detail URL,
// reference text) from a parsed manifest and an optional scrape of the
// catalog detail page.
package enrich

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codexvault/codexvault/internal/fetch"
	"github.com/codexvault/codexvault/pkg/iiif"
)

// Record is the enrichment result merged into the manuscript row.
type Record struct {
	Shelfmark     string
	ItemType      string
	Confidence    float64
	DateLabel     string
	LanguageLabel string
	DetailURL     string
	ReferenceText string
}

// Document produces the enrichment record for a parsed manifest. When client
// is non-nil the selected detail URL is fetched for reference text.
func Document(ctx context.Context, client *fetch.Client, doc *iiif.Document, docID string) Record {
	rec := Record{
		DateLabel:     doc.DateLabel,
		LanguageLabel: doc.LanguageLabel,
	}

	rec.Shelfmark = doc.Shelfmark
	if rec.Shelfmark == "" {
		rec.Shelfmark = docID
	}

	rec.ItemType, rec.Confidence = InferItemType(classificationText(doc))

	rec.DetailURL = ScoreDetailURL(doc.Links)
	if rec.DetailURL == "" && strings.HasPrefix(docID, "MSS_") {
		rec.DetailURL = VaticanDetailURL(docID)
	}

	if client != nil && rec.DetailURL != "" {
		resp, err := client.Get(ctx, rec.DetailURL, 20*time.Second)
		if err != nil {
			logrus.WithError(err).WithField("url", rec.DetailURL).Debug("detail page fetch failed")
		} else if resp.Status == http.StatusOK {
			rec.ReferenceText = ExtractReferenceText(resp.Body)
		}
	}
	return rec
}

// classificationText concatenates the fields the item-type rule table scans:
// label, description and type/genre/format/material metadata.
func classificationText(doc *iiif.Document) string {
	parts := []string{doc.Label, doc.Description}
	for _, key := range []string{"type", "genre", "format", "material", "materiale", "description", "descrizione", "support"} {
		if v := doc.Metadata[key]; v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}
