// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/codexvault/codexvault/internal/fetch"
	"github.com/codexvault/codexvault/internal/resolve"
	"github.com/codexvault/codexvault/pkg/iiif"
)

// vaticanManifestBase is overridable in tests.
var vaticanManifestBase = "https://digi.vatlib.it/iiif"

// Collections probed when the user gives only a number. The Vatican exposes
// no search API, so probing synthesized shelfmarks is the only option; when
// nothing answers 200 the result list is simply empty.
var vaticanCollections = []string{
	"Urb.lat", "Vat.lat", "Pal.lat", "Reg.lat", "Barb.lat", "Vat.gr", "Pal.gr",
}

var digitsRe = regexp.MustCompile(`\d+`)

// Vatican probes candidate shelfmarks derived from the query.
func Vatican(ctx context.Context, query string, maxResults int) []Result {
	candidates := vaticanCandidates(query)
	if len(candidates) == 0 {
		return nil
	}

	client := fetch.New()
	results := make([]*Result, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	var mu sync.Mutex
	for i, docID := range candidates {
		i, docID := i, docID
		g.Go(func() error {
			manifestURL := fmt.Sprintf("%s/%s/manifest.json", vaticanManifestBase, docID)
			resp, err := client.Get(gctx, manifestURL, 8*time.Second)
			if err != nil || resp.Status != http.StatusOK {
				return nil
			}
			doc, err := iiif.Parse(resp.Body)
			if err != nil {
				logrus.WithField("doc", docID).Debug("vatican probe answered with invalid manifest")
				return nil
			}
			title := doc.Label
			if title == "" {
				title = strings.TrimPrefix(docID, "MSS_")
			}
			mu.Lock()
			results[i] = &Result{
				Library:     "Vaticana",
				Title:       title,
				DocID:       docID,
				ManifestURL: manifestURL,
				Date:        doc.DateLabel,
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var out []Result
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
			if len(out) >= maxResults {
				break
			}
		}
	}
	return out
}

// vaticanCandidates synthesizes canonical shelfmarks to probe. A purely
// numeric query fans out across every collection; a query that already names
// a collection resolves to a single candidate.
func vaticanCandidates(query string) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	if canonical, ok := resolve.NormalizeShelfmark(query); ok {
		return []string{canonical}
	}

	number := digitsRe.FindString(query)
	if number == "" {
		return nil
	}
	out := make([]string, 0, len(vaticanCollections))
	for _, coll := range vaticanCollections {
		out = append(out, fmt.Sprintf("MSS_%s.%s", coll, number))
	}
	return out
}
