// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/codexvault/codexvault/internal/fetch"
	"github.com/codexvault/codexvault/pkg/iiif"
)

// institutBase is the bibnum site root, overridable in tests.
var institutBase = "https://bibnum.institutdefrance.fr"

// One regex pulls (id, title) pairs out of the records page; the markup is
// stable enough that a full HTML walk buys nothing here.
var institutRecordRe = regexp.MustCompile(`<a\s+href="/records/item/(\d+)[^"]*"[^>]*>(.*?)</a>`)

var htmlTagRe = regexp.MustCompile(`<[^>]+>`)

// Institut scrapes the records search page and confirms each hit against its
// IIIF manifest.
func Institut(ctx context.Context, query string, maxResults int) []Result {
	client := fetch.New()
	searchURL := fmt.Sprintf("%s/records/default?search=%s", institutBase, url.QueryEscape(query))

	resp, err := client.Get(ctx, searchURL, 20*time.Second)
	if err != nil {
		logrus.WithError(err).Warn("institut search request failed")
		return nil
	}
	if resp.Status != http.StatusOK {
		logrus.WithField("status", resp.Status).Warn("institut search returned non-200")
		return nil
	}

	type hit struct{ id, title string }
	seen := map[string]bool{}
	var hits []hit
	for _, m := range institutRecordRe.FindAllStringSubmatch(string(resp.Body), -1) {
		id := m[1]
		if seen[id] {
			continue
		}
		seen[id] = true
		hits = append(hits, hit{id: id, title: cleanAnchorText(m[2])})
		if len(hits) >= maxResults {
			break
		}
	}

	results := make([]Result, len(hits))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	var mu sync.Mutex
	for i, h := range hits {
		i, h := i, h
		g.Go(func() error {
			manifestURL := fmt.Sprintf("%s/iiif/%s/manifest", institutBase, h.id)
			body, err := client.Get(gctx, manifestURL, 20*time.Second)
			if err != nil || body.Status != http.StatusOK {
				logrus.WithField("id", h.id).Debug("institut manifest fetch failed")
				return nil
			}
			doc, err := iiif.Parse(body.Body)
			if err != nil {
				return nil
			}
			title := doc.Label
			if title == "" {
				title = h.title
			}
			thumb := ""
			if len(doc.Canvases) > 0 {
				thumb = doc.Canvases[0].Thumbnail
			}
			mu.Lock()
			results[i] = Result{
				Library:      "Institut de France",
				Title:        title,
				DocID:        h.id,
				ManifestURL:  manifestURL,
				ThumbnailURL: thumb,
				Date:         doc.DateLabel,
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var out []Result
	for _, r := range results {
		if r.DocID != "" {
			out = append(out, r)
		}
	}
	return out
}

func cleanAnchorText(s string) string {
	s = htmlTagRe.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&#39;", "'")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	return strings.Join(strings.Fields(s), " ")
}
