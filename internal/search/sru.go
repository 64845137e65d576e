// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codexvault/codexvault/internal/fetch"
	"github.com/codexvault/codexvault/internal/resolve"
)

// sruEndpoint is the BnF SRU base URL, overridable in tests.
var sruEndpoint = "https://gallica.bnf.fr/SRU"

// sruResponse mirrors the searchRetrieve XML envelope. encoding/xml does not
// resolve external entities, so the parse is XXE-safe by construction.
type sruResponse struct {
	XMLName xml.Name    `xml:"searchRetrieveResponse"`
	Records []sruRecord `xml:"records>record"`
}

type sruRecord struct {
	Data sruRecordData `xml:"recordData"`
}

type sruRecordData struct {
	DC dublinCore `xml:"dc"`
}

// dublinCore matches by local element name regardless of namespace prefix.
type dublinCore struct {
	Titles      []string `xml:"title"`
	Creators    []string `xml:"creator"`
	Dates       []string `xml:"date"`
	Identifiers []string `xml:"identifier"`
	Types       []string `xml:"type"`
}

// BnF searches Gallica manuscripts over SRU/CQL. Any failure returns an empty
// list after logging.
func BnF(ctx context.Context, query string, maxResults int) []Result {
	if maxResults > 50 {
		maxResults = 50
	}
	// Embedded double quotes would terminate the CQL string and trip SRU 500s.
	safe := strings.ReplaceAll(query, `"`, `'`)
	cql := fmt.Sprintf(`(dc.title all "%s") and (dc.type all "manuscrit")`, safe)

	params := url.Values{
		"operation":      {"searchRetrieve"},
		"version":        {"1.2"},
		"query":          {cql},
		"maximumRecords": {fmt.Sprintf("%d", maxResults)},
		"startRecord":    {"1"},
		"collapsing":     {"true"},
	}
	reqURL := sruEndpoint + "?" + params.Encode()

	client := fetch.New()
	resp, err := client.Get(ctx, reqURL, 20*time.Second)
	if err != nil {
		logrus.WithError(err).Warn("bnf sru request failed")
		return nil
	}
	if resp.Status != http.StatusOK {
		logrus.WithField("status", resp.Status).Warn("bnf sru returned non-200")
		return nil
	}

	var parsed sruResponse
	if err := xml.Unmarshal(resp.Body, &parsed); err != nil {
		logrus.WithError(err).Warn("bnf sru response did not parse")
		return nil
	}

	gallica := &resolve.Gallica{}
	var out []Result
	for _, rec := range parsed.Records {
		dc := rec.Data.DC
		id := arkFromIdentifiers(dc.Identifiers, gallica)
		if id == "" {
			continue
		}
		title := firstNonEmpty(dc.Titles)
		if title == "" {
			title = id
		}
		out = append(out, Result{
			Library:      "Gallica",
			Title:        title,
			DocID:        id,
			ManifestURL:  fmt.Sprintf("https://gallica.bnf.fr/iiif/ark:/12148/%s/manifest.json", id),
			ThumbnailURL: fmt.Sprintf("https://gallica.bnf.fr/ark:/12148/%s.thumbnail", id),
			Date:         firstNonEmpty(dc.Dates),
			Identifier:   fmt.Sprintf("ark:/12148/%s", id),
		})
		if len(out) >= maxResults {
			break
		}
	}
	return out
}

// arkFromIdentifiers scans dc:identifier values for an ark substring; when
// none is present, a raw identifier is accepted only if the Gallica resolver
// would accept it.
func arkFromIdentifiers(identifiers []string, gallica *resolve.Gallica) string {
	for _, ident := range identifiers {
		if i := strings.Index(ident, "ark:/"); i >= 0 {
			r, err := gallica.Resolve(ident[i:])
			if err == nil {
				return r.DocID
			}
		}
	}
	for _, ident := range identifiers {
		ident = strings.TrimSpace(ident)
		if gallica.CanResolve(ident) {
			return ident
		}
	}
	return ""
}

func firstNonEmpty(values []string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
