// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Vatican resolves digi.vatlib.it URLs and BAV shelfmarks.
//
// Shelfmarks are normalized permissively: collection prefix, optional series
// (lat/gr), numeric component, with any punctuation or whitespace in between.
// Canonical form: MSS_<Coll>.<series>.<n> (series omitted when absent).
type Vatican struct{}

var (
	vaticanURLRe   = regexp.MustCompile(`digi\.vatlib\.it/(?:view|iiif|mss)/(MSS_[A-Za-z._0-9]+?)(?:/|$|\?)`)
	// Permissive on purpose: any run of whitespace or punctuation may separate
	// collection, series and number ("Urb.lat.1779", "urb lat 1779", "URB_LAT_1779").
	vaticanShelfRe = regexp.MustCompile(`(?i)\b(vat|urb|pal|reg|barb|ott|borg|arch|cap)[\s._\-]*(lat|gr)?[\s._\-]*(\d+)`)
)

func (v *Vatican) CanResolve(input string) bool {
	if strings.Contains(input, "digi.vatlib.it") {
		return true
	}
	return vaticanShelfRe.MatchString(input)
}

func (v *Vatican) Resolve(input string) (Resolution, error) {
	input = strings.TrimSpace(input)

	// A UUID handed to the Vatican resolver is almost certainly a Bodleian
	// object id; say so instead of producing a nonsense shelfmark.
	if _, err := uuid.Parse(strings.Trim(input, "/")); err == nil {
		return Resolution{}, &Error{
			Library: "Vaticana",
			Input:   input,
			Reason:  "this looks like a Bodleian object UUID; select the Oxford library instead",
		}
	}

	if m := vaticanURLRe.FindStringSubmatch(input); m != nil {
		docID := m[1]
		return Resolution{
			ManifestURL: fmt.Sprintf("https://digi.vatlib.it/iiif/%s/manifest.json", docID),
			DocID:       docID,
		}, nil
	}

	canonical, ok := NormalizeShelfmark(input)
	if !ok {
		return Resolution{}, &Error{Library: "Vaticana", Input: input, Reason: "unrecognized shelfmark"}
	}
	return Resolution{
		ManifestURL: fmt.Sprintf("https://digi.vatlib.it/iiif/%s/manifest.json", canonical),
		DocID:       canonical,
	}, nil
}

// NormalizeShelfmark canonicalizes a BAV shelfmark, e.g. "urb lat 1779" and
// "Urb.lat.1779" both become "MSS_Urb.lat.1779".
func NormalizeShelfmark(input string) (string, bool) {
	m := vaticanShelfRe.FindStringSubmatch(input)
	if m == nil {
		return "", false
	}
	coll := strings.ToUpper(m[1][:1]) + strings.ToLower(m[1][1:])
	series := strings.ToLower(m[2])
	number := m[3]
	if series != "" {
		return fmt.Sprintf("MSS_%s.%s.%s", coll, series, number), true
	}
	return fmt.Sprintf("MSS_%s.%s", coll, number), true
}

// ViewerURL is the human viewer page for a Vatican document; the fetch client
// warms the session against it before image requests.
func ViewerURL(docID string) string {
	return "https://digi.vatlib.it/view/" + docID
}
