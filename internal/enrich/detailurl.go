// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package enrich

import (
	"strings"

	"github.com/codexvault/codexvault/pkg/iiif"
)

// ScoreDetailURL picks the best human-facing catalog detail page among the
// link candidates a manifest carries. Scores follow a fixed table; ties break
// in favor of seeAlso sources and HTTPS.
func ScoreDetailURL(links []iiif.Link) string {
	bestScore := -1 << 30
	best := ""
	for _, l := range links {
		s := scoreCandidate(l)
		if s > bestScore {
			bestScore, best = s, l.URL
		}
	}
	if bestScore <= -400 {
		// Nothing but OAI endpoints and similar junk.
		return ""
	}
	return best
}

func scoreCandidate(l iiif.Link) int {
	u := strings.ToLower(l.URL)
	score := 0

	switch {
	case strings.Contains(u, "digi.vatlib.it/mss/detail/"):
		score += 320
	case strings.Contains(u, "archivesetmanuscrits.bnf.fr") && strings.Contains(u, "ark:/"):
		score += 250
	case strings.Contains(u, "digital.bodleian.ox.ac.uk/objects/"):
		score += 220
	}

	if strings.Contains(u, "oai") && (strings.Contains(u, "verb=") || strings.Contains(u, "/oai")) {
		score -= 500
	}
	if strings.Contains(u, "search") || strings.Contains(u, "query=") || strings.Contains(u, "?q=") {
		score -= 160
	}
	for _, deriv := range []string{".thumbnail", ".highres", ".lowres", ".medres", ".jpg", ".jpeg", ".png", ".pdf"} {
		if strings.HasSuffix(u, deriv) {
			score -= 90
			break
		}
	}

	// Tie breakers.
	if l.Source == "seeAlso" {
		score += 10
	}
	if strings.HasPrefix(u, "https://") {
		score += 5
	}
	return score
}

// VaticanDetailURL derives the digi.vatlib.it detail page from a document id
// when a manifest offered no usable candidate.
func VaticanDetailURL(docID string) string {
	if docID == "" {
		return ""
	}
	return "https://digi.vatlib.it/mss/detail/" + strings.TrimPrefix(docID, "MSS_")
}
