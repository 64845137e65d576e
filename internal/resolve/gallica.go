// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"fmt"
	"regexp"
	"strings"
)

// Gallica resolves BnF manifest URLs, ark identifiers and bare Gallica
// document ids (which start with "b" or "c").
type Gallica struct{}

var (
	arkRe       = regexp.MustCompile(`ark:/(\d+)/([a-zA-Z0-9]+)`)
	gallicaIDRe = regexp.MustCompile(`^[bc][a-z0-9]+$`)
)

func (g *Gallica) CanResolve(input string) bool {
	input = strings.TrimSpace(input)
	if arkRe.MatchString(input) {
		return true
	}
	return gallicaIDRe.MatchString(strings.ToLower(input))
}

func (g *Gallica) Resolve(input string) (Resolution, error) {
	input = strings.TrimSpace(input)

	if m := arkRe.FindStringSubmatch(input); m != nil {
		naan, id := m[1], m[2]
		return Resolution{
			ManifestURL: fmt.Sprintf("https://gallica.bnf.fr/iiif/ark:/%s/%s/manifest.json", naan, id),
			DocID:       id,
		}, nil
	}

	if gallicaIDRe.MatchString(strings.ToLower(input)) {
		return Resolution{
			ManifestURL: fmt.Sprintf("https://gallica.bnf.fr/iiif/ark:/12148/%s/manifest.json", input),
			DocID:       input,
		}, nil
	}

	return Resolution{}, &Error{
		Library: "Gallica",
		Input:   input,
		Reason:  "expected an ark identifier, a gallica.bnf.fr URL or a document id starting with 'b' or 'c'",
	}
}
