// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Bodleian resolves digital.bodleian.ox.ac.uk object URLs and bare UUIDs.
type Bodleian struct{}

var uuidRe = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

func (b *Bodleian) CanResolve(input string) bool {
	return uuidRe.MatchString(input)
}

func (b *Bodleian) Resolve(input string) (Resolution, error) {
	input = strings.TrimSpace(input)

	id := uuidRe.FindString(input)
	if id == "" {
		return Resolution{}, &Error{
			Library: "Bodleian",
			Input:   input,
			Reason:  "expected an object UUID or a digital.bodleian.ox.ac.uk URL containing one",
		}
	}
	// The regex is permissive about surroundings; uuid.Parse pins the format.
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Resolution{}, &Error{Library: "Bodleian", Input: input, Reason: "malformed UUID"}
	}
	canonical := parsed.String()
	return Resolution{
		ManifestURL: fmt.Sprintf("https://iiif.bodleian.ox.ac.uk/iiif/manifest/%s.json", canonical),
		DocID:       canonical,
	}, nil
}
