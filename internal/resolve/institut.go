// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"fmt"
	"regexp"
	"strings"
)

// Institut resolves Bibliothèque de l'Institut de France ids and bibnum URLs.
type Institut struct{}

var (
	institutNumericRe = regexp.MustCompile(`^\d+$`)
	institutURLRe     = regexp.MustCompile(`bibnum\.institutdefrance\.fr/(?:viewer|records/item|iiif)/(\d+)`)
)

func (i *Institut) CanResolve(input string) bool {
	input = strings.TrimSpace(input)
	return institutNumericRe.MatchString(input) || institutURLRe.MatchString(input)
}

func (i *Institut) Resolve(input string) (Resolution, error) {
	input = strings.TrimSpace(input)

	id := ""
	if institutNumericRe.MatchString(input) {
		id = input
	} else if m := institutURLRe.FindStringSubmatch(input); m != nil {
		id = m[1]
	}
	if id == "" {
		return Resolution{}, &Error{
			Library: "Institut de France",
			Input:   input,
			Reason:  "expected a numeric record id or a bibnum.institutdefrance.fr URL",
		}
	}
	return Resolution{
		ManifestURL: fmt.Sprintf("https://bibnum.institutdefrance.fr/iiif/%s/manifest", id),
		DocID:       id,
	}, nil
}
