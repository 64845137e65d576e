// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package enrich

import "strings"

// Canonical item types. These are wire and database values, not UI strings.
const (
	TypeIncunabolo      = "incunabolo"
	TypeMusica          = "musica/spartito"
	TypeMappa           = "mappa/atlante"
	TypePeriodico       = "periodico"
	TypeStampa          = "libro a stampa"
	TypeManoscritto     = "manoscritto"
	TypeMiscellanea     = "miscellanea"
	TypeNonClassificato = "non classificato"
)

// CanonicalItemTypes is the closed set accepted by the catalog.
var CanonicalItemTypes = []string{
	TypeManoscritto, TypeStampa, TypeIncunabolo, TypePeriodico,
	TypeMusica, TypeMappa, TypeMiscellanea, TypeNonClassificato,
}

// itemTypeRules is an ordered rule table: the first rule whose tokens appear
// in the classification text wins. Order matters: "incunab" must beat the
// generic print-book tokens.
var itemTypeRules = []struct {
	itemType   string
	confidence float64
	tokens     []string
}{
	{TypeIncunabolo, 0.9, []string{"incunab"}},
	{TypeMusica, 0.85, []string{"spartito", "partitura", "music score", "sheet music", "notated music", "musique notée"}},
	{TypeMappa, 0.85, []string{"mappa", "atlante", "atlas", "carta geografica", "map", "carte géographique"}},
	{TypePeriodico, 0.8, []string{"periodico", "rivista", "journal", "gazette", "newspaper", "périodique"}},
	{TypeStampa, 0.75, []string{"libro a stampa", "stampato", "printed book", "imprimé", "edizione", "printed"}},
	{TypeManoscritto, 0.8, []string{"manoscritto", "manuscript", "manuscrit", "codex", "membranaceo", "cartaceo", "pergamena", "parchment"}},
	{TypeMiscellanea, 0.5, []string{"miscellanea", "miscellany", "recueil"}},
}

// InferItemType classifies a document from the concatenation of its label,
// description and type-ish metadata. Falls back to "non classificato" with a
// low confidence.
func InferItemType(text string) (string, float64) {
	t := strings.ToLower(text)
	for _, rule := range itemTypeRules {
		for _, tok := range rule.tokens {
			if strings.Contains(t, tok) {
				return rule.itemType, rule.confidence
			}
		}
	}
	return TypeNonClassificato, 0.2
}

// NormalizeItemType maps legacy or free-form values onto the canonical set.
func NormalizeItemType(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, c := range CanonicalItemTypes {
		if v == c {
			return c
		}
	}
	if v == "" {
		return TypeNonClassificato
	}
	inferred, _ := InferItemType(v)
	return inferred
}
