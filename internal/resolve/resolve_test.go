// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeShelfmark(t *testing.T) {
	for _, input := range []string{"Urb.lat.1779", "urb lat 1779", "Urb. lat. 1779", "URB_LAT_1779"} {
		got, ok := NormalizeShelfmark(input)
		require.True(t, ok, "input %q", input)
		assert.Equal(t, "MSS_Urb.lat.1779", got, "input %q", input)
	}

	got, ok := NormalizeShelfmark("Barb 321")
	require.True(t, ok)
	assert.Equal(t, "MSS_Barb.321", got)

	_, ok = NormalizeShelfmark("nothing here")
	assert.False(t, ok)
}

func TestVaticanResolve(t *testing.T) {
	r, err := Input("Vaticana (BAV)", "Urb. lat. 1779")
	require.NoError(t, err)
	assert.Equal(t, "https://digi.vatlib.it/iiif/MSS_Urb.lat.1779/manifest.json", r.ManifestURL)
	assert.Equal(t, "MSS_Urb.lat.1779", r.DocID)

	r, err = Input("Vaticana (BAV)", "https://digi.vatlib.it/view/MSS_Vat.gr.1209")
	require.NoError(t, err)
	assert.Equal(t, "MSS_Vat.gr.1209", r.DocID)
}

func TestVaticanRejectsBodleianUUID(t *testing.T) {
	_, err := Input("Vaticana (BAV)", "080f88f5-7586-4b8a-8064-63ab3495393c")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Oxford")
}

func TestGallicaResolve(t *testing.T) {
	r, err := Input("Gallica (BnF)", "btv1b10033406t")
	require.NoError(t, err)
	assert.Equal(t, "https://gallica.bnf.fr/iiif/ark:/12148/btv1b10033406t/manifest.json", r.ManifestURL)

	r, err = Input("Gallica (BnF)", "ark:/12148/btv1b8452439d")
	require.NoError(t, err)
	assert.Equal(t, "btv1b8452439d", r.DocID)

	r, err = Input("Gallica (BnF)", "https://gallica.bnf.fr/iiif/ark:/12148/btv1b8452439d/manifest.json")
	require.NoError(t, err)
	assert.Equal(t, "https://gallica.bnf.fr/iiif/ark:/12148/btv1b8452439d/manifest.json", r.ManifestURL)

	_, err = Input("Gallica (BnF)", "xyz!!")
	assert.Error(t, err)
}

func TestBodleianResolve(t *testing.T) {
	// Trailing slash on the object URL must not leak into the UUID.
	r, err := Input("Bodleian", "https://digital.bodleian.ox.ac.uk/objects/cb1df5f1-7435-468b-8860-d56db988b929/")
	require.NoError(t, err)
	assert.Equal(t, "https://iiif.bodleian.ox.ac.uk/iiif/manifest/cb1df5f1-7435-468b-8860-d56db988b929.json", r.ManifestURL)

	_, err = Input("Bodleian", "not-a-uuid")
	assert.Error(t, err)
}

func TestInstitutResolve(t *testing.T) {
	for _, input := range []string{
		"12345",
		"https://bibnum.institutdefrance.fr/viewer/12345",
		"https://bibnum.institutdefrance.fr/records/item/12345?from=search",
		"https://bibnum.institutdefrance.fr/iiif/12345/manifest",
	} {
		r, err := Input("Institut de France", input)
		require.NoError(t, err, "input %q", input)
		assert.Equal(t, "https://bibnum.institutdefrance.fr/iiif/12345/manifest", r.ManifestURL, "input %q", input)
		assert.Equal(t, "12345", r.DocID)
	}
}

func TestGenericResolve(t *testing.T) {
	r, err := Input("Some Archive", "https://example.org/iiif/cod-123/manifest.json")
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/iiif/cod-123/manifest.json", r.ManifestURL)
	assert.Equal(t, "cod-123", r.DocID)

	_, err = Input("Some Archive", "cod-123")
	assert.Error(t, err)
}

func TestRegistryDispatch(t *testing.T) {
	assert.IsType(t, &Vatican{}, ForLibrary("Vaticana (BAV)"))
	assert.IsType(t, &Gallica{}, ForLibrary("Gallica (BnF)"))
	assert.IsType(t, &Bodleian{}, ForLibrary("Oxford, Bodleian Libraries"))
	assert.IsType(t, &Institut{}, ForLibrary("Institut de France"))
	assert.IsType(t, &Generic{}, ForLibrary("Local"))
}
