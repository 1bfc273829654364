package extractor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-extractor/internal/types"
)

const listingHTML = `<html><body>
<div class="grid">
  <div class="product-item" data-id="101" data-name="Manzana Fuji" data-price="S/. 5.90" data-brand="Bells">
    <span class="unit">kg</span>
  </div>
  <div class="product-item" data-id="102" data-price="S/ 1,299.00">
    <a class="link" href="/p/102">Televisor   55"</a>
    <a class="link" href="/p/102/reviews">Reviews</a>
  </div>
  <div class="product-item" data-price="3.50"></div>
</div>
</body></html>`

func listingTarget() *types.Target {
	return &types.Target{
		ID:       "metro",
		Location: "https://www.metro.pe",
		Rules: types.Rules{
			RecordSelector: "div.product-item",
			Fields: map[string]types.FieldRule{
				types.FieldItemID: {Attr: "data-id"},
				types.FieldPrice:  {Attr: "data-price"},
				types.FieldName:   {Attr: "data-name", Optional: true},
				types.FieldBrand:  {Attr: "data-brand", Optional: true},
				types.FieldUnit:   {Selector: "span.unit", Optional: true},
				types.FieldURI:    {Selector: "a.link", Attr: "href", Index: 0, Optional: true},
			},
		},
	}
}

func content(html string) *types.RenderedContent {
	return &types.RenderedContent{
		TargetID:  "metro",
		URL:       "https://www.metro.pe/frutas",
		HTML:      html,
		FetchedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestExtract_OneCandidatePerFragment(t *testing.T) {
	candidates, err := Extract(listingTarget(), content(listingHTML))
	require.NoError(t, err)
	require.Len(t, candidates, 3)

	first := candidates[0]
	assert.Equal(t, "metro", first.TargetID)
	assert.Equal(t, 0, first.Position)
	assert.Equal(t, map[string]string{
		"item_id": "101",
		"name":    "Manzana Fuji",
		"price":   "S/. 5.90",
		"brand":   "Bells",
		"unit":    "kg",
	}, first.Fields)
	assert.InDelta(t, 5.0/6.0, first.Confidence, 1e-9)

	second := candidates[1]
	assert.Equal(t, "/p/102", second.Fields["uri"])
	_, hasName := second.Get("name")
	assert.False(t, hasName, "missing optional field must be absent, not empty")

	third := candidates[2]
	assert.Equal(t, 2, third.Position)
	_, hasID := third.Get("item_id")
	assert.False(t, hasID)
	assert.Equal(t, "3.50", third.Fields["price"])
}

func TestExtract_MarksMissingRequiredFields(t *testing.T) {
	target := listingTarget()
	unit := target.Rules.Fields[types.FieldUnit]
	unit.Optional = false
	target.Rules.Fields[types.FieldUnit] = unit

	candidates, err := Extract(target, content(listingHTML))
	require.NoError(t, err)
	require.Len(t, candidates, 3)

	assert.Empty(t, candidates[0].Missing)
	assert.Equal(t, []string{types.FieldUnit}, candidates[1].Missing)
	assert.Equal(t, []string{types.FieldItemID, types.FieldUnit}, candidates[2].Missing)
}

func TestExtract_PositionalAndPatternRules(t *testing.T) {
	target := listingTarget()
	target.Rules.Fields = map[string]types.FieldRule{
		types.FieldItemID: {Selector: "a.link", Attr: "href", Index: 1, Pattern: `/p/(\d+)/`},
		types.FieldPrice:  {Attr: "data-price", Pattern: `[\d,.]+`},
		types.FieldName:   {Selector: "a.link", Optional: true},
	}

	candidates, err := Extract(target, content(listingHTML))
	require.NoError(t, err)
	require.Len(t, candidates, 3)

	assert.Equal(t, "102", candidates[1].Fields["item_id"])
	assert.Equal(t, "1,299.00", candidates[1].Fields["price"])
	assert.Equal(t, `Televisor 55"`, candidates[1].Fields["name"])

	_, ok := candidates[0].Get("item_id")
	assert.False(t, ok, "index beyond matches leaves the field absent")
}

func TestExtract_NoRecordsFound(t *testing.T) {
	_, err := Extract(listingTarget(), content(`<html><body><p>Sorry, we moved.</p></body></html>`))
	require.Error(t, err)

	var ee *types.ExtractionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, types.KindNoRecordsFound, ee.Kind)
	assert.Equal(t, "metro", ee.TargetID)
	assert.Equal(t, types.KindNoRecordsFound, types.KindOf(err))
}

func TestExtract_EmptyContentIsMalformed(t *testing.T) {
	_, err := Extract(listingTarget(), content("   "))
	assert.Equal(t, types.KindMalformedContent, types.KindOf(err))
}

func TestExtract_InvalidPatternIsMalformed(t *testing.T) {
	target := listingTarget()
	target.Rules.Fields[types.FieldPrice] = types.FieldRule{Attr: "data-price", Pattern: "("}

	_, err := Extract(target, content(listingHTML))
	assert.Equal(t, types.KindMalformedContent, types.KindOf(err))
}

func TestExtract_Deterministic(t *testing.T) {
	target := listingTarget()
	first, err := Extract(target, content(listingHTML))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Extract(target, content(listingHTML))
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
