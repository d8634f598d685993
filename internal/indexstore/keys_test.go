package indexstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFacetStringKeyRoundTrips(t *testing.T) {
	key := FacetStringKey(7, "drama")
	fieldID, value, ok := DecodeFacetStringKey(key)
	assert.True(t, ok)
	assert.Equal(t, uint16(7), fieldID)
	assert.Equal(t, "drama", value)
}

func TestFacetNumericKeyRoundTrips(t *testing.T) {
	for _, v := range []float64{0, 1, -1, 3.14, -3.14, 1999, -1999} {
		key := FacetNumericKey(3, v)
		fieldID, value, ok := DecodeFacetNumericKey(key)
		assert.True(t, ok)
		assert.Equal(t, uint16(3), fieldID)
		assert.Equal(t, v, value)
	}
}

func TestFacetNumericKeyPreservesSortOrder(t *testing.T) {
	a := FacetNumericKey(1, -5)
	b := FacetNumericKey(1, 0)
	c := FacetNumericKey(1, 5)
	assert.True(t, a < b)
	assert.True(t, b < c)
}

func TestDecodeFacetStringKeyRejectsShortInput(t *testing.T) {
	_, _, ok := DecodeFacetStringKey("x")
	assert.False(t, ok)
}

func TestDecodeFacetNumericKeyRejectsWrongLength(t *testing.T) {
	_, _, ok := DecodeFacetNumericKey("short")
	assert.False(t, ok)
}
