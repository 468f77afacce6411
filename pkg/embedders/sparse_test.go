package embedders

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSparseEncoderDeterministic(t *testing.T) {
	enc := NewSparseEncoder()

	a := enc.Encode("berapa biaya KITAS investor untuk PT PMA")
	b := enc.Encode("berapa biaya KITAS investor untuk PT PMA")

	require.False(t, a.IsZero())
	assert.Equal(t, a.Indices, b.Indices)
	assert.Equal(t, a.Values, b.Values)
}

func TestSparseEncoderSortedAndNormalized(t *testing.T) {
	enc := NewSparseEncoder()

	v := enc.Encode("visa visa visa extension extension requirements")
	require.False(t, v.IsZero())
	require.Equal(t, len(v.Indices), len(v.Values))

	for i := 1; i < len(v.Indices); i++ {
		assert.Less(t, v.Indices[i-1], v.Indices[i])
	}

	var norm float64
	for _, val := range v.Values {
		norm += float64(val) * float64(val)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestSparseEncoderStopwordsAndEmpty(t *testing.T) {
	enc := NewSparseEncoder()

	assert.True(t, enc.Encode("").IsZero())
	assert.True(t, enc.Encode("the and yang dan di").IsZero())
	assert.True(t, enc.Encode("!!! ???").IsZero())
}
