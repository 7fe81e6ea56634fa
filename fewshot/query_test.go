package fewshot

import (
	"testing"

	iface "OwlDetServer/interface"
	"OwlDetServer/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// userBox has corners (0.3, 0.3, 0.7, 0.7) and area 0.16.
var userBox = iface.Box{CX: 0.5, CY: 0.5, W: 0.4, H: 0.4}

// catFixture builds 13 regions: index 7 overlaps userBox with IoU ~0.90, index 12
// with IoU ~0.53, index 3 with IoU ~0.39 (just under the match threshold). Every
// other region sits in a far corner with a high objectness that must be ignored.
func catFixture(obj7, obj12 float32) *iface.Proposals {
	regions := make([]testutil.Region, 13)
	for i := range regions {
		regions[i] = testutil.Region{
			Box:        iface.Box{CX: 0.05, CY: 0.05, W: 0.05, H: 0.05},
			Objectness: 0.99,
			Embedding:  iface.Embedding{0, 0, 1},
		}
	}
	regions[7] = testutil.Region{Box: iface.Box{CX: 0.5, CY: 0.5, W: 0.38, H: 0.38}, Objectness: obj7, Embedding: iface.Embedding{1, 0, 0}}
	regions[12] = testutil.Region{Box: iface.Box{CX: 0.5, CY: 0.5, W: 0.29, H: 0.29}, Objectness: obj12, Embedding: iface.Embedding{0, 1, 0}}
	regions[3] = testutil.Region{Box: iface.Box{CX: 0.5, CY: 0.5, W: 0.25, H: 0.25}, Objectness: 0.999, Embedding: iface.Embedding{0, 0, 1}}
	return testutil.Proposals(regions...)
}

func TestSelectRegion(t *testing.T) {
	t.Run("highest objectness among overlapping regions wins", func(t *testing.T) {
		i, err := SelectRegion(catFixture(0.8, 0.95), userBox)
		require.NoError(t, err)
		assert.Equal(t, 12, i)
	})

	t.Run("better overlap wins when it is also more object-like", func(t *testing.T) {
		i, err := SelectRegion(catFixture(0.97, 0.95), userBox)
		require.NoError(t, err)
		assert.Equal(t, 7, i)
	})

	t.Run("nothing above threshold", func(t *testing.T) {
		_, err := SelectRegion(catFixture(0.8, 0.95), iface.Box{CX: 0.9, CY: 0.1, W: 0.1, H: 0.1})
		assert.ErrorIs(t, err, iface.ErrNoMatchingRegion)
	})
}

func TestQueryEmbedder_BuildQuery(t *testing.T) {
	stub := testutil.NewStubExtractor().
		Set(1, catFixture(0.8, 0.95)).
		Set(2, catFixture(0.97, 0.95))
	cache := NewCache(stub, 4)
	q := NewQueryEmbedder(cache)
	k1, err := cache.Embed(testutil.Image(1))
	require.NoError(t, err)
	k2, err := cache.Embed(testutil.Image(2))
	require.NoError(t, err)

	t.Run("single example is the selected region normalised", func(t *testing.T) {
		got, err := q.BuildQuery("cat", []Example{{ImageKey: k1, Box: userBox}})
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float32{0, 1, 0}, []float32(got), 1e-5)
		assert.InDelta(t, 1, l2Norm(got), 1e-5)
	})

	t.Run("examples across images are averaged", func(t *testing.T) {
		got, err := q.BuildQuery("cat", []Example{
			{ImageKey: k1, Box: userBox},
			{ImageKey: k2, Box: userBox},
		})
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float32{0.70710677, 0.70710677, 0}, []float32(got), 1e-5)
		assert.InDelta(t, 1, l2Norm(got), 1e-5)
	})

	t.Run("repeated example keeps direction", func(t *testing.T) {
		got, err := q.BuildQuery("cat", []Example{
			{ImageKey: k1, Box: userBox},
			{ImageKey: k1, Box: userBox},
		})
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float32{0, 1, 0}, []float32(got), 1e-5)
	})

	t.Run("unmatched example fails the class", func(t *testing.T) {
		_, err := q.BuildQuery("cat", []Example{
			{ImageKey: k1, Box: userBox},
			{ImageKey: k2, Box: iface.Box{CX: 0.9, CY: 0.9, W: 0.05, H: 0.05}},
		})
		assert.ErrorIs(t, err, iface.ErrNoMatchingRegion)
	})

	t.Run("image must be embedded first", func(t *testing.T) {
		_, err := q.BuildQuery("cat", []Example{{ImageKey: "never-embedded", Box: userBox}})
		assert.ErrorIs(t, err, iface.ErrImageNotEmbedded)
	})

	t.Run("no examples", func(t *testing.T) {
		_, err := q.BuildQuery("cat", nil)
		assert.ErrorIs(t, err, iface.ErrInvalidRequest)
	})
}

func TestQueryEmbedder_BuildQueryFromImages(t *testing.T) {
	stub := testutil.NewStubExtractor().
		Set(1, catFixture(0.8, 0.95)).
		Set(2, catFixture(0.97, 0.95)).
		FailOn(3)
	cache := NewCache(stub, 1)
	q := NewQueryEmbedder(cache)

	t.Run("more images than the cache holds", func(t *testing.T) {
		got, err := q.BuildQueryFromImages("cat", []ImageExample{
			{Image: testutil.Image(1), Box: userBox},
			{Image: testutil.Image(2), Box: userBox},
		})
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float32{0.70710677, 0.70710677, 0}, []float32(got), 1e-5)
		assert.Equal(t, 1, cache.Len())
	})

	t.Run("extraction failure fails the class", func(t *testing.T) {
		_, err := q.BuildQueryFromImages("cat", []ImageExample{{Image: testutil.Image(3), Box: userBox}})
		assert.ErrorIs(t, err, iface.ErrExtractionFailure)
	})

	t.Run("no examples", func(t *testing.T) {
		_, err := q.BuildQueryFromImages("cat", nil)
		assert.ErrorIs(t, err, iface.ErrInvalidRequest)
	})
}

func TestAggregate(t *testing.T) {
	got, err := Aggregate([]iface.Embedding{{3, 0}, {0, 0}})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, 0}, []float32(got), 1e-5)

	zero, err := Aggregate([]iface.Embedding{{0, 0}})
	require.NoError(t, err)
	assert.Equal(t, iface.Embedding{0, 0}, zero)

	_, err = Aggregate([]iface.Embedding{{1, 0}, {1, 0, 0}})
	assert.ErrorIs(t, err, iface.ErrDimensionMismatch)
}
