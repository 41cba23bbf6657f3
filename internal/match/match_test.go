package match

import (
	"math"
	"testing"

	"github.com/andresmejia3/facetag/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a    []float32
		b    []float32
		want float64
	}{
		{
			name: "Identical vectors",
			a:    []float32{1, 0},
			b:    []float32{1, 0},
			want: 1,
		},
		{
			name: "Orthogonal vectors",
			a:    []float32{1, 0},
			b:    []float32{0, 1},
			want: 0,
		},
		{
			name: "Opposite vectors",
			a:    []float32{1, 0},
			b:    []float32{-1, 0},
			want: -1,
		},
		{
			name: "B is scaled",
			a:    []float32{1, 0},
			b:    []float32{5, 0},
			want: 1,
		},
		{
			name: "Length mismatch",
			a:    []float32{1, 0, 0},
			b:    []float32{1, 0},
			want: 0,
		},
		{
			name: "Zero vector",
			a:    []float32{0, 0},
			b:    []float32{1, 2},
			want: 0,
		},
		{
			name: "Empty vectors",
			a:    []float32{},
			b:    []float32{},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Similarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Similarity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSimilarity_SelfIsOne(t *testing.T) {
	vectors := [][]float32{
		{0.1, -0.4, 2.5, 7},
		{1e-3, 1e-3, 1e-3},
		{-3},
	}
	for _, v := range vectors {
		assert.InDelta(t, 1.0, Similarity(v, v), 1e-6)
	}
}

func TestSimilarity_ZeroIsExact(t *testing.T) {
	// exact zero, not merely close to it
	assert.Equal(t, 0.0, Similarity([]float32{0, 0, 0}, []float32{0, 0, 0}))
	assert.Equal(t, 0.0, Similarity([]float32{1}, []float32{1, 1}))
}

func identity(embeddings ...[]float32) store.Identity {
	return store.Identity{ID: uuid.New(), Embeddings: embeddings}
}

func TestFindMatch_SelfMatchBelowOne(t *testing.T) {
	e := []float32{0.3, 0.1, -0.7, 0.2}
	p := identity(e)

	for _, threshold := range []float64{-1, 0, 0.5, 0.9, 0.999} {
		got, ok := FindMatch([]store.Identity{p}, e, threshold)
		require.True(t, ok, "threshold %v", threshold)
		assert.Equal(t, p.ID, got.ID)
	}
}

func TestFindMatch_ThresholdIsStrict(t *testing.T) {
	e := []float32{1, 0}
	_, ok := FindMatch([]store.Identity{identity(e)}, e, 1.0)
	assert.False(t, ok)
}

func TestFindMatch_NoIdentities(t *testing.T) {
	got, ok := FindMatch(nil, []float32{1, 0}, 0.5)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestFindMatch_FirstQualifyingWins(t *testing.T) {
	query := []float32{1, 0}
	// weak qualifies (cos 45deg ~ 0.707), strong is exact, but weak comes first
	weak := identity([]float32{1, 1})
	strong := identity([]float32{1, 0})

	got, ok := FindMatch([]store.Identity{weak, strong}, query, 0.65)
	require.True(t, ok)
	assert.Equal(t, weak.ID, got.ID)
}

func TestFindMatch_AnyEmbeddingQualifies(t *testing.T) {
	query := []float32{0, 1}
	p := identity([]float32{1, 0}, []float32{-1, 0}, []float32{0.1, 1})

	got, ok := FindMatch([]store.Identity{p}, query, 0.9)
	require.True(t, ok)
	assert.Equal(t, p.ID, got.ID)
}

func TestFindMatch_ReturnsPointerIntoSlice(t *testing.T) {
	ids := []store.Identity{identity([]float32{1, 0})}
	got, ok := FindMatch(ids, []float32{1, 0}, 0.5)
	require.True(t, ok)
	assert.Same(t, &ids[0], got)
}

func TestBestScore(t *testing.T) {
	p := identity([]float32{1, 0}, []float32{1, 1}, []float32{0, 1})
	assert.InDelta(t, 1.0, BestScore(p, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, BestScore(store.Identity{}, []float32{0, 1}))
}
