package geometry

import (
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOverlap_Correctness validates the plain IoU against known cases.
func TestOverlap_Correctness(t *testing.T) {
	tests := []struct {
		name     string
		a        Box
		b        Box
		expected float32
	}{
		{name: "Identical boxes", a: Box{0, 0, 100, 100}, b: Box{0, 0, 100, 100}, expected: 1.0},
		{name: "No overlap", a: Box{0, 0, 100, 100}, b: Box{200, 200, 300, 300}, expected: 0.0},
		{name: "Touching edges", a: Box{0, 0, 100, 100}, b: Box{100, 0, 200, 100}, expected: 0.0},
		{name: "Half overlap", a: Box{0, 0, 100, 100}, b: Box{50, 50, 150, 150}, expected: 0.142857},
		{name: "One inside other", a: Box{0, 0, 100, 100}, b: Box{25, 25, 75, 75}, expected: 0.25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := OverlapOne(tt.a, tt.b, XYXY, IoU, DefaultEpsilon)
			assert.InDelta(t, tt.expected, got, 1e-4)

			reverse := OverlapOne(tt.b, tt.a, XYXY, IoU, DefaultEpsilon)
			assert.InDelta(t, got, reverse, 1e-6, "IoU must be symmetric")
		})
	}
}

func TestOverlap_CenterFormat(t *testing.T) {
	a := Box{50, 50, 100, 100}
	b := Box{100, 100, 100, 100}
	got := OverlapOne(a, b, XYWH, IoU, DefaultEpsilon)
	assert.InDelta(t, 0.142857, got, 1e-4)

	assert.Equal(t, Box{0, 0, 100, 100}, a.ToXYXY(XYWH))
	assert.Equal(t, a, a.ToXYXY(XYWH).ToXYWH(XYXY))
}

func TestOverlap_Batch(t *testing.T) {
	scores := Overlap(Box{0, 0, 10, 10}, []Box{{5, 5, 15, 15}, {20, 20, 30, 30}}, XYXY, IoU, DefaultEpsilon)
	require.Len(t, scores, 2)
	assert.InDelta(t, 25.0/175.0, scores[0], 1e-5)
	assert.Equal(t, float32(0), scores[1])

	assert.Empty(t, Overlap(Box{0, 0, 1, 1}, nil, XYXY, CIoU, DefaultEpsilon))
}

func randomBox(r *rand.Rand) Box {
	return Box{r.Float32(), r.Float32(), 0.01 + r.Float32()*0.5, 0.01 + r.Float32()*0.5}
}

func TestOverlap_Properties(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		a, b := randomBox(r), randomBox(r)

		self := OverlapOne(a, a, XYWH, IoU, DefaultEpsilon)
		assert.InDelta(t, 1.0, self, 1e-5)

		iou := OverlapOne(a, b, XYWH, IoU, DefaultEpsilon)
		assert.GreaterOrEqual(t, iou, float32(0))
		assert.LessOrEqual(t, iou, float32(1))

		for _, m := range []Mode{GIoU, DIoU, CIoU} {
			s := OverlapOne(a, b, XYWH, m, DefaultEpsilon)
			assert.LessOrEqual(t, s, iou+1e-6, "%s must not exceed IoU", m)
			assert.GreaterOrEqual(t, s, float32(-1.5), "%s out of range", m)
		}
	}
}

func TestOverlap_DisjointIsExactlyZero(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for i := 0; i < 200; i++ {
		a := randomBox(r)
		b := a
		b[0] += a[2]/2 + b[2]/2 + 0.01 + r.Float32()
		assert.Equal(t, float32(0), OverlapOne(a, b, XYWH, IoU, DefaultEpsilon))
		assert.Less(t, OverlapOne(a, b, XYWH, GIoU, DefaultEpsilon), float32(0))
	}
}

func TestOverlap_CIoUPenalty(t *testing.T) {
	// Same center, different aspect ratio: DIoU equals IoU, CIoU is strictly lower.
	a := Box{0.5, 0.5, 0.4, 0.1}
	b := Box{0.5, 0.5, 0.1, 0.4}
	terms := ComputeTerms(a, b, XYWH, DefaultEpsilon)
	assert.Greater(t, terms.V, float32(0))
	assert.Greater(t, terms.Alpha, float32(0))
	assert.InDelta(t, terms.IoU, terms.Score(DIoU), 1e-6)
	assert.Less(t, terms.Score(CIoU), terms.IoU)
}

func TestOverlap_DegenerateBoxes(t *testing.T) {
	zero := Box{0.5, 0.5, 0, 0}
	for _, m := range []Mode{IoU, GIoU, DIoU, CIoU} {
		s := OverlapOne(zero, zero, XYWH, m, DefaultEpsilon)
		assert.False(t, s != s, "%s produced NaN", m)
	}
}

func TestAspectGradient_MatchesFiniteDifference(t *testing.T) {
	a := Box{0.3, 0.4, 0.7, 0.2}
	b := Box{0.35, 0.45, 0.3, 0.5}
	dw, dh := AspectGradient(a, b, DefaultEpsilon)

	const h = 1e-3
	v := func(box Box) float64 { return float64(ComputeTerms(box, b, XYWH, DefaultEpsilon).V) }
	aw1, aw2 := a, a
	aw1[2] += h
	aw2[2] -= h
	ah1, ah2 := a, a
	ah1[3] += h
	ah2[3] -= h

	assert.InDelta(t, (v(aw1)-v(aw2))/(2*h), float64(dw), 1e-2)
	assert.InDelta(t, (v(ah1)-v(ah2))/(2*h), float64(dh), 1e-2)
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{IoU, GIoU, DIoU, CIoU} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	got, err := ParseMode(" GIoU ")
	require.NoError(t, err)
	assert.Equal(t, GIoU, got)

	_, err = ParseMode("siou")
	assert.Equal(t, ErrMode, errors.Cause(err))
	assert.Contains(t, err.Error(), "siou")
}

func BenchmarkOverlap_CIoU(b *testing.B) {
	r := rand.New(rand.NewSource(1))
	a := randomBox(r)
	boxes := make([]Box, 256)
	for i := range boxes {
		boxes[i] = randomBox(r)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Overlap(a, boxes, XYWH, CIoU, DefaultEpsilon)
	}
}
