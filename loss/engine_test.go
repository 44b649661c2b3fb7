package loss

import (
	"math"
	"math/rand"
	"testing"

	"github.com/nvr-ai/go-yoeo/config"
	"github.com/nvr-ai/go-yoeo/geometry"
	"github.com/nvr-ai/go-yoeo/targets"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

const (
	testBatch      = 2
	testClasses    = 3
	testSegClasses = 3
	testMaskSize   = 4
)

// testConfig describes a 32 pixel input with a 2x2 and a 4x4 head.
func testConfig() *config.Config {
	c := config.Default()
	c.Scales = []config.Scale{
		{Stride: 16, Anchors: []config.Anchor{{W: 8, H: 8}, {W: 16, H: 16}, {W: 24, H: 24}}},
		{Stride: 8, Anchors: []config.Anchor{{W: 4, H: 4}, {W: 8, H: 8}, {W: 16, H: 16}}},
	}
	return c
}

var testGrids = []int{2, 4}

func randomData(r *rand.Rand, n int) []float32 {
	data := make([]float32, n)
	for i := range data {
		data[i] = r.Float32()*2 - 1
	}
	return data
}

func testOutputs(seed int64) Outputs {
	r := rand.New(rand.NewSource(seed))
	var out Outputs
	for _, g := range testGrids {
		shape := []int{testBatch, 3, g, g, 5 + testClasses}
		out.Detection = append(out.Detection,
			tensor.New(tensor.WithShape(shape...), tensor.WithBacking(randomData(r, volume(shape)))))
	}
	shape := []int{testBatch, testSegClasses, testMaskSize, testMaskSize}
	out.Segmentation = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(randomData(r, volume(shape))))
	return out
}

func testMasks(seed int64) *tensor.Dense {
	r := rand.New(rand.NewSource(seed))
	data := make([]int, testBatch*testMaskSize*testMaskSize)
	for i := range data {
		data[i] = r.Intn(testSegClasses)
	}
	return tensor.New(tensor.WithShape(testBatch, testMaskSize, testMaskSize), tensor.WithBacking(data))
}

func testBoxes() []targets.GroundTruth {
	return []targets.GroundTruth{
		{Image: 0, Class: 1, CX: 0.3, CY: 0.6, W: 0.3, H: 0.25},
		{Image: 0, Class: 2, CX: 0.7, CY: 0.2, W: 0.2, H: 0.35},
		{Image: 1, Class: 0, CX: 0.55, CY: 0.45, W: 0.3, H: 0.3},
	}
}

func testTargets() Targets {
	return Targets{Boxes: testBoxes(), Masks: testMasks(5)}
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e
}

func softplus(x float32) float64 {
	return math.Log1p(math.Exp(float64(x)))
}

func TestCompute_NoBoxesIsBackgroundOnly(t *testing.T) {
	e := newTestEngine(t, testConfig())
	out := testOutputs(1)

	res, err := e.Compute(out, Targets{Masks: testMasks(2)})
	require.NoError(t, err)

	assert.Equal(t, float32(0), res.Terms.Box)
	assert.Equal(t, float32(0), res.Terms.Class)
	assert.Equal(t, []int{0, 0}, res.Targets)

	// Every objectness target is zero: the term is the mean softplus of the logits.
	var expected float64
	for _, x := range out.Detection {
		data := x.Data().([]float32)
		depth := x.Shape()[4]
		var sum float64
		for i := 4; i < len(data); i += depth {
			sum += softplus(data[i])
		}
		expected += sum / float64(len(data)/depth)
	}
	assert.InDelta(t, expected, res.Terms.Object, 1e-4)
	assert.InDelta(t, expected*10, res.Breakdown.Object, 1e-3)
}

func TestCompute_NoMasksIsExactlyZero(t *testing.T) {
	e := newTestEngine(t, testConfig())
	tgt := testTargets()
	tgt.HasMask = []bool{false, false}

	res, err := e.Compute(testOutputs(3), tgt)
	require.NoError(t, err)
	assert.Equal(t, float32(0), res.Breakdown.Segmentation)
	require.NotNil(t, res.Gradients.Segmentation)
	for _, v := range res.Gradients.Segmentation.Data().([]float32) {
		require.Equal(t, float32(0), v)
	}

	tgt.Masks = nil
	res, err = e.Compute(testOutputs(3), tgt)
	require.NoError(t, err)
	assert.Equal(t, float32(0), res.Breakdown.Segmentation)
}

func TestCompute_SegmentationSumsPerImage(t *testing.T) {
	e := newTestEngine(t, testConfig())
	out := testOutputs(4)
	masks := testMasks(6)

	full, err := e.Compute(out, Targets{Masks: masks, HasMask: []bool{true, true}})
	require.NoError(t, err)
	first, err := e.Compute(out, Targets{Masks: masks, HasMask: []bool{true, false}})
	require.NoError(t, err)
	second, err := e.Compute(out, Targets{Masks: masks, HasMask: []bool{false, true}})
	require.NoError(t, err)

	assert.Greater(t, first.Breakdown.Segmentation, float32(0))
	assert.InDelta(t, full.Breakdown.Segmentation, first.Breakdown.Segmentation+second.Breakdown.Segmentation, 1e-3)

	// Reference: plain log-softmax cross entropy of image 0.
	data := out.Segmentation.Data().([]float32)
	labels := masks.Data().([]int)
	pixels := testMaskSize * testMaskSize
	var expected float64
	for p := 0; p < pixels; p++ {
		var norm float64
		for k := 0; k < testSegClasses; k++ {
			norm += math.Exp(float64(data[k*pixels+p]))
		}
		expected += math.Log(norm) - float64(data[labels[p]*pixels+p])
	}
	assert.InDelta(t, expected, first.Breakdown.Segmentation, 1e-3)
}

func TestCompute_GatingIgnoresSpuriousRows(t *testing.T) {
	e := newTestEngine(t, testConfig())
	out := testOutputs(7)

	clean := Targets{Boxes: testBoxes()[:2], Masks: testMasks(8), HasBoxes: []bool{true, false}}
	spurious := clean
	spurious.Boxes = testBoxes()

	a, err := e.Compute(out, clean)
	require.NoError(t, err)
	b, err := e.Compute(out, spurious)
	require.NoError(t, err)

	assert.Equal(t, a.Breakdown, b.Breakdown)
	assert.Equal(t, a.Targets, b.Targets)
	assert.Greater(t, b.Assignments[0].Len()+b.Assignments[1].Len(), a.Targets[0]+a.Targets[1],
		"ungated assignments still list the spurious rows")

	// No gradient reaches the cells of the unsupervised image.
	for s, g := range b.Gradients.Detection {
		data := g.Data().([]float32)
		half := len(data) / testBatch
		for i := half; i < len(data); i++ {
			require.Equal(t, float32(0), data[i], "scale %d index %d", s, i)
		}
	}
}

func TestCompute_Ungated(t *testing.T) {
	cfg := testConfig()
	cfg.Ungated = true
	e := newTestEngine(t, cfg)

	res, err := e.Compute(testOutputs(9), Targets{Boxes: testBoxes(), Masks: testMasks(1), HasBoxes: []bool{true, false}})
	require.NoError(t, err)
	for s, a := range res.Assignments {
		assert.Equal(t, a.Len(), res.Targets[s])
	}
}

func TestCompute_WeightScaling(t *testing.T) {
	out, tgt := testOutputs(11), testTargets()
	base, err := newTestEngine(t, testConfig()).Compute(out, tgt)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Weights.Box *= 3
	cfg.Weights.Object *= 3
	cfg.Weights.Class *= 3
	scaled, err := newTestEngine(t, cfg).Compute(out, tgt)
	require.NoError(t, err)

	assert.InDelta(t, base.Terms.Box, scaled.Terms.Box, 1e-6)
	assert.InDelta(t, 3*base.Breakdown.Box, scaled.Breakdown.Box, 1e-4)
	assert.InDelta(t, 3*base.Breakdown.Object, scaled.Breakdown.Object, 1e-3)
	assert.InDelta(t, 3*base.Breakdown.Class, scaled.Breakdown.Class, 1e-4)
	assert.Equal(t, base.Breakdown.Segmentation, scaled.Breakdown.Segmentation)
}

func TestCompute_ResultShapes(t *testing.T) {
	e := newTestEngine(t, testConfig())
	out := testOutputs(13)

	res, err := e.Compute(out, testTargets())
	require.NoError(t, err)

	assert.Equal(t, res.Breakdown.Total, res.Loss)
	assert.InDelta(t, res.Breakdown.Box+res.Breakdown.Object+res.Breakdown.Class+res.Breakdown.Segmentation,
		res.Loss, 1e-5)
	assert.Greater(t, res.Terms.Box, float32(0))
	assert.Greater(t, res.Terms.Class, float32(0))

	require.Len(t, res.Gradients.Detection, len(out.Detection))
	for i, g := range res.Gradients.Detection {
		assert.Equal(t, out.Detection[i].Shape(), g.Shape())
	}
	assert.Equal(t, out.Segmentation.Shape(), res.Gradients.Segmentation.Shape())

	// Inputs are read only.
	again := testOutputs(13)
	assert.Equal(t, again.Detection[0].Data(), out.Detection[0].Data())
}

func TestCompute_Errors(t *testing.T) {
	e := newTestEngine(t, testConfig())

	_, err := e.Compute(Outputs{Detection: testOutputs(1).Detection[:1]}, testTargets())
	assert.Equal(t, ErrShape, errors.Cause(err))

	tgt := testTargets()
	tgt.HasBoxes = []bool{true}
	_, err = e.Compute(testOutputs(1), tgt)
	assert.Equal(t, ErrShape, errors.Cause(err))

	tgt = testTargets()
	tgt.Boxes = append(tgt.Boxes, targets.GroundTruth{Image: 5, CX: 0.5, CY: 0.5, W: 0.3, H: 0.3})
	_, err = e.Compute(testOutputs(1), tgt)
	assert.Equal(t, targets.ErrImageIndex, errors.Cause(err))

	tgt = testTargets()
	tgt.Boxes[0].Class = testClasses
	_, err = e.Compute(testOutputs(1), tgt)
	assert.Equal(t, ErrClassRange, errors.Cause(err))

	tgt = testTargets()
	tgt.Masks.Data().([]int)[3] = testSegClasses
	_, err = e.Compute(testOutputs(1), tgt)
	assert.Equal(t, ErrMaskClass, errors.Cause(err))

	tgt = testTargets()
	tgt.Masks = tensor.New(tensor.WithShape(testBatch, 2, 2), tensor.WithBacking(make([]int, testBatch*4)))
	_, err = e.Compute(testOutputs(1), tgt)
	assert.Equal(t, ErrShape, errors.Cause(err))

	_, err = NewEngine(&config.Config{})
	assert.Equal(t, config.ErrInvalid, errors.Cause(err))
}

func TestCompute_MaskSupervisionWithoutSegmentationHead(t *testing.T) {
	e := newTestEngine(t, testConfig())
	out := testOutputs(1)
	out.Segmentation = nil

	tgt := testTargets()
	tgt.HasMask = []bool{false, true}
	_, err := e.Compute(out, tgt)
	assert.Equal(t, ErrShape, errors.Cause(err))

	tgt = testTargets()
	_, err = e.Compute(out, tgt)
	assert.Equal(t, ErrShape, errors.Cause(err), "nil flags with masks mean every image has one")

	tgt.HasMask = []bool{false, false}
	res, err := e.Compute(out, tgt)
	require.NoError(t, err)
	assert.Equal(t, float32(0), res.Breakdown.Segmentation)
	assert.Nil(t, res.Gradients.Segmentation)

	res, err = e.Compute(out, Targets{Boxes: testBoxes()})
	require.NoError(t, err)
	assert.Equal(t, float32(0), res.Breakdown.Segmentation)
}

// lossAt evaluates the loss after setting one input element.
func lossAt(t *testing.T, e *Engine, out Outputs, tgt Targets, x *tensor.Dense, i int, v float32) float64 {
	t.Helper()
	data := x.Data().([]float32)
	old := data[i]
	data[i] = v
	defer func() { data[i] = old }()
	res, err := e.Compute(out, tgt)
	require.NoError(t, err)
	return float64(res.Loss)
}

func checkGradient(t *testing.T, e *Engine, out Outputs, tgt Targets, x, grad *tensor.Dense, indices []int) {
	t.Helper()
	const h = 1e-2
	data := x.Data().([]float32)
	g := grad.Data().([]float32)
	for _, i := range indices {
		up := lossAt(t, e, out, tgt, x, i, data[i]+h)
		down := lossAt(t, e, out, tgt, x, i, data[i]-h)
		fd := (up - down) / (2 * h)
		assert.InDelta(t, fd, g[i], 5e-3+5e-2*math.Abs(fd), "index %d", i)
	}
}

// assignedChannels lists every channel of the cells that carry a gated target.
func assignedChannels(res *Result, s int, shape tensor.Shape) []int {
	a := res.Assignments[s]
	var out []int
	for k := 0; k < a.Len(); k++ {
		cell := ((a.Image[k]*shape[1]+a.Anchor[k])*shape[2]+a.Row[k])*shape[3] + a.Col[k]
		for c := 0; c < shape[4]; c++ {
			out = append(out, cell*shape[4]+c)
		}
	}
	return out
}

func TestCompute_GradientMatchesFiniteDifference_Box(t *testing.T) {
	// DIoU has no detached terms, and with the objectness weight at zero the soft
	// targets do not move the loss, so every channel can be checked.
	cfg := testConfig()
	cfg.BoxOverlap = "diou"
	cfg.Weights = config.Weights{Box: 1, Object: 0, Class: 1}
	e := newTestEngine(t, cfg)
	out, tgt := testOutputs(17), testTargets()
	tgt.HasMask = []bool{false, false}

	res, err := e.Compute(out, tgt)
	require.NoError(t, err)
	for s, x := range out.Detection {
		indices := assignedChannels(res, s, x.Shape())
		require.NotEmpty(t, indices)
		checkGradient(t, e, out, tgt, x, res.Gradients.Detection[s], indices)
	}
}

// ciouBoxTerm is the box term of one scale computed without the graph. A nil
// alpha takes the CIoU alpha of every target at data and returns it; otherwise
// the given alpha is held fixed.
func ciouBoxTerm(a targets.Assignment, data []float32, shape tensor.Shape, eps float32, alpha []float32) (float64, []float32) {
	fixed := alpha != nil
	if !fixed {
		alpha = make([]float32, a.Len())
	}
	var sum float64
	for k := 0; k < a.Len(); k++ {
		cell := ((a.Image[k]*shape[1]+a.Anchor[k])*shape[2]+a.Row[k])*shape[3] + a.Col[k]
		raw := data[cell*shape[4] : cell*shape[4]+4]
		ox, oy, w, h := targets.DecodeCell(raw[0], raw[1], raw[2], raw[3], a.AnchorSize[k])
		terms := geometry.ComputeTerms(geometry.Box{ox, oy, w, h}, a.Box[k], geometry.XYWH, eps)
		if !fixed {
			alpha[k] = terms.Alpha
		}
		sum += float64(terms.IoU - terms.Distance - alpha[k]*terms.V)
	}
	return 1 - sum/float64(a.Len()), alpha
}

func TestCompute_GradientMatchesFiniteDifference_CIoU(t *testing.T) {
	// Alpha carries no gradient: the reference keeps it at its value for the
	// unperturbed outputs while the aspect term V moves with the prediction.
	cfg := testConfig()
	cfg.Weights = config.Weights{Box: 1, Object: 0, Class: 0}
	e := newTestEngine(t, cfg)
	out, tgt := testOutputs(23), testTargets()
	tgt.HasMask = []bool{false, false}

	res, err := e.Compute(out, tgt)
	require.NoError(t, err)

	const h = 1e-2
	for s, x := range out.Detection {
		a := res.Assignments[s]
		require.Positive(t, a.Len())
		shape := x.Shape()
		data := append([]float32(nil), x.Data().([]float32)...)
		_, alpha := ciouBoxTerm(a, data, shape, cfg.Epsilon, nil)
		grad := res.Gradients.Detection[s].Data().([]float32)

		for _, i := range assignedChannels(res, s, shape) {
			if i%shape[4] >= 4 {
				continue
			}
			orig := data[i]
			data[i] = orig + h
			up, _ := ciouBoxTerm(a, data, shape, cfg.Epsilon, alpha)
			data[i] = orig - h
			down, _ := ciouBoxTerm(a, data, shape, cfg.Epsilon, alpha)
			data[i] = orig
			fd := (up - down) / (2 * h)
			assert.InDelta(t, fd, grad[i], 5e-3+5e-2*math.Abs(fd), "scale %d index %d", s, i)
		}
	}
}

func TestCompute_GradientMatchesFiniteDifference_ObjectAndSegmentation(t *testing.T) {
	e := newTestEngine(t, testConfig())
	out, tgt := testOutputs(19), testTargets()

	res, err := e.Compute(out, tgt)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(3))
	for s, x := range out.Detection {
		depth := x.Shape()[4]
		cells := x.Shape().TotalSize() / depth
		var indices []int
		for j := 0; j < 8; j++ {
			indices = append(indices, r.Intn(cells)*depth+4)
		}
		checkGradient(t, e, out, tgt, x, res.Gradients.Detection[s], indices)
	}

	var indices []int
	for j := 0; j < 12; j++ {
		indices = append(indices, r.Intn(out.Segmentation.Shape().TotalSize()))
	}
	checkGradient(t, e, out, tgt, out.Segmentation, res.Gradients.Segmentation, indices)
}

func BenchmarkCompute(b *testing.B) {
	e, err := NewEngine(testConfig())
	require.NoError(b, err)
	out, tgt := testOutputs(1), testTargets()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Compute(out, tgt); err != nil {
			b.Fatal(err)
		}
	}
}
