package loss

import (
	"github.com/nvr-ai/go-yoeo/config"
	"github.com/nvr-ai/go-yoeo/geometry"
	"github.com/nvr-ai/go-yoeo/targets"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ErrShape is returned when the outputs or targets do not fit together.
var ErrShape = errors.New("inconsistent loss inputs")

// Outputs are the raw network outputs of one batch.
type Outputs struct {
	// Detection holds one (batch, anchors, rows, cols, 5+classes) float32 tensor
	// per scale, in the order of config.Config.Scales.
	Detection []*tensor.Dense
	// Segmentation is the (batch, classes, H, W) float32 logit tensor. Nil when the
	// model has no segmentation head.
	Segmentation *tensor.Dense
}

// Targets is the supervision of one batch.
type Targets struct {
	// Boxes are the ground-truth records of every image.
	Boxes []targets.GroundTruth
	// Masks is a (batch, H, W) integer tensor of class ids.
	Masks *tensor.Dense
	// HasBoxes and HasMask flag the images carrying each kind of supervision. A nil
	// slice means every image does.
	HasBoxes []bool
	HasMask  []bool
}

// Gradients are the derivatives of the loss with respect to each output, with the
// shapes of the outputs.
type Gradients struct {
	Detection    []*tensor.Dense
	Segmentation *tensor.Dense
}

// Result is the outcome of one loss evaluation.
type Result struct {
	// Loss equals Breakdown.Total.
	Loss      float32
	Breakdown Breakdown
	// Terms are the unweighted detection terms.
	Terms     DetectionTerms
	Gradients Gradients
	// Assignments are the assigned targets of every scale, before gating.
	Assignments []targets.Assignment
	// Targets is the number of gated targets per scale.
	Targets []int
}

// Engine evaluates the multi-task loss. It holds only read-only configuration and
// is safe for concurrent use.
type Engine struct {
	cfg  *config.Config
	mode geometry.Mode
}

// NewEngine validates the configuration and returns an engine using it. A nil
// configuration selects config.Default.
func NewEngine(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, mode: cfg.Overlap()}, nil
}

// Config returns the configuration of the engine.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Compute evaluates the loss of one batch and its gradient with respect to every
// raw output.
//
// Arguments:
//   - out: The raw outputs, never modified.
//   - tgt: Boxes, masks and supervision flags of the batch.
//
// Returns:
//   - The loss, its breakdown, the gradients and the assignments.
//   - ErrShape, ErrClassRange, ErrMaskClass or an assignment error for invalid
//     input.
//
// @example
// engine, _ := loss.NewEngine(config.Default())
// res, err := engine.Compute(outputs, targets)
// // res.Gradients.Detection[0] has the shape of outputs.Detection[0]
func (e *Engine) Compute(out Outputs, tgt Targets) (*Result, error) {
	shapes, batch, err := e.check(out, tgt)
	if err != nil {
		return nil, err
	}
	hasBoxes, err := flags(tgt.HasBoxes, batch, "has_boxes")
	if err != nil {
		return nil, err
	}
	hasMask, err := flags(tgt.HasMask, batch, "has_mask")
	if err != nil {
		return nil, err
	}
	if e.cfg.Ungated {
		hasBoxes, _ = flags(nil, batch, "")
	}

	assignments, err := targets.Assign(shapes, tgt.Boxes, e.cfg.Scales, e.cfg.AnchorRatio)
	if err != nil {
		return nil, err
	}

	b := newBuilder()
	heads := make([]head, len(out.Detection))
	for i, t := range out.Detection {
		heads[i] = head{
			node:  b.input("detection", t.Clone().(*tensor.Dense)),
			data:  t.Data().([]float32),
			shape: shapes[i],
			depth: t.Shape()[4],
		}
	}
	det, err := b.detection(heads, assignments, hasBoxes, e.mode, e.cfg.Epsilon)
	if err != nil {
		return nil, err
	}

	var segInput, seg *G.Node
	if out.Segmentation != nil {
		segInput = b.input("segmentation", out.Segmentation.Clone().(*tensor.Dense))
		var mask []int
		if tgt.Masks != nil {
			if mask, err = maskClasses(tgt.Masks); err != nil {
				return nil, errors.Wrap(ErrShape, err.Error())
			}
		}
		if seg, err = b.segmentation(segInput, out.Segmentation.Data().([]float32), mask, hasMask); err != nil {
			return nil, err
		}
	}

	w := e.cfg.Weights
	var box, object, class *G.Node
	if det.box != nil {
		box = b.scale(det.box, w.Box)
	}
	if det.object != nil {
		object = b.scale(det.object, w.Object)
	}
	if det.class != nil {
		class = b.scale(det.class, w.Class)
	}
	total := b.addAll(box, object, class, seg)
	if b.err != nil {
		return nil, b.err
	}

	res := &Result{
		Assignments: assignments,
		Targets:     det.targets,
		Gradients: Gradients{
			Detection: make([]*tensor.Dense, len(out.Detection)),
		},
	}

	var wrt G.Nodes
	for i, h := range heads {
		if det.used[i] {
			wrt = append(wrt, h.node)
		}
	}
	if seg != nil {
		wrt = append(wrt, segInput)
	}

	if total != nil {
		var values [4]G.Value
		for i, n := range []*G.Node{det.box, det.object, det.class, seg} {
			if n != nil {
				G.Read(n, &values[i])
			}
		}
		if _, err := G.Grad(total, wrt...); err != nil {
			return nil, errors.Wrap(err, "differentiate loss")
		}
		machine := G.NewTapeMachine(b.g, G.BindDualValues(wrt...))
		defer machine.Close()
		if err := machine.RunAll(); err != nil {
			return nil, errors.Wrap(err, "evaluate loss")
		}
		res.Terms = DetectionTerms{
			Box:    scalarValue(values[0]),
			Object: scalarValue(values[1]),
			Class:  scalarValue(values[2]),
		}
		res.Breakdown = Combine(res.Terms, scalarValue(values[3]), w)
	}
	res.Loss = res.Breakdown.Total

	for i, h := range heads {
		if res.Gradients.Detection[i], err = gradient(h.node, det.used[i], out.Detection[i].Shape()); err != nil {
			return nil, errors.Wrapf(err, "scale %d", i)
		}
	}
	if out.Segmentation != nil {
		if res.Gradients.Segmentation, err = gradient(segInput, seg != nil, out.Segmentation.Shape()); err != nil {
			return nil, errors.Wrap(err, "segmentation")
		}
	}
	return res, nil
}

// gradient copies the gradient of an input node, or returns zeros for an input
// that does not reach the loss.
func gradient(n *G.Node, used bool, shape tensor.Shape) (*tensor.Dense, error) {
	if !used {
		return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(shape.Clone()...)), nil
	}
	gv, err := n.Grad()
	if err != nil {
		return nil, errors.Wrap(err, "read gradient")
	}
	g, ok := gv.(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("gradient of type %T", gv)
	}
	g = g.Clone().(*tensor.Dense)
	if err := g.Reshape(shape.Clone()...); err != nil {
		return nil, errors.Wrap(err, "reshape gradient")
	}
	return g, nil
}

// check validates the outputs and targets and returns the shape of every scale and
// the batch size.
func (e *Engine) check(out Outputs, tgt Targets) ([]targets.ScaleShape, int, error) {
	if len(out.Detection) != len(e.cfg.Scales) {
		return nil, 0, errors.Wrapf(ErrShape, "%d detection outputs, %d configured scales",
			len(out.Detection), len(e.cfg.Scales))
	}

	batch := -1
	shapes := make([]targets.ScaleShape, len(out.Detection))
	for i, t := range out.Detection {
		if t == nil {
			return nil, 0, errors.Wrapf(ErrShape, "scale %d: missing output", i)
		}
		s := t.Shape()
		if t.Dtype() != tensor.Float32 || len(s) != 5 {
			return nil, 0, errors.Wrapf(ErrShape, "scale %d: want 5-d float32, got %v %v", i, t.Dtype(), s)
		}
		if s[4] < 5 {
			return nil, 0, errors.Wrapf(ErrShape, "scale %d: %d channels, need 5+classes", i, s[4])
		}
		if s[1] != len(e.cfg.Scales[i].Anchors) {
			return nil, 0, errors.Wrapf(ErrShape, "scale %d: %d anchors, configured %d",
				i, s[1], len(e.cfg.Scales[i].Anchors))
		}
		if batch >= 0 && s[0] != batch {
			return nil, 0, errors.Wrapf(ErrShape, "scale %d: batch %d, expected %d", i, s[0], batch)
		}
		batch = s[0]
		shapes[i] = targets.ScaleShape{Batch: s[0], Anchors: s[1], Rows: s[2], Cols: s[3]}
	}

	if seg := out.Segmentation; seg != nil {
		s := seg.Shape()
		if seg.Dtype() != tensor.Float32 || len(s) != 4 {
			return nil, 0, errors.Wrapf(ErrShape, "segmentation: want 4-d float32, got %v %v", seg.Dtype(), s)
		}
		if s[0] != batch {
			return nil, 0, errors.Wrapf(ErrShape, "segmentation: batch %d, expected %d", s[0], batch)
		}
		if tgt.Masks != nil {
			m := tgt.Masks.Shape()
			if len(m) != 3 || m[0] != s[0] || m[1] != s[2] || m[2] != s[3] {
				return nil, 0, errors.Wrapf(ErrShape, "masks %v do not match logits %v", m, s)
			}
		} else {
			for i, ok := range tgt.HasMask {
				if ok {
					return nil, 0, errors.Wrapf(ErrShape, "image %d flagged with a mask but no masks given", i)
				}
			}
			if tgt.HasMask == nil {
				return nil, 0, errors.Wrap(ErrShape, "segmentation output without masks")
			}
		}
	} else {
		// Mask flags need a segmentation head.
		for i, ok := range tgt.HasMask {
			if ok {
				return nil, 0, errors.Wrapf(ErrShape, "image %d flagged with a mask but the model has no segmentation output", i)
			}
		}
		if tgt.HasMask == nil && tgt.Masks != nil {
			return nil, 0, errors.Wrap(ErrShape, "masks given but the model has no segmentation output")
		}
	}
	return shapes, batch, nil
}

// flags expands a nil flag slice to all true and checks the length otherwise.
func flags(in []bool, batch int, name string) ([]bool, error) {
	if in == nil {
		out := make([]bool, batch)
		for i := range out {
			out[i] = true
		}
		return out, nil
	}
	if len(in) != batch {
		return nil, errors.Wrapf(ErrShape, "%s has %d entries, batch size %d", name, len(in), batch)
	}
	return in, nil
}
