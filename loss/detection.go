package loss

import (
	"github.com/nvr-ai/go-yoeo/geometry"
	"github.com/nvr-ai/go-yoeo/targets"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// ErrClassRange is returned when a target class id does not fit the class channels.
var ErrClassRange = errors.New("target class outside the class channels")

// head is one detection output inside the graph.
type head struct {
	node  *G.Node
	data  []float32
	shape targets.ScaleShape
	// depth is 5 + number of classes.
	depth int
}

func (h head) cells() int {
	return h.shape.Batch * h.shape.Anchors * h.shape.Rows * h.shape.Cols
}

func (h head) cellIndex(image, anchor, row, col int) int {
	return ((image*h.shape.Anchors+anchor)*h.shape.Rows+row)*h.shape.Cols + col
}

// cellsPerImage is the number of objectness cells owned by one image.
func (h head) cellsPerImage() int {
	return h.shape.Anchors * h.shape.Rows * h.shape.Cols
}

// detectionTerms are the unweighted detection terms summed over scales. A nil
// node means the term has no contribution.
type detectionTerms struct {
	box, object, class *G.Node
	// targets is the number of gated targets per scale.
	targets []int
	// used reports, per scale, whether the output reaches any term.
	used []bool
}

// detection builds the box, objectness and class terms of every scale.
//
// Targets of images without box supervision are dropped and their objectness
// cells are left out of the objectness mean. Per scale the terms are:
//   - box: mean(1 - overlap(decoded prediction, target)) over the targets;
//   - class: mean BCE of the class logits against one-hot targets, when there is
//     more than one class;
//   - objectness: mean BCE of every gated objectness logit against a target that
//     is zero except at assigned cells, where it holds the detached overlap
//     clamped at zero.
func (b *builder) detection(heads []head, assignments []targets.Assignment, hasBoxes []bool, mode geometry.Mode, eps float32) (detectionTerms, error) {
	var terms detectionTerms
	var boxes, objects, classes []*G.Node

	for s, h := range heads {
		a := assignments[s]
		cells := h.cells()
		flat := b.reshape(h.node, cells, h.depth)

		var keep []int
		for k := 0; k < a.Len(); k++ {
			if hasBoxes[a.Image[k]] {
				keep = append(keep, k)
			}
		}
		terms.targets = append(terms.targets, len(keep))

		objTarget := make([]float32, cells)
		if n := len(keep); n > 0 {
			box, class, err := b.assigned(h, flat, a, keep, objTarget, mode, eps)
			if err != nil {
				return terms, errors.Wrapf(err, "scale %d", s)
			}
			boxes = append(boxes, box)
			classes = append(classes, class)
		}

		mask := make([]float32, cells)
		per := h.cellsPerImage()
		for img := 0; img < h.shape.Batch; img++ {
			if !hasBoxes[img] {
				continue
			}
			for c := img * per; c < (img+1)*per; c++ {
				mask[c] = 1
			}
		}
		bce := b.bceWithLogits(b.column(flat, 4), b.vector("objTarget", objTarget))
		object := b.maskedMean(bce, mask)
		objects = append(objects, object)
		terms.used = append(terms.used, object != nil || len(keep) > 0)
	}

	terms.box = b.addAll(boxes...)
	terms.object = b.addAll(objects...)
	terms.class = b.addAll(classes...)
	return terms, b.err
}

// assigned builds the box and class terms of one scale from the kept targets and
// writes the soft objectness targets into objTarget.
func (b *builder) assigned(h head, flat *G.Node, a targets.Assignment, keep []int, objTarget []float32, mode geometry.Mode, eps float32) (box, class *G.Node, err error) {
	n, cells := len(keep), h.cells()
	classCount := h.depth - 5

	sel := make([]float32, n*cells)
	anchorW, anchorH := make([]float32, n), make([]float32, n)
	tx, ty, tw, th := make([]float32, n), make([]float32, n), make([]float32, n), make([]float32, n)
	d := detached{
		alpha: make([]float32, n), v: make([]float32, n),
		dvdw: make([]float32, n), dvdh: make([]float32, n),
		w: make([]float32, n), h: make([]float32, n),
	}
	var onehot []float32
	if classCount > 1 {
		onehot = make([]float32, n*classCount)
	}

	for r, k := range keep {
		idx := h.cellIndex(a.Image[k], a.Anchor[k], a.Row[k], a.Col[k])
		sel[r*cells+idx] = 1

		anchor := a.AnchorSize[k]
		anchorW[r], anchorH[r] = anchor.W, anchor.H
		target := a.Box[k]
		tx[r], ty[r], tw[r], th[r] = target[0], target[1], target[2], target[3]

		raw := h.data[idx*h.depth : idx*h.depth+4]
		ox, oy, pw, ph := targets.DecodeCell(raw[0], raw[1], raw[2], raw[3], anchor)
		pred := geometry.Box{ox, oy, pw, ph}
		overlap := geometry.ComputeTerms(pred, target, geometry.XYWH, eps)
		objTarget[idx] = max(overlap.Score(mode), 0)

		d.alpha[r], d.v[r] = overlap.Alpha, overlap.V
		d.dvdw[r], d.dvdh[r] = geometry.AspectGradient(pred, target, eps)
		d.w[r], d.h[r] = pw, ph

		if classCount > 1 {
			c := a.Class[k]
			if c < 0 || c >= classCount {
				return nil, nil, errors.Wrapf(ErrClassRange, "class %d, %d class channels", c, classCount)
			}
			onehot[r*classCount+c] = 1
		}
	}

	rows := b.matmul(b.constant("select", sel, n, cells), flat)
	pred := boxNodes{
		x: b.sigmoid(b.column(rows, 0)),
		y: b.sigmoid(b.column(rows, 1)),
		w: b.mul(b.exp(b.column(rows, 2)), b.vector("anchorW", anchorW)),
		h: b.mul(b.exp(b.column(rows, 3)), b.vector("anchorH", anchorH)),
	}
	target := boxNodes{
		x: b.vector("tx", tx),
		y: b.vector("ty", ty),
		w: b.vector("tw", tw),
		h: b.vector("th", th),
	}
	score := b.overlap(pred, target, mode, eps, d)
	box = b.shift(b.scale(b.mean(score), -1), 1)

	if classCount > 1 {
		logits := b.columns(rows, 5, h.depth)
		class = b.mean(b.bceWithLogits(logits, b.constant("onehot", onehot, n, classCount)))
	}
	return box, class, b.err
}
