package loss

import (
	"github.com/nvr-ai/go-yoeo/geometry"
	G "gorgonia.org/gorgonia"
)

// boxNodes is a batch of XYWH boxes as graph vectors.
type boxNodes struct {
	x, y, w, h *G.Node
}

// detached holds, per predicted box, the values that enter the overlap without
// gradient.
type detached struct {
	// alpha is the CIoU trade-off factor.
	alpha []float32
	// v is the aspect ratio divergence at the current prediction.
	v []float32
	// dvdw, dvdh are the analytic derivatives of v with respect to w and h.
	dvdw, dvdh []float32
	// w, h are the prediction sizes the derivatives were taken at.
	w, h []float32
}

// overlap builds the score of pred against target for every row, the graph
// counterpart of geometry.ComputeTerms(...).Score(mode).
//
// gorgonia has no arctangent, so the CIoU aspect term enters as its detached value
// plus dv/dw*(w - w0) + dv/dh*(h - h0). The added terms are zero at the current
// point and give the term its exact gradient.
func (b *builder) overlap(pred, target boxNodes, mode geometry.Mode, eps float32, d detached) *G.Node {
	half := func(n *G.Node) *G.Node { return b.scale(n, 0.5) }

	px1, px2 := b.sub(pred.x, half(pred.w)), b.add(pred.x, half(pred.w))
	py1, py2 := b.sub(pred.y, half(pred.h)), b.add(pred.y, half(pred.h))
	tx1, tx2 := b.sub(target.x, half(target.w)), b.add(target.x, half(target.w))
	ty1, ty2 := b.sub(target.y, half(target.h)), b.add(target.y, half(target.h))

	iw := b.relu(b.sub(b.minimum(px2, tx2), b.maximum(px1, tx1)))
	ih := b.relu(b.sub(b.minimum(py2, ty2), b.maximum(py1, ty1)))
	inter := b.mul(iw, ih)

	area1 := b.mul(pred.w, b.shift(pred.h, eps))
	area2 := b.mul(target.w, b.shift(target.h, eps))
	union := b.shift(b.sub(b.add(area1, area2), inter), eps)
	iou := b.div(inter, union)
	if mode == geometry.IoU {
		return iou
	}

	cw := b.sub(b.maximum(px2, tx2), b.minimum(px1, tx1))
	ch := b.sub(b.maximum(py2, ty2), b.minimum(py1, ty1))

	if mode == geometry.GIoU {
		enclosing := b.shift(b.mul(cw, ch), eps)
		return b.sub(iou, b.div(b.sub(enclosing, union), enclosing))
	}

	c2 := b.shift(b.add(b.square(cw), b.square(ch)), eps)
	rho2 := b.add(b.square(b.sub(target.x, pred.x)), b.square(b.sub(target.y, pred.y)))
	penalty := b.div(rho2, c2)

	if mode == geometry.CIoU {
		v := b.add(b.vector("v", d.v), b.add(
			b.mul(b.vector("dvdw", d.dvdw), b.sub(pred.w, b.vector("w0", d.w))),
			b.mul(b.vector("dvdh", d.dvdh), b.sub(pred.h, b.vector("h0", d.h))),
		))
		penalty = b.add(penalty, b.mul(b.vector("alpha", d.alpha), v))
	}
	return b.sub(iou, penalty)
}
