package geometry

import (
	"fmt"
	"strings"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// ErrMode is returned for an overlap mode name that is not known.
var ErrMode = errors.New("unknown overlap mode")

// Mode selects the overlap metric.
type Mode int

const (
	// IoU is plain intersection over union.
	IoU Mode = iota
	// GIoU subtracts the share of the enclosing box not covered by the union.
	GIoU
	// DIoU subtracts the normalized squared distance between the centers.
	DIoU
	// CIoU is DIoU with an additional aspect ratio consistency penalty.
	CIoU
)

// aspectScale is 4/pi^2, the normalization of the CIoU aspect ratio term.
var aspectScale = 4 / (math32.Pi * math32.Pi)

// String returns the lower case name of the mode.
func (m Mode) String() string {
	switch m {
	case IoU:
		return "iou"
	case GIoU:
		return "giou"
	case DIoU:
		return "diou"
	case CIoU:
		return "ciou"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode maps a name such as "ciou" to its Mode.
//
// Arguments:
//   - s: Case insensitive mode name.
//
// Returns:
//   - The mode, or an error if the name is unknown.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "iou":
		return IoU, nil
	case "giou":
		return GIoU, nil
	case "diou":
		return DIoU, nil
	case "ciou", "":
		return CIoU, nil
	}
	return IoU, errors.Wrapf(ErrMode, "%q", s)
}

// Terms holds the pieces an overlap score is assembled from. The loss engine uses
// them to build the detached constants of the box regression term.
type Terms struct {
	// IoU is the plain intersection over union.
	IoU float32
	// Union is area(A) + area(B) - intersection + eps.
	Union float32
	// Enclosing is the area of the smallest enclosing box plus eps.
	Enclosing float32
	// Distance is the squared center distance over the squared enclosing diagonal.
	Distance float32
	// V is the aspect ratio divergence 4/pi^2 * (atan(w2/h2) - atan(w1/h1))^2.
	V float32
	// Alpha is v / (1 - iou + v + eps), a scaling constant with no gradient.
	Alpha float32
}

// Score combines the terms according to the mode.
func (t Terms) Score(m Mode) float32 {
	switch m {
	case GIoU:
		return t.IoU - (t.Enclosing-t.Union)/t.Enclosing
	case DIoU:
		return t.IoU - t.Distance
	case CIoU:
		return t.IoU - (t.Distance + t.V*t.Alpha)
	default:
		return t.IoU
	}
}

// ComputeTerms computes every overlap term between box a and box b.
//
// Heights carry eps the same way the union does, so zero sized boxes never divide
// by zero. Non overlapping boxes have an intersection of exactly zero.
//
// Arguments:
//   - a: The first box (usually the prediction).
//   - b: The second box (usually the target).
//   - f: The layout of both boxes.
//   - eps: Small constant added to every denominator.
//
// Returns:
//   - The overlap terms.
func ComputeTerms(a, b Box, f Format, eps float32) Terms {
	ax1, ay1, ax2, ay2 := a.Corners(f)
	bx1, by1, bx2, by2 := b.Corners(f)

	inter := max(min(ax2, bx2)-max(ax1, bx1), 0) *
		max(min(ay2, by2)-max(ay1, by1), 0)

	w1, h1 := ax2-ax1, ay2-ay1+eps
	w2, h2 := bx2-bx1, by2-by1+eps
	union := w1*h1 + w2*h2 - inter + eps
	iou := inter / union

	cw := max(ax2, bx2) - min(ax1, bx1)
	ch := max(ay2, by2) - min(ay1, by1)
	c2 := cw*cw + ch*ch + eps
	dx := bx1 + bx2 - ax1 - ax2
	dy := by1 + by2 - ay1 - ay2
	rho2 := (dx*dx + dy*dy) / 4

	d := math32.Atan(w2/h2) - math32.Atan(w1/h1)
	v := aspectScale * d * d
	alpha := v / ((1 + eps) - iou + v)

	return Terms{
		IoU:       iou,
		Union:     union,
		Enclosing: cw*ch + eps,
		Distance:  rho2 / c2,
		V:         v,
		Alpha:     alpha,
	}
}

// OverlapOne scores a single pair of boxes.
func OverlapOne(a, b Box, f Format, m Mode, eps float32) float32 {
	return ComputeTerms(a, b, f, eps).Score(m)
}

// Overlap scores box a against every box in bs.
//
// Arguments:
//   - a: The reference box.
//   - bs: The batch of boxes to compare against.
//   - f: The layout of all boxes.
//   - m: The overlap metric.
//   - eps: Small constant guarding divisions.
//
// Returns:
//   - One score per box in bs, roughly within [-1, 1]. Plain IoU is within [0, 1].
//
// @example
// a := Box{0, 0, 10, 10}
// scores := Overlap(a, []Box{{5, 5, 15, 15}, {20, 20, 30, 30}}, XYXY, IoU, DefaultEpsilon)
// // scores[0] ≈ 0.142857, scores[1] == 0
func Overlap(a Box, bs []Box, f Format, m Mode, eps float32) []float32 {
	scores := make([]float32, len(bs))
	for i, b := range bs {
		scores[i] = OverlapOne(a, b, f, m, eps)
	}
	return scores
}

// AspectGradient returns dv/dw and dv/dh of the CIoU aspect term with respect to
// the width and height of box a, holding box b fixed. Both boxes are XYWH.
func AspectGradient(a, b Box, eps float32) (dw, dh float32) {
	w1, h1 := a[2], a[3]+eps
	w2, h2 := b[2], b[3]+eps
	d := math32.Atan(w2/h2) - math32.Atan(w1/h1)
	// d/dw atan(w/h) = h/(w^2+h^2), d/dh atan(w/h) = -w/(w^2+h^2)
	den := w1*w1 + h1*h1
	if den == 0 {
		return 0, 0
	}
	k := -2 * aspectScale * d
	return k * h1 / den, -k * w1 / den
}
