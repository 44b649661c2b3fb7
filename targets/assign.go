// Package targets - Assignment of ground-truth boxes to detection grid cells and anchors.
package targets

import (
	"sync"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-yoeo/config"
	"github.com/nvr-ai/go-yoeo/geometry"
	"github.com/pkg/errors"
)

var (
	// ErrImageIndex is returned when a ground-truth record points outside the batch.
	ErrImageIndex = errors.New("ground truth references an image outside the batch")
	// ErrScaleMismatch is returned when output shapes and anchor scales disagree.
	ErrScaleMismatch = errors.New("detection scales do not match the anchor table")
)

// GroundTruth is one annotated box, normalized to [0, 1] image coordinates.
type GroundTruth struct {
	// Image is the index of the image within the batch.
	Image int
	// Class is the class id of the box.
	Class int
	// CX, CY is the box center.
	CX, CY float32
	// W, H is the box size.
	W, H float32
}

// ScaleShape is the geometry of one detection output.
type ScaleShape struct {
	Batch   int
	Anchors int
	Rows    int
	Cols    int
}

// Assignment lists, for one scale, every (image, anchor, row, col) location that
// carries a target. All slices have the same length; an empty assignment is valid
// and means the scale contributes no box or class loss.
type Assignment struct {
	Image  []int
	Anchor []int
	Row    []int
	Col    []int
	// Box is (offset x, offset y, w, h) in grid units, offsets within [0, 1).
	Box []geometry.Box
	// Class is the class id of each target.
	Class []int
	// AnchorSize is the matched anchor in grid units.
	AnchorSize []config.Anchor
	// Source is the index of the ground-truth record each target came from.
	Source []int
}

// Len returns the number of assigned targets.
func (a *Assignment) Len() int {
	return len(a.Image)
}

func (a *Assignment) add(gt GroundTruth, src, anchor, row, col int, box geometry.Box, size config.Anchor) {
	a.Image = append(a.Image, gt.Image)
	a.Anchor = append(a.Anchor, anchor)
	a.Row = append(a.Row, row)
	a.Col = append(a.Col, col)
	a.Box = append(a.Box, box)
	a.Class = append(a.Class, gt.Class)
	a.AnchorSize = append(a.AnchorSize, size)
	a.Source = append(a.Source, src)
}

// Validate checks that every record references an image of a batch of the given size.
func Validate(boxes []GroundTruth, batch int) error {
	for i, gt := range boxes {
		if gt.Image < 0 || gt.Image >= batch {
			return errors.Wrapf(ErrImageIndex, "record %d: image %d, batch size %d", i, gt.Image, batch)
		}
	}
	return nil
}

// AssignScale maps ground-truth boxes onto the grid of a single scale.
//
// Boxes are replicated once per anchor (anchor major order), scaled into grid
// units, and, when the scale has more than one anchor, replicas whose width or
// height ratio to the anchor reaches ratio in either direction are dropped. The
// surviving replicas land in the cell containing their center; row and col are
// clamped into the grid.
//
// Arguments:
//   - shape: The output geometry of the scale.
//   - boxes: Ground truth of the whole batch.
//   - scale: Stride and anchors of the scale.
//   - ratio: The anchor ratio threshold (4.0 by default).
//
// Returns:
//   - The assignment, possibly empty.
//
// @example
// a := AssignScale(ScaleShape{Batch: 1, Anchors: 3, Rows: 13, Cols: 13}, boxes, cfg.Scales[0], 4)
// for i := 0; i < a.Len(); i++ { fmt.Println(a.Row[i], a.Col[i], a.Anchor[i]) }
func AssignScale(shape ScaleShape, boxes []GroundTruth, scale config.Scale, ratio float32) Assignment {
	var a Assignment
	if len(boxes) == 0 {
		return a
	}

	anchors := scale.GridAnchors()
	gw, gh := float32(shape.Cols), float32(shape.Rows)
	filter := len(anchors) > 1

	for ai, anchor := range anchors {
		for src, gt := range boxes {
			x, y := gt.CX*gw, gt.CY*gh
			w, h := gt.W*gw, gt.H*gh

			if filter && !matches(w, h, anchor, ratio) {
				continue
			}

			fx, fy := math32.Floor(x), math32.Floor(y)
			col := clamp(int(fx), shape.Cols-1)
			row := clamp(int(fy), shape.Rows-1)
			a.add(gt, src, ai, row, col, geometry.Box{x - fx, y - fy, w, h}, anchor)
		}
	}
	return a
}

// matches reports whether the box is within ratio of the anchor on both axes.
func matches(w, h float32, anchor config.Anchor, ratio float32) bool {
	rw, rh := w/anchor.W, h/anchor.H
	worst := max(rw, 1/rw, rh, 1/rh)
	return worst < ratio
}

func clamp(v, hi int) int {
	return max(0, min(v, hi))
}

// Assign builds the assignment of every scale. Scales are independent and are
// computed concurrently.
//
// Arguments:
//   - shapes: One shape per detection output, in output order.
//   - boxes: Ground truth of the batch.
//   - scales: The anchor table, aligned with shapes.
//   - ratio: The anchor ratio threshold.
//
// Returns:
//   - One assignment per scale.
//   - ErrScaleMismatch or ErrImageIndex for inconsistent input.
func Assign(shapes []ScaleShape, boxes []GroundTruth, scales []config.Scale, ratio float32) ([]Assignment, error) {
	if len(shapes) != len(scales) {
		return nil, errors.Wrapf(ErrScaleMismatch, "%d outputs, %d scales", len(shapes), len(scales))
	}
	for i, s := range shapes {
		if s.Anchors != len(scales[i].Anchors) {
			return nil, errors.Wrapf(ErrScaleMismatch, "scale %d: output has %d anchors, table has %d",
				i, s.Anchors, len(scales[i].Anchors))
		}
		if err := Validate(boxes, s.Batch); err != nil {
			return nil, err
		}
	}

	out := make([]Assignment, len(shapes))
	var wg sync.WaitGroup
	for i := range shapes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i] = AssignScale(shapes[i], boxes, scales[i], ratio)
		}(i)
	}
	wg.Wait()
	return out, nil
}
