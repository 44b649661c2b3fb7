// Package geometry - Box overlap metrics used for target quality and box regression.
package geometry

import "fmt"

// DefaultEpsilon guards every division in the overlap metrics.
const DefaultEpsilon float32 = 1e-9

// Format describes how the four values of a Box are laid out.
type Format int

const (
	// XYXY is (x1, y1, x2, y2) with x2,y2 the bottom right corner.
	XYXY Format = iota
	// XYWH is (center x, center y, width, height).
	XYWH
)

// String returns the conventional name of the format.
func (f Format) String() string {
	switch f {
	case XYXY:
		return "xyxy"
	case XYWH:
		return "xywh"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Box is an axis aligned box. How the values are read depends on the Format the
// caller passes along with it.
type Box [4]float32

// Corners returns the box as (x1, y1, x2, y2).
//
// Arguments:
//   - f: The layout of the receiver.
//
// Returns:
//   - The top left and bottom right corners.
//
// @example
// b := Box{0.5, 0.5, 0.2, 0.1}
// x1, y1, x2, y2 := b.Corners(XYWH) // 0.4, 0.45, 0.6, 0.55
func (b Box) Corners(f Format) (x1, y1, x2, y2 float32) {
	if f == XYWH {
		return b[0] - b[2]/2, b[1] - b[3]/2, b[0] + b[2]/2, b[1] + b[3]/2
	}
	return b[0], b[1], b[2], b[3]
}

// ToXYXY converts the box to corner form.
func (b Box) ToXYXY(f Format) Box {
	x1, y1, x2, y2 := b.Corners(f)
	return Box{x1, y1, x2, y2}
}

// ToXYWH converts the box to center form.
func (b Box) ToXYWH(f Format) Box {
	if f == XYWH {
		return b
	}
	return Box{(b[0] + b[2]) / 2, (b[1] + b[3]) / 2, b[2] - b[0], b[3] - b[1]}
}

// Area returns the area of the box, zero for inverted boxes.
func (b Box) Area(f Format) float32 {
	x1, y1, x2, y2 := b.Corners(f)
	return max(x2-x1, 0) * max(y2-y1, 0)
}
