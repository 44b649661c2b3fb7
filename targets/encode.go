package targets

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-yoeo/config"
)

// offsetLimit keeps encoded offsets away from 0 and 1 where the logit diverges.
const offsetLimit = 1e-6

// Prediction is the raw head output for one cell and anchor: center logits and
// log scale factors relative to the anchor.
type Prediction struct {
	Row, Col       int
	TX, TY, TW, TH float32
}

// Sigmoid is the logistic function.
func Sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// Logit is the inverse of Sigmoid.
func Logit(p float32) float32 {
	return math32.Log(p / (1 - p))
}

// DecodeCell turns raw outputs into a box in grid units relative to its cell:
// (sigmoid(tx), sigmoid(ty), exp(tw)*anchor.W, exp(th)*anchor.H).
func DecodeCell(tx, ty, tw, th float32, anchor config.Anchor) (ox, oy, w, h float32) {
	return Sigmoid(tx), Sigmoid(ty), math32.Exp(tw) * anchor.W, math32.Exp(th) * anchor.H
}

// Encode returns the raw prediction that decodes back to gt on a rows x cols grid
// with the given anchor (in grid units).
//
// Arguments:
//   - gt: The normalized ground-truth box.
//   - rows, cols: The grid size.
//   - anchor: The anchor in grid units.
//
// Returns:
//   - The cell and the raw values that reproduce the box through Decode.
func Encode(gt GroundTruth, rows, cols int, anchor config.Anchor) Prediction {
	x, y := gt.CX*float32(cols), gt.CY*float32(rows)
	fx, fy := math32.Floor(x), math32.Floor(y)
	col, row := clamp(int(fx), cols-1), clamp(int(fy), rows-1)
	ox := min(max(x-float32(col), offsetLimit), 1-offsetLimit)
	oy := min(max(y-float32(row), offsetLimit), 1-offsetLimit)
	return Prediction{
		Row: row,
		Col: col,
		TX:  Logit(ox),
		TY:  Logit(oy),
		TW:  math32.Log(gt.W * float32(cols) / anchor.W),
		TH:  math32.Log(gt.H * float32(rows) / anchor.H),
	}
}

// Decode maps a raw prediction back to a normalized (cx, cy, w, h) box.
func Decode(p Prediction, rows, cols int, anchor config.Anchor) (cx, cy, w, h float32) {
	ox, oy, gw, gh := DecodeCell(p.TX, p.TY, p.TW, p.TH, anchor)
	return (float32(p.Col) + ox) / float32(cols),
		(float32(p.Row) + oy) / float32(rows),
		gw / float32(cols),
		gh / float32(rows)
}
