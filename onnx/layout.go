// Package onnx - Runs an exported multi-task network with onnxruntime to obtain its raw outputs.
package onnx

import (
	"github.com/nvr-ai/go-yoeo/config"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// ErrLayout is returned for an input size or output layout the model cannot have.
var ErrLayout = errors.New("invalid model layout")

// Layout describes the tensors of an exported model.
type Layout struct {
	// Batch is the fixed batch dimension of the export.
	Batch int
	// Size is the side of the square input image in pixels.
	Size int
	// Scales are the detection heads, in output order.
	Scales []config.Scale
	// Classes is the number of detection classes.
	Classes int
	// SegmentationClasses is the number of segmentation classes, zero without a
	// segmentation head.
	SegmentationClasses int
}

// Validate checks that every stride divides the input size.
func (l Layout) Validate() error {
	if l.Batch <= 0 || l.Size <= 0 {
		return errors.Wrapf(ErrLayout, "batch %d, size %d", l.Batch, l.Size)
	}
	if l.Classes < 0 || l.SegmentationClasses < 0 {
		return errors.Wrapf(ErrLayout, "classes %d, segmentation classes %d", l.Classes, l.SegmentationClasses)
	}
	for i, s := range l.Scales {
		stride := int(s.Stride)
		if stride <= 0 || float32(stride) != s.Stride || l.Size%stride != 0 {
			return errors.Wrapf(ErrLayout, "scale %d: stride %v does not divide size %d", i, s.Stride, l.Size)
		}
	}
	return nil
}

// InputShape is (batch, 3, size, size).
func (l Layout) InputShape() []int {
	return []int{l.Batch, 3, l.Size, l.Size}
}

// DetectionShape is (batch, anchors, rows, cols, 5+classes) of scale i.
func (l Layout) DetectionShape(i int) []int {
	s := l.Scales[i]
	grid := l.Size / int(s.Stride)
	return []int{l.Batch, len(s.Anchors), grid, grid, 5 + l.Classes}
}

// SegmentationShape is (batch, classes, size, size).
func (l Layout) SegmentationShape() []int {
	return []int{l.Batch, l.SegmentationClasses, l.Size, l.Size}
}

func ortShape(shape []int) ort.Shape {
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	return ort.NewShape(dims...)
}
