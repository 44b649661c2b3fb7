package loss

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ErrMaskClass is returned when a mask pixel holds a class the segmentation head
// does not predict.
var ErrMaskClass = errors.New("mask class outside the segmentation classes")

// maskClasses returns the mask as a flat slice of class ids.
func maskClasses(mask *tensor.Dense) ([]int, error) {
	switch data := mask.Data().(type) {
	case []int:
		return data, nil
	case []int32:
		return widen(data), nil
	case []int64:
		return widen(data), nil
	case []uint8:
		return widen(data), nil
	case []float32:
		return widen(data), nil
	}
	return nil, errors.Errorf("unsupported mask dtype %v", mask.Dtype())
}

func widen[T int32 | int64 | uint8 | float32](data []T) []int {
	out := make([]int, len(data))
	for i, v := range data {
		out[i] = int(v)
	}
	return out
}

// segmentation builds the cross entropy of the logits (B, K, H, W) against mask
// (B, H, W). Pixels are summed per image and images without mask supervision
// contribute nothing. Returns nil when no image has a mask.
func (b *builder) segmentation(logits *G.Node, data []float32, mask []int, hasMask []bool) (*G.Node, error) {
	shape := logits.Shape()
	batch, classes, pixels := shape[0], shape[1], shape[2]*shape[3]

	selected := make([]float32, batch)
	var supervised bool
	for i, ok := range hasMask {
		if ok {
			selected[i] = 1
			supervised = true
		}
	}
	if !supervised {
		return nil, nil
	}

	// The max over classes per pixel is a detached shift; it cancels out of the
	// log-softmax and only keeps exp in range.
	shift := make([]float32, len(data))
	onehot := make([]float32, len(data))
	for img := 0; img < batch; img++ {
		base := img * classes * pixels
		for p := 0; p < pixels; p++ {
			best := data[base+p]
			for k := 1; k < classes; k++ {
				best = max(best, data[base+k*pixels+p])
			}
			for k := 0; k < classes; k++ {
				shift[base+k*pixels+p] = best
			}

			if !hasMask[img] {
				continue
			}
			c := mask[img*pixels+p]
			if c < 0 || c >= classes {
				return nil, errors.Wrapf(ErrMaskClass, "image %d pixel %d class %d, %d classes", img, p, c, classes)
			}
			onehot[base+c*pixels+p] = 1
		}
	}

	flat := b.reshape(logits, batch, classes, pixels)
	shifted := b.sub(flat, b.constant("segShift", shift, batch, classes, pixels))
	logSum := b.unary(G.Log, b.sum(b.exp(shifted), 1))
	picked := b.sum(b.mul(shifted, b.constant("segOnehot", onehot, batch, classes, pixels)), 1)
	perImage := b.sum(b.sub(logSum, picked), 1)
	return b.sum(b.mul(perImage, b.vector("hasMask", selected))), b.err
}
