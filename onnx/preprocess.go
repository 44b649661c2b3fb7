package onnx

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// FillImage writes img into dst as planar RGB scaled to [0, 1], resized to
// size x size.
//
// Arguments:
//   - img: The image to prepare.
//   - dst: The destination, at least 3*size*size floats.
//   - size: The side of the model input.
//
// Returns:
//   - error: An error if dst is too small.
func FillImage(img image.Image, dst []float32, size int) error {
	channel := size * size
	if len(dst) < 3*channel {
		return errors.Errorf("destination holds %d floats, needs %d", len(dst), 3*channel)
	}
	red := dst[0:channel]
	green := dst[channel : 2*channel]
	blue := dst[2*channel : 3*channel]

	img = resize.Resize(uint(size), uint(size), img, resize.Bilinear)
	b := img.Bounds()

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			red[i] = float32(r>>8) / 255.0
			green[i] = float32(g>>8) / 255.0
			blue[i] = float32(bl>>8) / 255.0
			i++
		}
	}
	return nil
}

// FillFile reads the image at path with OpenCV and writes it into dst the same
// way FillImage does.
func FillFile(path string, dst []float32, size int) error {
	img := gocv.IMRead(path, gocv.IMReadColor)
	if img.Empty() {
		return errors.Errorf("could not read image %q", path)
	}
	defer img.Close()
	return FillMat(img, dst, size)
}

// FillMat writes a BGR matrix into dst as planar RGB scaled to [0, 1].
func FillMat(img gocv.Mat, dst []float32, size int) error {
	if len(dst) < 3*size*size {
		return errors.Errorf("destination holds %d floats, needs %d", len(dst), 3*size*size)
	}
	pt := image.Pt(size, size)

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(img, &resized, pt, 0, 0, gocv.InterpolationLinear)

	blob := gocv.BlobFromImage(resized, 1.0/255.0, pt, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	data, err := blob.DataPtrFloat32()
	if err != nil {
		return errors.Wrap(err, "read image blob")
	}
	copy(dst, data)
	return nil
}
