package dataset

import (
	"image"
	"image/color"
	_ "image/png"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// DecodeMask turns a mask image into size x size class ids. The first channel of
// each pixel is its class id. Scaling samples the nearest source pixel so ids
// never blend.
//
// Arguments:
//   - img: The mask image.
//   - size: The side of the square training input.
//
// Returns:
//   - Row major class ids, len = size*size.
func DecodeMask(img image.Image, size int) []int {
	b := img.Bounds()
	if b.Dx() != size || b.Dy() != size {
		dst := image.NewRGBA(image.Rect(0, 0, size, size))
		draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		img, b = dst, dst.Bounds()
	}

	out := make([]int, size*size)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out[i] = int(color.RGBAModel.Convert(img.At(x, y)).(color.RGBA).R)
			i++
		}
	}
	return out
}

// LoadMask decodes the mask PNG at path into size x size class ids.
func LoadMask(path string, size int) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open mask")
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode mask %s", path)
	}
	return DecodeMask(img, size), nil
}
