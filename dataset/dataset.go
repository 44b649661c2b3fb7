package dataset

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-yoeo/loss"
	"github.com/nvr-ai/go-yoeo/targets"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"gorgonia.org/tensor"
)

// Sample is the supervision of one image.
type Sample struct {
	// Path is the image path.
	Path string
	// Boxes are the labelled boxes, all with image index 0.
	Boxes []targets.GroundTruth
	// Mask holds Size*Size class ids, nil without mask supervision.
	Mask []int
	// HasBoxes reports whether box labels were loaded.
	HasBoxes bool
	// HasMask reports whether a mask was loaded.
	HasMask bool
}

// Loader reads the annotations of images.
type Loader struct {
	Log logs.Log
	// Size is the side of the square training input, masks are scaled to it.
	Size int
	// Detect enables box labels; without it every sample is flagged as having no boxes.
	Detect bool
	// Segment enables masks; without it every sample is flagged as having no mask.
	Segment bool
}

// NewLoader returns a loader that reads both boxes and masks.
func NewLoader(log logs.Log, size int) *Loader {
	return &Loader{Log: log, Size: size, Detect: true, Segment: true}
}

// Load reads the annotations of one image.
//
// A sample whose image, label file or mask cannot be read is skipped: the problem
// is logged as a warning and nil is returned.
//
// Arguments:
//   - path: The image path.
//
// Returns:
//   - The sample, or nil.
func (l *Loader) Load(path string) *Sample {
	if err := CheckImage(path); err != nil {
		l.Log.Warnf("Could not read image '%v': %v", path, err)
		return nil
	}

	s := &Sample{Path: path}
	if l.Detect {
		labels, err := LabelPath(path)
		if err == nil {
			s.Boxes, err = LoadLabels(labels)
		}
		if err != nil {
			l.Log.Warnf("Could not read label for '%v': %v", path, err)
			return nil
		}
		s.HasBoxes = true
	}

	if l.Segment {
		mask, err := MaskPath(path)
		if err == nil {
			s.Mask, err = LoadMask(mask, l.Size)
		}
		if err != nil {
			l.Log.Warnf("Could not load mask for '%v': %v", path, err)
			return nil
		}
		s.HasMask = true
	}
	return s
}

// CheckImage decodes the header of an image and fails when the file is not a
// readable, non-empty jpeg, png or bmp.
func CheckImage(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return errors.Wrap(err, "decode image")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return errors.Errorf("empty %v image", format)
	}
	return nil
}

// LoadAll loads every path and drops the samples that could not be read.
func (l *Loader) LoadAll(paths []string) []*Sample {
	samples := make([]*Sample, 0, len(paths))
	for _, p := range paths {
		if s := l.Load(p); s != nil {
			samples = append(samples, s)
		}
	}
	return samples
}

// Batch is a collated group of samples.
type Batch struct {
	// Paths are the images of the batch, in batch order.
	Paths []string
	// Targets is the supervision in the form the loss engine reads.
	Targets loss.Targets
}

// Len returns the number of images in the batch.
func (b *Batch) Len() int {
	return len(b.Paths)
}

// Collate builds a batch from samples. Nil samples are dropped, boxes are tagged
// with the index of their image, masks are stacked into a (batch, size, size)
// tensor with zero placeholders for images without one.
//
// Arguments:
//   - samples: The samples, possibly containing nil.
//   - size: The mask side.
//
// Returns:
//   - The batch; it is empty when every sample was nil.
func Collate(samples []*Sample, size int) *Batch {
	var kept []*Sample
	for _, s := range samples {
		if s != nil {
			kept = append(kept, s)
		}
	}

	b := &Batch{}
	n := len(kept)
	masks := make([]int, n*size*size)
	b.Targets.HasBoxes = make([]bool, n)
	b.Targets.HasMask = make([]bool, n)

	for i, s := range kept {
		b.Paths = append(b.Paths, s.Path)
		for _, gt := range s.Boxes {
			gt.Image = i
			b.Targets.Boxes = append(b.Targets.Boxes, gt)
		}
		b.Targets.HasBoxes[i] = s.HasBoxes
		if s.HasMask && len(s.Mask) == size*size {
			copy(masks[i*size*size:], s.Mask)
			b.Targets.HasMask[i] = true
		}
	}
	if n > 0 {
		b.Targets.Masks = tensor.New(tensor.WithShape(n, size, size), tensor.WithBacking(masks))
	}
	return b
}

// Split groups paths into consecutive chunks of at most size paths.
func Split(paths []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var out [][]string
	for len(paths) > 0 {
		k := min(size, len(paths))
		out = append(out, paths[:k])
		paths = paths[k:]
	}
	return out
}
