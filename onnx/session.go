package onnx

import (
	"context"
	"image"
	"sync"

	"github.com/nvr-ai/go-yoeo/loss"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

// Options configure a Session.
type Options struct {
	// ModelPath is the exported .onnx file.
	ModelPath string
	// LibraryPath is the onnxruntime shared library; empty selects DefaultLibraryPath.
	LibraryPath string
	// Layout describes the input and output tensors.
	Layout Layout
	// Input is the name of the image input. Empty takes the first model input.
	Input string
	// Detection names the detection outputs in scale order. Empty takes the first
	// model outputs.
	Detection []string
	// Segmentation names the segmentation output. Empty takes the model output
	// after the detection outputs when the layout has segmentation classes.
	Segmentation string
	// Threads is the number of intra-op threads, 0 for the onnxruntime default.
	Threads int
}

// ImageError reports an input image that could not be prepared. The rest of the
// batch was not evaluated.
type ImageError struct {
	// Index is the position of the image in the batch.
	Index int
	Err   error
}

func (e *ImageError) Error() string {
	return errors.Errorf("image %d: %v", e.Index, e.Err).Error()
}

func (e *ImageError) Unwrap() error {
	return e.Err
}

// Session runs an exported network with fixed batch and input size. Run calls
// are serialized.
type Session struct {
	mu           sync.Mutex
	layout       Layout
	session      *ort.AdvancedSession
	input        *ort.Tensor[float32]
	detection    []*ort.Tensor[float32]
	segmentation *ort.Tensor[float32]
}

// NewSession loads the model and allocates its tensors.
//
// Arguments:
//   - opts: Model path, library path, layout and tensor names.
//
// Returns:
//   - *Session: The session, to be released with Close.
//   - error: An error if the library or model cannot be loaded.
func NewSession(opts Options) (*Session, error) {
	if err := opts.Layout.Validate(); err != nil {
		return nil, err
	}
	if err := initEnvironment(opts.LibraryPath); err != nil {
		return nil, err
	}
	if err := opts.resolveNames(); err != nil {
		return nil, err
	}

	l := opts.Layout
	s := &Session{layout: l}
	var err error
	if s.input, err = ort.NewEmptyTensor[float32](ortShape(l.InputShape())); err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}

	outputNames := append([]string(nil), opts.Detection...)
	var outputs []ort.ArbitraryTensor
	for i := range l.Scales {
		t, err := ort.NewEmptyTensor[float32](ortShape(l.DetectionShape(i)))
		if err != nil {
			s.Close()
			return nil, errors.Wrapf(err, "create detection tensor %d", i)
		}
		s.detection = append(s.detection, t)
		outputs = append(outputs, t)
	}
	if l.SegmentationClasses > 0 {
		if s.segmentation, err = ort.NewEmptyTensor[float32](ortShape(l.SegmentationShape())); err != nil {
			s.Close()
			return nil, errors.Wrap(err, "create segmentation tensor")
		}
		outputs = append(outputs, s.segmentation)
		outputNames = append(outputNames, opts.Segmentation)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		s.Close()
		return nil, errors.Wrap(err, "create session options")
	}
	defer options.Destroy()
	if opts.Threads > 0 {
		if err := options.SetIntraOpNumThreads(opts.Threads); err != nil {
			s.Close()
			return nil, errors.Wrap(err, "set threads")
		}
	}

	s.session, err = ort.NewAdvancedSession(opts.ModelPath,
		[]string{opts.Input}, outputNames,
		[]ort.ArbitraryTensor{s.input}, outputs, options)
	if err != nil {
		s.Close()
		return nil, errors.Wrap(err, "create onnxruntime session")
	}
	return s, nil
}

// resolveNames fills missing tensor names from the model metadata.
func (o *Options) resolveNames() error {
	segmented := o.Layout.SegmentationClasses > 0
	if o.Input != "" && len(o.Detection) == len(o.Layout.Scales) && (o.Segmentation != "" || !segmented) {
		return nil
	}

	inputs, outputs, err := ort.GetInputOutputInfo(o.ModelPath)
	if err != nil {
		return errors.Wrap(err, "read model inputs and outputs")
	}
	if o.Input == "" {
		if len(inputs) == 0 {
			return errors.Wrap(ErrLayout, "model has no inputs")
		}
		o.Input = inputs[0].Name
	}

	want := len(o.Layout.Scales)
	if segmented {
		want++
	}
	if len(outputs) < want {
		return errors.Wrapf(ErrLayout, "model has %d outputs, layout needs %d", len(outputs), want)
	}
	if len(o.Detection) != len(o.Layout.Scales) {
		o.Detection = nil
		for _, out := range outputs[:len(o.Layout.Scales)] {
			o.Detection = append(o.Detection, out.Name)
		}
	}
	if segmented && o.Segmentation == "" {
		o.Segmentation = outputs[len(o.Layout.Scales)].Name
	}
	return nil
}

// Layout returns the tensor layout of the session.
func (s *Session) Layout() Layout {
	return s.layout
}

// Run evaluates the model on the images at paths, read with OpenCV.
//
// Arguments:
//   - ctx: Checked before the images are read.
//   - paths: At most Layout.Batch image paths.
//
// Returns:
//   - The raw outputs, with a batch dimension of len(paths).
//   - An *ImageError naming the first image that could not be read.
func (s *Session) Run(ctx context.Context, paths []string) (loss.Outputs, error) {
	return s.run(ctx, len(paths), func(i int, dst []float32) error {
		return errors.Wrap(FillFile(paths[i], dst, s.layout.Size), paths[i])
	})
}

// RunImages evaluates the model on decoded images.
func (s *Session) RunImages(ctx context.Context, imgs []image.Image) (loss.Outputs, error) {
	return s.run(ctx, len(imgs), func(i int, dst []float32) error {
		return FillImage(imgs[i], dst, s.layout.Size)
	})
}

func (s *Session) run(ctx context.Context, n int, fill func(i int, dst []float32) error) (loss.Outputs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n == 0 || n > s.layout.Batch {
		return loss.Outputs{}, errors.Wrapf(ErrLayout, "%d images for batch size %d", n, s.layout.Batch)
	}
	if err := ctx.Err(); err != nil {
		return loss.Outputs{}, err
	}

	if err := fillBatch(s.input.GetData(), 3*s.layout.Size*s.layout.Size, n, fill); err != nil {
		return loss.Outputs{}, err
	}

	if err := s.session.Run(); err != nil {
		return loss.Outputs{}, errors.Wrap(err, "run model")
	}

	var out loss.Outputs
	for i, t := range s.detection {
		out.Detection = append(out.Detection, firstImages(t.GetData(), s.layout.DetectionShape(i), n))
	}
	if s.segmentation != nil {
		out.Segmentation = firstImages(s.segmentation.GetData(), s.layout.SegmentationShape(), n)
	}
	return out, nil
}

// fillBatch zeroes data and fills the first n images of per values each. A
// failing image is reported as an *ImageError.
func fillBatch(data []float32, per, n int, fill func(i int, dst []float32) error) error {
	clear(data)
	for i := 0; i < n; i++ {
		if err := fill(i, data[i*per:(i+1)*per]); err != nil {
			return &ImageError{Index: i, Err: err}
		}
	}
	return nil
}

// firstImages copies the first n images of a batch tensor.
func firstImages(data []float32, shape []int, n int) *tensor.Dense {
	per := len(data) / shape[0]
	shape = append([]int{n}, shape[1:]...)
	backing := make([]float32, n*per)
	copy(backing, data[:n*per])
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
}

// Close releases the session and its tensors.
func (s *Session) Close() {
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.input != nil {
		s.input.Destroy()
		s.input = nil
	}
	for _, t := range s.detection {
		t.Destroy()
	}
	s.detection = nil
	if s.segmentation != nil {
		s.segmentation.Destroy()
		s.segmentation = nil
	}
}
