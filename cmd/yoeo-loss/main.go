// Command yoeo-loss evaluates the multi-task loss of an exported model over a
// labelled image list and reports per-term statistics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-yoeo/config"
	"github.com/nvr-ai/go-yoeo/dataset"
	"github.com/nvr-ai/go-yoeo/loss"
	"github.com/nvr-ai/go-yoeo/onnx"
	"github.com/nvr-ai/go-yoeo/profiler"
	"github.com/pkg/errors"
)

func main() {
	logger, err := logs.NewLog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}

	parser := argparse.NewParser("yoeo-loss", "Evaluate the detection and segmentation loss of an exported model")
	source := parser.String("i", "images", &argparse.Options{Help: "Image list file or image directory"})
	modelPath := parser.String("m", "model", &argparse.Options{Help: "Exported .onnx model"})
	configPath := parser.String("c", "config", &argparse.Options{Help: "Loss configuration YAML (defaults when empty)", Default: ""})
	libPath := parser.String("", "lib", &argparse.Options{Help: "onnxruntime shared library", Default: ""})
	batchSize := parser.Int("b", "batch", &argparse.Options{Help: "Batch size of the export", Default: 1})
	size := parser.Int("s", "size", &argparse.Options{Help: "Input size in pixels", Default: 416})
	classes := parser.Int("", "classes", &argparse.Options{Help: "Number of detection classes", Default: 1})
	segClasses := parser.Int("", "seg-classes", &argparse.Options{Help: "Number of segmentation classes, 0 without a segmentation head", Default: 3})
	threads := parser.Int("t", "threads", &argparse.Options{Help: "onnxruntime intra-op threads", Default: 0})
	noDetect := parser.Flag("", "no-detect", &argparse.Options{Help: "Ignore box labels"})
	noSegment := parser.Flag("", "no-segment", &argparse.Options{Help: "Ignore segmentation masks"})
	dumpConfig := parser.Flag("", "dump-config", &argparse.Options{Help: "Print the effective loss configuration and exit"})
	err = parser.Parse(os.Args)
	if err != nil {
		logger.Errorf("%v", parser.Usage(err))
		os.Exit(1)
	}

	cfg := config.Default()
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			logger.Errorf("Failed to load config '%v': %v", *configPath, err)
			os.Exit(1)
		}
	}
	if *dumpConfig {
		out, err := cfg.Marshal()
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		fmt.Print(string(out))
		return
	}
	if *source == "" || *modelPath == "" {
		logger.Errorf("%v", parser.Usage("--images and --model are required"))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &runner{
		log:    logger,
		cfg:    cfg,
		loader: &dataset.Loader{Log: logger, Size: *size, Detect: !*noDetect, Segment: !*noSegment && *segClasses > 0},
		batch:  *batchSize,
		opts: onnx.Options{
			ModelPath:   *modelPath,
			LibraryPath: *libPath,
			Threads:     *threads,
			Layout: onnx.Layout{
				Batch:               *batchSize,
				Size:                *size,
				Scales:              cfg.Scales,
				Classes:             *classes,
				SegmentationClasses: *segClasses,
			},
		},
	}
	if err := r.run(ctx, *source); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

type runner struct {
	log    logs.Log
	cfg    *config.Config
	loader *dataset.Loader
	opts   onnx.Options
	batch  int
}

func (r *runner) run(ctx context.Context, source string) error {
	paths, err := dataset.Resolve(source)
	if err != nil {
		return err
	}
	r.log.Infof("Evaluating %v images from %v", len(paths), source)

	engine, err := loss.NewEngine(r.cfg)
	if err != nil {
		return err
	}
	session, err := onnx.NewSession(r.opts)
	if err != nil {
		return err
	}
	defer session.Close()

	tracker := loss.NewTracker()
	timings := profiler.NewTimings(0)
	for i, chunk := range dataset.Split(paths, r.batch) {
		if ctx.Err() != nil {
			r.log.Warnf("Interrupted after %v batches", i)
			break
		}

		done := timings.StartOperation("load")
		samples := r.loader.LoadAll(chunk)
		done()

		res, err := r.evaluate(ctx, session, engine, samples, timings)
		if err != nil {
			return err
		}
		if res == nil {
			continue
		}
		tracker.Add(res.Breakdown)
		r.log.Infof("Batch %v: %v (targets per scale %v)", i, res.Breakdown, res.Targets)
	}

	if tracker.Count() == 0 {
		r.log.Warnf("No batch could be evaluated")
		return nil
	}
	fmt.Print(tracker.Report())
	fmt.Print(timings.Report())
	return nil
}

// inferer produces the raw outputs of a batch of images.
type inferer interface {
	Run(ctx context.Context, paths []string) (loss.Outputs, error)
}

// evaluate runs inference and the loss on samples. An image the model input
// cannot be built from is dropped with a warning and the rest of the batch is
// evaluated again. Returns nil when no sample is left.
func (r *runner) evaluate(ctx context.Context, session inferer, engine *loss.Engine, samples []*dataset.Sample, timings *profiler.Timings) (*loss.Result, error) {
	for len(samples) > 0 {
		batch := dataset.Collate(samples, r.loader.Size)

		done := timings.StartOperation("inference")
		out, err := session.Run(ctx, batch.Paths)
		done()

		var imgErr *onnx.ImageError
		if errors.As(err, &imgErr) && imgErr.Index < len(samples) {
			r.log.Warnf("Skipping '%v': %v", samples[imgErr.Index].Path, imgErr.Err)
			samples = append(samples[:imgErr.Index:imgErr.Index], samples[imgErr.Index+1:]...)
			continue
		}
		if err != nil {
			return nil, err
		}

		done = timings.StartOperation("loss")
		res, err := engine.Compute(out, batch.Targets)
		done()
		return res, err
	}
	return nil, nil
}
