// Package config - Versioned hyperparameters of the multi-task loss.
//
// Every constant the loss depends on lives here and is passed explicitly into the
// engine: term weights, the anchor ratio threshold, the overlap epsilon and the
// anchor table of each detection scale.
package config

import (
	"os"

	"github.com/nvr-ai/go-yoeo/geometry"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Version is the configuration schema understood by this package.
const Version = 1

// ErrInvalid is returned by Validate for an unusable configuration.
var ErrInvalid = errors.New("invalid loss configuration")

// Anchor is a prior box size in input pixels.
type Anchor struct {
	W float32 `json:"w" yaml:"w"`
	H float32 `json:"h" yaml:"h"`
}

// Scale describes one detection head.
type Scale struct {
	// Stride is the number of input pixels covered by one grid cell.
	Stride float32 `json:"stride" yaml:"stride"`
	// Anchors are the priors of this head, in the order of the anchor axis.
	Anchors []Anchor `json:"anchors" yaml:"anchors"`
}

// GridAnchors returns the anchors of the scale in grid cell units.
func (s Scale) GridAnchors() []Anchor {
	out := make([]Anchor, len(s.Anchors))
	for i, a := range s.Anchors {
		out[i] = Anchor{W: a.W / s.Stride, H: a.H / s.Stride}
	}
	return out
}

// Weights are the fixed multipliers of the detection terms.
type Weights struct {
	Box    float32 `json:"box" yaml:"box"`
	Object float32 `json:"object" yaml:"object"`
	Class  float32 `json:"class" yaml:"class"`
}

// Config holds everything the loss engine reads.
type Config struct {
	// Version of the schema, must equal config.Version.
	Version int `json:"version" yaml:"version"`
	// Weights of the box, objectness and class terms.
	Weights Weights `json:"weights" yaml:"weights"`
	// AnchorRatio rejects anchor/box pairs whose side ratio reaches this value.
	AnchorRatio float32 `json:"anchor_ratio" yaml:"anchor_ratio"`
	// Epsilon guards overlap divisions.
	Epsilon float32 `json:"epsilon" yaml:"epsilon"`
	// BoxOverlap names the metric of the box term (iou, giou, diou, ciou).
	BoxOverlap string `json:"box_overlap" yaml:"box_overlap"`
	// Ungated disables per image supervision gating. Only for reproducing old runs.
	Ungated bool `json:"ungated,omitempty" yaml:"ungated,omitempty"`
	// Scales lists the detection heads from finest to coarsest or in model order;
	// it must match the order of the detection outputs.
	Scales []Scale `json:"scales" yaml:"scales"`
}

// Default returns the configuration of the reference two-head model: weights
// 0.2 / 10.0 / 0.05, ratio threshold 4.0, CIoU box term.
//
// Returns:
//   - A new configuration that passes Validate.
//
// @example
// cfg := config.Default()
// cfg.Scales[0].Anchors[0] // {81, 82}
func Default() *Config {
	return &Config{
		Version:     Version,
		Weights:     Weights{Box: 0.2, Object: 10.0, Class: 0.05},
		AnchorRatio: 4.0,
		Epsilon:     geometry.DefaultEpsilon,
		BoxOverlap:  geometry.CIoU.String(),
		Scales: []Scale{
			{Stride: 32, Anchors: []Anchor{{81, 82}, {135, 169}, {344, 319}}},
			{Stride: 16, Anchors: []Anchor{{10, 14}, {23, 27}, {37, 58}}},
		},
	}
}

// Overlap returns the parsed box overlap mode.
func (c *Config) Overlap() geometry.Mode {
	m, err := geometry.ParseMode(c.BoxOverlap)
	if err != nil {
		return geometry.CIoU
	}
	return m
}

// Validate checks the configuration for values the engine cannot work with.
//
// Returns:
//   - nil, or an error wrapping ErrInvalid that names the offending field.
func (c *Config) Validate() error {
	if c.Version != Version {
		return errors.Wrapf(ErrInvalid, "version %d, expected %d", c.Version, Version)
	}
	if c.AnchorRatio <= 1 {
		return errors.Wrapf(ErrInvalid, "anchor_ratio %v must be greater than 1", c.AnchorRatio)
	}
	if c.Epsilon <= 0 {
		return errors.Wrapf(ErrInvalid, "epsilon %v must be positive", c.Epsilon)
	}
	if _, err := geometry.ParseMode(c.BoxOverlap); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	if len(c.Scales) == 0 {
		return errors.Wrap(ErrInvalid, "no detection scales")
	}
	for i, s := range c.Scales {
		if s.Stride <= 0 {
			return errors.Wrapf(ErrInvalid, "scale %d: stride %v", i, s.Stride)
		}
		if len(s.Anchors) == 0 {
			return errors.Wrapf(ErrInvalid, "scale %d: no anchors", i)
		}
		for j, a := range s.Anchors {
			if a.W <= 0 || a.H <= 0 {
				return errors.Wrapf(ErrInvalid, "scale %d anchor %d: size %vx%v", i, j, a.W, a.H)
			}
		}
	}
	return nil
}

// Load reads a YAML configuration. Fields missing from the file keep the values
// of Default.
//
// Arguments:
//   - path: Path of the YAML file.
//
// Returns:
//   - The validated configuration.
//   - An error if the file cannot be read, parsed or validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read loss config")
	}
	return Parse(data)
}

// Parse decodes a YAML document on top of Default and validates it.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrap(err, "parse loss config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	out, err := yaml.Marshal(c)
	return out, errors.Wrap(err, "marshal loss config")
}
