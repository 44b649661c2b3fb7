package loss

import (
	"fmt"
	"strings"
	"sync"

	"github.com/nvr-ai/go-yoeo/config"
	"gonum.org/v1/gonum/stat"
)

// DetectionTerms are the unweighted detection terms summed over scales.
type DetectionTerms struct {
	Box    float32
	Object float32
	Class  float32
}

// Breakdown is the detached view of one loss evaluation. Box, Object and Class are
// already weighted.
type Breakdown struct {
	Box          float32 `json:"box"`
	Object       float32 `json:"object"`
	Class        float32 `json:"class"`
	Segmentation float32 `json:"segmentation"`
	Total        float32 `json:"total"`
}

// Combine weights the detection terms and adds the segmentation term.
//
// Arguments:
//   - det: Unweighted detection terms.
//   - seg: Segmentation term.
//   - w: Detection weights.
//
// Returns:
//   - The breakdown, with Total = Box + Object + Class + Segmentation.
//
// @example
// b := Combine(DetectionTerms{Box: 1, Object: 0.1, Class: 2}, 3, config.Default().Weights)
// // b.Total == 0.2 + 1.0 + 0.1 + 3
func Combine(det DetectionTerms, seg float32, w config.Weights) Breakdown {
	b := Breakdown{
		Box:          det.Box * w.Box,
		Object:       det.Object * w.Object,
		Class:        det.Class * w.Class,
		Segmentation: seg,
	}
	b.Total = b.Box + b.Object + b.Class + b.Segmentation
	return b
}

// Slice returns the terms in the order box, object, class, segmentation, total.
func (b Breakdown) Slice() []float32 {
	return []float32{b.Box, b.Object, b.Class, b.Segmentation, b.Total}
}

func (b Breakdown) String() string {
	return fmt.Sprintf("box=%.5f obj=%.5f cls=%.5f seg=%.5f total=%.5f",
		b.Box, b.Object, b.Class, b.Segmentation, b.Total)
}

var termNames = []string{"box", "object", "class", "segmentation", "total"}

// Tracker collects breakdowns over many batches. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	samples [][]float64
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{samples: make([][]float64, len(termNames))}
}

// Add records one breakdown.
func (t *Tracker) Add(b Breakdown) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, v := range b.Slice() {
		t.samples[i] = append(t.samples[i], float64(v))
	}
}

// Count returns the number of recorded breakdowns.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.samples[0])
}

// TermStats is the summary of one term.
type TermStats struct {
	Name   string
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// Stats summarizes every term. StdDev is zero with fewer than two samples.
func (t *Tracker) Stats() []TermStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]TermStats, len(termNames))
	for i, name := range termNames {
		xs := t.samples[i]
		s := TermStats{Name: name}
		if len(xs) > 0 {
			s.Mean = stat.Mean(xs, nil)
			s.Min, s.Max = xs[0], xs[0]
			for _, x := range xs {
				s.Min = min(s.Min, x)
				s.Max = max(s.Max, x)
			}
		}
		if len(xs) > 1 {
			s.StdDev = stat.StdDev(xs, nil)
		}
		out[i] = s
	}
	return out
}

// Mean returns the mean breakdown.
func (t *Tracker) Mean() Breakdown {
	s := t.Stats()
	return Breakdown{
		Box:          float32(s[0].Mean),
		Object:       float32(s[1].Mean),
		Class:        float32(s[2].Mean),
		Segmentation: float32(s[3].Mean),
		Total:        float32(s[4].Mean),
	}
}

// Report formats the statistics as a small table.
func (t *Tracker) Report() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-13s %10s %10s %10s %10s\n", "term", "mean", "std", "min", "max")
	for _, s := range t.Stats() {
		fmt.Fprintf(&sb, "%-13s %10.5f %10.5f %10.5f %10.5f\n", s.Name, s.Mean, s.StdDev, s.Min, s.Max)
	}
	return sb.String()
}
