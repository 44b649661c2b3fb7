package dataset

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/nvr-ai/go-yoeo/targets"
	"github.com/pkg/errors"
)

// ErrLabel is returned for a malformed label file.
var ErrLabel = errors.New("malformed label")

// ParseLabels reads whitespace separated "class cx cy w h" records. Values may
// span lines: the numbers are read as one stream and split into groups of five.
// An empty input has no boxes. Every record gets image index 0; Collate assigns
// the batch index.
func ParseLabels(r io.Reader) ([]targets.GroundTruth, error) {
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)

	var values []float64
	for scanner.Scan() {
		v, err := strconv.ParseFloat(scanner.Text(), 32)
		if err != nil {
			return nil, errors.Wrapf(ErrLabel, "value %q", scanner.Text())
		}
		values = append(values, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read labels")
	}
	if len(values)%5 != 0 {
		return nil, errors.Wrapf(ErrLabel, "%d values, not a multiple of 5", len(values))
	}

	boxes := make([]targets.GroundTruth, 0, len(values)/5)
	for i := 0; i < len(values); i += 5 {
		boxes = append(boxes, targets.GroundTruth{
			Class: int(values[i]),
			CX:    float32(values[i+1]),
			CY:    float32(values[i+2]),
			W:     float32(values[i+3]),
			H:     float32(values[i+4]),
		})
	}
	return boxes, nil
}

// LoadLabels parses the label file at path.
func LoadLabels(path string) ([]targets.GroundTruth, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open labels")
	}
	defer f.Close()

	boxes, err := ParseLabels(f)
	return boxes, errors.Wrap(err, path)
}

// FormatLabels writes boxes in the label file format.
func FormatLabels(boxes []targets.GroundTruth) string {
	var sb strings.Builder
	for _, b := range boxes {
		sb.WriteString(strconv.Itoa(b.Class))
		for _, v := range []float32{b.CX, b.CY, b.W, b.H} {
			sb.WriteByte(' ')
			sb.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
