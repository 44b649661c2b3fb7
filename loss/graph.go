// Package loss - Multi-task detection and segmentation loss with gradients.
//
// The loss is evaluated on a gorgonia expression graph in which the raw model
// outputs are input nodes. Quantities that must not carry gradient (the CIoU
// alpha factor and the soft objectness targets) are computed numerically from the
// input values and enter the graph as constants.
package loss

import (
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// builder owns one expression graph. Input nodes are hashed by name inside
// gorgonia, so every constant gets a unique name.
type builder struct {
	g     *G.ExprGraph
	names int
	err   error
}

func newBuilder() *builder {
	return &builder{g: G.NewGraph()}
}

func (b *builder) name(prefix string) string {
	b.names++
	return fmt.Sprintf("%s_%d", prefix, b.names)
}

// input adds a float32 tensor node holding value.
func (b *builder) input(prefix string, value *tensor.Dense) *G.Node {
	shape := value.Shape().Clone()
	return G.NewTensor(b.g, tensor.Float32, shape.Dims(),
		G.WithShape(shape...),
		G.WithName(b.name(prefix)),
		G.WithValue(value))
}

// vector adds a constant float32 vector.
func (b *builder) vector(prefix string, data []float32) *G.Node {
	return G.NewVector(b.g, tensor.Float32,
		G.WithShape(len(data)),
		G.WithName(b.name(prefix)),
		G.WithValue(tensor.New(tensor.WithShape(len(data)), tensor.WithBacking(data))))
}

// constant adds a constant float32 tensor of the given shape.
func (b *builder) constant(prefix string, data []float32, shape ...int) *G.Node {
	return b.input(prefix, tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)))
}

func scalar(v float32) *G.Node {
	return G.NewConstant(v)
}

// The helpers below record the first error and turn every later call into a
// no-op, so expressions can be written without checking each step.

func (b *builder) do(fn func() (*G.Node, error)) *G.Node {
	if b.err != nil {
		return nil
	}
	n, err := fn()
	if err != nil {
		b.err = errors.Wrap(err, "build loss graph")
		return nil
	}
	return n
}

func (b *builder) add(x, y *G.Node) *G.Node {
	return b.do(func() (*G.Node, error) { return G.Add(x, y) })
}

func (b *builder) sub(x, y *G.Node) *G.Node {
	return b.do(func() (*G.Node, error) { return G.Sub(x, y) })
}

func (b *builder) mul(x, y *G.Node) *G.Node {
	return b.do(func() (*G.Node, error) { return G.HadamardProd(x, y) })
}

func (b *builder) div(x, y *G.Node) *G.Node {
	return b.do(func() (*G.Node, error) { return G.HadamardDiv(x, y) })
}

// scale multiplies by a scalar.
func (b *builder) scale(x *G.Node, k float32) *G.Node {
	return b.do(func() (*G.Node, error) { return G.Mul(x, scalar(k)) })
}

// shift adds a scalar.
func (b *builder) shift(x *G.Node, k float32) *G.Node {
	return b.do(func() (*G.Node, error) { return G.Add(x, scalar(k)) })
}

func (b *builder) matmul(x, y *G.Node) *G.Node {
	return b.do(func() (*G.Node, error) { return G.Mul(x, y) })
}

func (b *builder) unary(fn func(*G.Node) (*G.Node, error), x *G.Node) *G.Node {
	return b.do(func() (*G.Node, error) { return fn(x) })
}

func (b *builder) relu(x *G.Node) *G.Node    { return b.unary(G.Rectify, x) }
func (b *builder) sigmoid(x *G.Node) *G.Node { return b.unary(G.Sigmoid, x) }
func (b *builder) exp(x *G.Node) *G.Node     { return b.unary(G.Exp, x) }
func (b *builder) square(x *G.Node) *G.Node  { return b.unary(G.Square, x) }

// column returns column j of a matrix as a vector.
func (b *builder) column(m *G.Node, j int) *G.Node {
	return b.do(func() (*G.Node, error) { return G.Slice(m, nil, G.S(j)) })
}

// columns returns columns [from, to) of a matrix.
func (b *builder) columns(m *G.Node, from, to int) *G.Node {
	return b.do(func() (*G.Node, error) { return G.Slice(m, nil, G.S(from, to)) })
}

func (b *builder) reshape(x *G.Node, shape ...int) *G.Node {
	return b.do(func() (*G.Node, error) { return G.Reshape(x, tensor.Shape(shape)) })
}

func (b *builder) sum(x *G.Node, along ...int) *G.Node {
	return b.do(func() (*G.Node, error) { return G.Sum(x, along...) })
}

func (b *builder) mean(x *G.Node) *G.Node {
	return b.do(func() (*G.Node, error) { return G.Mean(x) })
}

// minimum is the elementwise min(x, y) = x - relu(x - y).
func (b *builder) minimum(x, y *G.Node) *G.Node {
	return b.sub(x, b.relu(b.sub(x, y)))
}

// maximum is the elementwise max(x, y) = y + relu(x - y).
func (b *builder) maximum(x, y *G.Node) *G.Node {
	return b.add(y, b.relu(b.sub(x, y)))
}

// bceWithLogits is the elementwise binary cross entropy of sigmoid(x) against t,
// in the overflow free form relu(x) - x*t + log(1 + exp(-|x|)).
func (b *builder) bceWithLogits(x, t *G.Node) *G.Node {
	soft := b.unary(G.Log1p, b.exp(b.unary(G.Neg, b.unary(G.Abs, x))))
	return b.add(b.sub(b.relu(x), b.mul(x, t)), soft)
}

// maskedMean returns sum(x * mask) / count, or nil when count is zero.
func (b *builder) maskedMean(x *G.Node, mask []float32) *G.Node {
	var count float32
	all := true
	for _, m := range mask {
		count += m
		all = all && m == 1
	}
	if count == 0 {
		return nil
	}
	if all {
		return b.mean(x)
	}
	return b.scale(b.sum(b.mul(x, b.vector("mask", mask))), 1/count)
}

// addAll sums the non-nil nodes; nil when there are none.
func (b *builder) addAll(nodes ...*G.Node) *G.Node {
	var total *G.Node
	for _, n := range nodes {
		switch {
		case n == nil:
		case total == nil:
			total = n
		default:
			total = b.add(total, n)
		}
	}
	return total
}

// scalarValue unwraps a scalar read back from the graph.
func scalarValue(v G.Value) float32 {
	if v == nil {
		return 0
	}
	switch v := v.Data().(type) {
	case float32:
		return v
	case []float32:
		if len(v) > 0 {
			return v[0]
		}
	}
	return 0
}
