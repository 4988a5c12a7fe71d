// Package simple is a small self-contained MLP regressor trained from loader
// batches. It exists to drive the loader end to end (epochs, resets, padded
// trailing batches) without a deep-learning backend.
package simple

import (
	"context"
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/dataloader/loader"
)

// Config holds configurable hyperparameters for the MLP model and training.
type Config struct {
	// HiddenSizes is the list of hidden layer sizes. Example: []int{64, 32}
	// If empty, a single hidden layer of size 64 will be used.
	HiddenSizes []int

	// InputDim and OutputDim are the flattened sizes of a sample's data and label.
	InputDim, OutputDim int

	// LearningRate used by SGD.
	LearningRate float64

	// Epochs to train for (default if 0 will be set by NewModel to 10).
	Epochs int

	// Seed controls RNG for weight init. If zero, time-based seed is used.
	Seed int64

	// ClipNorm bounds the L2 norm of each layer's averaged gradient. 0 disables clipping.
	ClipNorm float32
}

// BatchSource is what the trainer needs from a loader.
type BatchSource interface {
	// NextBatch returns the next batch, or io.EOF at the end of the epoch.
	NextBatch(ctx context.Context) (*loader.Batch, error)
	Reset()
	Len() int
}

var _ BatchSource = (*loader.Loader)(nil)

// Model is a small configurable MLP: ReLU hidden layers, linear output,
// mean-squared-error loss.
type Model struct {
	// Config used for training / initialization.
	Config Config

	// layerSizes includes input size, hidden sizes, then output size.
	layerSizes []int

	// weights[l] is a matrix of shape [out][in] for layer l -> l+1
	weights [][][]float32

	// biases[l] is a vector of length out for layer l -> l+1
	biases [][]float32

	rng *rand.Rand
}

// NewModel creates a new Model instance with the provided configuration.
// It initializes weights (small random values) and is ready to train.
func NewModel(cfg Config) (*Model, error) {
	if cfg.InputDim <= 0 || cfg.OutputDim <= 0 {
		return nil, errors.Errorf("input and output dimensions must be positive, got %d and %d", cfg.InputDim, cfg.OutputDim)
	}
	// defaults
	if len(cfg.HiddenSizes) == 0 {
		cfg.HiddenSizes = []int{64}
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 0.001
	}
	if cfg.Epochs == 0 {
		cfg.Epochs = 10
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	m := &Model{
		Config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}

	sizes := make([]int, 0, 2+len(cfg.HiddenSizes))
	sizes = append(sizes, cfg.InputDim)
	sizes = append(sizes, cfg.HiddenSizes...)
	sizes = append(sizes, cfg.OutputDim)
	m.layerSizes = sizes

	L := len(sizes) - 1
	m.weights = make([][][]float32, L)
	m.biases = make([][]float32, L)
	for l := 0; l < L; l++ {
		in := sizes[l]
		out := sizes[l+1]
		limit := float32(math.Sqrt(6.0 / float64(in+out)))
		mat := make([][]float32, out)
		for j := 0; j < out; j++ {
			row := make([]float32, in)
			for i := 0; i < in; i++ {
				// Xavier/Glorot uniform initialization heuristic
				row[i] = (m.rng.Float32()*2.0 - 1.0) * limit * 0.5
			}
			mat[j] = row
		}
		m.weights[l] = mat
		m.biases[l] = make([]float32, out)
	}
	return m, nil
}

// activationReLU applies ReLU in-place over the slice.
func activationReLU(x []float32) {
	for i := range x {
		if x[i] < 0 {
			x[i] = 0
		}
	}
}

// forwardSingle performs a forward pass for a single input vector, returning:
// - preActs: list of pre-activation vectors per layer (len = L)
// - acts: list of activation vectors per layer (len = L+1, acts[0] = input)
func (m *Model) forwardSingle(input []float32) (preActs [][]float32, acts [][]float32, err error) {
	if len(input) != m.layerSizes[0] {
		return nil, nil, errors.Errorf("input has dimension %d, model expects %d", len(input), m.layerSizes[0])
	}
	L := len(m.weights)
	acts = make([][]float32, L+1)
	acts[0] = append([]float32(nil), input...)

	preActs = make([][]float32, L)
	for l := 0; l < L; l++ {
		inVec := acts[l]
		W := m.weights[l]
		b := m.biases[l]
		pre := make([]float32, len(b))
		for j := range pre {
			sum := b[j]
			for i, w := range W[j] {
				sum += w * inVec[i]
			}
			pre[j] = sum
		}
		preActs[l] = pre

		// ReLU for hidden, linear for last layer
		act := append([]float32(nil), pre...)
		if l < L-1 {
			activationReLU(act)
		}
		acts[l+1] = act
	}
	return preActs, acts, nil
}

// PredictBatch returns model predictions for a batch of inputs.
func (m *Model) PredictBatch(inputs [][]float32) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		_, acts, err := m.forwardSingle(in)
		if err != nil {
			return nil, err
		}
		out[i] = acts[len(acts)-1]
	}
	return out, nil
}

// gradients accumulates per-layer gradients over a minibatch.
type gradients struct {
	w [][][]float32
	b [][]float32
}

func (m *Model) newGradients() *gradients {
	L := len(m.weights)
	g := &gradients{w: make([][][]float32, L), b: make([][]float32, L)}
	for l := 0; l < L; l++ {
		g.w[l] = make([][]float32, len(m.biases[l]))
		for j := range g.w[l] {
			g.w[l][j] = make([]float32, len(m.weights[l][0]))
		}
		g.b[l] = make([]float32, len(m.biases[l]))
	}
	return g
}

// backprop accumulates the gradient of the squared error of one example into g
// and returns the example's squared error.
func (m *Model) backprop(in, label []float32, g *gradients) (float64, error) {
	preActs, acts, err := m.forwardSingle(in)
	if err != nil {
		return 0, err
	}
	outAct := acts[len(acts)-1]
	if len(label) != len(outAct) {
		return 0, errors.Errorf("label has dimension %d, model outputs %d", len(label), len(outAct))
	}

	// dLoss/dOutput = 2*(pred - label)
	var sqErr float64
	delta := make([]float32, len(outAct))
	for j := range outAct {
		diff := outAct[j] - label[j]
		sqErr += float64(diff * diff)
		delta[j] = 2.0 * diff
	}

	for l := len(m.weights) - 1; l >= 0; l-- {
		inAct := acts[l]
		for j, d := range delta {
			g.b[l][j] += d
			for i, a := range inAct {
				g.w[l][j][i] += d * a
			}
		}
		if l == 0 {
			break
		}
		// propagate delta to previous layer through the ReLU
		newDelta := make([]float32, len(inAct))
		for i := range newDelta {
			if preActs[l-1][i] <= 0 {
				continue
			}
			var sum float32
			for j, d := range delta {
				sum += m.weights[l][j][i] * d
			}
			newDelta[i] = sum
		}
		delta = newDelta
	}
	return sqErr, nil
}

// apply performs one SGD step with the gradients averaged over n examples.
func (m *Model) apply(g *gradients, n int) {
	lr := float32(m.Config.LearningRate)
	avg := float32(1.0 / float64(n))
	for l := range m.weights {
		scale := avg
		if clip := m.Config.ClipNorm; clip > 0 {
			var norm float64
			for j := range g.w[l] {
				norm += float64(g.b[l][j]) * float64(g.b[l][j])
				for _, v := range g.w[l][j] {
					norm += float64(v) * float64(v)
				}
			}
			if norm = math.Sqrt(norm) * float64(avg); norm > float64(clip) {
				scale *= clip / float32(norm)
			}
		}
		for j := range m.biases[l] {
			m.biases[l][j] -= lr * g.b[l][j] * scale
			for i := range m.weights[l][j] {
				m.weights[l][j][i] -= lr * g.w[l][j][i] * scale
			}
		}
	}
}

// TrainStep runs one SGD step on the real (non-padded) slots of b and returns
// their mean squared error.
func (m *Model) TrainStep(b *loader.Batch) (float64, error) {
	if b.Real <= 0 {
		return 0, nil
	}
	g := m.newGradients()
	var total float64
	for i := range b.Real {
		s := b.Sample(i)
		sqErr, err := m.backprop(s.Data, s.Label, g)
		if err != nil {
			return 0, errors.WithMessagef(err, "slot %d (sample %d)", i, b.Indices[i])
		}
		total += sqErr
	}
	m.apply(g, b.Real)
	return total / float64(b.Real*m.Config.OutputDim), nil
}

// Train runs Config.Epochs epochs over src, resetting it before each one, and
// returns the mean training loss of every epoch.
func (m *Model) Train(ctx context.Context, src BatchSource) ([]float64, error) {
	if src == nil {
		return nil, errors.New("batch source is nil")
	}
	if src.Len() == 0 {
		return nil, errors.New("batch source has no batches")
	}
	losses := make([]float64, 0, m.Config.Epochs)
	for ep := 0; ep < m.Config.Epochs; ep++ {
		src.Reset()
		var sum float64
		var steps int
		for {
			b, err := src.NextBatch(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return losses, errors.WithMessagef(err, "epoch %d", ep)
			}
			loss, err := m.TrainStep(b)
			if err != nil {
				return losses, errors.WithMessagef(err, "epoch %d", ep)
			}
			sum += loss
			steps++
		}
		losses = append(losses, sum/float64(max(steps, 1)))
		klog.V(1).Infof("epoch %d: %d steps, loss %.6f", ep, steps, losses[ep])
	}
	return losses, nil
}

// Evaluate returns the mean squared error over one epoch of src, counting only real slots.
func (m *Model) Evaluate(ctx context.Context, src BatchSource) (float64, error) {
	src.Reset()
	var total float64
	var count int
	for {
		b, err := src.NextBatch(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		for i := range b.Real {
			s := b.Sample(i)
			_, acts, err := m.forwardSingle(s.Data)
			if err != nil {
				return 0, err
			}
			for j, p := range acts[len(acts)-1] {
				d := float64(p - s.Label[j])
				total += d * d
				count++
			}
		}
	}
	if count == 0 {
		return 0, errors.New("no samples evaluated")
	}
	return total / float64(count), nil
}
