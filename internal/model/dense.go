package model

import (
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sync"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"
)

// backend is the CPU backend wrapped with gradient recording.
type backend = autodiff.Backend[*cpu.Backend]

// mlp is Flatten, Dense(hidden, relu), Dense(classes).
type mlp struct {
	fc1  *nn.Linear[*backend]
	relu *nn.ReLU[*backend]
	fc2  *nn.Linear[*backend]
}

func newMLP(inputSize, hidden, classes int, b *backend) *mlp {
	return &mlp{
		fc1:  nn.NewLinear(inputSize, hidden, b),
		relu: nn.NewReLU[*backend](),
		fc2:  nn.NewLinear(hidden, classes, b),
	}
}

func (n *mlp) forward(x *tensor.Tensor[float32, *backend]) *tensor.Tensor[float32, *backend] {
	return n.fc2.Forward(n.relu.Forward(n.fc1.Forward(x)))
}

func (n *mlp) parameters() []*nn.Parameter[*backend] {
	return append(n.fc1.Parameters(), n.fc2.Parameters()...)
}

func (n *mlp) layers() map[string]*nn.Linear[*backend] {
	return map[string]*nn.Linear[*backend]{"fc1": n.fc1, "fc2": n.fc2}
}

// Dense is a classifier with one hidden layer trained with Adam on softmax
// cross-entropy.
//
// Training runs on its own autodiff backend. Evaluate and Predict use a
// second copy of the network that never records, refreshed after training
// steps, so they can run concurrently with each other.
type Dense struct {
	inputSize int
	hidden    int
	classes   int
	lr        float64

	train     *backend
	net       *mlp
	criterion *nn.CrossEntropyLoss[*backend]
	opt       *optim.Adam[*backend]

	mu        sync.RWMutex
	eval      *backend
	evalNet   *mlp
	evalLoss  *nn.CrossEntropyLoss[*backend]
	evalStale bool
}

var _ Model = (*Dense)(nil)

// NewDense constructs the model. Weights are Glorot-uniform, drawn from
// seed, and biases are zero.
func NewDense(inputSize, hidden, classes int, lr float64, seed int64) (*Dense, error) {
	if inputSize <= 0 || hidden <= 0 || classes <= 1 {
		return nil, fmt.Errorf("model: invalid shape %dx%dx%d", inputSize, hidden, classes)
	}
	if lr <= 0 {
		return nil, fmt.Errorf("model: learning rate must be > 0 (got %v)", lr)
	}

	train := autodiff.New(cpu.New())
	eval := autodiff.New(cpu.New())

	net := newMLP(inputSize, hidden, classes, train)

	rng := rand.New(rand.NewSource(seed))
	glorot(rng, net.fc1.Weight().Tensor().Data(), inputSize, hidden)
	glorot(rng, net.fc2.Weight().Tensor().Data(), hidden, classes)

	return &Dense{
		inputSize: inputSize,
		hidden:    hidden,
		classes:   classes,
		lr:        lr,
		train:     train,
		net:       net,
		criterion: nn.NewCrossEntropyLoss(train),
		opt: optim.NewAdam(net.parameters(), optim.AdamConfig{
			LR:    float32(lr),
			Betas: [2]float32{0.9, 0.999},
			Eps:   1e-7,
		}, train),
		eval:      eval,
		evalNet:   newMLP(inputSize, hidden, classes, eval),
		evalLoss:  nn.NewCrossEntropyLoss(eval),
		evalStale: true,
	}, nil
}

// glorot overwrites w with Glorot-uniform values.
func glorot(rng *rand.Rand, w []float32, fanIn, fanOut int) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))

	for i := range w {
		w[i] = float32((rng.Float64()*2 - 1) * limit)
	}
}

// Hidden returns the number of hidden units.
func (m *Dense) Hidden() int {
	return m.hidden
}

// LearningRate returns the optimizer learning rate.
func (m *Dense) LearningRate() float64 {
	return m.lr
}

func (m *Dense) valid(input []float32, label int) bool {
	return len(input) == m.inputSize && label >= 0 && label < m.classes
}

// tensors packs the well-formed samples of batch. n is 0 when none is.
func (m *Dense) tensors(b *backend, batch Batch) (*tensor.Tensor[float32, *backend], *tensor.Tensor[int32, *backend], int, error) {
	flat := make([]float32, 0, len(batch.Inputs)*m.inputSize)
	labels := make([]int32, 0, len(batch.Inputs))

	for i, input := range batch.Inputs {
		if i >= len(batch.Labels) || !m.valid(input, batch.Labels[i]) {
			continue
		}

		flat = append(flat, input...)
		labels = append(labels, int32(batch.Labels[i]))
	}

	n := len(labels)
	if n == 0 {
		return nil, nil, 0, nil
	}

	x, err := tensor.FromSlice(flat, tensor.Shape{n, m.inputSize}, b)
	if err != nil {
		return nil, nil, 0, err
	}

	y, err := tensor.FromSlice(labels, tensor.Shape{n}, b)
	if err != nil {
		return nil, nil, 0, err
	}

	return x, y, n, nil
}

func countCorrect(logits *tensor.Tensor[float32, *backend], y *tensor.Tensor[int32, *backend], n int) int {
	return int(math.Round(float64(nn.Accuracy(logits, y)) * float64(n)))
}

// TrainStep executes one Adam step on the mean loss of the batch and
// returns that loss. Samples with a wrong shape or label are skipped.
func (m *Dense) TrainStep(batch Batch) (float64, int) {
	x, y, n, err := m.tensors(m.train, batch)
	if err != nil || n == 0 {
		return 0, 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tape := m.train.Tape()
	tape.StartRecording()

	defer func() {
		tape.Clear()
		tape.StopRecording()
	}()

	m.opt.ZeroGrad()

	logits := m.net.forward(x)
	loss := m.criterion.Forward(logits, y)
	correct := countCorrect(logits, y, n)

	m.opt.Step(autodiff.Backward(loss, m.train))
	m.evalStale = true

	return float64(loss.Raw().AsFloat32()[0]), correct
}

// refresh copies the trained weights into the evaluation network.
func (m *Dense) refresh() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.evalStale {
		return
	}

	dst := m.evalNet.parameters()
	for i, p := range m.net.parameters() {
		copy(dst[i].Tensor().Data(), p.Tensor().Data())
	}

	m.evalStale = false
}

// Evaluate returns the summed loss and the number of correct predictions.
// It does not modify the model.
func (m *Dense) Evaluate(batch Batch) (float64, int) {
	m.refresh()

	m.mu.RLock()
	defer m.mu.RUnlock()

	x, y, n, err := m.tensors(m.eval, batch)
	if err != nil || n == 0 {
		return 0, 0
	}

	logits := m.evalNet.forward(x)
	loss := m.evalLoss.Forward(logits, y)

	return float64(loss.Raw().AsFloat32()[0]) * float64(n), countCorrect(logits, y, n)
}

// Predict returns the class probabilities of input, or nil when input has
// the wrong size.
func (m *Dense) Predict(input []float32) []float64 {
	if len(input) != m.inputSize {
		return nil
	}

	m.refresh()

	m.mu.RLock()
	defer m.mu.RUnlock()

	x, err := tensor.FromSlice(input, tensor.Shape{1, m.inputSize}, m.eval)
	if err != nil {
		return nil
	}

	probs := m.eval.Inner().Softmax(m.evalNet.forward(x).Raw(), 1).AsFloat32()

	out := make([]float64, len(probs))
	for i, p := range probs {
		out[i] = float64(p)
	}

	return out
}

type checkpoint struct {
	InputSize, Hidden, Classes int
	LearningRate               float64
	Tensors                    map[string][]float32
}

// Save writes the layer weights with gob.
func (m *Dense) Save(w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp := checkpoint{
		InputSize:    m.inputSize,
		Hidden:       m.hidden,
		Classes:      m.classes,
		LearningRate: m.lr,
		Tensors:      make(map[string][]float32),
	}

	for layer, l := range m.net.layers() {
		for name, raw := range l.StateDict() {
			cp.Tensors[layer+"."+name] = append([]float32(nil), raw.AsFloat32()...)
		}
	}

	return gob.NewEncoder(w).Encode(cp)
}

// Load restores a checkpoint written by Save. The shapes must match; the
// learning rate of m is kept and the optimizer starts over.
func (m *Dense) Load(r io.Reader) error {
	var cp checkpoint
	if err := gob.NewDecoder(r).Decode(&cp); err != nil {
		return fmt.Errorf("model: decode checkpoint: %w", err)
	}

	if cp.InputSize != m.inputSize || cp.Hidden != m.hidden || cp.Classes != m.classes {
		return fmt.Errorf("model: checkpoint shape %dx%dx%d does not match %dx%dx%d",
			cp.InputSize, cp.Hidden, cp.Classes, m.inputSize, m.hidden, m.classes)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	states := make(map[*nn.Linear[*backend]]map[string]*tensor.RawTensor)

	for layer, l := range m.net.layers() {
		state := make(map[string]*tensor.RawTensor)

		for name, current := range l.StateDict() {
			key := layer + "." + name

			data, ok := cp.Tensors[key]
			if !ok || len(data) != len(current.AsFloat32()) {
				return fmt.Errorf("model: corrupt checkpoint: %s has %d values, want %d",
					key, len(data), len(current.AsFloat32()))
			}

			raw, err := tensor.NewRaw(current.Shape(), tensor.Float32, tensor.CPU)
			if err != nil {
				return fmt.Errorf("model: %s: %w", key, err)
			}

			copy(raw.AsFloat32(), data)
			state[name] = raw
		}

		states[l] = state
	}

	for l, state := range states {
		if err := l.LoadStateDict(state); err != nil {
			return fmt.Errorf("model: load checkpoint: %w", err)
		}
	}

	m.evalStale = true

	return nil
}
