package nvasnet

import (
	"fmt"
	"math"
	"math/rand"
)

// BandsPerReceiver is the number of frequency bands each receiver's
// segment is pooled into before entering the network.
const BandsPerReceiver = 32

// VisualDim is the width of the visual conditioning vector. Must match
// the data loader's visual feature width.
const VisualDim = 64

// NumClasses is the number of source classes the head predicts.
const NumClasses = 16

// initScale bounds the uniform weight init.
const initScale = 0.01

// Batch is a minibatch of flattened feature vectors and source labels.
type Batch struct {
	// Inputs holds one flattened feature vector per sample. Each must
	// be exactly InputSize() long.
	Inputs [][]float64

	// Labels holds the source class per sample, parallel to Inputs.
	Labels []int
}

// Net is the separation network. Construction mirrors the launch wiring:
// the receiver count comes from the data_loader config and the visual
// switch from the top-level config.
type Net struct {
	numReceivers int
	useVisual    bool
	inputSize    int

	// weights is row-major [NumClasses][inputSize]; bias is [NumClasses].
	weights []float64
	bias    []float64
}

// New constructs a network with deterministic initialization from seed.
// All replicas of a distributed run construct from the same seed and
// therefore start from identical parameters.
func New(numReceivers int, useVisual bool, seed int64) (*Net, error) {
	if numReceivers < 1 {
		return nil, fmt.Errorf("nvasnet: receiver count %d out of range (>= 1)", numReceivers)
	}

	inputSize := numReceivers * BandsPerReceiver
	if useVisual {
		inputSize += VisualDim
	}

	rng := rand.New(rand.NewSource(seed))
	weights := make([]float64, NumClasses*inputSize)
	for i := range weights {
		weights[i] = (rng.Float64()*2 - 1) * initScale
	}

	return &Net{
		numReceivers: numReceivers,
		useVisual:    useVisual,
		inputSize:    inputSize,
		weights:      weights,
		bias:         make([]float64, NumClasses),
	}, nil
}

// InputSize returns the expected flattened feature vector length.
func (n *Net) InputSize() int {
	return n.inputSize
}

// NumReceivers returns the receiver count the network was built for.
func (n *Net) NumReceivers() int {
	return n.numReceivers
}

// UseVisual reports whether the visual conditioning block is active.
func (n *Net) UseVisual() bool {
	return n.useVisual
}

// Forward computes class probabilities for a single feature vector.
func (n *Net) Forward(input []float64) ([]float64, error) {
	if len(input) != n.inputSize {
		return nil, fmt.Errorf("nvasnet: input length %d, expected %d", len(input), n.inputSize)
	}

	logits := make([]float64, NumClasses)
	for c := 0; c < NumClasses; c++ {
		sum := n.bias[c]
		row := n.weights[c*n.inputSize:]
		for j, v := range input {
			sum += row[j] * v
		}
		logits[c] = sum
	}
	return softmax(logits), nil
}

// Gradients computes the average softmax cross-entropy loss over the
// batch and the corresponding flat gradient vector (weights then bias,
// same layout as Params). It does not touch the parameters: in
// distributed mode the trainer all-reduces the gradients across replicas
// before applying them.
func (n *Net) Gradients(batch Batch) ([]float64, float64, error) {
	if len(batch.Inputs) == 0 {
		return nil, 0, fmt.Errorf("nvasnet: empty batch")
	}
	if len(batch.Inputs) != len(batch.Labels) {
		return nil, 0, fmt.Errorf("nvasnet: %d inputs for %d labels", len(batch.Inputs), len(batch.Labels))
	}

	grads := make([]float64, len(n.weights)+len(n.bias))
	gradW := grads[:len(n.weights)]
	gradB := grads[len(n.weights):]

	totalLoss := 0.0
	for i, input := range batch.Inputs {
		if len(input) != n.inputSize {
			return nil, 0, fmt.Errorf("nvasnet: sample %d has length %d, expected %d", i, len(input), n.inputSize)
		}
		label := clampLabel(batch.Labels[i])

		probs, err := n.Forward(input)
		if err != nil {
			return nil, 0, err
		}
		totalLoss += -math.Log(math.Max(probs[label], 1e-9))

		// dL/dlogit = prob - onehot(label)
		probs[label] -= 1
		for c := 0; c < NumClasses; c++ {
			g := probs[c]
			gradB[c] += g
			row := gradW[c*n.inputSize:]
			for j, v := range input {
				row[j] += g * v
			}
		}
	}

	inv := 1.0 / float64(len(batch.Inputs))
	for i := range grads {
		grads[i] *= inv
	}
	return grads, totalLoss * inv, nil
}

// ApplyGradients performs one SGD step with the given flat gradient
// vector and learning rate.
func (n *Net) ApplyGradients(grads []float64, lr float64) error {
	if len(grads) != len(n.weights)+len(n.bias) {
		return fmt.Errorf("nvasnet: gradient length %d, expected %d", len(grads), len(n.weights)+len(n.bias))
	}
	for i := range n.weights {
		n.weights[i] -= lr * grads[i]
	}
	for i := range n.bias {
		n.bias[i] -= lr * grads[len(n.weights)+i]
	}
	return nil
}

// TrainStep computes gradients on the batch and applies them in one call.
// Single-device convenience; distributed training splits the two halves
// around the all-reduce.
func (n *Net) TrainStep(batch Batch, lr float64) (float64, error) {
	grads, loss, err := n.Gradients(batch)
	if err != nil {
		return 0, err
	}
	if err := n.ApplyGradients(grads, lr); err != nil {
		return 0, err
	}
	return loss, nil
}

// Params returns a copy of the flat parameter vector (weights then bias).
func (n *Net) Params() []float64 {
	params := make([]float64, 0, len(n.weights)+len(n.bias))
	params = append(params, n.weights...)
	params = append(params, n.bias...)
	return params
}

// SetParams overwrites the parameters from a flat vector in Params
// layout. Used when restoring a checkpoint.
func (n *Net) SetParams(params []float64) error {
	if len(params) != len(n.weights)+len(n.bias) {
		return fmt.Errorf("nvasnet: parameter length %d, expected %d", len(params), len(n.weights)+len(n.bias))
	}
	copy(n.weights, params[:len(n.weights)])
	copy(n.bias, params[len(n.weights):])
	return nil
}

// clampLabel folds an out-of-range label into [0, NumClasses).
func clampLabel(label int) int {
	label %= NumClasses
	if label < 0 {
		label += NumClasses
	}
	return label
}

func softmax(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	sum := 0.0
	out := make([]float64, len(logits))
	for i, v := range logits {
		exp := math.Exp(v - maxLogit)
		out[i] = exp
		sum += exp
	}
	inv := 1.0 / sum
	for i := range out {
		out[i] *= inv
	}
	return out
}
