package model

import "io"

// Batch represents a minibatch of features and labels.
type Batch struct {
	Inputs [][]float32
	Labels []int
}

// Len returns the number of samples in the batch.
func (b Batch) Len() int {
	return len(b.Inputs)
}

// Model defines the training functionality the trainer relies on.
// Evaluate and Predict must be safe for concurrent use; TrainStep is not.
type Model interface {
	// TrainStep runs one optimizer step on batch and returns the mean loss
	// and the number of correct predictions before the update.
	TrainStep(batch Batch) (loss float64, correct int)

	// Evaluate returns the summed loss and the number of correct
	// predictions over batch.
	Evaluate(batch Batch) (lossSum float64, correct int)

	// Predict returns class probabilities for one input.
	Predict(input []float32) []float64

	Save(w io.Writer) error
	Load(r io.Reader) error
}
