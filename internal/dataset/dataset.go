package dataset

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
)

const (
	// ImageSize is the number of pixels of a 28x28 image.
	ImageSize = 28 * 28

	// NumClasses is the number of labels.
	NumClasses = 10

	// TrainSize and TestSize are the sizes of the Fashion-MNIST splits.
	TrainSize = 60000
	TestSize  = 10000
)

// Files are the IDX archives of Fashion-MNIST, in the order train images,
// train labels, test images, test labels.
var Files = [4]string{
	"train-images-idx3-ubyte.gz",
	"train-labels-idx1-ubyte.gz",
	"t10k-images-idx3-ubyte.gz",
	"t10k-labels-idx1-ubyte.gz",
}

// Dataset holds the four arrays of an image classification task. Images are
// flattened row-major with pixels in [0, 1].
type Dataset struct {
	TrainImages [][]float32
	TrainLabels []int
	TestImages  [][]float32
	TestLabels  []int
}

// Validate checks that images and labels line up and that every image has
// ImageSize pixels.
func (d *Dataset) Validate() error {
	if len(d.TrainImages) != len(d.TrainLabels) {
		return fmt.Errorf("%w: %d train images, %d train labels", ErrShapeMismatch, len(d.TrainImages), len(d.TrainLabels))
	}
	if len(d.TestImages) != len(d.TestLabels) {
		return fmt.Errorf("%w: %d test images, %d test labels", ErrShapeMismatch, len(d.TestImages), len(d.TestLabels))
	}

	for _, set := range [][][]float32{d.TrainImages, d.TestImages} {
		for i, img := range set {
			if len(img) != ImageSize {
				return fmt.Errorf("%w: image %d has %d pixels, want %d", ErrShapeMismatch, i, len(img), ImageSize)
			}
		}
	}

	return nil
}

// Load reads the four archives listed in Files from dir. Uncompressed files
// (the same names without ".gz") are used when present.
func Load(dir string) (*Dataset, error) {
	var (
		d   Dataset
		err error
	)

	if d.TrainImages, err = loadImages(dir, Files[0]); err != nil {
		return nil, err
	}
	if d.TrainLabels, err = loadLabels(dir, Files[1]); err != nil {
		return nil, err
	}
	if d.TestImages, err = loadImages(dir, Files[2]); err != nil {
		return nil, err
	}
	if d.TestLabels, err = loadLabels(dir, Files[3]); err != nil {
		return nil, err
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}

	return &d, nil
}

// LoadFashionMNIST loads Fashion-MNIST from dir and checks the split sizes:
// 60000 training and 10000 test images.
func LoadFashionMNIST(dir string) (*Dataset, error) {
	d, err := Load(dir)
	if err != nil {
		return nil, err
	}

	if len(d.TrainImages) != TrainSize || len(d.TestImages) != TestSize {
		return nil, fmt.Errorf("%w: got %d/%d images, want %d/%d",
			ErrShapeMismatch, len(d.TrainImages), len(d.TestImages), TrainSize, TestSize)
	}

	return d, nil
}

func resolve(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		return path
	}

	plain := path[:len(path)-len(".gz")]
	if _, err := os.Stat(plain); err == nil {
		return plain
	}

	return path
}

func loadImages(dir, name string) ([][]float32, error) {
	path := resolve(dir, name)

	r, closeFn, err := openIDX(path)
	if err != nil {
		return nil, fmt.Errorf("open images: %w", err)
	}
	defer closeFn()

	images, rows, cols, err := ReadImages(r)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	if rows*cols != ImageSize {
		return nil, fmt.Errorf("%w: %s has %dx%d images", ErrShapeMismatch, path, rows, cols)
	}

	return images, nil
}

func loadLabels(dir, name string) ([]int, error) {
	path := resolve(dir, name)

	r, closeFn, err := openIDX(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer closeFn()

	labels, err := ReadLabels(r)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	return labels, nil
}

// SplitValidation holds out the last fraction of the samples as validation
// data.
func SplitValidation(images [][]float32, labels []int, fraction float64) (trainX [][]float32, trainY []int, valX [][]float32, valY []int, err error) {
	if len(images) != len(labels) {
		return nil, nil, nil, nil, fmt.Errorf("%w: %d images, %d labels", ErrShapeMismatch, len(images), len(labels))
	}

	if fraction <= 0 || fraction >= 1 {
		return nil, nil, nil, nil, fmt.Errorf("dataset: validation fraction must be in (0, 1), got %v", fraction)
	}

	split := len(images) - int(float64(len(images))*fraction)
	if split <= 0 || split >= len(images) {
		return nil, nil, nil, nil, errors.New("dataset: not enough samples to split")
	}

	return images[:split], labels[:split], images[split:], labels[split:], nil
}

// Synthetic builds a small separable dataset: each class is a noisy copy of
// a random prototype image. The test split has n/5 samples.
func Synthetic(n int, seed int64) *Dataset {
	rng := rand.New(rand.NewSource(seed))

	prototypes := make([][]float32, NumClasses)
	for c := range prototypes {
		p := make([]float32, ImageSize)
		for j := range p {
			if rng.Float64() < 0.3 {
				p[j] = 0.5 + 0.5*rng.Float32()
			}
		}

		prototypes[c] = p
	}

	sample := func(count int) ([][]float32, []int) {
		images := make([][]float32, count)
		labels := make([]int, count)

		for i := range images {
			c := rng.Intn(NumClasses)
			img := make([]float32, ImageSize)

			for j, v := range prototypes[c] {
				img[j] = clamp01(v + float32(rng.NormFloat64()*0.15))
			}

			images[i], labels[i] = img, c
		}

		return images, labels
	}

	d := &Dataset{}
	d.TrainImages, d.TrainLabels = sample(n)
	d.TestImages, d.TestLabels = sample(max(n/5, 1))

	return d
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}

	if v > 1 {
		return 1
	}

	return v
}
