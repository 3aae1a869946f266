package dataset

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	imagesMagic = 2051
	labelsMagic = 2049

	// maxItems bounds the item count of an IDX header.
	maxItems = 1 << 24

	// maxImageSize bounds rows*cols of an IDX header.
	maxImageSize = 1 << 20
)

var (
	// ErrBadMagic indicates a file that is not an IDX file of the expected kind.
	ErrBadMagic = errors.New("dataset: bad idx magic number")

	// ErrShapeMismatch indicates inconsistent array shapes.
	ErrShapeMismatch = errors.New("dataset: shape mismatch")

	// ErrLabelRange indicates a label outside [0, NumClasses).
	ErrLabelRange = errors.New("dataset: label out of range")
)

// ReadImages reads an IDX image file and normalizes pixels to [0, 1].
//
// IDX file format for images:
//
//	magic number: 0x00000803 (2051)
//	number of images: 4 bytes
//	number of rows: 4 bytes
//	number of cols: 4 bytes
//	pixel data: unsigned bytes (0-255)
func ReadImages(r io.Reader) (images [][]float32, rows, cols int, err error) {
	var header [4]uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, 0, 0, fmt.Errorf("read header: %w", err)
	}

	if header[0] != imagesMagic {
		return nil, 0, 0, fmt.Errorf("%w: got %d, want %d", ErrBadMagic, header[0], imagesMagic)
	}

	if header[1] > maxItems {
		return nil, 0, 0, fmt.Errorf("%w: %d images exceeds %d", ErrShapeMismatch, header[1], maxItems)
	}

	if header[2] == 0 || header[3] == 0 || uint64(header[2])*uint64(header[3]) > maxImageSize {
		return nil, 0, 0, fmt.Errorf("%w: %dx%d images", ErrShapeMismatch, header[2], header[3])
	}

	n, rows, cols := int(header[1]), int(header[2]), int(header[3])
	size := rows * cols

	raw := make([]byte, size)

	// The header count is untrusted; grow as images are read.
	images = make([][]float32, 0, min(n, 1<<12))

	for i := 0; i < n; i++ {
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, 0, 0, fmt.Errorf("read image %d: %w", i, err)
		}

		img := make([]float32, size)
		for j, px := range raw {
			img[j] = float32(px) / 255
		}

		images = append(images, img)
	}

	return images, rows, cols, nil
}

// ReadLabels reads an IDX label file.
//
// IDX file format for labels:
//
//	magic number: 0x00000801 (2049)
//	number of labels: 4 bytes
//	label data: unsigned bytes
func ReadLabels(r io.Reader) ([]int, error) {
	var header [2]uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	if header[0] != labelsMagic {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadMagic, header[0], labelsMagic)
	}

	if header[1] > maxItems {
		return nil, fmt.Errorf("%w: %d labels exceeds %d", ErrShapeMismatch, header[1], maxItems)
	}

	raw, err := io.ReadAll(io.LimitReader(r, int64(header[1])))
	if err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}

	if len(raw) != int(header[1]) {
		return nil, fmt.Errorf("read labels: %w", io.ErrUnexpectedEOF)
	}

	labels := make([]int, len(raw))
	for i, l := range raw {
		if int(l) >= NumClasses {
			return nil, fmt.Errorf("%w: label %d at %d", ErrLabelRange, l, i)
		}

		labels[i] = int(l)
	}

	return labels, nil
}

// openIDX opens path, gunzipping it when the name ends in ".gz".
func openIDX(path string) (io.Reader, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	if !strings.HasSuffix(path, ".gz") {
		return bufio.NewReader(f), f.Close, nil
	}

	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("gunzip %s: %w", path, err)
	}

	closeFn := func() error {
		return errors.Join(zr.Close(), f.Close())
	}

	return zr, closeFn, nil
}
