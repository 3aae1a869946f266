package dataset

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idxImages(n, rows, cols int) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, [4]uint32{imagesMagic, uint32(n), uint32(rows), uint32(cols)})

	for i := 0; i < n*rows*cols; i++ {
		buf.WriteByte(byte(i % 256))
	}

	return buf.Bytes()
}

func idxLabels(labels ...byte) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, [2]uint32{labelsMagic, uint32(len(labels))})
	buf.Write(labels)

	return buf.Bytes()
}

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	return buf.Bytes()
}

// writeArchives writes a tiny dataset with 3 train and 2 test samples.
func writeArchives(t *testing.T, dir string) {
	t.Helper()

	contents := [4][]byte{
		gzipped(t, idxImages(3, 28, 28)),
		gzipped(t, idxLabels(0, 9, 4)),
		// Test files are stored uncompressed.
		idxImages(2, 28, 28),
		idxLabels(1, 2),
	}

	for i, name := range Files {
		if i >= 2 {
			name = strings.TrimSuffix(name, ".gz")
		}

		require.NoError(t, os.WriteFile(filepath.Join(dir, name), contents[i], 0o644))
	}
}

func TestLoadShapesAndRange(t *testing.T) {
	dir := t.TempDir()
	writeArchives(t, dir)

	d, err := Load(dir)
	require.NoError(t, err)

	assert.Len(t, d.TrainImages, 3)
	assert.Equal(t, []int{0, 9, 4}, d.TrainLabels)
	assert.Len(t, d.TestImages, 2)
	assert.Equal(t, []int{1, 2}, d.TestLabels)

	for _, set := range [][][]float32{d.TrainImages, d.TestImages} {
		for _, img := range set {
			require.Len(t, img, ImageSize)

			for _, px := range img {
				assert.GreaterOrEqual(t, px, float32(0))
				assert.LessOrEqual(t, px, float32(1))
			}
		}
	}

	assert.Equal(t, float32(255)/255, d.TrainImages[0][255])

	_, err = LoadFashionMNIST(dir)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestReadErrors(t *testing.T) {
	_, _, _, err := ReadImages(bytes.NewReader(idxLabels(1, 2)))
	assert.ErrorIs(t, err, ErrBadMagic)

	_, err = ReadLabels(bytes.NewReader(idxImages(1, 2, 2)))
	assert.ErrorIs(t, err, ErrBadMagic)

	_, err = ReadLabels(bytes.NewReader(idxLabels(3, 10)))
	assert.ErrorIs(t, err, ErrLabelRange)

	truncated := idxImages(2, 28, 28)
	_, _, _, err = ReadImages(bytes.NewReader(truncated[:len(truncated)-1]))
	assert.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, Files[0]), gzipped(t, idxImages(1, 10, 10)), 0o644))
	_, err = loadImages(dir, Files[0])
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = Load(t.TempDir())
	assert.Error(t, err)
}

func TestReadRejectsOversizedHeaders(t *testing.T) {
	header := func(words ...uint32) []byte {
		var buf bytes.Buffer
		_ = binary.Write(&buf, binary.BigEndian, words)

		return buf.Bytes()
	}

	tests := []struct {
		name   string
		header []uint32
	}{
		{"huge dimensions", []uint32{imagesMagic, 1, 0xFFFFFFFF, 0xFFFFFFFF}},
		{"huge count", []uint32{imagesMagic, 0xFFFFFFFF, 28, 28}},
		{"zero rows", []uint32{imagesMagic, 1, 0, 28}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error

			assert.NotPanics(t, func() {
				_, _, _, err = ReadImages(bytes.NewReader(header(tt.header...)))
			})
			assert.ErrorIs(t, err, ErrShapeMismatch)
		})
	}

	var err error

	assert.NotPanics(t, func() {
		_, err = ReadLabels(bytes.NewReader(header(labelsMagic, 0xFFFFFFFF)))
	})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	// A count within bounds but larger than the data is a short read.
	_, err = ReadLabels(bytes.NewReader(append(header(labelsMagic, 1000), 1, 2, 3)))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, _, _, err = ReadImages(bytes.NewReader(append(header(imagesMagic, 1<<20, 2, 2), 1, 2, 3, 4)))
	assert.ErrorIs(t, err, io.EOF)
}

func TestValidate(t *testing.T) {
	d := Synthetic(10, 1)
	require.NoError(t, d.Validate())

	d.TrainLabels = d.TrainLabels[1:]
	assert.ErrorIs(t, d.Validate(), ErrShapeMismatch)

	d = Synthetic(10, 1)
	d.TestImages[0] = d.TestImages[0][:10]
	assert.ErrorIs(t, d.Validate(), ErrShapeMismatch)
}

func TestSplitValidation(t *testing.T) {
	d := Synthetic(100, 1)

	trainX, trainY, valX, valY, err := SplitValidation(d.TrainImages, d.TrainLabels, 0.2)
	require.NoError(t, err)

	assert.Len(t, trainX, 80)
	assert.Len(t, trainY, 80)
	assert.Len(t, valX, 20)
	assert.Len(t, valY, 20)

	// The validation data is the tail of the input.
	assert.Equal(t, d.TrainLabels[80:], valY)

	_, _, _, _, err = SplitValidation(d.TrainImages, d.TrainLabels, 1)
	assert.Error(t, err)

	_, _, _, _, err = SplitValidation(d.TrainImages, d.TrainLabels[1:], 0.2)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestSyntheticIsDeterministic(t *testing.T) {
	a := Synthetic(50, 7)
	b := Synthetic(50, 7)

	assert.Equal(t, a.TrainLabels, b.TrainLabels)
	assert.Equal(t, a.TrainImages[3], b.TrainImages[3])
	assert.Len(t, a.TestImages, 10)

	for _, l := range a.TrainLabels {
		assert.True(t, l >= 0 && l < NumClasses)
	}
}

func TestDownload(t *testing.T) {
	archives := map[string][]byte{
		Files[0]: gzipped(t, idxImages(3, 28, 28)),
		Files[1]: gzipped(t, idxLabels(0, 1, 2)),
		Files[2]: gzipped(t, idxImages(2, 28, 28)),
		Files[3]: gzipped(t, idxLabels(3, 4)),
	}

	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)

		data, ok := archives[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.NotFound(w, r)
			return
		}

		_, _ = w.Write(data)
	}))
	defer srv.Close()

	dir := t.TempDir()
	ctx := context.Background()

	require.NoError(t, Download(ctx, dir, srv.URL+"/"))
	assert.Equal(t, int32(4), requests.Load())

	d, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, d.TestLabels)

	// Present files are not fetched again.
	require.NoError(t, Download(ctx, dir, srv.URL+"/"))
	assert.Equal(t, int32(4), requests.Load())

	delete(archives, Files[3])
	require.NoError(t, os.Remove(filepath.Join(dir, Files[3])))
	assert.Error(t, Download(ctx, dir, srv.URL+"/"))
}
