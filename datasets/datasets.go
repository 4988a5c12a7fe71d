// Package datasets provides the sample sources a loader reads from.
//
// A source holds the descriptors of every sample of a dataset and knows how to
// materialize one of them given its index. Sources are read-only after
// construction: the loader calls Get concurrently from several workers, and
// only the access order (owned by each worker) ever changes.
//
// Layout and intended usage:
//
// CSVSource
//   - Stores paths to CSV files matching a pattern under a root directory
//   - Loads one row on-demand per Get; features and labels are column lists
//
// SequenceSource
//   - Groups CSV rows by a key column into fixed [seqLen, channels] samples
//
// MemorySource
//   - A fully materialized list of samples, typically read from a cache file
//
// Synthetic
//   - Index-derived values, used for benchmarks and tests
//
// CachedSource
//   - LRU + TTL cache of decoded samples in front of a slow source
package datasets

import "github.com/pkg/errors"

// ErrIndexOutOfRange is returned (wrapped) by Get for indices outside [0, Len()).
var ErrIndexOutOfRange = errors.New("sample index out of range")

// Sample is one (data, label) pair, stored flat in row-major order.
type Sample struct {
	Data  []float32
	Label []float32
}

// SampleSource is the interface the loader requires from a dataset.
type SampleSource interface {
	// Len returns the number of samples N.
	Len() int

	// Get materializes the sample at index, valid for 0 <= index < N.
	Get(index int) (Sample, error)

	// DataShape and LabelShape are declared once and fixed for the source lifetime.
	DataShape() []int
	LabelShape() []int
}

// Cloner is implemented by sources that prefer each worker to own a private handle.
type Cloner interface {
	Clone() (SampleSource, error)
}

// ShapeSize returns the number of elements of a shape.
func ShapeSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

// ValidateShape checks that every dimension of shape is positive.
func ValidateShape(name string, shape []int) error {
	if len(shape) == 0 {
		return errors.Errorf("%s shape not declared", name)
	}
	for axis, dim := range shape {
		if dim <= 0 {
			return errors.Errorf("%s shape %v has non-positive dimension at axis %d", name, shape, axis)
		}
	}
	return nil
}

// CheckSample verifies a sample conforms to the declared shapes.
func CheckSample(s Sample, dataShape, labelShape []int) error {
	if want := ShapeSize(dataShape); len(s.Data) != want {
		return errors.Errorf("data has %d values, shape %v wants %d", len(s.Data), dataShape, want)
	}
	if want := ShapeSize(labelShape); len(s.Label) != want {
		return errors.Errorf("label has %d values, shape %v wants %d", len(s.Label), labelShape, want)
	}
	return nil
}

// checkIndex returns a wrapped ErrIndexOutOfRange when idx is outside [0, n).
func checkIndex(idx, n int) error {
	if idx < 0 || idx >= n {
		return errors.Wrapf(ErrIndexOutOfRange, "index %d not in [0, %d)", idx, n)
	}
	return nil
}
