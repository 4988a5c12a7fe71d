package datasets

import (
	"github.com/pkg/errors"
)

// MemorySource is a fully materialized dataset: Get is an array index with no I/O.
type MemorySource struct {
	samples               []Sample
	dataShape, labelShape []int
}

var _ SampleSource = (*MemorySource)(nil)

// NewMemorySource wraps samples, checking each conforms to the given shapes.
// The slice is not copied; it must not be modified afterwards.
func NewMemorySource(samples []Sample, dataShape, labelShape []int) (*MemorySource, error) {
	if err := ValidateShape("data", dataShape); err != nil {
		return nil, err
	}
	if err := ValidateShape("label", labelShape); err != nil {
		return nil, err
	}
	for i, s := range samples {
		if err := CheckSample(s, dataShape, labelShape); err != nil {
			return nil, errors.WithMessagef(err, "sample #%d", i)
		}
	}
	return &MemorySource{
		samples:    samples,
		dataShape:  append([]int(nil), dataShape...),
		labelShape: append([]int(nil), labelShape...),
	}, nil
}

// Materialize reads every sample of src into memory, in index order.
func Materialize(src SampleSource) (*MemorySource, error) {
	samples := make([]Sample, src.Len())
	for i := range samples {
		s, err := src.Get(i)
		if err != nil {
			return nil, errors.WithMessagef(err, "materializing sample %d", i)
		}
		samples[i] = s
	}
	return NewMemorySource(samples, src.DataShape(), src.LabelShape())
}

// Len implements SampleSource.
func (m *MemorySource) Len() int { return len(m.samples) }

// Get implements SampleSource.
func (m *MemorySource) Get(idx int) (Sample, error) {
	if err := checkIndex(idx, len(m.samples)); err != nil {
		return Sample{}, err
	}
	return m.samples[idx], nil
}

// DataShape implements SampleSource.
func (m *MemorySource) DataShape() []int { return m.dataShape }

// LabelShape implements SampleSource.
func (m *MemorySource) LabelShape() []int { return m.labelShape }

// Samples returns the underlying samples. They must be treated as read-only.
func (m *MemorySource) Samples() []Sample { return m.samples }
