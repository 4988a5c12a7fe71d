package datasets

import (
	"time"

	"github.com/pkg/errors"
)

// ErrSyntheticFailure is returned by Synthetic for indices configured to fail.
var ErrSyntheticFailure = errors.New("synthetic sample failure")

// Synthetic is a deterministic source whose values are derived from the sample
// index: every data value is index + position/1000, every label value is index.
// That makes it trivial to recover which sample landed in which batch slot.
type Synthetic struct {
	n                     int
	dataShape, labelShape []int

	// Delay is slept on every Get, simulating I/O or decoding.
	Delay time.Duration

	// Fail lists indices whose Get returns ErrSyntheticFailure.
	Fail map[int]bool
}

var _ SampleSource = (*Synthetic)(nil)

// NewSynthetic creates a synthetic source of n samples.
func NewSynthetic(n int, dataShape, labelShape []int) (*Synthetic, error) {
	if n < 0 {
		return nil, errors.Errorf("negative number of samples %d", n)
	}
	if err := ValidateShape("data", dataShape); err != nil {
		return nil, err
	}
	if err := ValidateShape("label", labelShape); err != nil {
		return nil, err
	}
	return &Synthetic{n: n, dataShape: dataShape, labelShape: labelShape}, nil
}

// Len implements SampleSource.
func (s *Synthetic) Len() int { return s.n }

// DataShape implements SampleSource.
func (s *Synthetic) DataShape() []int { return s.dataShape }

// LabelShape implements SampleSource.
func (s *Synthetic) LabelShape() []int { return s.labelShape }

// Get implements SampleSource.
func (s *Synthetic) Get(idx int) (Sample, error) {
	if err := checkIndex(idx, s.n); err != nil {
		return Sample{}, err
	}
	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}
	if s.Fail[idx] {
		return Sample{}, errors.Wrapf(ErrSyntheticFailure, "index %d", idx)
	}
	return SyntheticSample(idx, s.dataShape, s.labelShape), nil
}

// SyntheticSample returns the values Synthetic yields for idx.
func SyntheticSample(idx int, dataShape, labelShape []int) Sample {
	smp := Sample{
		Data:  make([]float32, ShapeSize(dataShape)),
		Label: make([]float32, ShapeSize(labelShape)),
	}
	for i := range smp.Data {
		smp.Data[i] = float32(idx) + float32(i)/1000
	}
	for i := range smp.Label {
		smp.Label[i] = float32(idx)
	}
	return smp
}
