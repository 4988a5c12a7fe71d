package loader

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/Noofbiz/dataloader/datasets"
)

// Batch is a fixed-shape batch of samples, stored as flat row-major buffers.
type Batch struct {
	// Data holds Size() samples of DataShape[1:] each.
	Data []float32
	// Label holds Size() labels of LabelShape[1:] each.
	Label []float32

	// DataShape and LabelShape include the batch dimension first.
	DataShape, LabelShape []int

	// Indices are the source indices of every slot.
	Indices []int

	// Real is the number of leading slots holding real samples. The slots
	// after it repeat the last real sample and exist only to keep the shape fixed.
	Real int
}

func newBatch(batchSize int, dataShape, labelShape []int) *Batch {
	b := &Batch{
		DataShape:  append([]int{batchSize}, dataShape...),
		LabelShape: append([]int{batchSize}, labelShape...),
		Indices:    make([]int, batchSize),
	}
	b.Data = make([]float32, datasets.ShapeSize(b.DataShape))
	b.Label = make([]float32, datasets.ShapeSize(b.LabelShape))
	return b
}

// Size returns the batch dimension.
func (b *Batch) Size() int { return b.DataShape[0] }

func (b *Batch) dataStride() int  { return datasets.ShapeSize(b.DataShape[1:]) }
func (b *Batch) labelStride() int { return datasets.ShapeSize(b.LabelShape[1:]) }

// set copies sample s, read from source index idx, into slot i.
func (b *Batch) set(i, idx int, s datasets.Sample) {
	ds, ls := b.dataStride(), b.labelStride()
	copy(b.Data[i*ds:(i+1)*ds], s.Data)
	copy(b.Label[i*ls:(i+1)*ls], s.Label)
	b.Indices[i] = idx
}

// Sample returns slot i. The slices alias the batch buffers.
func (b *Batch) Sample(i int) datasets.Sample {
	ds, ls := b.dataStride(), b.labelStride()
	return datasets.Sample{
		Data:  b.Data[i*ds : (i+1)*ds],
		Label: b.Label[i*ls : (i+1)*ls],
	}
}

// Trim returns a copy of the batch holding only its first n slots.
func (b *Batch) Trim(n int) *Batch {
	n = min(max(n, 0), b.Size())
	ds, ls := b.dataStride(), b.labelStride()
	t := &Batch{
		Data:       append([]float32(nil), b.Data[:n*ds]...),
		Label:      append([]float32(nil), b.Label[:n*ls]...),
		DataShape:  append([]int{n}, b.DataShape[1:]...),
		LabelShape: append([]int{n}, b.LabelShape[1:]...),
		Indices:    append([]int(nil), b.Indices[:n]...),
		Real:       min(b.Real, n),
	}
	return t
}

// Tensors converts the batch to gomlx tensors shaped DataShape and LabelShape.
func (b *Batch) Tensors() (data, label *tensors.Tensor) {
	data = tensors.FromFlatDataAndDimensions(b.Data, b.DataShape...)
	label = tensors.FromFlatDataAndDimensions(b.Label, b.LabelShape...)
	return
}
