package loader

import (
	"context"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

var (
	_ train.Dataset      = (*Loader)(nil)
	_ train.HasShortName = (*Loader)(nil)
)

// Name implements train.Dataset.
func (l *Loader) Name() string { return l.cfg.Name }

// ShortName implements train.HasShortName.
func (l *Loader) ShortName() string {
	if len(l.cfg.Name) <= 8 {
		return l.cfg.Name
	}
	return l.cfg.Name[:8]
}

// Yield implements train.Dataset: it returns the next batch as one data tensor
// and one label tensor, and io.EOF at the end of the epoch.
// A multi-worker loader must be started first.
func (l *Loader) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	b, err := l.NextBatch(context.Background())
	if err != nil {
		return nil, nil, nil, err
	}
	data, label := b.Tensors()
	return nil, []*tensors.Tensor{data}, []*tensors.Tensor{label}, nil
}
