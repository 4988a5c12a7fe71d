package loader

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/dataloader/datasets"
)

// CacheDataset runs one epoch of a synchronous loader and writes every real
// (non-padded) sample to a cache file at path, in the order they were produced.
// Loading it back through Config.CachedDataset yields the same samples.
//
// The loader is Reset before and after the pass.
func CacheDataset(ctx context.Context, l *Loader, path string) (int, error) {
	if !l.Synchronous() {
		return 0, errors.Errorf("%s: caching requires a single worker, got %d", l.cfg.Name, l.cfg.NumWorkers)
	}
	if l.cfg.Shuffle {
		klog.Warningf("%s: caching a shuffled pass freezes its order", l.cfg.Name)
	}
	if !l.cfg.IncludeTrailing && l.numSamples%l.cfg.BatchSize != 0 {
		klog.Warningf("%s: include_trailing is false, the last %d samples are not cached",
			l.cfg.Name, l.numSamples%l.cfg.BatchSize)
	}

	w, err := datasets.NewCacheWriter(path, l.dataShape, l.labelShape)
	if err != nil {
		return 0, err
	}
	l.Reset()
	defer l.Reset()
	for {
		if err := ctx.Err(); err != nil {
			w.Abort()
			return 0, err
		}
		b, err := l.NextBatch(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			w.Abort()
			return 0, errors.WithMessagef(err, "caching to %s", path)
		}
		for i := range b.Real {
			if err := w.Write(b.Sample(i)); err != nil {
				w.Abort()
				return 0, err
			}
		}
	}
	count := w.Count()
	if err := w.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}
