package loader

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/dataloader/datasets"
)

// worker produces samples of one partition into one queue lane until its
// context is done, the queue is closed, or too many samples fail in a row.
type worker struct {
	id     int
	name   string
	part   IndexRange
	src    datasets.SampleSource
	queue  *PrefetchQueue
	lane   int
	cursor *cursor

	dataShape, labelShape []int

	mode         Backpressure
	threshold    float64
	pollInterval time.Duration
	maxFailures  int

	stats *counters
}

func newWorker(l *Loader, id int, part IndexRange, src datasets.SampleSource, lane int) *worker {
	rng := rand.New(rand.NewSource(l.cfg.Seed + int64(id) + 1))
	maxFailures := part.Len()
	if l.cfg.MaxConsecutiveFailures > 0 {
		maxFailures = min(maxFailures, l.cfg.MaxConsecutiveFailures)
	}
	return &worker{
		id:           id,
		name:         l.cfg.Name,
		part:         part,
		src:          src,
		queue:        l.queue,
		lane:         lane,
		cursor:       newCursor(part, l.cfg.Shuffle, rng),
		dataShape:    l.dataShape,
		labelShape:   l.labelShape,
		mode:         l.cfg.Backpressure,
		threshold:    float64(l.cfg.BatchSize) * l.cfg.PrefetchRatio,
		pollInterval: l.cfg.PollInterval.Duration,
		maxFailures:  maxFailures,
		stats:        &l.stats,
	}
}

// run is the worker loop. It returns nil on shutdown and an error only when
// the worker gives up.
func (w *worker) run(ctx context.Context) error {
	if w.part.Len() == 0 {
		klog.V(1).Infof("%s: worker %d has an empty partition, exiting", w.name, w.id)
		return nil
	}
	klog.V(1).Infof("%s: worker %d started on [%d, %d)", w.name, w.id, w.part.Start, w.part.End)
	defer klog.V(1).Infof("%s: worker %d stopped", w.name, w.id)

	var lastErr error
	consecutive := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if w.mode == BackpressurePoll && float64(w.queue.Len()) > w.threshold {
			w.stats.throttled.Add(1)
			if !sleepCtx(ctx, w.pollInterval) {
				return nil
			}
			continue
		}

		idx := w.cursor.next()
		sample, err := w.fetch(idx)
		if err != nil {
			consecutive++
			lastErr = err
			w.stats.skipped.Add(1)
			klog.Warningf("%s: worker %d skipping sample %d: %v", w.name, w.id, idx, err)
			if consecutive >= w.maxFailures {
				return errors.WithMessagef(lastErr, "worker %d gave up after %d consecutive failed samples", w.id, consecutive)
			}
			continue
		}
		consecutive = 0

		if err := w.queue.Push(ctx, w.lane, Entry{Index: idx, Sample: sample}); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			return errors.Wrapf(err, "worker %d push", w.id)
		}
		w.stats.produced.Add(1)
	}
}

// fetch reads one sample and checks it against the declared shapes.
func (w *worker) fetch(idx int) (datasets.Sample, error) {
	sample, err := w.src.Get(idx)
	if err != nil {
		return datasets.Sample{}, err
	}
	if err := datasets.CheckSample(sample, w.dataShape, w.labelShape); err != nil {
		return datasets.Sample{}, errors.WithMessagef(err, "sample %d", idx)
	}
	return sample, nil
}

// sleepCtx sleeps for d, returning false if ctx is done first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
