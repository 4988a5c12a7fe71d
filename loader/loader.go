// Package loader implements a parallel batch loader: it reads samples from a
// datasets.SampleSource, either directly (one worker) or through a pool of
// producer goroutines feeding a bounded prefetch queue, and assembles them into
// fixed-shape batches for a training loop.
package loader

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/dataloader/datasets"
)

// ErrNotStarted is returned by NextBatch when a multi-worker loader was not started.
var ErrNotStarted = errors.New("loader workers not started")

// OpenFunc opens the sample source found at root.
type OpenFunc func(root string) (datasets.SampleSource, error)

// DataDesc describes one input or label of a batch: its name and its shape,
// batch dimension included.
type DataDesc struct {
	Name  string
	Shape []int
}

// Loader produces batches from a SampleSource.
//
// NextBatch, Reset and Yield must be called from a single goroutine (the
// training loop). Stats, Len and Close may be called from any goroutine.
type Loader struct {
	cfg Config
	src datasets.SampleSource

	dataShape, labelShape []int
	numSamples            int

	// Consumer side.
	mu    sync.Mutex
	epoch epochState
	perm  []int
	rng   *rand.Rand

	// Producer side, multi-worker only.
	synchronous bool
	parts       []IndexRange

	muLife        sync.Mutex
	started       bool
	closed        bool
	queue         *PrefetchQueue
	cancel        context.CancelFunc
	done          chan struct{}
	workerSources []datasets.SampleSource

	stats counters
}

type counters struct {
	produced, skipped, throttled atomic.Int64
	consumed, batches            atomic.Int64
}

// Stats is a snapshot of the loader counters.
type Stats struct {
	// Produced and Skipped count samples pushed and samples dropped after a failed fetch, by workers.
	Produced, Skipped int64

	// Throttled counts backpressure sleeps of workers in poll mode.
	Throttled int64

	// Consumed and Batches count samples and batches handed out by NextBatch.
	Consumed, Batches int64

	// QueueDepth is the current number of prefetched samples, MaxQueueDepth the largest observed.
	QueueDepth, MaxQueueDepth int
}

// New creates a loader over src.
//
// If cfg.CachedDataset is set the cache file is read instead: src may then be
// nil, otherwise its shapes must match the cache. Configuration errors are
// returned here; setting mismatches for the split are only logged.
func New(cfg Config, src datasets.SampleSource) (*Loader, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "%s: invalid configuration", cfg.Name)
	}
	cfg = cfg.applyCacheOverrides()

	if cfg.CachedDataset != "" {
		mem, err := datasets.ReadCache(cfg.CachedDataset)
		if err != nil {
			return nil, err
		}
		if src != nil {
			if err := datasets.CheckCacheShapes(mem, src.DataShape(), src.LabelShape()); err != nil {
				return nil, errors.WithMessagef(err, "cache %s", cfg.CachedDataset)
			}
		}
		klog.Infof("%s: using cached dataset %s (%d samples)", cfg.Name, cfg.CachedDataset, mem.Len())
		src = mem
	}
	if src == nil {
		return nil, errors.Errorf("%s: no sample source and no cached dataset", cfg.Name)
	}

	dataShape, labelShape := src.DataShape(), src.LabelShape()
	if err := datasets.ValidateShape("data", dataShape); err != nil {
		return nil, errors.WithMessagef(err, "%s", cfg.Name)
	}
	if err := datasets.ValidateShape("label", labelShape); err != nil {
		return nil, errors.WithMessagef(err, "%s", cfg.Name)
	}
	cfg.advise()

	l := &Loader{
		cfg:        cfg,
		src:        src,
		dataShape:  append([]int(nil), dataShape...),
		labelShape: append([]int(nil), labelShape...),
		numSamples: src.Len(),
		rng:        rand.New(rand.NewSource(cfg.Seed)),
	}
	l.epoch = newEpochState(l.numSamples, cfg.BatchSize, cfg.IncludeTrailing)
	l.parts, l.synchronous = Partition(l.numSamples, cfg.NumWorkers)
	l.perm = make([]int, l.numSamples)
	for i := range l.perm {
		l.perm[i] = i
	}
	l.resetLocked()

	klog.V(1).Infof("%s: %d samples, batch size %d, %d batches per epoch, %d workers",
		cfg.Name, l.numSamples, cfg.BatchSize, l.epoch.numBatches, cfg.NumWorkers)
	return l, nil
}

// Open creates a loader over the source opened from cfg.Root. open is not
// called if cfg.CachedDataset is set.
func Open(cfg Config, open OpenFunc) (*Loader, error) {
	if cfg.CachedDataset != "" {
		return New(cfg, nil)
	}
	src, err := open(cfg.Root)
	if err != nil {
		return nil, errors.WithMessagef(err, "open dataset at %q", cfg.Root)
	}
	return New(cfg, src)
}

// Config returns the effective configuration, defaults and overrides applied.
func (l *Loader) Config() Config { return l.cfg }

// Len returns the number of batches per epoch.
func (l *Loader) Len() int { return l.epoch.numBatches }

// NumSamples returns the number of samples of the source.
func (l *Loader) NumSamples() int { return l.numSamples }

// TrailingCount returns the number of real samples in the last batch of an epoch.
func (l *Loader) TrailingCount() int { return l.epoch.trailingCount }

// Synchronous reports whether samples are read directly, without workers.
func (l *Loader) Synchronous() bool { return l.synchronous }

// Partitions returns the index ranges assigned to the workers.
func (l *Loader) Partitions() []IndexRange { return append([]IndexRange(nil), l.parts...) }

// ProvideData describes the data of every batch.
func (l *Loader) ProvideData() []DataDesc {
	return []DataDesc{{Name: "data", Shape: append([]int{l.cfg.BatchSize}, l.dataShape...)}}
}

// ProvideLabel describes the labels of every batch.
func (l *Loader) ProvideLabel() []DataDesc {
	return []DataDesc{{Name: "label", Shape: append([]int{l.cfg.BatchSize}, l.labelShape...)}}
}

// Get reads sample idx directly from the source.
func (l *Loader) Get(idx int) (datasets.Sample, error) {
	return l.src.Get(idx)
}

// Start launches the workers. It is a no-op for a synchronous loader or if
// already started. Workers run until ctx is done, Close is called, or one of
// them fails.
func (l *Loader) Start(ctx context.Context) error {
	l.muLife.Lock()
	defer l.muLife.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.synchronous || l.started {
		return nil
	}

	numLanes := 1
	if l.cfg.StrictOrder {
		numLanes = 0
		for _, part := range l.parts {
			if part.Len() > 0 {
				numLanes++
			}
		}
		numLanes = max(numLanes, 1)
	}
	threshold := float64(l.cfg.BatchSize) * l.cfg.PrefetchRatio
	l.queue = NewPrefetchQueue(numLanes, queueCapacity(l.cfg.Backpressure, threshold, numLanes, l.cfg.NumWorkers))

	workersCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(workersCtx)
	lane := 0
	for id, part := range l.parts {
		src, err := l.workerSource()
		if err != nil {
			cancel()
			_ = g.Wait()
			l.queue.Close(nil)
			l.closeWorkerSources()
			return errors.WithMessagef(err, "%s: worker %d source", l.cfg.Name, id)
		}
		w := newWorker(l, id, part, src, lane)
		if l.cfg.StrictOrder && part.Len() > 0 {
			lane++
		}
		g.Go(func() error { return w.run(gctx) })
	}

	l.cancel = cancel
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		err := g.Wait()
		if err != nil {
			klog.Errorf("%s: workers stopped: %+v", l.cfg.Name, err)
		} else if err = context.Cause(ctx); err != nil {
			klog.V(1).Infof("%s: workers stopped: %v", l.cfg.Name, err)
			err = errors.WithMessagef(err, "%s: workers stopped", l.cfg.Name)
		}
		// Buffered samples are still handed out, then Pop returns err (ErrClosed if nil).
		l.queue.Close(err)
	}()
	l.started = true
	klog.V(1).Infof("%s: started %d workers, %d queue lanes", l.cfg.Name, len(l.parts), numLanes)
	return nil
}

// workerSource returns a private handle of the source if it is a Cloner.
func (l *Loader) workerSource() (datasets.SampleSource, error) {
	cloner, ok := l.src.(datasets.Cloner)
	if !ok {
		return l.src, nil
	}
	src, err := cloner.Clone()
	if err != nil {
		return nil, err
	}
	l.workerSources = append(l.workerSources, src)
	return src, nil
}

func (l *Loader) closeWorkerSources() {
	for _, src := range l.workerSources {
		if closer, ok := src.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				klog.Warningf("%s: closing worker source: %v", l.cfg.Name, err)
			}
		}
	}
	l.workerSources = nil
}

// Close stops the workers, waits for them to exit and releases their source
// handles. It is safe to call more than once.
func (l *Loader) Close() error {
	l.muLife.Lock()
	defer l.muLife.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.started {
		l.cancel()
		l.queue.Close(nil)
		<-l.done
	}
	l.closeWorkerSources()
	return nil
}

// Reset starts a new epoch: the batch counter goes back to zero and, for a
// synchronous loader with shuffling, the access order is reshuffled.
// Workers are not restarted.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked()
}

func (l *Loader) resetLocked() {
	l.epoch.reset()
	if l.synchronous && l.cfg.Shuffle {
		l.rng.Shuffle(len(l.perm), func(i, j int) {
			l.perm[i], l.perm[j] = l.perm[j], l.perm[i]
		})
	}
}

// NextBatch returns the next batch of the epoch, or io.EOF once Len() batches
// were returned. Call Reset to start the next epoch.
//
// A synchronous loader returns sample read errors as is, without consuming the
// batch. A multi-worker loader returns the error that stopped the workers,
// ErrPopTimeout, or ctx.Err(); samples already popped for the batch are lost.
func (l *Loader) NextBatch(ctx context.Context) (*Batch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.epoch.hasNext() {
		return nil, io.EOF
	}

	b := newBatch(l.cfg.BatchSize, l.dataShape, l.labelShape)
	var err error
	if l.synchronous {
		err = l.fillDirect(b)
	} else {
		err = l.fillFromQueue(ctx, b)
	}
	if err != nil {
		return nil, err
	}
	l.epoch.advance()
	l.stats.batches.Add(1)
	l.stats.consumed.Add(int64(b.Real))
	return b, nil
}

// fillDirect reads the batch through the source, following the epoch's access
// order. Positions past the end are clamped to the last one, so a short
// trailing batch is padded by repeating its last sample.
func (l *Loader) fillDirect(b *Batch) error {
	start := l.epoch.start()
	for i := range b.Size() {
		pos := min(start+i, l.numSamples-1)
		idx := l.perm[pos]
		sample, err := l.src.Get(idx)
		if err != nil {
			return errors.WithMessagef(err, "%s: batch %d", l.cfg.Name, l.epoch.batchIdx)
		}
		if err := datasets.CheckSample(sample, l.dataShape, l.labelShape); err != nil {
			return errors.WithMessagef(err, "%s: sample %d", l.cfg.Name, idx)
		}
		b.set(i, idx, sample)
	}
	b.Real = min(b.Size(), l.numSamples-start)
	return nil
}

// fillFromQueue pops one batch worth of samples from the workers. The trailing
// batch pops only TrailingCount samples and is padded with the last one.
func (l *Loader) fillFromQueue(ctx context.Context, b *Batch) error {
	l.muLife.Lock()
	started, closed, queue := l.started, l.closed, l.queue
	l.muLife.Unlock()
	if closed {
		return ErrClosed
	}
	if !started {
		return ErrNotStarted
	}
	var entry Entry
	numReal := l.epoch.realCount()
	for i := range b.Size() {
		if i < numReal {
			var err error
			if entry, err = queue.Pop(ctx, l.cfg.PopTimeout.Duration); err != nil {
				return err
			}
		}
		b.set(i, entry.Index, entry.Sample)
	}
	b.Real = numReal
	return nil
}

// QueueDepth returns the current number of prefetched samples, 0 for a synchronous loader.
func (l *Loader) QueueDepth() int {
	l.muLife.Lock()
	defer l.muLife.Unlock()
	if l.queue == nil {
		return 0
	}
	return l.queue.Len()
}

// Stats returns a snapshot of the loader counters.
func (l *Loader) Stats() Stats {
	s := Stats{
		Produced:  l.stats.produced.Load(),
		Skipped:   l.stats.skipped.Load(),
		Throttled: l.stats.throttled.Load(),
		Consumed:  l.stats.consumed.Load(),
		Batches:   l.stats.batches.Load(),
	}
	l.muLife.Lock()
	if l.queue != nil {
		s.QueueDepth = l.queue.Len()
		s.MaxQueueDepth = l.queue.MaxDepth()
	}
	l.muLife.Unlock()
	return s
}
