package loader

import (
	"context"
	"io"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/dataloader/datasets"
)

var (
	testDataShape  = []int{3}
	testLabelShape = []int{1}
)

func newSynthetic(t *testing.T, n int) *datasets.Synthetic {
	t.Helper()
	src, err := datasets.NewSynthetic(n, testDataShape, testLabelShape)
	require.NoError(t, err)
	return src
}

func testConfig(batchSize, numWorkers int) Config {
	cfg := DefaultConfig()
	cfg.Name = "test"
	cfg.BatchSize = batchSize
	cfg.NumWorkers = numWorkers
	cfg.Seed = 42
	return cfg
}

// epochIndices runs one epoch and returns the source indices of every batch.
func epochIndices(t *testing.T, l *Loader) [][]int {
	t.Helper()
	var all [][]int
	for {
		b, err := l.NextBatch(context.Background())
		if err == io.EOF {
			return all
		}
		require.NoError(t, err)
		all = append(all, b.Indices)
	}
}

// requireSlotsMatchSource checks every slot of b holds the sample of its index.
func requireSlotsMatchSource(t *testing.T, b *Batch) {
	t.Helper()
	for i, idx := range b.Indices {
		want := datasets.SyntheticSample(idx, testDataShape, testLabelShape)
		got := b.Sample(i)
		require.Equal(t, want.Data, got.Data, "slot %d (index %d)", i, idx)
		require.Equal(t, want.Label, got.Label, "slot %d (index %d)", i, idx)
	}
}

func TestNumBatches(t *testing.T) {
	for n := 0; n <= 25; n++ {
		for bs := 1; bs <= 7; bs++ {
			for _, trailing := range []bool{false, true} {
				want := n / bs
				if trailing && n%bs != 0 {
					want++
				}
				e := newEpochState(n, bs, trailing)
				require.Equal(t, want, e.numBatches, "n=%d batch=%d trailing=%v", n, bs, trailing)
				if want > 0 {
					require.Positive(t, e.trailingCount)
					require.LessOrEqual(t, e.trailingCount, bs)
				}
			}
		}
	}
}

func TestTrailingIncluded(t *testing.T) {
	cfg := testConfig(4, 1)
	cfg.Split = "val"
	cfg.IncludeTrailing = true
	l, err := New(cfg, newSynthetic(t, 10))
	require.NoError(t, err)
	defer l.Close()

	require.True(t, l.Synchronous())
	require.Equal(t, 3, l.Len())
	require.Equal(t, 2, l.TrailingCount())

	for epoch := range 2 {
		var batches []*Batch
		for {
			b, err := l.NextBatch(context.Background())
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			requireSlotsMatchSource(t, b)
			batches = append(batches, b)
		}
		require.Len(t, batches, 3, "epoch %d", epoch)
		assert.Equal(t, []int{0, 1, 2, 3}, batches[0].Indices)
		assert.Equal(t, []int{4, 5, 6, 7}, batches[1].Indices)
		assert.Equal(t, []int{8, 9, 9, 9}, batches[2].Indices)
		assert.Equal(t, 4, batches[1].Real)
		assert.Equal(t, 2, batches[2].Real)

		// Exhausted until Reset.
		_, err := l.NextBatch(context.Background())
		require.ErrorIs(t, err, io.EOF)
		l.Reset()
	}
}

func TestTrailingDropped(t *testing.T) {
	l, err := New(testConfig(4, 1), newSynthetic(t, 10))
	require.NoError(t, err)
	defer l.Close()

	require.Equal(t, 2, l.Len())
	require.Equal(t, 4, l.TrailingCount())
	got := epochIndices(t, l)
	require.Equal(t, [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}}, got)
}

func TestSequentialEpochs(t *testing.T) {
	l, err := New(testConfig(5, 1), newSynthetic(t, 20))
	require.NoError(t, err)
	defer l.Close()

	for range 3 {
		var flat []int
		for _, indices := range epochIndices(t, l) {
			flat = append(flat, indices...)
		}
		want := make([]int, 20)
		for i := range want {
			want[i] = i
		}
		require.Equal(t, want, flat)
		l.Reset()
	}
}

func TestShuffleSynchronous(t *testing.T) {
	const n = 50
	cfg := testConfig(5, 1)
	cfg.Shuffle = true
	l, err := New(cfg, newSynthetic(t, n))
	require.NoError(t, err)
	defer l.Close()

	var previous []int
	for epoch := range 3 {
		var flat []int
		for _, indices := range epochIndices(t, l) {
			flat = append(flat, indices...)
		}
		sorted := slices.Clone(flat)
		sort.Ints(sorted)
		for i := range sorted {
			require.Equal(t, i, sorted[i], "epoch %d is not a permutation", epoch)
		}
		if previous != nil {
			assert.NotEqual(t, previous, flat, "epoch %d repeated the previous order", epoch)
		}
		previous = flat
		l.Reset()
	}
}

func TestMultiWorkerContent(t *testing.T) {
	const n = 37
	cfg := testConfig(8, 4)
	cfg.Shuffle = true
	l, err := New(cfg, newSynthetic(t, n))
	require.NoError(t, err)
	defer l.Close()

	require.False(t, l.Synchronous())
	require.Equal(t, 4, l.Len())
	require.NoError(t, l.Start(context.Background()))

	seen := make(map[int]bool)
	for epoch := 0; epoch < 50 && len(seen) < n; epoch++ {
		for {
			b, err := l.NextBatch(context.Background())
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			require.Equal(t, b.Size(), b.Real)
			requireSlotsMatchSource(t, b)
			for _, idx := range b.Indices {
				seen[idx] = true
			}
		}
		l.Reset()
	}
	require.Len(t, seen, n, "not every index was produced")
	stats := l.Stats()
	assert.GreaterOrEqual(t, stats.Produced, stats.Consumed)
	assert.Zero(t, stats.Skipped)
}

func TestMoreWorkersThanSamples(t *testing.T) {
	cfg := testConfig(2, 5)
	l, err := New(cfg, newSynthetic(t, 3))
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Start(context.Background()))
	for range 10 {
		got := epochIndices(t, l)
		require.Len(t, got, 1)
		for _, idx := range got[0] {
			require.True(t, idx >= 0 && idx < 3)
		}
		l.Reset()
	}
}

func TestChannelBackpressure(t *testing.T) {
	cfg := testConfig(4, 3)
	cfg.PrefetchRatio = 2
	l, err := New(cfg, newSynthetic(t, 1000))
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.Start(context.Background()))

	// Nobody consumes: the queue fills up to its capacity and stays there.
	require.Eventually(t, func() bool { return l.QueueDepth() == 8 }, 5*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	stats := l.Stats()
	assert.Equal(t, 8, stats.QueueDepth)
	assert.LessOrEqual(t, stats.MaxQueueDepth, 8)
	assert.LessOrEqual(t, stats.Produced, int64(8))
}

func TestPollBackpressure(t *testing.T) {
	cfg := testConfig(4, 3)
	cfg.PrefetchRatio = 2
	cfg.Backpressure = BackpressurePoll
	cfg.PollInterval = Duration{5 * time.Millisecond}
	l, err := New(cfg, newSynthetic(t, 1000))
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.Start(context.Background()))

	require.Eventually(t, func() bool { return l.Stats().Throttled > 0 }, 5*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	stats := l.Stats()
	// Soft threshold of 8, overshoot of at most one sample per worker.
	assert.Greater(t, stats.QueueDepth, 8)
	assert.LessOrEqual(t, stats.MaxQueueDepth, 8+3)

	b, err := l.NextBatch(context.Background())
	require.NoError(t, err)
	requireSlotsMatchSource(t, b)
}

func TestStrictOrderIsReproducible(t *testing.T) {
	run := func() [][]int {
		cfg := testConfig(6, 3)
		cfg.Shuffle = true
		cfg.StrictOrder = true
		cfg.Seed = 7
		l, err := New(cfg, newSynthetic(t, 30))
		require.NoError(t, err)
		defer l.Close()
		require.NoError(t, l.Start(context.Background()))
		var all [][]int
		for range 3 {
			all = append(all, epochIndices(t, l)...)
			l.Reset()
		}
		return all
	}
	first := run()
	require.Equal(t, first, run())

	// Lanes are drained round-robin: slot i comes from worker i%3.
	parts, _ := Partition(30, 3)
	for _, indices := range first {
		for i, idx := range indices {
			part := parts[i%3]
			require.True(t, idx >= part.Start && idx < part.End, "slot %d index %d not in %v", i, idx, part)
		}
	}
}

func TestFailedSamplesAreSkipped(t *testing.T) {
	src := newSynthetic(t, 20)
	src.Fail = map[int]bool{3: true, 17: true}
	l, err := New(testConfig(4, 2), src)
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.Start(context.Background()))

	for range 10 {
		for _, indices := range epochIndices(t, l) {
			assert.NotContains(t, indices, 3)
			assert.NotContains(t, indices, 17)
		}
		l.Reset()
	}
	assert.Positive(t, l.Stats().Skipped)
}

func TestWorkerGivesUp(t *testing.T) {
	src := newSynthetic(t, 10)
	// The whole partition of worker 0 fails.
	src.Fail = map[int]bool{0: true, 1: true, 2: true, 3: true, 4: true}
	l, err := New(testConfig(2, 2), src)
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.Start(context.Background()))

	var lastErr error
	for range 1000 {
		_, lastErr = l.NextBatch(context.Background())
		if lastErr == io.EOF {
			l.Reset()
			continue
		}
		if lastErr != nil {
			break
		}
	}
	require.ErrorIs(t, lastErr, datasets.ErrSyntheticFailure)
}

func TestMaxConsecutiveFailures(t *testing.T) {
	src := newSynthetic(t, 100)
	src.Fail = map[int]bool{0: true, 1: true}
	cfg := testConfig(2, 2)
	cfg.MaxConsecutiveFailures = 2
	l, err := New(cfg, src)
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.Start(context.Background()))

	var lastErr error
	for range 1000 {
		_, lastErr = l.NextBatch(context.Background())
		if lastErr == io.EOF {
			l.Reset()
			continue
		}
		if lastErr != nil {
			break
		}
	}
	require.ErrorIs(t, lastErr, datasets.ErrSyntheticFailure)
}

func TestSynchronousReadError(t *testing.T) {
	src := newSynthetic(t, 8)
	src.Fail = map[int]bool{5: true}
	l, err := New(testConfig(4, 1), src)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.NextBatch(context.Background())
	require.NoError(t, err)
	_, err = l.NextBatch(context.Background())
	require.ErrorIs(t, err, datasets.ErrSyntheticFailure)

	// The failed batch was not consumed.
	src.Fail = nil
	b, err := l.NextBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{4, 5, 6, 7}, b.Indices)
}

func TestNotStarted(t *testing.T) {
	l, err := New(testConfig(4, 2), newSynthetic(t, 10))
	require.NoError(t, err)
	defer l.Close()
	_, err = l.NextBatch(context.Background())
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestPopTimeout(t *testing.T) {
	src := newSynthetic(t, 10)
	src.Delay = 200 * time.Millisecond
	cfg := testConfig(4, 2)
	cfg.PopTimeout = Duration{10 * time.Millisecond}
	l, err := New(cfg, src)
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.Start(context.Background()))

	_, err = l.NextBatch(context.Background())
	require.ErrorIs(t, err, ErrPopTimeout)
}

func TestNextBatchContextCancel(t *testing.T) {
	src := newSynthetic(t, 10)
	src.Delay = 200 * time.Millisecond
	l, err := New(testConfig(4, 2), src)
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.NextBatch(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseUnblocksConsumer(t *testing.T) {
	src := newSynthetic(t, 10)
	src.Delay = 100 * time.Millisecond
	cfg := testConfig(64, 2)
	cfg.IncludeTrailing = true
	l, err := New(cfg, src)
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background()))

	errC := make(chan error, 1)
	go func() {
		_, err := l.NextBatch(context.Background())
		errC <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Close())
	select {
	case err := <-errC:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("NextBatch still blocked after Close")
	}
	require.NoError(t, l.Close())
	require.ErrorIs(t, l.Start(context.Background()), ErrClosed)
}

func TestStartContextCancelStopsWorkers(t *testing.T) {
	l, err := New(testConfig(4, 3), newSynthetic(t, 100))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Start(ctx))
	require.Eventually(t, func() bool { return l.QueueDepth() > 0 }, 5*time.Second, time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		_ = l.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not stop")
	}
}

func TestStartContextCancelEndsConsumer(t *testing.T) {
	l, err := New(testConfig(4, 3), newSynthetic(t, 100))
	require.NoError(t, err)
	defer l.Close()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Start(ctx))
	require.Eventually(t, func() bool { return l.QueueDepth() > 0 }, 5*time.Second, time.Millisecond)
	cancel()

	// Buffered samples drain first, then the cancellation surfaces.
	errC := make(chan error, 1)
	go func() {
		for {
			_, err := l.NextBatch(context.Background())
			if err == io.EOF {
				l.Reset()
				continue
			}
			if err != nil {
				errC <- err
				return
			}
		}
	}()
	select {
	case err := <-errC:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("NextBatch still blocked after the Start context was cancelled")
	}
}

// cloningSource hands out tracked handles and fails the Clone call number failAt.
type cloningSource struct {
	*datasets.Synthetic
	failAt int

	mu      sync.Mutex
	handles []*trackedHandle
}

type trackedHandle struct {
	*datasets.Synthetic
	closed, readAfterClose atomic.Bool
}

func (h *trackedHandle) Get(idx int) (datasets.Sample, error) {
	s, err := h.Synthetic.Get(idx)
	if h.closed.Load() {
		h.readAfterClose.Store(true)
	}
	return s, err
}

func (h *trackedHandle) Close() error {
	h.closed.Store(true)
	return nil
}

func (c *cloningSource) Clone() (datasets.SampleSource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.handles) == c.failAt {
		return nil, errors.New("no more handles")
	}
	h := &trackedHandle{Synthetic: c.Synthetic}
	c.handles = append(c.handles, h)
	return h, nil
}

func TestStartCloneFailureStopsWorkersFirst(t *testing.T) {
	syn := newSynthetic(t, 400)
	syn.Delay = time.Millisecond
	src := &cloningSource{Synthetic: syn, failAt: 2}
	l, err := New(testConfig(4, 4), src)
	require.NoError(t, err)
	defer l.Close()

	require.Error(t, l.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)
	src.mu.Lock()
	defer src.mu.Unlock()
	require.Len(t, src.handles, 2)
	for i, h := range src.handles {
		assert.True(t, h.closed.Load(), "handle %d not closed", i)
		assert.False(t, h.readAfterClose.Load(), "handle %d read after it was closed", i)
	}
}

func TestTrailingMultiWorker(t *testing.T) {
	cfg := testConfig(4, 2)
	cfg.Split = "val"
	cfg.IncludeTrailing = true
	l, err := New(cfg, newSynthetic(t, 10))
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.Start(context.Background()))
	require.Equal(t, 3, l.Len())
	require.Equal(t, 2, l.TrailingCount())

	for epoch := range 2 {
		var batches []*Batch
		for {
			b, err := l.NextBatch(context.Background())
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			requireSlotsMatchSource(t, b)
			batches = append(batches, b)
		}
		require.Len(t, batches, 3, "epoch %d", epoch)
		assert.Equal(t, 4, batches[1].Real)
		last := batches[2]
		assert.Equal(t, l.TrailingCount(), last.Real)
		assert.Equal(t, last.Indices[1], last.Indices[2], "padding repeats the last real sample")
		assert.Equal(t, last.Indices[1], last.Indices[3], "padding repeats the last real sample")
		l.Reset()
	}
	assert.EqualValues(t, 20, l.Stats().Consumed)
}

func TestProvideShapes(t *testing.T) {
	l, err := New(testConfig(4, 1), newSynthetic(t, 10))
	require.NoError(t, err)
	assert.Equal(t, []DataDesc{{Name: "data", Shape: []int{4, 3}}}, l.ProvideData())
	assert.Equal(t, []DataDesc{{Name: "label", Shape: []int{4, 1}}}, l.ProvideLabel())

	s, err := l.Get(7)
	require.NoError(t, err)
	assert.Equal(t, []float32{7}, s.Label)
	_, err = l.Get(10)
	require.ErrorIs(t, err, datasets.ErrIndexOutOfRange)
}

func TestNewErrors(t *testing.T) {
	_, err := New(testConfig(0, 1), newSynthetic(t, 10))
	require.Error(t, err)

	_, err = New(testConfig(4, 1), nil)
	require.Error(t, err)

	_, err = Open(testConfig(4, 1), func(root string) (datasets.SampleSource, error) {
		return nil, datasets.ErrIndexOutOfRange
	})
	require.ErrorIs(t, err, datasets.ErrIndexOutOfRange)
}

func TestOpen(t *testing.T) {
	cfg := testConfig(4, 1)
	cfg.Root = "synthetic"
	var gotRoot string
	l, err := Open(cfg, func(root string) (datasets.SampleSource, error) {
		gotRoot = root
		return datasets.NewSynthetic(12, testDataShape, testLabelShape)
	})
	require.NoError(t, err)
	assert.Equal(t, "synthetic", gotRoot)
	assert.Equal(t, 3, l.Len())
}

func TestYield(t *testing.T) {
	cfg := testConfig(4, 1)
	cfg.Name = "synthetic-train"
	cfg.IncludeTrailing = true
	l, err := New(cfg, newSynthetic(t, 6))
	require.NoError(t, err)

	assert.Equal(t, "synthetic-train", l.Name())
	assert.Equal(t, "syntheti", l.ShortName())
	for range 2 {
		_, inputs, labels, err := l.Yield()
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		require.Len(t, labels, 1)
		assert.Equal(t, []int{4, 3}, inputs[0].Shape().Dimensions)
		assert.Equal(t, []int{4, 1}, labels[0].Shape().Dimensions)
	}
	_, _, _, err = l.Yield()
	require.ErrorIs(t, err, io.EOF)
	l.Reset()
	_, _, _, err = l.Yield()
	require.NoError(t, err)
}
