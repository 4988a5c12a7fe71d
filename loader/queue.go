package loader

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/Noofbiz/dataloader/datasets"
)

var (
	// ErrClosed is returned by operations on a closed queue or loader.
	ErrClosed = errors.New("loader closed")

	// ErrPopTimeout is returned when no sample arrived within the pop timeout.
	ErrPopTimeout = errors.New("timed out waiting for a prefetched sample")
)

// Entry is one prefetched sample, tagged with its source index.
type Entry struct {
	Index  int
	Sample datasets.Sample
}

// PrefetchQueue is the bounded multi-producer / single-consumer buffer between
// the workers and the batch assembler. It holds one lane per producer in strict
// order mode, or a single shared lane otherwise. Pop drains lanes round-robin.
//
// Only one goroutine may call Pop at a time.
type PrefetchQueue struct {
	lanes []chan Entry
	next  int

	maxDepth atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
	err       error
}

// queueCapacity returns the per-lane capacity for the given threshold
// (BatchSize*PrefetchRatio) and number of lanes.
//
// In channel mode the total capacity is ceil(threshold). In poll mode the
// workers enforce the threshold themselves and the channels only need room for
// the overshoot of one push per worker.
func queueCapacity(mode Backpressure, threshold float64, numLanes, numWorkers int) int {
	bound := int(math.Ceil(threshold))
	if mode == BackpressurePoll {
		bound += numWorkers
		// A lane may briefly hold everything when the others are empty.
		return max(bound, 1)
	}
	return max((bound+numLanes-1)/numLanes, 1)
}

// NewPrefetchQueue creates a queue with numLanes lanes of the given capacity each.
func NewPrefetchQueue(numLanes, capacity int) *PrefetchQueue {
	q := &PrefetchQueue{
		lanes:  make([]chan Entry, numLanes),
		closed: make(chan struct{}),
	}
	for i := range q.lanes {
		q.lanes[i] = make(chan Entry, capacity)
	}
	return q
}

// Len returns the number of samples currently buffered, summed over the lanes.
// It is approximate while producers are running.
func (q *PrefetchQueue) Len() int {
	total := 0
	for _, lane := range q.lanes {
		total += len(lane)
	}
	return total
}

// MaxDepth returns the largest Len observed by Push.
func (q *PrefetchQueue) MaxDepth() int { return int(q.maxDepth.Load()) }

// Push appends the entry to the given lane, blocking while the lane is full.
// It returns ctx.Err() if the context is done first, or ErrClosed if the queue is closed.
func (q *PrefetchQueue) Push(ctx context.Context, lane int, it Entry) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.lanes[lane] <- it:
		q.observeDepth()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return ErrClosed
	}
}

func (q *PrefetchQueue) observeDepth() {
	depth := int64(q.Len())
	for {
		current := q.maxDepth.Load()
		if depth <= current || q.maxDepth.CompareAndSwap(current, depth) {
			return
		}
	}
}

// Pop removes the next sample, from the lane whose turn it is.
//
// Buffered samples are returned even after Close, until the lane is empty.
// If timeout > 0 and nothing arrives within it, Pop returns ErrPopTimeout.
func (q *PrefetchQueue) Pop(ctx context.Context, timeout time.Duration) (Entry, error) {
	lane := q.lanes[q.next]
	select {
	case it := <-lane:
		q.advance()
		return it, nil
	default:
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	select {
	case it := <-lane:
		q.advance()
		return it, nil
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case <-q.closed:
		return Entry{}, q.closeErr()
	case <-timeoutC:
		return Entry{}, errors.Wrapf(ErrPopTimeout, "after %s", timeout)
	}
}

func (q *PrefetchQueue) advance() {
	q.next = (q.next + 1) % len(q.lanes)
}

// Close wakes up all blocked producers and the consumer. err, if not nil, is
// what Pop returns from then on. Only the first call has an effect.
func (q *PrefetchQueue) Close(err error) {
	q.closeOnce.Do(func() {
		q.err = err
		close(q.closed)
	})
}

func (q *PrefetchQueue) closeErr() error {
	if q.err != nil {
		return q.err
	}
	return ErrClosed
}
