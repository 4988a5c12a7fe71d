package loader

// epochState is the consumer-side bookkeeping of one epoch.
type epochState struct {
	numSamples, batchSize int
	includeTrailing       bool

	numBatches    int
	trailingCount int
	batchIdx      int
}

// newEpochState computes the number of batches per epoch:
// floor(numSamples/batchSize), plus one if includeTrailing and there is a remainder.
//
// trailingCount is the number of real (non-padded) samples in the last batch:
// the remainder if a padded trailing batch is included, batchSize otherwise,
// and 0 for an empty dataset.
func newEpochState(numSamples, batchSize int, includeTrailing bool) epochState {
	e := epochState{
		numSamples:      numSamples,
		batchSize:       batchSize,
		includeTrailing: includeTrailing,
	}
	full := numSamples / batchSize
	e.numBatches = full
	e.trailingCount = batchSize
	if remainder := numSamples - full*batchSize; includeTrailing && remainder > 0 {
		e.numBatches++
		e.trailingCount = remainder
	}
	if e.numBatches == 0 {
		e.trailingCount = 0
	}
	return e
}

func (e *epochState) hasNext() bool { return e.batchIdx < e.numBatches }

// start returns the position in the epoch's access order of the first sample of the next batch.
func (e *epochState) start() int { return e.batchIdx * e.batchSize }

// realCount returns the number of real samples of the next batch.
func (e *epochState) realCount() int {
	if e.batchIdx == e.numBatches-1 {
		return e.trailingCount
	}
	return e.batchSize
}

func (e *epochState) advance() { e.batchIdx++ }

func (e *epochState) reset() { e.batchIdx = 0 }
