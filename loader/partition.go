package loader

// IndexRange is the half-open range of sample indices [Start, End).
type IndexRange struct {
	Start, End int
}

// Len returns the number of indices in the range.
func (r IndexRange) Len() int { return r.End - r.Start }

// Partition splits [0, n) into numWorkers contiguous, disjoint ranges with
// linearly spaced boundaries: range i starts at floor(i*n/numWorkers), and the
// last range absorbs the remainder. Some ranges are empty if numWorkers > n.
//
// synchronous is true when numWorkers == 1: the caller should read samples
// directly instead of starting a worker.
func Partition(n, numWorkers int) (parts []IndexRange, synchronous bool) {
	if numWorkers <= 1 {
		return []IndexRange{{0, n}}, true
	}
	parts = make([]IndexRange, numWorkers)
	for i := range parts {
		parts[i].Start = i * n / numWorkers
		if i > 0 {
			parts[i-1].End = parts[i].Start
		}
	}
	parts[numWorkers-1].End = n
	return parts, false
}
