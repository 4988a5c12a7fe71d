package loader

import "math/rand"

// cursor is a worker's private access order over its partition: a permutation
// of the local positions plus a pointer into it. It is never shared.
type cursor struct {
	part    IndexRange
	perm    []int
	pos     int
	shuffle bool
	rng     *rand.Rand
}

func newCursor(part IndexRange, shuffle bool, rng *rand.Rand) *cursor {
	c := &cursor{
		part:    part,
		perm:    make([]int, part.Len()),
		shuffle: shuffle,
		rng:     rng,
	}
	for i := range c.perm {
		c.perm[i] = i
	}
	if shuffle {
		c.reshuffle()
	}
	return c
}

func (c *cursor) reshuffle() {
	c.rng.Shuffle(len(c.perm), func(i, j int) {
		c.perm[i], c.perm[j] = c.perm[j], c.perm[i]
	})
}

// next returns the global index of the next sample. When the pointer wraps
// past the end of the partition it is reset to 0, after a reshuffle if enabled.
// The partition must not be empty.
func (c *cursor) next() int {
	if c.pos == len(c.perm) {
		c.pos = 0
		if c.shuffle {
			c.reshuffle()
		}
	}
	idx := c.part.Start + c.perm[c.pos]
	c.pos++
	return idx
}
