// Package ring provides a fixed-capacity circular buffer used to report a
// running average over recent samples.
package ring

import "errors"

// ErrNoSamples is returned by Average when every slot holds zero.
var ErrNoSamples = errors.New("ring: no nonzero samples")

// Buffer is a circular buffer whose capacity is rounded up to the next power
// of two so the write cursor can wrap with a mask.
//
// Buffer is not safe for concurrent use.
type Buffer struct {
	mask   int
	slots  []int64
	length int
}

// New creates a buffer holding at least size samples.
func New(size int) *Buffer {
	n := 1
	for n < size {
		n *= 2
	}
	return &Buffer{
		mask:  n - 1,
		slots: make([]int64, n),
	}
}

// Append stores v, overwriting the oldest sample once the buffer is full.
func (b *Buffer) Append(v int64) {
	b.slots[b.length&b.mask] = v
	b.length++
}

// Average sums every slot and divides by the number of nonzero slots.
// Zero-valued samples are therefore excluded from the denominator.
func (b *Buffer) Average() (int64, error) {
	var total, num int64
	for _, v := range b.slots {
		total += v
		if v != 0 {
			num++
		}
	}
	if num == 0 {
		return 0, ErrNoSamples
	}
	return total / num, nil
}

// Clear resets the buffer to its empty state.
func (b *Buffer) Clear() {
	b.length = 0
	clear(b.slots)
}

// Len returns how many samples are currently held.
func (b *Buffer) Len() int {
	return min(b.length, len(b.slots))
}

// Cap returns the rounded capacity.
func (b *Buffer) Cap() int {
	return len(b.slots)
}
