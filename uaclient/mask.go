package uaclient

import (
	"strings"

	"github.com/bits-and-blooms/bitset"
)

// a bit per target of a request. A set bit means the target is still eligible to process.
// The mask is threaded through each pipeline stage instead of mutating the target list.
type Mask struct {
	n    int
	bits *bitset.BitSet
}

func NewMask(n int, value bool) Mask {
	bits := bitset.New(uint(n))
	if value {
		for i := 0; i < n; i += 1 {
			bits.Set(uint(i))
		}
	}
	return Mask{
		n:    n,
		bits: bits,
	}
}

func MaskOf(values ...bool) Mask {
	mask := NewMask(len(values), false)
	for i, value := range values {
		if value {
			mask.Set(i)
		}
	}
	return mask
}

func (self Mask) Len() int {
	return self.n
}

func (self Mask) IsSet(rank int) bool {
	if rank < 0 || self.n <= rank {
		return false
	}
	return self.bits.Test(uint(rank))
}

func (self Mask) Set(rank int) {
	if rank < 0 || self.n <= rank {
		panic(ErrInvalidRequest)
	}
	self.bits.Set(uint(rank))
}

func (self Mask) Clear(rank int) {
	if rank < 0 || self.n <= rank {
		panic(ErrInvalidRequest)
	}
	self.bits.Clear(uint(rank))
}

func (self Mask) Count() int {
	if self.bits == nil {
		return 0
	}
	return int(self.bits.Count())
}

func (self Mask) IsEmpty() bool {
	return self.Count() == 0
}

// ranks of the set bits, in order
func (self Mask) Ranks() []int {
	ranks := make([]int, 0, self.Count())
	if self.bits == nil {
		return ranks
	}
	for i, ok := self.bits.NextSet(0); ok && int(i) < self.n; i, ok = self.bits.NextSet(i + 1) {
		ranks = append(ranks, int(i))
	}
	return ranks
}

// the bits set here and not in other
func (self Mask) Without(other Mask) Mask {
	if self.n != other.n {
		panic(ErrInvalidRequest)
	}
	return Mask{
		n:    self.n,
		bits: self.bits.Difference(other.bits),
	}
}

func (self Mask) Or(other Mask) Mask {
	if self.n != other.n {
		panic(ErrInvalidRequest)
	}
	return Mask{
		n:    self.n,
		bits: self.bits.Union(other.bits),
	}
}

func (self Mask) Clone() Mask {
	if self.bits == nil {
		return NewMask(self.n, false)
	}
	return Mask{
		n:    self.n,
		bits: self.bits.Clone(),
	}
}

func (self Mask) String() string {
	var b strings.Builder
	for i := 0; i < self.n; i += 1 {
		if self.IsSet(i) {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}
