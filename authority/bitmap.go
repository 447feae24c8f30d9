package authority

import (
	"github.com/bits-and-blooms/bitset"

	"overlord/types"
)

// Bitmap encodes which authorities (by sorted-list position) contributed to
// a QC's aggregate signature, matching the upstream Aggregates.address_bitmap
// encoding.
type Bitmap struct {
	set *bitset.BitSet
}

// NewBitmap returns an empty bitmap sized for n authorities.
func NewBitmap(n int) *Bitmap {
	return &Bitmap{set: bitset.New(uint(n))}
}

// Set marks authority index i as a contributor.
func (b *Bitmap) Set(i int) {
	b.set.Set(uint(i))
}

// Test reports whether authority index i contributed.
func (b *Bitmap) Test(i int) bool {
	return b.set.Test(uint(i))
}

// Count returns the number of contributors set in the bitmap.
func (b *Bitmap) Count() int {
	return int(b.set.Count())
}

// Indices returns every set index in ascending order.
func (b *Bitmap) Indices() []int {
	out := make([]int, 0, b.set.Count())
	for i, e := b.set.NextSet(0); e; i, e = b.set.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}

// Bytes serializes the bitmap for wire transmission.
func (b *Bitmap) Bytes() []byte {
	buf, err := b.set.MarshalBinary()
	if err != nil {
		return nil
	}
	return buf
}

// BitmapFromBytes decodes a bitmap previously produced by Bytes.
func BitmapFromBytes(data []byte) (*Bitmap, error) {
	bs := &bitset.BitSet{}
	if err := bs.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &Bitmap{set: bs}, nil
}

// WeightOfBitmap sums the vote weight of every authority the bitmap marks as a
// contributor, against the authorities known to m.
func (m *Manager) WeightOfBitmap(b *Bitmap) types.Weight {
	var total types.Weight
	for _, i := range b.Indices() {
		if i < len(m.nodes) {
			total += m.nodes[i].VoteWeight
		}
	}
	return total
}

// AddressesFromBitmap resolves the bitmap's set indices back to authority
// addresses against m's sorted authority list.
func (m *Manager) AddressesFromBitmap(b *Bitmap) []types.Address {
	addrs := make([]types.Address, 0, b.Count())
	for _, i := range b.Indices() {
		if i < len(m.nodes) {
			addrs = append(addrs, m.nodes[i].Address)
		}
	}
	return addrs
}
