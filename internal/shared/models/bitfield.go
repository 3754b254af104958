package models

// Bitfield is the bit-packed piece map exchanged on the wire: one bit per
// piece, most significant bit first within each byte, trailing bits padded
// with zeros.
type Bitfield []byte

func NewBitfield(numPieces int) Bitfield {
	return make(Bitfield, (numPieces+7)/8)
}

func (bf Bitfield) HasPiece(index int) bool {
	byteIndex := index / 8
	offset := index % 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return false
	}
	return bf[byteIndex]>>uint(7-offset)&1 != 0
}

func (bf Bitfield) SetPiece(index int) {
	byteIndex := index / 8
	offset := index % 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return
	}
	bf[byteIndex] |= 1 << uint(7-offset)
}

// Count reports how many pieces are set, capped to numPieces so padding bits
// never inflate the total.
func (bf Bitfield) Count(numPieces int) int {
	count := 0
	for i := 0; i < numPieces; i++ {
		if bf.HasPiece(i) {
			count++
		}
	}
	return count
}
