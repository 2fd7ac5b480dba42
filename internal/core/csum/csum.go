// Package csum implements Internet checksum arithmetic (RFC 1071, RFC 1624).
//
// A sum is a ones'-complement accumulator folded to 16 bits and held in a
// uint32. A checksum field stores the complement of a sum, except for L4
// fields in partial-offload mode, which hold the pseudo-header sum itself.
package csum

import "encoding/binary"

func fold(sum uint64) uint32 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint32(sum)
}

// Add combines two sums.
func Add(a, b uint32) uint32 {
	return fold(uint64(a) + uint64(b))
}

// Sub removes b from a.
func Sub(a, b uint32) uint32 {
	return Add(a, ^b&0xffff)
}

// Partial adds the bytes of data, as big-endian 16-bit words, to initial.
// An odd trailing byte is padded with zero.
func Partial(data []byte, initial uint32) uint32 {
	sum := uint64(initial)
	n := len(data) &^ 1
	for i := 0; i < n; i += 2 {
		sum += uint64(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint64(data[len(data)-1]) << 8
	}
	return fold(sum)
}

// Checksum returns the checksum field value for data, starting from initial.
func Checksum(data []byte, initial uint32) uint16 {
	return ^uint16(Partial(data, initial))
}

// PseudoHeader returns the TCP/UDP pseudo-header sum. src and dst are 4 or
// 16 bytes long.
func PseudoHeader(src, dst []byte, proto uint8, length int) uint32 {
	sum := Partial(src, 0)
	sum = Partial(dst, sum)
	sum = Add(sum, uint32(proto))
	sum = Add(sum, uint32(length>>16))
	return Add(sum, uint32(length&0xffff))
}

// Replace updates sum for one 16-bit word changing from from to to.
func Replace(sum uint32, from, to uint16) uint32 {
	return Add(Add(sum, uint32(^from)), uint32(to))
}

// Replace32 updates sum for one 32-bit field changing from from to to.
func Replace32(sum uint32, from, to uint32) uint32 {
	sum = Replace(sum, uint16(from>>16), uint16(to>>16))
	return Replace(sum, uint16(from), uint16(to))
}

// ReplaceField updates a complemented checksum field (RFC 1624 eqn. 3).
func ReplaceField(check uint16, from, to uint16) uint16 {
	return ^uint16(Replace(uint32(^check), from, to))
}

// ReplaceField32 is ReplaceField for a 32-bit field.
func ReplaceField32(check uint16, from, to uint32) uint16 {
	return ^uint16(Replace32(uint32(^check), from, to))
}

// Equal compares two sums, treating the two ones'-complement zeros as equal.
func Equal(a, b uint32) bool {
	if a == 0xffff {
		a = 0
	}
	if b == 0xffff {
		b = 0
	}
	return a == b
}
