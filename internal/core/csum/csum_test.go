package csum

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

// IPv4 header from RFC 1071 examples in common use: 45 00 00 73 ...
var ipv4Header = []byte{
	0x45, 0x00, 0x00, 0x73, 0x00, 0x00, 0x40, 0x00,
	0x40, 0x11, 0xb8, 0x61, 0xc0, 0xa8, 0x00, 0x01,
	0xc0, 0xa8, 0x00, 0xc7,
}

func TestChecksumKnownHeader(t *testing.T) {
	hdr := append([]byte(nil), ipv4Header...)
	hdr[10], hdr[11] = 0, 0
	assert.Equal(t, uint16(0xb861), Checksum(hdr, 0))

	// A correct header sums to all ones.
	assert.Equal(t, uint16(0), Checksum(ipv4Header, 0))
}

func TestPartialOddLength(t *testing.T) {
	assert.Equal(t, uint32(0x0102+0x0300), Partial([]byte{0x01, 0x02, 0x03}, 0))
}

func TestReplaceField32MatchesRecompute(t *testing.T) {
	hdr := append([]byte(nil), ipv4Header...)
	old := binary.BigEndian.Uint32(hdr[12:16])
	check := binary.BigEndian.Uint16(hdr[10:12])

	newAddr := uint32(0x0a000001)
	binary.BigEndian.PutUint32(hdr[12:16], newAddr)
	binary.BigEndian.PutUint16(hdr[10:12], ReplaceField32(check, old, newAddr))
	assert.Equal(t, uint16(0), Checksum(hdr, 0))
}

func TestReplaceField16MatchesRecompute(t *testing.T) {
	hdr := append([]byte(nil), ipv4Header...)
	old := binary.BigEndian.Uint16(hdr[0:2])
	check := binary.BigEndian.Uint16(hdr[10:12])

	binary.BigEndian.PutUint16(hdr[0:2], 0x45b8)
	binary.BigEndian.PutUint16(hdr[10:12], ReplaceField(check, old, 0x45b8))
	assert.Equal(t, uint16(0), Checksum(hdr, 0))
}

func TestReplaceTracksSum(t *testing.T) {
	data := []byte{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc}
	sum := Partial(data, 0)

	binary.BigEndian.PutUint16(data[2:4], 0xffff)
	sum = Replace(sum, 0x5678, 0xffff)
	assert.True(t, Equal(Partial(data, 0), sum))

	assert.True(t, Equal(Sub(Add(sum, 0x1234), 0x1234), sum))
}

func TestPseudoHeader(t *testing.T) {
	src := []byte{10, 0, 0, 1}
	dst := []byte{10, 0, 0, 2}
	want := Partial([]byte{10, 0, 0, 1, 10, 0, 0, 2, 0, 6, 0, 20}, 0)
	assert.Equal(t, want, PseudoHeader(src, dst, 6, 20))
}

func TestEqualTreatsZerosAlike(t *testing.T) {
	assert.True(t, Equal(0, 0xffff))
	assert.True(t, Equal(0xffff, 0))
	assert.False(t, Equal(1, 0xffff))
}

func BenchmarkPartial1500(b *testing.B) {
	data := make([]byte, 1500)
	for i := range data {
		data[i] = byte(i)
	}
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Partial(data, 0)
	}
}
