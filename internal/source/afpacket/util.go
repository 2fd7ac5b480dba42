package afpacket

import (
	"fmt"
)

const (
	tpacketAlignment = 16
	// tpacket3_hdr plus sockaddr_ll, rounded up.
	tpacketV3HdrLen = 52

	targetBlockSize = 1 << 20
	maxBlockSize    = 4 << 20
)

// ringSize is the geometry of a TPacketV3 receive ring.
type ringSize struct {
	frame  int
	block  int
	blocks int
}

// recomputeSize fits a ring of about bufferMB megabytes around snapLen.
// The kernel wants the frame size aligned to TPACKET_ALIGNMENT and the
// block size a multiple of both the page size and the frame size.
func recomputeSize(bufferMB, snapLen, pageSize int) (ringSize, error) {
	switch {
	case bufferMB <= 0:
		return ringSize{}, fmt.Errorf("ring buffer size must be positive, got %d MB", bufferMB)
	case snapLen <= 0:
		return ringSize{}, fmt.Errorf("snaplen must be positive, got %d", snapLen)
	case pageSize <= 0 || pageSize%tpacketAlignment != 0:
		return ringSize{}, fmt.Errorf("page size %d is not a multiple of %d", pageSize, tpacketAlignment)
	}

	frame := align(tpacketV3HdrLen+snapLen, tpacketAlignment)
	block := lcm(pageSize, frame)
	if block > maxBlockSize {
		// Page-sized frames waste a little per slot but keep blocks small.
		frame = align(frame, pageSize)
		block = frame
	}
	if n := targetBlockSize / block; n > 1 {
		block *= n
	}

	blocks := bufferMB << 20 / block
	if blocks < 1 {
		blocks = 1
	}
	return ringSize{frame: frame, block: block, blocks: blocks}, nil
}

func align(n, to int) int {
	return (n + to - 1) / to * to
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	return a / gcd(a, b) * b
}
