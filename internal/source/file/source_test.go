package file

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frames() [][]byte {
	out := make([][]byte, 3)
	for i := range out {
		f := make([]byte, 60+i)
		f[5] = byte(i + 1)
		f[12], f[13] = 0x88, 0xb5
		out[i] = f
	}
	return out
}

func ci(i, n int) gopacket.CaptureInfo {
	return gopacket.CaptureInfo{
		Timestamp:     time.Unix(1700000000+int64(i), 0).UTC(),
		CaptureLength: n,
		Length:        n,
	}
}

func writePcap(t *testing.T, lt layers.LinkType) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65535, lt))
	for i, f := range frames() {
		require.NoError(t, w.WritePacket(ci(i, len(f)), f))
	}
	return buf.Bytes()
}

func readAll(t *testing.T, s *Source) ([][]byte, []gopacket.CaptureInfo) {
	t.Helper()
	var (
		data [][]byte
		cis  []gopacket.CaptureInfo
	)
	for {
		d, c, err := s.ReadPacketData()
		if err == io.EOF {
			return data, cis
		}
		require.NoError(t, err)
		data = append(data, d)
		cis = append(cis, c)
	}
}

func TestPcap(t *testing.T) {
	s, err := NewReader(bytes.NewReader(writePcap(t, layers.LinkTypeEthernet)))
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, s.LinkType())

	data, cis := readAll(t, s)
	assert.Equal(t, frames(), data)
	require.Len(t, cis, 3)
	assert.True(t, cis[2].Timestamp.Equal(ci(2, 0).Timestamp))
	assert.Equal(t, uint64(3), s.Frames())
	assert.NoError(t, s.Close())

	// EOF is sticky.
	_, _, err = s.ReadPacketData()
	assert.Equal(t, io.EOF, err)
}

func TestPcapNg(t *testing.T) {
	var buf bytes.Buffer
	w, err := pcapgo.NewNgWriter(&buf, layers.LinkTypeEthernet)
	require.NoError(t, err)
	for i, f := range frames() {
		c := ci(i, len(f))
		c.InterfaceIndex = 0
		require.NoError(t, w.WritePacket(c, f))
	}
	require.NoError(t, w.Flush())

	s, err := NewReader(&buf)
	require.NoError(t, err)
	data, _ := readAll(t, s)
	assert.Equal(t, frames(), data)
}

func TestRejectsOtherLinkTypes(t *testing.T) {
	_, err := NewReader(bytes.NewReader(writePcap(t, layers.LinkTypeRaw)))
	assert.ErrorContains(t, err, "unsupported link type")

	_, err = NewReader(bytes.NewReader(nil))
	assert.Error(t, err)

	_, err = NewReader(bytes.NewReader([]byte("not a capture file")))
	assert.Error(t, err)
}

func TestTruncatedCaptureEnds(t *testing.T) {
	b := writePcap(t, layers.LinkTypeEthernet)
	s, err := NewReader(bytes.NewReader(b[:len(b)-10]))
	require.NoError(t, err)
	data, _ := readAll(t, s)
	assert.Len(t, data, 2)
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.pcap")
	require.NoError(t, os.WriteFile(path, writePcap(t, layers.LinkTypeEthernet), 0o644))

	s, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, path, s.Path())
	data, _ := readAll(t, s)
	assert.Len(t, data, 3)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = Open(filepath.Join(t.TempDir(), "missing.pcap"))
	assert.ErrorContains(t, err, "open capture")
}
