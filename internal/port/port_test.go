package port

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/flowpath/internal/core"
	"firestige.xyz/flowpath/internal/core/extract"
	"firestige.xyz/flowpath/internal/datapath"
)

func testFrame() []byte {
	f := make([]byte, 60)
	copy(f[0:6], []byte{0, 0, 0, 0, 0, 2})
	copy(f[6:12], []byte{0, 0, 0, 0, 0, 1})
	binary.BigEndian.PutUint16(f[12:], 0x88b5)
	for i := 14; i < len(f); i++ {
		f[i] = byte(i)
	}
	return f
}

type closeErr struct{ Discard }

func (closeErr) Close() error { return errors.New("boom") }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(1, "", Discard{}))
	require.NoError(t, r.Add(2, "uplink", Discard{}))

	assert.ErrorIs(t, r.Add(1, "again", Discard{}), core.ErrPortExists)
	assert.Error(t, r.Add(core.MaxPorts, "", Discard{}))

	pkt := core.NewPacket(testFrame(), 9)
	n, err := r.Send(nil, 2, pkt)
	require.NoError(t, err)
	assert.Equal(t, 60, n)

	_, err = r.Send(nil, 3, pkt)
	assert.ErrorIs(t, err, core.ErrNoSuchPort)

	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, Stats{Port: 1, Name: "1"}, stats[0])
	assert.Equal(t, Stats{Port: 2, Name: "uplink", TxPackets: 1, TxBytes: 60}, stats[1])

	require.NoError(t, r.Remove(1))
	assert.ErrorIs(t, r.Remove(1), core.ErrNoSuchPort)
	assert.Len(t, r.Stats(), 1)
}

func TestRegistrySendError(t *testing.T) {
	r := NewRegistry()
	fail := errors.New("link down")
	require.NoError(t, r.Add(4, "eth4", Func(func(*datapath.Worker, *core.Packet) (int, error) {
		return 0, fail
	})))

	_, err := r.Send(nil, 4, core.NewPacket(testFrame(), 1))
	assert.ErrorIs(t, err, fail)
	assert.Equal(t, uint64(1), r.Stats()[0].TxErrors)
	assert.Zero(t, r.Stats()[0].TxPackets)
}

func TestRegistryClose(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(1, "bad", closeErr{}))
	require.NoError(t, r.Add(2, "good", Discard{}))
	err := r.Close()
	assert.ErrorContains(t, err, "close port bad")
	assert.Empty(t, r.Stats())
}

func readPcap(t *testing.T, b []byte) [][]byte {
	t.Helper()
	rd, err := pcapgo.NewReader(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, rd.LinkType())

	var out [][]byte
	for {
		data, _, err := rd.ReadPacketData()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, data)
	}
}

func TestPcapSink(t *testing.T) {
	var buf bytes.Buffer
	s, err := NewPcapSink(&buf)
	require.NoError(t, err)

	frame := testFrame()
	pkt := core.NewPacket(frame, 1)
	pkt.Timestamp = time.Unix(1700000000, 0)
	n, err := s.Send(nil, pkt)
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)

	tagged := core.NewPacket(frame, 1)
	tagged.HWVLANPresent, tagged.HWVLANTCI = true, 0x2064
	n, err = s.Send(nil, tagged)
	require.NoError(t, err)
	assert.Equal(t, len(frame)+4, n)
	require.NoError(t, s.Close())

	got := readPcap(t, buf.Bytes())
	require.Len(t, got, 2)
	assert.Equal(t, frame, got[0])

	key, _, err := extract.Extract(core.NewPacket(got[1], 1))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x2064|core.VLANTagPresent), key.VLANTCI)
	assert.Equal(t, uint16(0x88b5), key.EthType)
	assert.Equal(t, frame[14:], got[1][18:])
}

func TestCreatePcapSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "port-1.pcap")
	s, err := CreatePcapSink(path)
	require.NoError(t, err)
	_, err = s.Send(nil, core.NewPacket(testFrame(), 1))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = CreatePcapSink(filepath.Join(t.TempDir(), "missing", "x.pcap"))
	assert.Error(t, err)
}

func TestPatchReentersDatapath(t *testing.T) {
	r := NewRegistry()
	dp, err := datapath.New(datapath.Config{}, datapath.Options{Sender: r})
	require.NoError(t, err)

	var got []*core.Packet
	require.NoError(t, r.Add(3, "sink", Func(func(_ *datapath.Worker, pkt *core.Packet) (int, error) {
		got = append(got, pkt)
		return pkt.Len(), nil
	})))
	require.NoError(t, r.Add(4, "patch", Patch{Peer: 5}))

	frame := testFrame()
	key, _, err := extract.Extract(core.NewPacket(frame, 5))
	require.NoError(t, err)
	_, err = dp.FlowPut(key, core.NewActionList(core.Output{Port: 3}), datapath.FlowCreate)
	require.NoError(t, err)

	require.NoError(t, dp.Execute(frame, 1, core.NewActionList(core.Output{Port: 4})))
	require.Len(t, got, 1)
	assert.Equal(t, uint16(5), got[0].InPort)
	assert.Equal(t, frame, got[0].Data)
	assert.Equal(t, uint64(1), dp.Stats().Hit)
}
