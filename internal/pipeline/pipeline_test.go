package pipeline

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket"

	"firestige.xyz/flowpath/internal/core"
	"firestige.xyz/flowpath/internal/core/extract"
	"firestige.xyz/flowpath/internal/datapath"
	"firestige.xyz/flowpath/internal/port"
)

// sliceSource replays frames, then returns err (io.EOF when nil).
type sliceSource struct {
	mu     sync.Mutex
	frames [][]byte
	ci     []gopacket.CaptureInfo
	err    error
}

func (s *sliceSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		if s.err != nil {
			return nil, gopacket.CaptureInfo{}, s.err
		}
		return nil, gopacket.CaptureInfo{}, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	var ci gopacket.CaptureInfo
	if len(s.ci) > 0 {
		ci, s.ci = s.ci[0], s.ci[1:]
	}
	return f, ci, nil
}

func udpFrame(sport uint16) []byte {
	f := makeEthernetUDP("192.168.1.1", "10.0.0.1", sport, 53)
	binary.BigEndian.PutUint16(f[14+2:], 28) // IP total length
	return f
}

type counter struct {
	n atomic.Int64
}

func (c *counter) port() port.Func {
	return func(_ *datapath.Worker, pkt *core.Packet) (int, error) {
		c.n.Add(1)
		return pkt.Len(), nil
	}
}

func newDatapath(t *testing.T, ports *port.Registry) *datapath.Datapath {
	t.Helper()
	dp, err := datapath.New(datapath.Config{Name: t.Name()}, datapath.Options{Sender: ports})
	if err != nil {
		t.Fatalf("datapath.New: %v", err)
	}
	return dp
}

func install(t *testing.T, dp *datapath.Datapath, frame []byte, inPort uint16, acts *core.ActionList) {
	t.Helper()
	key, _, err := extract.Extract(core.NewPacket(frame, inPort))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if _, err := dp.FlowPut(key, acts, datapath.FlowCreate); err != nil {
		t.Fatalf("FlowPut: %v", err)
	}
}

func TestPipeline_BasicFlow(t *testing.T) {
	ports := port.NewRegistry()
	out := &counter{}
	if err := ports.Add(2, "out", out.port()); err != nil {
		t.Fatal(err)
	}
	dp := newDatapath(t, ports)

	src := &sliceSource{}
	for i := 0; i < 200; i++ {
		f := udpFrame(uint16(1000 + i%8))
		src.frames = append(src.frames, f)
		if i < 4 {
			install(t, dp, f, 1, core.NewActionList(core.Output{Port: 2}))
		}
	}

	p := New(Config{Workers: 4, InPort: 1, Backpressure: true}, dp, src)
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish")
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	stats := p.Stats()
	if stats.Received != 200 || stats.Dispatched != 200 || stats.Processed != 200 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.Dropped != 0 {
		t.Errorf("expected no drops with backpressure, got %d", stats.Dropped)
	}

	dps := dp.Stats()
	if dps.Hit != 100 || dps.Missed != 100 {
		t.Errorf("expected 100 hits and 100 misses, got %+v", dps)
	}
	if got := out.n.Load(); got != 100 {
		t.Errorf("expected 100 frames on port 2, got %d", got)
	}
}

func TestPipeline_DropsWhenFull(t *testing.T) {
	ports := port.NewRegistry()
	release := make(chan struct{})
	var sent atomic.Int64
	err := ports.Add(2, "slow", port.Func(func(_ *datapath.Worker, pkt *core.Packet) (int, error) {
		<-release
		sent.Add(1)
		return pkt.Len(), nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	dp := newDatapath(t, ports)

	f := udpFrame(1000)
	install(t, dp, f, 1, core.NewActionList(core.Output{Port: 2}))
	src := &sliceSource{}
	for i := 0; i < 50; i++ {
		src.frames = append(src.frames, f)
	}

	p := NewBuilder().
		WithDatapath(dp).
		WithSource(src).
		WithWorkers(1).
		WithChannelCapacity(2).
		WithInPort(1).
		Build()
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}

	// The reader finishes while the only worker is stuck on its first frame.
	deadline := time.After(5 * time.Second)
	for p.Stats().Received < 50 {
		select {
		case <-deadline:
			t.Fatal("reader did not finish")
		case <-time.After(time.Millisecond):
		}
	}
	close(release)
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}

	stats := p.Stats()
	if stats.Dropped == 0 {
		t.Error("expected drops on a full queue")
	}
	if stats.Dispatched+stats.Dropped != stats.Received {
		t.Errorf("dispatched %d + dropped %d != received %d", stats.Dispatched, stats.Dropped, stats.Received)
	}
	if stats.Processed != stats.Dispatched {
		t.Errorf("processed %d, dispatched %d", stats.Processed, stats.Dispatched)
	}
	if uint64(sent.Load()) != stats.Processed {
		t.Errorf("sent %d, processed %d", sent.Load(), stats.Processed)
	}
}

func TestPipeline_SourceError(t *testing.T) {
	dp := newDatapath(t, port.NewRegistry())
	boom := errors.New("device gone")
	src := &sliceSource{frames: [][]byte{udpFrame(1)}, err: boom}

	p := New(Config{Workers: 2}, dp, src)
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	if err := p.Wait(); !errors.Is(err, boom) {
		t.Fatalf("expected source error, got %v", err)
	}
	if got := p.Stats().Processed; got != 1 {
		t.Errorf("expected 1 processed frame, got %d", got)
	}
}

func TestPipeline_CaptureInfo(t *testing.T) {
	ports := port.NewRegistry()
	var got *core.Packet
	if err := ports.Add(2, "", port.Func(func(_ *datapath.Worker, pkt *core.Packet) (int, error) {
		got = pkt
		return pkt.Len(), nil
	})); err != nil {
		t.Fatal(err)
	}
	dp := newDatapath(t, ports)

	f := udpFrame(7)
	ts := time.Unix(1700000000, 5)
	pkt := core.NewPacket(f, 3)
	pkt.HWVLANPresent, pkt.HWVLANTCI = true, 42
	key, _, _ := extract.Extract(pkt)
	if _, err := dp.FlowPut(key, core.NewActionList(core.Output{Port: 2}), datapath.FlowCreate); err != nil {
		t.Fatal(err)
	}

	src := &sliceSource{
		frames: [][]byte{f},
		ci:     []gopacket.CaptureInfo{{Timestamp: ts, AncillaryData: []interface{}{VLANTag{TCI: 42}}}},
	}
	p := New(Config{Workers: 1, InPort: 3}, dp, src)
	p.Start()
	if err := p.Wait(); err != nil {
		t.Fatal(err)
	}

	if got == nil {
		t.Fatal("frame was not forwarded")
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("timestamp %v, want %v", got.Timestamp, ts)
	}
	if !got.HWVLANPresent || got.HWVLANTCI != 42 {
		t.Errorf("hardware tag not applied: %v %d", got.HWVLANPresent, got.HWVLANTCI)
	}
}

func TestMetrics_Reset(t *testing.T) {
	m := NewMetrics("test")
	m.Received.Add(3)
	m.Dropped.Add(1)
	m.Reset()
	if m.Received.Load() != 0 || m.Dropped.Load() != 0 {
		t.Error("Reset left counters set")
	}
}
