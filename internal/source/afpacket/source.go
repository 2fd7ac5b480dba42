//go:build linux

// Package afpacket captures and transmits frames on a network interface
// through an AF_PACKET ring.
package afpacket

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"

	"firestige.xyz/flowpath/internal/core"
	"firestige.xyz/flowpath/internal/datapath"
	"firestige.xyz/flowpath/internal/pipeline"
	"firestige.xyz/flowpath/internal/port"
)

// Config configures an interface.
type Config struct {
	Device       string
	SnapLen      int    // default 65535
	BufferSizeMB int    // default 8
	TimeoutMs    int    // poll timeout, default 100
	FanoutID     uint16 // 0 disables fanout
	BPFFilter    string
}

// Source is an interface opened for capture and transmit. As a pipeline
// source it reads received frames; as a port it transmits.
type Source struct {
	handle *afpacket.TPacket
	device string
	closed atomic.Bool
}

var (
	_ pipeline.Source = (*Source)(nil)
	_ port.Port       = (*Source)(nil)
)

// Open opens cfg.Device.
func Open(cfg Config) (*Source, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("afpacket: device is required")
	}
	if cfg.SnapLen <= 0 {
		cfg.SnapLen = port.DefaultSnapLen
	}
	if cfg.BufferSizeMB <= 0 {
		cfg.BufferSizeMB = 8
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 100
	}

	ring, err := recomputeSize(cfg.BufferSizeMB, cfg.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, err
	}
	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(cfg.Device),
		afpacket.OptFrameSize(ring.frame),
		afpacket.OptBlockSize(ring.block),
		afpacket.OptNumBlocks(ring.blocks),
		afpacket.OptPollTimeout(time.Duration(cfg.TimeoutMs)*time.Millisecond),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}

	if cfg.FanoutID > 0 {
		if err := tp.SetFanout(afpacket.FanoutHashWithDefrag, cfg.FanoutID); err != nil {
			tp.Close()
			return nil, fmt.Errorf("set fanout on %s: %w", cfg.Device, err)
		}
	}
	if cfg.BPFFilter != "" {
		raw, err := compileBPF(cfg.BPFFilter, cfg.SnapLen)
		if err != nil {
			tp.Close()
			return nil, err
		}
		if err := tp.SetBPF(raw); err != nil {
			tp.Close()
			return nil, fmt.Errorf("set bpf on %s: %w", cfg.Device, err)
		}
	}

	slog.Info("interface opened", "device", cfg.Device,
		"frame_size", ring.frame, "block_size", ring.block, "blocks", ring.blocks)
	return &Source{handle: tp, device: cfg.Device}, nil
}

func compileBPF(filter string, snapLen int) ([]bpf.RawInstruction, error) {
	insns, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, snapLen, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to compile BPF filter: %w", err)
	}
	raw := make([]bpf.RawInstruction, len(insns))
	for i, ins := range insns {
		raw[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return raw, nil
}

// ReadPacketData returns the next received frame. A tag stripped by the
// NIC is reported as pipeline.VLANTag ancillary data. After Close it
// returns io.EOF.
func (s *Source) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	for {
		if s.closed.Load() {
			return nil, gopacket.CaptureInfo{}, io.EOF
		}
		data, ci, err := s.handle.ReadPacketData()
		if errors.Is(err, afpacket.ErrTimeout) {
			continue
		}
		if err != nil {
			if s.closed.Load() {
				return nil, ci, io.EOF
			}
			return nil, ci, fmt.Errorf("read %s: %w", s.device, err)
		}
		ci.AncillaryData = vlanAncillary(ci.AncillaryData)
		return data, ci, nil
	}
}

func vlanAncillary(data []interface{}) []interface{} {
	for i, d := range data {
		if v, ok := d.(afpacket.AncillaryVLAN); ok {
			data[i] = pipeline.VLANTag{TCI: uint16(v.VLAN)}
		}
	}
	return data
}

// Send transmits pkt on the interface.
func (s *Source) Send(_ *datapath.Worker, pkt *core.Packet) (int, error) {
	data := port.WireFrame(pkt)
	if err := s.handle.WritePacketData(data); err != nil {
		return 0, fmt.Errorf("write %s: %w", s.device, err)
	}
	return len(data), nil
}

// Close stops capture and releases the ring. It is safe to call twice.
func (s *Source) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if _, st, err := s.handle.SocketStats(); err == nil {
		slog.Info("interface closed", "device", s.device,
			"packets", st.Packets(), "drops", st.Drops())
	}
	s.handle.Close()
	return nil
}
