package cmd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"firestige.xyz/flowpath/internal/config"
	"firestige.xyz/flowpath/internal/core"
	"firestige.xyz/flowpath/internal/datapath"
	"firestige.xyz/flowpath/internal/log"
	"firestige.xyz/flowpath/internal/metrics"
	"firestige.xyz/flowpath/internal/pipeline"
	"firestige.xyz/flowpath/internal/port"
	"firestige.xyz/flowpath/internal/source/afpacket"
	"firestige.xyz/flowpath/internal/source/file"
	"firestige.xyz/flowpath/internal/upcall"
	"firestige.xyz/flowpath/internal/wire"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run frames from a capture or an interface through the datapath",
	Long: `Run frames through the datapath, from a pcap or pcapng capture or from a
live interface.

The run command will:
  1. Load configuration and install the flows from the flow file
  2. Open one pcap sink per output port in the output directory
  3. Feed every frame of the capture, or of the interface until interrupted,
     to the ingress port
  4. Log each upcall with its key in wire format
  5. Print datapath, pipeline, port and upcall statistics as JSON

With --iface the interface is also the ingress port, so flows can send
frames back out of it.

Examples:
  flowpath run --pcap in.pcap --flows flows.yaml --out out/
  flowpath run -c config.yml --pcap in.pcap --flows flows.yaml --in-port 3
  flowpath run --iface eth0 --bpf "not port 22" --flows flows.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configFile)
		if err != nil {
			exitWithError("failed to load config", err)
		}
		if err := log.Init(cfg.Log); err != nil {
			exitWithError("failed to init logging", err)
		}
		defer log.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := runReplay(ctx, cfg, runOpts, os.Stdout); err != nil {
			slog.Error("run failed", "error", err)
			os.Exit(1)
		}
	},
}

type runOptions struct {
	pcap   string
	iface  string
	bpf    string
	flows  string
	outDir string
	inPort uint16
}

var runOpts runOptions

func init() {
	runCmd.Flags().StringVar(&runOpts.pcap, "pcap", "", "capture to replay")
	runCmd.Flags().StringVar(&runOpts.iface, "iface", "", "interface to capture from")
	runCmd.Flags().StringVar(&runOpts.bpf, "bpf", "", "capture filter for --iface")
	runCmd.Flags().StringVar(&runOpts.flows, "flows", "", "flow file to install")
	runCmd.Flags().StringVar(&runOpts.outDir, "out", "", "directory for per-port captures; ports discard when empty")
	runCmd.Flags().Uint16Var(&runOpts.inPort, "in-port", 1, "ingress port of replayed frames")
	runCmd.MarkFlagsMutuallyExclusive("pcap", "iface")
	runCmd.MarkFlagsOneRequired("pcap", "iface")
}

// runReport is printed when a replay finishes.
type runReport struct {
	Datapath datapath.Stats    `json:"datapath"`
	Pipeline pipeline.Stats    `json:"pipeline"`
	Ports    []port.Stats      `json:"ports"`
	Upcalls  map[string]uint64 `json:"upcalls"`
}

func runReplay(ctx context.Context, cfg *config.GlobalConfig, opts runOptions, out io.Writer) error {
	if opts.inPort >= core.MaxPorts {
		return fmt.Errorf("in-port %d out of range", opts.inPort)
	}
	ff := &config.FlowFile{}
	if opts.flows != "" {
		var err error
		if ff, err = config.LoadFlows(opts.flows); err != nil {
			return err
		}
	}

	ports, err := openPorts(ff, opts.outDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := ports.Close(); err != nil {
			slog.Warn("failed to close ports", "error", err)
		}
	}()

	queue := upcall.New(cfg.Upcall.Queue())

	var reg prometheus.Registerer
	if cfg.Metrics.Enabled {
		reg = prometheus.DefaultRegisterer
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer srv.Stop(context.Background())
	}

	dp, err := datapath.New(cfg.Datapath.Datapath(), datapath.Options{
		Sender:     ports,
		Upcaller:   queue,
		Registerer: reg,
	})
	if err != nil {
		return err
	}
	if reg != nil {
		defer reg.Unregister(dp.Collector())
	}
	for i, f := range ff.Flows {
		if _, err := dp.FlowPut(f.Key, f.Actions, datapath.FlowCreate); err != nil {
			return fmt.Errorf("install flow %d: %w", i, err)
		}
	}
	slog.Info("flows installed", "datapath", dp.Name(), "flows", len(ff.Flows))

	runCtx, cancel := context.WithCancel(ctx)
	go dp.Run(runCtx)

	upcalls := make(chan map[string]uint64, 1)
	upcallCtx, stopUpcalls := context.WithCancel(context.Background())
	go func() { upcalls <- logUpcalls(upcallCtx, queue) }()

	src, err := openSource(opts, ports)
	if err != nil {
		cancel()
		stopUpcalls()
		<-upcalls
		return err
	}
	defer src.Close()

	// A capture is replayed losslessly; an interface drops on overload.
	p := pipeline.New(cfg.PipelineParams(opts.inPort, opts.iface == ""), dp, src)
	if err := p.Start(); err != nil {
		cancel()
		stopUpcalls()
		<-upcalls
		return err
	}
	select {
	case <-p.Done():
	case <-ctx.Done():
		slog.Info("interrupted, stopping")
	}
	// Closing unblocks a source waiting for frames.
	src.Close()
	runErr := p.Stop()

	cancel()
	dp.Quiesce()
	stopUpcalls()
	report := runReport{
		Datapath: dp.Stats(),
		Pipeline: p.Stats(),
		Ports:    ports.Stats(),
		Upcalls:  <-upcalls,
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return runErr
}

type source interface {
	pipeline.Source
	Close() error
}

// openSource opens the capture file, or the interface, which is also
// added as the ingress port.
func openSource(opts runOptions, ports *port.Registry) (source, error) {
	if opts.iface == "" {
		f, err := file.Open(opts.pcap)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	live, err := afpacket.Open(afpacket.Config{Device: opts.iface, BPFFilter: opts.bpf})
	if err != nil {
		return nil, err
	}
	if err := ports.Add(opts.inPort, opts.iface, live); err != nil {
		live.Close()
		return nil, err
	}
	return live, nil
}

// openPorts builds the port registry. Declared ports keep their type;
// other output ports become pcap sinks in outDir, or discard ports when
// no directory is given.
func openPorts(ff *config.FlowFile, outDir string) (*port.Registry, error) {
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output dir: %w", err)
		}
	}

	r := port.NewRegistry()
	add := func(ps config.PortSpec) error {
		var p port.Port
		switch {
		case ps.Type == config.PortTypePatch:
			p = port.Patch{Peer: ps.Peer}
		case ps.Type == config.PortTypeNetdev:
			live, err := afpacket.Open(afpacket.Config{Device: ps.Device})
			if err != nil {
				return err
			}
			p = live
		case ps.Type == config.PortTypeDiscard || outDir == "":
			p = port.Discard{}
		default:
			sink, err := port.CreatePcapSink(filepath.Join(outDir, fmt.Sprintf("port-%d.pcap", ps.Number)))
			if err != nil {
				return err
			}
			p = sink
		}
		if err := r.Add(ps.Number, ps.Name, p); err != nil {
			p.Close()
			return err
		}
		return nil
	}

	declared := make(map[uint16]bool)
	for _, ps := range ff.Ports {
		if err := add(ps); err != nil {
			r.Close()
			return nil, err
		}
		declared[ps.Number] = true
	}
	for _, no := range ff.OutputPorts() {
		if declared[no] {
			continue
		}
		if err := add(config.PortSpec{Number: no, Type: config.PortTypePcap}); err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

// logUpcalls logs upcalls until ctx is done, then drains what is left.
// It returns the count per kind.
func logUpcalls(ctx context.Context, q *upcall.Queue) map[string]uint64 {
	counts := make(map[string]uint64)
	handle := func(u *core.Upcall) {
		counts[u.Kind.String()]++
		b, err := wire.EncodeKey(&u.Key)
		if err != nil {
			slog.Warn("failed to encode upcall key", "kind", u.Kind.String(), "error", err)
			return
		}
		attrs := []any{
			"kind", u.Kind.String(),
			"in_port", u.Key.InPort,
			"len", u.Packet.Len(),
			"key", hex.EncodeToString(b),
		}
		if u.HasUserData {
			attrs = append(attrs, "userdata", u.UserData)
		}
		if u.Kind == core.UpcallSample {
			attrs = append(attrs, "sample_pool", u.SamplePool, "actions", u.Actions.String())
		}
		slog.Info("upcall", attrs...)
	}

	for {
		u, err := q.Recv(ctx)
		if err != nil {
			break
		}
		handle(u)
	}
	for u := q.TryRecv(); u != nil; u = q.TryRecv() {
		handle(u)
	}
	return counts
}
