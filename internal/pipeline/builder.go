package pipeline

import (
	"firestige.xyz/flowpath/internal/datapath"
)

// Builder provides a fluent interface for building pipelines.
// This is an alternative to using Config directly.
type Builder struct {
	config Config
	dp     *datapath.Datapath
	source Source
}

// NewBuilder creates a new pipeline builder.
func NewBuilder() *Builder {
	return &Builder{
		config: Config{
			ChannelCapacity: 1024, // default
			Dispatch:        DispatchFlowHash,
		},
	}
}

// WithName sets the pipeline name used in logs and metric labels.
func (b *Builder) WithName(name string) *Builder {
	b.config.Name = name
	return b
}

// WithDatapath sets the datapath frames are delivered to.
func (b *Builder) WithDatapath(dp *datapath.Datapath) *Builder {
	b.dp = dp
	return b
}

// WithSource sets the frame source.
func (b *Builder) WithSource(s Source) *Builder {
	b.source = s
	return b
}

// WithWorkers sets the number of worker goroutines.
func (b *Builder) WithWorkers(n int) *Builder {
	b.config.Workers = n
	return b
}

// WithDispatch sets the dispatch strategy by name.
func (b *Builder) WithDispatch(name string) *Builder {
	b.config.Dispatch = name
	return b
}

// WithChannelCapacity sets the per-worker queue size.
func (b *Builder) WithChannelCapacity(size int) *Builder {
	b.config.ChannelCapacity = size
	return b
}

// WithInPort sets the datapath port frames arrive on.
func (b *Builder) WithInPort(port uint16) *Builder {
	b.config.InPort = port
	return b
}

// WithBackpressure makes the reader wait on full queues instead of dropping.
func (b *Builder) WithBackpressure(block bool) *Builder {
	b.config.Backpressure = block
	return b
}

// Build creates the pipeline.
func (b *Builder) Build() *Pipeline {
	return New(b.config, b.dp, b.source)
}
