package link

import (
	"log/slog"
	"sync/atomic"

	"qlsl-bridge/internal/lsl"
	"qlsl-bridge/internal/platform/metrics"
	"qlsl-bridge/internal/qtm"
)

// defaultQueueSize bounds the packet queue between the session's read loop
// and the consumer. At typical capture rates this is a second or two of
// frames.
const defaultQueueSize = 256

// pipeline is the single-producer/single-consumer hand-off between the
// protocol read loop and sample conversion. The producer side enqueues
// without blocking; the consumer goroutine is the only writer of the packet
// counter and the only caller of Outlet.Push.
type pipeline struct {
	queue chan *qtm.Packet
	done  chan struct{}

	cfg    *qtm.Config
	outlet lsl.Outlet
	count  *atomic.Uint64
	log    *slog.Logger
	met    *metrics.Metrics

	// onMismatch fires at most once, when a converted sample does not match
	// the configuration's channel count. It must not block on the
	// consumer's own exit.
	onMismatch func(got, want int)
	mismatched bool
}

func newPipeline(cfg *qtm.Config, outlet lsl.Outlet, count *atomic.Uint64, size int, log *slog.Logger, met *metrics.Metrics, onMismatch func(got, want int)) *pipeline {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &pipeline{
		queue:      make(chan *qtm.Packet, size),
		done:       make(chan struct{}),
		cfg:        cfg,
		outlet:     outlet,
		count:      count,
		log:        log,
		met:        met,
		onMismatch: onMismatch,
	}
}

// start launches the consumer goroutine.
func (p *pipeline) start() {
	go p.run()
}

// enqueue is the packet sink handed to the session. It never blocks: when
// the queue is full the packet is dropped. Called from the session's read
// loop.
func (p *pipeline) enqueue(pkt *qtm.Packet) {
	select {
	case p.queue <- pkt:
	default:
		p.log.Debug("packet queue full, dropping frame", slog.Uint64("frame", uint64(pkt.Frame)))
	}
}

// stop pushes the shutdown sentinel and waits for the consumer to drain and
// exit. Must not be called from the consumer goroutine.
func (p *pipeline) stop() {
	p.queue <- nil
	<-p.done
}

func (p *pipeline) run() {
	p.log.Debug("pipeline consumer enter")
	defer p.log.Debug("pipeline consumer exit")
	defer close(p.done)

	for pkt := range p.queue {
		if pkt == nil {
			return
		}
		sample := lsl.PacketToSample(p.cfg, pkt)
		if len(sample) != p.cfg.ChannelCount() {
			// The malformed sample is never pushed. The consumer keeps
			// draining until the shutdown it just requested delivers the
			// sentinel.
			if !p.mismatched {
				p.mismatched = true
				p.log.Debug("sample length mismatch",
					slog.Int("got", len(sample)),
					slog.Int("want", p.cfg.ChannelCount()))
				if p.onMismatch != nil {
					p.onMismatch(len(sample), p.cfg.ChannelCount())
				}
			}
			continue
		}
		p.count.Add(1)
		if p.met != nil {
			p.met.IncPackets()
		}
		if err := p.outlet.Push(sample); err != nil {
			p.log.Debug("outlet push failed", slog.String("error", err.Error()))
			continue
		}
		if p.met != nil {
			p.met.IncSamplesPushed()
		}
	}
}
