package link

import (
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qlsl-bridge/internal/qtm"
)

func pipelineConfig(markers int) *qtm.Config {
	cfg := &qtm.Config{}
	for i := 0; i < markers; i++ {
		cfg.Markers = append(cfg.Markers, "m")
	}
	return cfg
}

func TestPipeline_convertsAndCounts(t *testing.T) {
	outlet := &fakeOutlet{}
	var count atomic.Uint64
	p := newPipeline(pipelineConfig(1), outlet, &count, 8, slog.Default(), nil, nil)
	p.start()

	p.enqueue(markerPacket(1))
	p.enqueue(markerPacket(1))
	p.stop()

	require.Equal(t, uint64(2), count.Load())
	require.Equal(t, 2, outlet.sampleCount())
	// mm to m applied on the way through.
	require.Equal(t, []float64{1, 2, 3}, outlet.samples[0])
}

func TestPipeline_mismatchReportedOnceAndNotPushed(t *testing.T) {
	outlet := &fakeOutlet{}
	var count atomic.Uint64
	mismatches := make(chan [2]int, 4)
	p := newPipeline(pipelineConfig(3), outlet, &count, 8, slog.Default(), nil,
		func(got, want int) { mismatches <- [2]int{got, want} })
	p.start()

	p.enqueue(markerPacket(2))
	p.enqueue(markerPacket(2))
	p.enqueue(markerPacket(3))
	p.stop()

	select {
	case m := <-mismatches:
		require.Equal(t, [2]int{6, 9}, m)
	case <-time.After(2 * time.Second):
		t.Fatal("mismatch not reported")
	}
	select {
	case <-mismatches:
		t.Fatal("mismatch reported more than once")
	default:
	}

	// The malformed samples never reached the outlet; the valid one after
	// them still did, since the consumer keeps draining until the sentinel.
	require.Equal(t, 1, outlet.sampleCount())
	require.Equal(t, uint64(1), count.Load())
}

func TestPipeline_stopDrainsQueue(t *testing.T) {
	outlet := &fakeOutlet{}
	var count atomic.Uint64
	p := newPipeline(pipelineConfig(1), outlet, &count, 16, slog.Default(), nil, nil)
	p.start()

	for i := 0; i < 10; i++ {
		p.enqueue(markerPacket(1))
	}
	p.stop()

	require.Equal(t, uint64(10), count.Load())
}

func TestPipeline_enqueueNeverBlocksWhenFull(t *testing.T) {
	outlet := &fakeOutlet{}
	var count atomic.Uint64
	// Consumer not started: the queue fills up and stays full.
	p := newPipeline(pipelineConfig(1), outlet, &count, 2, slog.Default(), nil, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			p.enqueue(markerPacket(1))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}

	p.start()
	p.stop()
	require.Equal(t, uint64(2), count.Load())
}
