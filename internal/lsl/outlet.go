package lsl

// DefaultBufferDepth is the number of samples an outlet buffers per
// consumer: a small multiple of the expected frame rate, enough to absorb
// scheduling jitter without unbounded growth.
const DefaultBufferDepth = 180

// Outlet is the real-time publishing sink consumers subscribe to. Push must
// be safe for one writer with concurrent readers and must never block the
// caller on a slow consumer.
type Outlet interface {
	Push(sample []float64) error
	Close() error
}
