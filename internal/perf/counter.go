// Package perf provides thread-safe sliding-time-window counters used to
// instrument receive rates, decode throughput and clock lag.
package perf

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// MaxSamples bounds the number of samples a Counter retains regardless of
// the window length.
const MaxSamples = 16384

type sampleKind uint8

const (
	kindInt sampleKind = iota
	kindFloat
)

type sample struct {
	at   time.Time
	kind sampleKind
	i    int64
	f    float64
}

func (s sample) intValue() int64 {
	if s.kind == kindFloat {
		return int64(s.f)
	}
	return s.i
}

func (s sample) floatValue() float64 {
	if s.kind == kindInt {
		return float64(s.i)
	}
	return s.f
}

// Option configures a Counter.
type Option func(*Counter)

// WithClock replaces the wall clock used to timestamp and age samples.
func WithClock(now func() time.Time) Option {
	return func(c *Counter) { c.now = now }
}

// Counter records timestamped samples and aggregates those younger than
// its window. Samples are appended at the tail and evicted from the head,
// so the deque is always ordered by time. Count-based eviction happens on
// write; age-based eviction happens lazily on read.
type Counter struct {
	name string
	now  func() time.Time

	mu      sync.Mutex
	window  time.Duration
	samples deque.Deque[sample]
}

// NewCounter creates a counter aggregating over the given window.
func NewCounter(name string, window time.Duration, opts ...Option) *Counter {
	c := &Counter{
		name:   name,
		window: window,
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name returns the counter's label.
func (c *Counter) Name() string { return c.name }

// Window returns the current aggregation window.
func (c *Counter) Window() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}

// SetWindow changes the aggregation window. Samples already older than the
// new window are evicted on the next read.
func (c *Counter) SetWindow(d time.Duration) {
	c.mu.Lock()
	c.window = d
	c.mu.Unlock()
}

// Add records an integer sample of value 1.
func (c *Counter) Add() { c.AddInt(1) }

// AddInt records an integer sample.
func (c *Counter) AddInt(v int64) {
	c.push(sample{kind: kindInt, i: v})
}

// AddFloat records a floating-point sample.
func (c *Counter) AddFloat(v float64) {
	c.push(sample{kind: kindFloat, f: v})
}

func (c *Counter) push(s sample) {
	c.mu.Lock()
	s.at = c.now()
	c.samples.PushBack(s)
	for c.samples.Len() > MaxSamples {
		c.samples.PopFront()
	}
	c.mu.Unlock()
}

// trim evicts samples older than the window. Caller must hold mu.
func (c *Counter) trim() {
	now := c.now()
	for c.samples.Len() > 0 && now.Sub(c.samples.Front().at) > c.window {
		c.samples.PopFront()
	}
}

// Count returns the number of samples inside the window.
func (c *Counter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trim()
	return c.samples.Len()
}

// SumInt returns the sum of samples inside the window. Float samples are
// truncated toward zero.
func (c *Counter) SumInt() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trim()
	return c.sumInt()
}

// SumFloat returns the sum of samples inside the window.
func (c *Counter) SumFloat() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trim()
	return c.sumFloat()
}

func (c *Counter) sumInt() int64 {
	var sum int64
	for i := 0; i < c.samples.Len(); i++ {
		sum += c.samples.At(i).intValue()
	}
	return sum
}

func (c *Counter) sumFloat() float64 {
	var sum float64
	for i := 0; i < c.samples.Len(); i++ {
		sum += c.samples.At(i).floatValue()
	}
	return sum
}

// AverageIntOnCount returns the mean of the samples inside the window, or
// -1 when the window is empty.
func (c *Counter) AverageIntOnCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trim()
	n := c.samples.Len()
	if n == 0 {
		return -1
	}
	return c.sumInt() / int64(n)
}

// AverageFloatOnCount returns the mean of the samples inside the window, or
// -1 when the window is empty.
func (c *Counter) AverageFloatOnCount() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trim()
	n := c.samples.Len()
	if n == 0 {
		return -1
	}
	return c.sumFloat() / float64(n)
}

// AverageIntOnDuration returns the windowed sum divided by the window
// length in seconds: a per-second rate. An empty window yields zero.
func (c *Counter) AverageIntOnDuration() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trim()
	secs := c.window.Seconds()
	if secs <= 0 {
		return 0
	}
	return int64(float64(c.sumInt()) / secs)
}

// AverageFloatOnDuration returns the windowed sum divided by the window
// length in seconds.
func (c *Counter) AverageFloatOnDuration() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trim()
	secs := c.window.Seconds()
	if secs <= 0 {
		return 0
	}
	return c.sumFloat() / secs
}

// Reset discards every sample.
func (c *Counter) Reset() {
	c.mu.Lock()
	c.samples.Clear()
	c.mu.Unlock()
}
