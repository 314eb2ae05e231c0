package decode

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/volcast/internal/perf"
)

// Worker runs one Codec on a dedicated goroutine. Inputs arrive through a
// single-slot mailbox: a newer entry overwrites one not yet picked up.
// Outputs are published through two slots; the goroutine always writes
// the slot that is not current and then flips the current index.
type Worker struct {
	codec   Codec
	log     *slog.Logger
	decoded *perf.Counter

	mu      sync.Mutex
	cond    *sync.Cond
	pending *Input
	running bool
	wg      sync.WaitGroup

	// gen counts resets. A decode started before a reset does not publish.
	gen atomic.Uint64

	slots   [2]slot
	current atomic.Int32 // -1 when no result has been published

	inputs    atomic.Int64
	overwrite atomic.Int64
	failures  atomic.Int64
	rejected  atomic.Int64
}

type slot struct {
	mu  sync.Mutex
	res *Result
}

// WorkerStats is a point-in-time view of a worker's counters.
type WorkerStats struct {
	Codec       string `json:"codec"`
	Inputs      int64  `json:"inputs"`
	Overwritten int64  `json:"overwritten"`
	Rejected    int64  `json:"rejected"`
	Failures    int64  `json:"failures"`
}

// NewWorker creates a stopped worker. decoded, when non-nil, receives one
// sample per successful decode.
func NewWorker(codec Codec, decoded *perf.Counter, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	w := &Worker{
		codec:   codec,
		decoded: decoded,
		log:     log.With("component", "decode-worker", "codec", codec.Name()),
	}
	w.cond = sync.NewCond(&w.mu)
	w.current.Store(-1)
	return w
}

// Codec returns the worker's codec.
func (w *Worker) Codec() Codec { return w.codec }

// Start launches the decode goroutine. Calling Start on a running worker
// is a no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.wg.Add(1)
	go w.run()
}

// Stop signals the goroutine, waits for it to exit and releases any
// published results. A stopped worker closes its codec and cannot be
// restarted.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.running = false
	w.pending = nil
	w.cond.Broadcast()
	w.mu.Unlock()

	w.wg.Wait()
	w.Reset()
	if c, ok := w.codec.(interface{ Close() }); ok {
		c.Close()
	}
}

// AddEntry hands a payload to the worker. data is copied, so the caller may
// reuse it immediately. An entry not yet picked up is replaced.
func (w *Worker) AddEntry(timestamp float64, frameIndex int64, data []byte) {
	in := &Input{
		Timestamp:  timestamp,
		FrameIndex: frameIndex,
		Data:       append([]byte(nil), data...),
	}
	w.inputs.Add(1)

	w.mu.Lock()
	if w.pending != nil {
		w.overwrite.Add(1)
	}
	w.pending = in
	w.cond.Signal()
	w.mu.Unlock()
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		w.mu.Lock()
		for w.running && w.pending == nil {
			w.cond.Wait()
		}
		if !w.running {
			w.mu.Unlock()
			return
		}
		in := w.pending
		w.pending = nil
		gen := w.gen.Load()
		w.mu.Unlock()

		w.decode(in, gen)
	}
}

func (w *Worker) decode(in *Input, gen uint64) {
	if err := w.codec.Validate(in.Data); err != nil {
		w.rejected.Add(1)
		w.log.Warn("malformed payload skipped", "frame", in.FrameIndex, "size", len(in.Data), "error", err)
		return
	}

	res := &Result{}
	if err := w.codec.Decode(*in, res); err != nil {
		w.failures.Add(1)
		res.Release()
		w.log.Warn("decode failed", "frame", in.FrameIndex, "error", err)
		return
	}
	res.OK = true
	res.Timestamp = in.Timestamp
	res.FrameIndex = in.FrameIndex
	res.StreamType = w.codec.StreamType()

	next := int32(0)
	if w.current.Load() == 0 {
		next = 1
	}
	s := &w.slots[next]
	s.mu.Lock()
	if w.gen.Load() != gen {
		s.mu.Unlock()
		res.Release()
		return
	}
	if s.res != nil {
		s.res.Release()
	}
	s.res = res
	w.current.Store(next)
	s.mu.Unlock()

	if w.decoded != nil {
		w.decoded.Add()
	}
}

// Pop takes the current result. The caller owns it and must Release it. A
// result is returned by Pop at most once; when none is available the
// Failed sentinel is returned.
func (w *Worker) Pop() *Result {
	for {
		idx := w.current.Load()
		if idx < 0 {
			return Failed()
		}
		s := &w.slots[idx]
		s.mu.Lock()
		if w.current.Load() != idx {
			s.mu.Unlock()
			continue
		}
		res := s.res
		s.res = nil
		s.mu.Unlock()
		if res == nil {
			return Failed()
		}
		return res
	}
}

// Peek returns a deep copy of the current result without taking it, or
// the Failed sentinel.
func (w *Worker) Peek() *Result {
	idx := w.current.Load()
	if idx < 0 {
		return Failed()
	}
	s := &w.slots[idx]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.res == nil {
		return Failed()
	}
	return s.res.Clone()
}

// Reset drops the pending entry, releases both slots and clears the
// current index. A decode in flight is discarded.
func (w *Worker) Reset() {
	w.mu.Lock()
	w.gen.Add(1)
	w.pending = nil
	w.mu.Unlock()

	w.current.Store(-1)
	for i := range w.slots {
		s := &w.slots[i]
		s.mu.Lock()
		if s.res != nil {
			s.res.Release()
			s.res = nil
		}
		s.mu.Unlock()
	}
}

// Stats returns the worker's counters.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Codec:       w.codec.Name(),
		Inputs:      w.inputs.Load(),
		Overwritten: w.overwrite.Load(),
		Rejected:    w.rejected.Load(),
		Failures:    w.failures.Load(),
	}
}
