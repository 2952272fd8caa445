package daemon

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"blurcam/config"
)

type fakeCapture struct {
	mu       sync.Mutex
	reads    int
	failRead bool
	closed   bool
}

func (c *fakeCapture) Read(dst *gocv.Mat) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	return !c.failRead
}

func (c *fakeCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeCapture) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeSegmenter struct {
	mu      sync.Mutex
	masks   int
	maskErr error
	closed  bool
}

func (s *fakeSegmenter) Mask(frame gocv.Mat, threshold float64) (gocv.Mat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masks++
	if s.maskErr != nil {
		return gocv.NewMat(), s.maskErr
	}
	return gocv.NewMat(), nil
}

func (s *fakeSegmenter) failWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maskErr = err
}

func (s *fakeSegmenter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeOutput struct {
	mu         sync.Mutex
	sends      int
	fillerPtr  uintptr
	fillerHits int
}

func (o *fakeOutput) Send(frame gocv.Mat) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sends++
	if o.fillerPtr != 0 && matDataPtr(frame) == o.fillerPtr {
		o.fillerHits++
	}
	return nil
}

// matDataPtr identifies a Mat by the address of its pixel buffer.
func matDataPtr(m gocv.Mat) uintptr {
	data, err := m.DataPtrUint8()
	if err != nil || len(data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&data[0]))
}

func (o *fakeOutput) SleepUntilNextFrame() {
	time.Sleep(time.Millisecond)
}

type staticSettings struct {
	mu sync.Mutex
	s  config.Settings
}

func (ss *staticSettings) Snapshot() config.Settings {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.s
}

func (ss *staticSettings) set(s config.Settings) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.s = s
}

type harness struct {
	d        *Daemon
	monitor  *Monitor
	out      *fakeOutput
	settings *staticSettings

	count atomic.Int64

	mu         sync.Mutex
	captures   []*fakeCapture
	openErr    error
	segErr     error
	segs       []*fakeSegmenter
	lastBlur   int
	blendHits  int
	blendPanic bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		out:      &fakeOutput{},
		settings: &staticSettings{s: config.Defaults()},
	}
	h.monitor = NewMonitor("/dev/video10", counterFunc(func() (int, error) {
		return int(h.count.Load()), nil
	}))

	h.d = New(Options{
		Settings: h.settings,
		Output:   h.out,
		Monitor:  h.monitor,
		OpenCapture: func(s config.Settings) (CaptureDevice, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.openErr != nil {
				return nil, h.openErr
			}
			c := &fakeCapture{}
			h.captures = append(h.captures, c)
			return c, nil
		},
		NewSegmenter: func() (Segmenter, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.segErr != nil {
				return nil, h.segErr
			}
			s := &fakeSegmenter{}
			h.segs = append(h.segs, s)
			return s, nil
		},
		Blend: func(frame, mask gocv.Mat, blurStrength int) gocv.Mat {
			h.mu.Lock()
			h.lastBlur = blurStrength
			h.blendHits++
			boom := h.blendPanic
			h.mu.Unlock()
			if boom {
				panic("mask extent disagrees with frame")
			}
			return gocv.NewMat()
		},
		Width:  64,
		Height: 48,
	})
	h.out.fillerPtr = matDataPtr(h.d.filler)
	t.Cleanup(h.d.release)
	return h
}

// attach simulates a settled recount showing consumers present.
func (h *harness) attach() {
	h.count.Store(1)
	h.monitor.recount()
}

// detach simulates a settled recount showing no consumers remain.
func (h *harness) detach() {
	h.count.Store(0)
	h.monitor.recount()
}

// tick runs one iteration of the pump: edge handling then frame production.
func (h *harness) tick() {
	s := h.settings.Snapshot()
	h.d.applyEdge(s)
	h.d.produceFrame(s)
}

type counterFunc func() (int, error)

func (f counterFunc) Count() (int, error) { return f() }

func TestIdleEmitsFillerFrames(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 5; i++ {
		h.tick()
	}

	assert.Equal(t, Idle, h.d.State())
	assert.Equal(t, 5, h.out.sends)
	assert.Equal(t, 5, h.out.fillerHits, "idle frames must all be the filler")
}

func TestAttachActivatesWithinOneTick(t *testing.T) {
	h := newHarness(t)

	h.tick()
	assert.Equal(t, Idle, h.d.State())

	h.attach()
	h.tick()

	assert.Equal(t, Active, h.d.State())
	require.Len(t, h.captures, 1)
	require.Len(t, h.segs, 1)
	assert.Equal(t, 1, h.captures[0].reads, "post-transition tick must produce a live frame")
	assert.Equal(t, 1, h.blendHits)
}

func TestDetachReleasesCaptureKeepsSegmenter(t *testing.T) {
	h := newHarness(t)

	h.attach()
	h.tick()
	require.Equal(t, Active, h.d.State())

	h.detach()
	h.tick()

	assert.Equal(t, Idle, h.d.State())
	assert.True(t, h.captures[0].isClosed(), "capture must be released immediately on detach")
	assert.False(t, h.segs[0].closed, "segmentation engine is retained across idle")

	// Re-attach: a fresh capture handle, but the same cached segmenter.
	h.attach()
	h.tick()
	assert.Equal(t, Active, h.d.State())
	assert.Len(t, h.captures, 2)
	assert.Len(t, h.segs, 1, "segmenter is created once per process")
}

func TestCaptureOpenFailureStaysIdleAndRetries(t *testing.T) {
	h := newHarness(t)

	h.mu.Lock()
	h.openErr = errors.New("device busy")
	h.mu.Unlock()

	h.attach()
	h.tick()
	assert.Equal(t, Idle, h.d.State(), "open failure must not flip state")
	assert.Equal(t, 1, h.out.fillerHits, "the tick still emits a frame")

	// Next edge event retries and succeeds.
	h.mu.Lock()
	h.openErr = nil
	h.mu.Unlock()
	h.detach()
	h.attach()
	h.tick()
	assert.Equal(t, Active, h.d.State())
}

func TestSegmenterLoadFailureStaysIdle(t *testing.T) {
	h := newHarness(t)

	h.mu.Lock()
	h.segErr = errors.New("model not found")
	h.mu.Unlock()

	h.attach()
	h.tick()

	assert.Equal(t, Idle, h.d.State())
	assert.Empty(t, h.captures, "capture must not be opened when the engine cannot load")
}

func TestReadFailureSubstitutesFiller(t *testing.T) {
	h := newHarness(t)

	h.attach()
	h.tick()
	require.Equal(t, Active, h.d.State())

	h.captures[0].mu.Lock()
	h.captures[0].failRead = true
	h.captures[0].mu.Unlock()

	before := h.out.fillerHits
	h.tick()

	assert.Equal(t, Active, h.d.State(), "read failure is per-tick, not a state change")
	assert.Equal(t, before+1, h.out.fillerHits)
}

func TestSegmentationFailureSubstitutesFiller(t *testing.T) {
	h := newHarness(t)

	h.attach()
	h.tick()
	require.Equal(t, Active, h.d.State())

	h.mu.Lock()
	seg := h.segs[0]
	blends := h.blendHits
	h.mu.Unlock()
	seg.failWith(errors.New("inference failed"))

	before := h.out.fillerHits
	h.tick()

	assert.Equal(t, Active, h.d.State(), "mask failure is per-tick, not a state change")
	assert.Equal(t, before+1, h.out.fillerHits, "a failed mask must never leak the raw frame")
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, blends, h.blendHits, "nothing to blend when the mask failed")
}

func TestBlurChangeAppliesWithoutReacquisition(t *testing.T) {
	h := newHarness(t)

	h.attach()
	h.tick()
	require.Equal(t, Active, h.d.State())
	assert.Equal(t, config.Defaults().Blur, h.lastBlur)

	next := h.settings.Snapshot()
	next.Blur = 45
	h.settings.set(next)

	h.tick()
	assert.Equal(t, 45, h.lastBlur)
	assert.Len(t, h.captures, 1, "blur change must not reopen the capture device")
	assert.Len(t, h.segs, 1, "blur change must not reload the engine")
	assert.False(t, h.captures[0].isClosed())
}

func TestFlappingConvergesToFinalCount(t *testing.T) {
	h := newHarness(t)

	// Pseudo-random attach/detach interleavings; only the final settled
	// recount may determine the state.
	counts := []int64{1, 0, 3, 2, 0, 1, 1, 0, 5, 0, 2}
	for _, n := range counts {
		h.count.Store(n)
		h.monitor.recount()
	}
	h.tick()

	want := Idle
	if counts[len(counts)-1] > 0 {
		want = Active
	}
	assert.Equal(t, want, h.d.State())
}

// useFakeWatch rewires the monitor onto scripted device events with fast
// timings so Run-based tests settle quickly.
func (h *harness) useFakeWatch(events *fakeEvents) {
	h.monitor.openWatch = func() (DeviceEvents, error) { return events, nil }
	h.monitor.waitTimeout = 5 * time.Millisecond
	h.monitor.settle = 0
	h.monitor.sleep = func(time.Duration) {}
}

func TestRandomFlappingConvergesThroughEventPath(t *testing.T) {
	rng := rand.New(rand.NewSource(0xb10c))

	for trial := 0; trial < 10; trial++ {
		h := newHarness(t)
		events := newFakeEvents()
		h.useFakeWatch(events)

		ctx, cancel := context.WithCancel(context.Background())
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.monitor.Run(ctx)
		}()

		// Random open/close interleaving against a simulated process table.
		// Every transition mutates the table and notifies the device watch;
		// only the final settled count may determine the state.
		holders := int64(0)
		steps := 5 + rng.Intn(40)
		for i := 0; i < steps; i++ {
			if holders == 0 || rng.Intn(2) == 0 {
				holders++
			} else {
				holders--
			}
			h.count.Store(holders)
			events.activity <- true
		}

		want := holders > 0
		require.Eventually(t, func() bool {
			return len(events.activity) == 0 && h.monitor.HasConsumers() == want
		}, 2*time.Second, time.Millisecond, "trial %d: monitor must settle on the final count", trial)

		h.tick()
		wantState := Idle
		if want {
			wantState = Active
		}
		assert.Equal(t, wantState, h.d.State(), "trial %d: %d final holders", trial, holders)

		cancel()
		wg.Wait()
	}
}

func TestRunLoopPanicReleasesAndReturnsError(t *testing.T) {
	h := newHarness(t)
	events := newFakeEvents()
	h.useFakeWatch(events)

	h.mu.Lock()
	h.blendPanic = true
	h.mu.Unlock()
	h.attach()

	done := make(chan error, 1)
	go func() { done <- h.d.Run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err, "a run loop panic must surface as a nonzero-exit error")
		assert.Contains(t, err.Error(), "run loop failure")
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not unwind after the panic; monitor teardown is blocking")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.captures, 1)
	assert.True(t, h.captures[0].closed, "capture must be released on the panic path")
	assert.True(t, events.closed.Load(), "monitor must observe cancellation and close its watch")
}

func TestRunStopsAndReleasesCapture(t *testing.T) {
	h := newHarness(t)
	// Disable the real device watch; the monitor exits on its open failure
	// and the daemon keeps pumping filler frames.
	h.monitor.openWatch = func() (DeviceEvents, error) {
		return nil, errors.New("no device in test")
	}

	h.attach()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx) }()

	// Let the pump pick up the edge and go Active.
	require.Eventually(t, func() bool {
		return h.d.State() == Active
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not stop within bounded time")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.captures, 1)
	assert.True(t, h.captures[0].closed, "capture handle leaked across shutdown")
}
