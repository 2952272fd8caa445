// Package daemon ties the consumer monitor, the resource lifecycle and the
// frame pump together. The daemon always writes one frame per tick to the
// virtual camera: filler frames while nobody is watching, blurred live
// frames while at least one consumer holds the device open.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"blurcam/config"
	"blurcam/logging"
)

// CaptureDevice is the open capture handle the run loop reads from. It is
// owned exclusively by the run loop goroutine.
type CaptureDevice interface {
	Read(dst *gocv.Mat) bool
	Close() error
}

// OpenCaptureFunc opens the capture device with the given settings.
type OpenCaptureFunc func(s config.Settings) (CaptureDevice, error)

// Segmenter computes a foreground mask for a frame. Created lazily on the
// first active transition and cached for the life of the process.
type Segmenter interface {
	Mask(frame gocv.Mat, threshold float64) (gocv.Mat, error)
	Close() error
}

// NewSegmenterFunc creates the segmentation engine, paying the model load
// cost once.
type NewSegmenterFunc func() (Segmenter, error)

// BlendFunc composites a frame with its mask at the given blur strength.
// The returned Mat is owned by the caller.
type BlendFunc func(frame, mask gocv.Mat, blurStrength int) gocv.Mat

// Output is the virtual camera the pump writes to, including the pacing
// primitive that blocks until the next tick boundary.
type Output interface {
	Send(frame gocv.Mat) error
	SleepUntilNextFrame()
}

// SettingsSource yields the current immutable settings snapshot. The pump
// takes a fresh copy every tick and never holds one across ticks.
type SettingsSource interface {
	Snapshot() config.Settings
}

// Options wires a Daemon together.
type Options struct {
	Settings     SettingsSource
	Output       Output
	Monitor      *Monitor
	OpenCapture  OpenCaptureFunc
	NewSegmenter NewSegmenterFunc
	Blend        BlendFunc

	// Filler frame extent; fixed for the process lifetime.
	Width  int
	Height int
}

// Daemon is the orchestrator state machine and frame pump.
type Daemon struct {
	settings     SettingsSource
	out          Output
	monitor      *Monitor
	openCapture  OpenCaptureFunc
	newSegmenter NewSegmenterFunc
	blend        BlendFunc

	state atomic.Int32

	// Owned exclusively by the run loop goroutine.
	capture   CaptureDevice
	segmenter Segmenter
	filler    gocv.Mat
	frame     gocv.Mat

	released   bool
	readErrLog throttle
	sendErrLog throttle
	logger     *logrus.Entry
}

// New creates a Daemon. The output device must already be open: a missing
// device node is a fatal startup error handled before any goroutine starts.
func New(opts Options) *Daemon {
	return &Daemon{
		settings:     opts.Settings,
		out:          opts.Output,
		monitor:      opts.Monitor,
		openCapture:  opts.OpenCapture,
		newSegmenter: opts.NewSegmenter,
		blend:        opts.Blend,
		filler:       gocv.Zeros(opts.Height, opts.Width, gocv.MatTypeCV8UC3),
		frame:        gocv.NewMat(),
		readErrLog:   throttle{interval: 5 * time.Second},
		sendErrLog:   throttle{interval: 5 * time.Second},
		logger:       logging.NewLogger("daemon"),
	}
}

// State returns the current daemon state.
func (d *Daemon) State() State {
	return State(d.state.Load())
}

// Run drives the monitor goroutine and the frame pump until the context is
// cancelled. On every exit path, normal stop or internal fault, held
// resources are released before Run returns.
func (d *Daemon) Run(ctx context.Context) (err error) {
	defer d.release()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("Unexpected error in run loop: %v", r)
			err = fmt.Errorf("run loop failure: %v", r)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.monitor.Run(ctx)
	}()
	// Deferred calls run LIFO: cancel fires before the wait, so the monitor
	// observes cancellation within its bounded interval on every unwind,
	// including a run loop panic. Without it a panic would block forever in
	// the wait and never reach the recover or the resource release.
	defer wg.Wait()
	defer cancel()

	d.logger.Info("Daemon started, waiting for consumers")

	for {
		if ctx.Err() != nil {
			d.logger.Info("Shutting down")
			return nil
		}

		// Edge events are applied at the start of the tick, before frame
		// production, so this tick's frame reflects the new state.
		snapshot := d.settings.Snapshot()
		d.applyEdge(snapshot)
		d.produceFrame(snapshot)

		if ctx.Err() != nil {
			d.logger.Info("Shutting down")
			return nil
		}
		d.out.SleepUntilNextFrame()
	}
}

// applyEdge consumes a pending consumer edge event and transitions state.
func (d *Daemon) applyEdge(s config.Settings) {
	if !d.monitor.ConsumeEdge() {
		return
	}

	has := d.monitor.HasConsumers()
	switch {
	case has && d.State() == Idle:
		d.activate(s)
	case !has && d.State() == Active:
		d.deactivate()
	}
}

// activate acquires the lazy resources and flips to Active. Any acquisition
// failure logs and leaves the state Idle so the next edge event retries;
// the pump itself never stops.
func (d *Daemon) activate(s config.Settings) {
	if d.segmenter == nil {
		seg, err := d.newSegmenter()
		if err != nil {
			d.logger.WithError(err).Error("Could not load segmentation engine, staying idle")
			return
		}
		d.segmenter = seg
		d.logger.Info("Segmentation engine loaded")
	}

	dev, err := d.openCapture(s)
	if err != nil {
		d.logger.WithError(err).Error("Could not open capture device, staying idle")
		return
	}
	d.capture = dev

	d.state.Store(int32(Active))
	d.logger.Info("Consumer connected - starting blur")
}

// deactivate releases the capture device immediately so a later attach
// re-opens a device nobody else implicitly holds. The segmentation engine
// is retained to avoid paying the model load cost again.
func (d *Daemon) deactivate() {
	if d.capture != nil {
		d.capture.Close()
		d.capture = nil
	}
	d.state.Store(int32(Idle))
	d.logger.Info("No consumers - releasing capture device")
}

// produceFrame emits exactly one frame for this tick.
func (d *Daemon) produceFrame(s config.Settings) {
	if d.State() != Active || d.capture == nil {
		d.send(d.filler)
		return
	}

	if !d.capture.Read(&d.frame) {
		if d.readErrLog.ok() {
			d.logger.Warn("Capture read failed, emitting filler frame")
		}
		d.send(d.filler)
		return
	}

	mask, err := d.segmenter.Mask(d.frame, s.Threshold)
	if err != nil {
		if d.readErrLog.ok() {
			d.logger.WithError(err).Warn("Segmentation failed, emitting filler frame")
		}
		// Never fall back to the raw frame: an unprocessed feed would expose
		// the background the consumer expects to be hidden.
		d.send(d.filler)
		return
	}

	blended := d.blend(d.frame, mask, s.Blur)
	mask.Close()
	d.send(blended)
	blended.Close()
}

func (d *Daemon) send(frame gocv.Mat) {
	if err := d.out.Send(frame); err != nil {
		if d.sendErrLog.ok() {
			d.logger.WithError(err).Warn("Output write failed")
		}
	}
}

// release frees everything the run loop owns. The capture handle release is
// the critical part: it must happen on all exit paths.
func (d *Daemon) release() {
	if d.released {
		return
	}
	d.released = true
	if d.capture != nil {
		d.capture.Close()
		d.capture = nil
	}
	if d.segmenter != nil {
		d.segmenter.Close()
		d.segmenter = nil
	}
	d.state.Store(int32(Idle))
	d.filler.Close()
	d.frame.Close()
}

// throttle rate-limits repetitive log lines from the per-frame path.
type throttle struct {
	last     time.Time
	interval time.Duration
}

func (t *throttle) ok() bool {
	if time.Since(t.last) < t.interval {
		return false
	}
	t.last = time.Now()
	return true
}
