package daemon

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"blurcam/logging"
)

const (
	// Bounded wait for device activity, so the monitor observes shutdown
	// within this interval even when nothing touches the device.
	monitorWaitTimeout = 500 * time.Millisecond

	// Settle delay between a device notification and the recount. A file
	// descriptor may not yet appear in the process table at the instant of
	// the notification; recounting immediately would race the kernel's
	// bookkeeping. Empirical value, untested under heavy process churn.
	monitorSettleDelay = 50 * time.Millisecond
)

// Counter reports the authoritative number of external consumers holding
// the output device open.
type Counter interface {
	Count() (int, error)
}

// DeviceEvents delivers open/close activity on the output device with a
// bounded wait.
type DeviceEvents interface {
	Wait(timeout time.Duration) (bool, error)
	Close() error
}

// Monitor watches the output device for attach/detach activity and keeps a
// low-latency "has consumers" boolean plus an edge-event flag for the run
// loop. Events are coalesced: only the latest recount matters, so rapid
// attach/detach flapping converges to whatever the final count shows.
type Monitor struct {
	device    string
	counter   Counter
	openWatch func() (DeviceEvents, error)

	settle      time.Duration
	waitTimeout time.Duration
	sleep       func(time.Duration)

	hasConsumers atomic.Bool
	edge         atomic.Bool

	logger *logrus.Entry
}

// NewMonitor creates a monitor for the given output device path.
func NewMonitor(device string, counter Counter) *Monitor {
	return &Monitor{
		device:      device,
		counter:     counter,
		openWatch:   func() (DeviceEvents, error) { return newDeviceWatcher(device) },
		settle:      monitorSettleDelay,
		waitTimeout: monitorWaitTimeout,
		sleep:       time.Sleep,
		logger:      logging.NewLogger("monitor"),
	}
}

// Run watches the device until the context is cancelled. It is meant to be
// run on its own goroutine. If the watch cannot be established the monitor
// logs a warning and disables itself: the daemon then stays Idle forever,
// which keeps the output stream alive rather than killing the process.
func (m *Monitor) Run(ctx context.Context) {
	watch, err := m.openWatch()
	if err != nil {
		m.logger.WithError(err).Warnf("Could not watch %s; consumer detection disabled", m.device)
		return
	}
	defer watch.Close()

	// Prime the shared state: a consumer that attached before the daemon
	// started produces no notification, only a nonzero count.
	m.recount()

	for ctx.Err() == nil {
		activity, err := watch.Wait(m.waitTimeout)
		if err != nil {
			m.logger.WithError(err).Warn("Device watch failed; consumer detection disabled")
			// With detection dead a detach can never be observed again, so
			// drop to "no consumers" and raise an edge. The run loop then
			// releases the capture instead of holding it forever.
			if m.hasConsumers.Swap(false) {
				m.edge.Store(true)
			}
			return
		}
		if !activity {
			continue
		}
		m.sleep(m.settle)
		m.recount()
	}
}

// recount re-derives the consumer count and flips the shared state when the
// "has consumers" boolean changed, raising the edge-event flag.
func (m *Monitor) recount() {
	n, err := m.counter.Count()
	if err != nil {
		m.logger.WithError(err).Debug("Consumer recount failed")
		return
	}
	has := n > 0
	if m.hasConsumers.Load() == has {
		return
	}
	m.hasConsumers.Store(has)
	m.edge.Store(true)
	m.logger.WithField("consumers", n).Debug("Consumer edge detected")
}

// ConsumeEdge reports and clears the pending edge-event flag. Called by the
// run loop exactly once at the start of each tick.
func (m *Monitor) ConsumeEdge() bool {
	return m.edge.Swap(false)
}

// HasConsumers returns the latest settled consumer boolean.
func (m *Monitor) HasConsumers() bool {
	return m.hasConsumers.Load()
}
