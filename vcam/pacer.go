package vcam

import "time"

// pacer blocks the frame pump until the next scheduled tick boundary.
// Deadlines are computed on an absolute schedule (start + n*period) rather
// than relative sleeps, so the cumulative frame count tracks the configured
// fps without drift. If the loop falls more than a couple of periods behind
// (heavy inference, system stall) the schedule is re-anchored instead of
// bursting frames to catch up.
type pacer struct {
	period time.Duration
	start  time.Time
	frames int64

	// Injectable for tests.
	now   func() time.Time
	sleep func(time.Duration)
}

func newPacer(fps int) *pacer {
	if fps <= 0 {
		fps = 30
	}
	p := &pacer{
		period: time.Second / time.Duration(fps),
		now:    time.Now,
		sleep:  time.Sleep,
	}
	p.start = p.now()
	return p
}

func (p *pacer) wait() {
	p.frames++
	deadline := p.start.Add(time.Duration(p.frames) * p.period)
	delta := deadline.Sub(p.now())
	switch {
	case delta > 0:
		p.sleep(delta)
	case delta < -2*p.period:
		// Too far behind to catch up frame by frame; restart the schedule.
		p.start = p.now()
		p.frames = 0
	}
}
