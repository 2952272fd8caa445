package daemon

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// deviceWatcher subscribes to open/close notifications on a single device
// node via inotify. Reads are bounded by a poll timeout so the monitor
// goroutine can observe shutdown promptly even with no device activity.
type deviceWatcher struct {
	fd  int
	buf []byte
}

func newDeviceWatcher(path string) (*deviceWatcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify init: %w", err)
	}
	mask := uint32(unix.IN_OPEN | unix.IN_CLOSE_WRITE | unix.IN_CLOSE_NOWRITE)
	if _, err := unix.InotifyAddWatch(fd, path, mask); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("inotify watch %s: %w", path, err)
	}
	return &deviceWatcher{
		fd: fd,
		// Large enough for a batch of events (event header + NAME_MAX).
		buf: make([]byte, 4096),
	}, nil
}

// Wait blocks up to timeout for open/close activity. It drains all pending
// events and reports only that activity occurred: the events themselves
// carry no state, they just trigger a recount, so coalescing a burst into
// one wakeup is exactly what the monitor wants.
func (w *deviceWatcher) Wait(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, fmt.Errorf("poll inotify: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	activity := false
	for {
		n, err := unix.Read(w.fd, w.buf)
		if n > 0 {
			activity = true
			continue
		}
		if err != nil && err != unix.EAGAIN && err != unix.EINTR {
			return activity, fmt.Errorf("read inotify: %w", err)
		}
		break
	}
	return activity, nil
}

func (w *deviceWatcher) Close() error {
	return unix.Close(w.fd)
}
