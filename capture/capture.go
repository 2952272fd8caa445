// Package capture wraps the physical webcam behind the small contract the
// daemon needs: open with a requested mode, read one frame, release.
package capture

import (
	"fmt"

	"gocv.io/x/gocv"
)

// Device is an open capture device. It is owned exclusively by the daemon's
// run loop goroutine; no other goroutine may touch it.
type Device struct {
	cam *gocv.VideoCapture
}

// Open opens the capture device by index and requests the given mode. The
// driver may pick the nearest supported mode; the daemon scales/pads frames
// downstream, so the requested values are best effort.
func Open(deviceID, width, height, fps int) (*Device, error) {
	cam, err := gocv.OpenVideoCapture(deviceID)
	if err != nil {
		return nil, fmt.Errorf("open capture device %d: %w", deviceID, err)
	}
	if !cam.IsOpened() {
		cam.Close()
		return nil, fmt.Errorf("capture device %d did not open", deviceID)
	}
	cam.Set(gocv.VideoCaptureFrameWidth, float64(width))
	cam.Set(gocv.VideoCaptureFrameHeight, float64(height))
	cam.Set(gocv.VideoCaptureFPS, float64(fps))
	// Keep the driver buffer small so reads track the live feed.
	cam.Set(gocv.VideoCaptureBufferSize, 1)
	return &Device{cam: cam}, nil
}

// Read reads one frame into dst. Returns false on a read failure or an
// empty frame; the caller substitutes a filler frame for that tick.
func (d *Device) Read(dst *gocv.Mat) bool {
	if ok := d.cam.Read(dst); !ok {
		return false
	}
	return !dst.Empty()
}

// Close releases the underlying device handle.
func (d *Device) Close() error {
	return d.cam.Close()
}
