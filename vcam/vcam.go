// Package vcam writes frames to a v4l2loopback virtual camera device. The
// daemon holds the device open in write mode for its whole lifetime;
// consuming applications open the same node in read mode.
package vcam

import (
	"errors"
	"fmt"
	"image"
	"os"

	"gocv.io/x/gocv"
)

// ErrDeviceMissing reports that the virtual camera node does not exist,
// usually because the v4l2loopback module is not loaded.
var ErrDeviceMissing = errors.New("virtual camera device not found")

// Camera is an open virtual camera output device.
type Camera struct {
	file   *os.File
	width  int
	height int
	pace   *pacer

	// Scratch mats reused across ticks to avoid per-frame allocation.
	resized gocv.Mat
	rgb     gocv.Mat
}

// Open opens the virtual camera device and negotiates RGB24 output at the
// given extent. The device node must already exist (v4l2loopback loaded);
// a missing node is a fatal startup error for the daemon.
func Open(path string, width, height, fps int) (*Camera, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s (is the v4l2loopback module loaded?)", ErrDeviceMissing, path)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open virtual camera %s: %w", path, err)
	}
	if err := setOutputFormat(f, width, height); err != nil {
		f.Close()
		return nil, err
	}
	return &Camera{
		file:    f,
		width:   width,
		height:  height,
		pace:    newPacer(fps),
		resized: gocv.NewMat(),
		rgb:     gocv.NewMat(),
	}, nil
}

// Device returns the device node path.
func (c *Camera) Device() string {
	return c.file.Name()
}

// Send writes exactly one BGR frame to the device, converting to the
// negotiated RGB24 layout and scaling if the frame extent differs from the
// negotiated one.
func (c *Camera) Send(frame gocv.Mat) error {
	if frame.Empty() {
		return fmt.Errorf("empty frame")
	}

	src := frame
	if frame.Cols() != c.width || frame.Rows() != c.height {
		gocv.Resize(frame, &c.resized, image.Pt(c.width, c.height), 0, 0, gocv.InterpolationLinear)
		src = c.resized
	}
	gocv.CvtColor(src, &c.rgb, gocv.ColorBGRToRGB)

	data := c.rgb.ToBytes()
	if _, err := c.file.Write(data); err != nil {
		return fmt.Errorf("write frame to %s: %w", c.file.Name(), err)
	}
	return nil
}

// SleepUntilNextFrame blocks until the next tick boundary for the
// configured frame rate.
func (c *Camera) SleepUntilNextFrame() {
	c.pace.wait()
}

// Close releases the device handle and scratch buffers.
func (c *Camera) Close() error {
	c.resized.Close()
	c.rgb.Close()
	return c.file.Close()
}
