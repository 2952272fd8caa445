package vcam

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// v4l2 plumbing for the loopback output device. Only the format negotiation
// needed to push raw RGB24 frames is implemented; buffer streaming (mmap)
// is not required for v4l2loopback writers.

const (
	// ioctl codes for struct v4l2_format on 64-bit Linux (size 208).
	vidiocGFmt = 0xc0d05604 // VIDIOC_G_FMT
	vidiocSFmt = 0xc0d05605 // VIDIOC_S_FMT

	bufTypeVideoOutput = 2 // V4L2_BUF_TYPE_VIDEO_OUTPUT
	fieldNone          = 1 // V4L2_FIELD_NONE
	colorspaceSRGB     = 8 // V4L2_COLORSPACE_SRGB

	// fourcc 'RGB3', packed 24-bit RGB.
	pixFmtRGB24 = uint32('R') | uint32('G')<<8 | uint32('B')<<16 | uint32('3')<<24
)

// v4l2PixFormat mirrors struct v4l2_pix_format (48 bytes).
type v4l2PixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
	Colorspace   uint32
	Priv         uint32
	Flags        uint32
	YcbcrEnc     uint32
	Quantization uint32
	XferFunc     uint32
}

// v4l2Format mirrors struct v4l2_format. The fmt union is 8-byte aligned on
// 64-bit kernels because some members carry pointers, hence the explicit pad
// after the type field.
type v4l2Format struct {
	Type uint32
	_    uint32
	Pix  v4l2PixFormat
	_    [200 - unsafe.Sizeof(v4l2PixFormat{})]byte
}

func ioctlFormat(f *os.File, req uintptr, format *v4l2Format) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, uintptr(unsafe.Pointer(format)))
	if errno != 0 {
		return errno
	}
	return nil
}

// setOutputFormat negotiates raw RGB24 output at the given extent.
func setOutputFormat(f *os.File, width, height int) error {
	format := v4l2Format{Type: bufTypeVideoOutput}
	if err := ioctlFormat(f, vidiocGFmt, &format); err != nil {
		return fmt.Errorf("%s is not a v4l2 output device: %w", f.Name(), err)
	}

	format.Pix.Width = uint32(width)
	format.Pix.Height = uint32(height)
	format.Pix.PixelFormat = pixFmtRGB24
	format.Pix.Field = fieldNone
	format.Pix.BytesPerLine = uint32(width * 3)
	format.Pix.SizeImage = uint32(width * height * 3)
	format.Pix.Colorspace = colorspaceSRGB

	if err := ioctlFormat(f, vidiocSFmt, &format); err != nil {
		return fmt.Errorf("set RGB24 %dx%d on %s: %w", width, height, f.Name(), err)
	}
	if format.Pix.PixelFormat != pixFmtRGB24 {
		return fmt.Errorf("%s rejected RGB24 output format", f.Name())
	}
	return nil
}
