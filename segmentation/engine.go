// Package segmentation runs the selfie-segmentation model that separates a
// person from the background. The engine is created lazily on the first
// active transition and then cached for the life of the process, because
// loading the network is the expensive part.
package segmentation

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

const (
	// Model input extent. The MediaPipe selfie-segmentation ONNX export
	// takes a 256x256 NCHW float tensor normalized to [0,1].
	inputWidth  = 256
	inputHeight = 256

	// Kernel used to soften the binary mask edges so the composited
	// foreground does not have a hard cut-out border.
	edgeSmoothKernel = 7
)

// Engine wraps a loaded segmentation network.
type Engine struct {
	net gocv.Net
	mu  sync.Mutex
}

// NewEngine loads the ONNX model at path onto the CPU backend.
func NewEngine(modelPath string) (*Engine, error) {
	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load segmentation model from %s", modelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)
	return &Engine{net: net}, nil
}

// Mask runs inference on frame and returns a single-channel float mask with
// the same spatial extent as the frame. Values near 1 are foreground.
// Pixels are thresholded at the given sensitivity and the edges smoothed.
// The caller owns the returned Mat and must Close it.
func (e *Engine) Mask(frame gocv.Mat, threshold float64) (gocv.Mat, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if frame.Empty() {
		return gocv.NewMat(), fmt.Errorf("empty frame")
	}

	// BlobFromImage resizes to the model input, scales to [0,1] and swaps
	// BGR to RGB, which matches the model's training preprocessing.
	blob := gocv.BlobFromImage(frame, 1.0/255.0, image.Pt(inputWidth, inputHeight),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	e.net.SetInput(blob, "")
	out := e.net.Forward("")
	defer out.Close()

	// Output is a 1x1xHxW probability map; view it as an HxW matrix.
	prob := out.Reshape(1, inputHeight)
	defer prob.Close()

	resized := gocv.NewMat()
	gocv.Resize(prob, &resized, image.Pt(frame.Cols(), frame.Rows()), 0, 0, gocv.InterpolationLinear)

	mask := gocv.NewMat()
	gocv.Threshold(resized, &mask, float32(threshold), 1.0, gocv.ThresholdBinary)
	resized.Close()

	gocv.GaussianBlur(mask, &mask, image.Pt(edgeSmoothKernel, edgeSmoothKernel), 0, 0, gocv.BorderDefault)

	return mask, nil
}

// Close releases the network.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.net.Close()
}
