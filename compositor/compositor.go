// Package compositor blends a sharp foreground over a blurred background
// using a foreground-likelihood mask.
package compositor

import (
	"image"

	"gocv.io/x/gocv"
)

// BlendBackground blurs the background of frame while keeping the masked
// foreground sharp. The mask is a single-channel float Mat in [0,1] with the
// same spatial extent as the frame; blurStrength is the Gaussian kernel size
// and is forced odd. Blur strength and mask threshold are pure per-frame
// parameters: changing them never touches capture or inference handles.
// The caller owns the returned Mat and must Close it.
func BlendBackground(frame gocv.Mat, mask gocv.Mat, blurStrength int) gocv.Mat {
	if blurStrength < 1 {
		blurStrength = 1
	}
	if blurStrength%2 == 0 {
		blurStrength++
	}

	blurred := gocv.NewMat()
	gocv.GaussianBlur(frame, &blurred, image.Pt(blurStrength, blurStrength), 0, 0, gocv.BorderDefault)
	defer blurred.Close()

	frameF := gocv.NewMat()
	frame.ConvertTo(&frameF, gocv.MatTypeCV32FC3)
	defer frameF.Close()

	blurredF := gocv.NewMat()
	blurred.ConvertTo(&blurredF, gocv.MatTypeCV32FC3)
	defer blurredF.Close()

	mask3 := gocv.NewMat()
	gocv.Merge([]gocv.Mat{mask, mask, mask}, &mask3)
	defer mask3.Close()

	ones := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(1, 1, 1, 0),
		frame.Rows(), frame.Cols(), gocv.MatTypeCV32FC3)
	defer ones.Close()

	inverse := gocv.NewMat()
	gocv.Subtract(ones, mask3, &inverse)
	defer inverse.Close()

	foreground := gocv.NewMat()
	gocv.Multiply(frameF, mask3, &foreground)
	defer foreground.Close()

	background := gocv.NewMat()
	gocv.Multiply(blurredF, inverse, &background)
	defer background.Close()

	blended := gocv.NewMat()
	gocv.Add(foreground, background, &blended)
	defer blended.Close()

	result := gocv.NewMat()
	blended.ConvertTo(&result, gocv.MatTypeCV8UC3)
	return result
}
