// Package redact draws on copies of decoded images: irreversible plate blur and
// confidence-colored annotation boxes.
package redact

import (
	"image"
	"image/draw"

	"github.com/disintegration/imaging"

	"github.com/Tutortoise/plate-privacy-service/models"
)

const MinKernel = 3

// NormalizeKernel returns the odd kernel size actually used for k: sizes below MinKernel
// become MinKernel and even sizes are bumped by one. Odd sizes are returned unchanged, so
// applying it to its own result is a no-op.
func NormalizeKernel(k int) int {
	if k < MinKernel {
		return MinKernel
	}
	if k%2 == 0 {
		return k + 1
	}
	return k
}

// KernelSigma is the Gaussian sigma for an odd kernel size, using the same relation OpenCV
// applies when GaussianBlur is called with sigma 0.
func KernelSigma(k int) float64 {
	return 0.3*(float64(k-1)*0.5-1) + 0.8
}

// BlurRegions returns a copy of img with every detection rectangle replaced by a Gaussian
// blurred version of itself. kernel is normalized once with NormalizeKernel. Pixels outside
// all rectangles are copied unchanged; empty rectangles are skipped.
func BlurRegions(img image.Image, dets []models.Detection, kernel int) *image.NRGBA {
	out := imaging.Clone(img)
	sigma := KernelSigma(NormalizeKernel(kernel))
	bounds := out.Bounds()

	for _, det := range dets {
		r := det.Box().Rect().Intersect(bounds)
		if r.Empty() {
			continue
		}

		roi := imaging.Crop(out, r)
		blurred := imaging.Blur(roi, sigma)
		draw.Draw(out, r, blurred, image.Point{}, draw.Src)
	}

	return out
}
