package detections

import (
	"sort"

	"github.com/chewxy/math32"

	"github.com/Tutortoise/plate-privacy-service/models"
)

// Suppress applies greedy non-maximum suppression: the most confident remaining box is kept
// and every remaining box overlapping it with IoU > iouThreshold is discarded. The plate
// model is single-class, so suppression ignores classes.
func Suppress(candidates []models.Candidate, iouThreshold float32) []models.Detection {
	n := len(candidates)
	if n == 0 {
		return []models.Detection{}
	}

	sorted := make([]models.Candidate, n)
	copy(sorted, candidates)
	sortCandidatesByConfidence(sorted)

	kept := make([]models.Detection, 0, n)
	used := make([]bool, n)

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}

		anchor := sorted[i]
		kept = append(kept, models.NewDetection(anchor))
		used[i] = true

		for j := i + 1; j < n; j++ {
			if used[j] {
				continue
			}
			if IoU(anchor.Box, sorted[j].Box) > iouThreshold {
				used[j] = true
			}
		}
	}

	return kept
}

// IoU returns the intersection-over-union of two boxes in [0,1]. Zero-area and disjoint
// boxes give 0.
func IoU(a, b models.Box) float32 {
	ix1 := math32.Max(a.X1, b.X1)
	iy1 := math32.Max(a.Y1, b.Y1)
	ix2 := math32.Min(a.X2, b.X2)
	iy2 := math32.Min(a.Y2, b.Y2)

	interW := ix2 - ix1
	interH := iy2 - iy1
	if !(interW > 0 && interH > 0) {
		return 0
	}

	intersection := interW * interH
	union := a.Area() + b.Area() - intersection
	if !(union > 0) {
		return 0
	}

	iou := intersection / union
	if iou > 1 {
		return 1
	}
	return iou
}

func sortCandidatesByConfidence(candidates []models.Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
}
