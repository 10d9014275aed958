package models

import (
	"fmt"
	"image"
	"math"
	"strings"
	"time"
)

// Box is an axis-aligned rectangle in float pixel coordinates. X2/Y2 are exclusive.
type Box struct {
	X1, Y1, X2, Y2 float32
}

func (b Box) Width() float32 {
	return b.X2 - b.X1
}

func (b Box) Height() float32 {
	return b.Y2 - b.Y1
}

// Area is zero for inverted or degenerate boxes.
func (b Box) Area() float32 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Rect returns the smallest pixel rectangle covering b.
func (b Box) Rect() image.Rectangle {
	return image.Rect(
		int(math.Floor(float64(b.X1))),
		int(math.Floor(float64(b.Y1))),
		int(math.Ceil(float64(b.X2))),
		int(math.Ceil(float64(b.Y2))),
	).Canon()
}

// Candidate is a decoded prediction in original image space, before suppression.
type Candidate struct {
	Box        Box
	Confidence float32
}

type Detection struct {
	BBox       [4]float32 `json:"bbox"`
	Confidence float32    `json:"conf"`
}

func NewDetection(c Candidate) Detection {
	return Detection{
		BBox:       [4]float32{c.Box.X1, c.Box.Y1, c.Box.X2, c.Box.Y2},
		Confidence: c.Confidence,
	}
}

func (d Detection) Box() Box {
	return Box{X1: d.BBox[0], Y1: d.BBox[1], X2: d.BBox[2], Y2: d.BBox[3]}
}

// Thresholds are the per-run filtering parameters.
type Thresholds struct {
	Confidence float32 `json:"conf_threshold"`
	IoU        float32 `json:"iou_threshold"`
}

func (t Thresholds) Validate() error {
	if !(t.Confidence >= 0 && t.Confidence <= 1) {
		return fmt.Errorf("confidence threshold %v outside [0,1]", t.Confidence)
	}
	if !(t.IoU >= 0 && t.IoU <= 1) {
		return fmt.Errorf("iou threshold %v outside [0,1]", t.IoU)
	}
	return nil
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Suppression time.Duration
	Redaction   time.Duration
	Encode      time.Duration
	Total       time.Duration
}

// SkipRecord explains why an archive entry was left out of the output.
type SkipRecord struct {
	Path   string
	Reason string
}

// BatchReport summarizes one archive run. It is not modified after the run returns.
type BatchReport struct {
	Processed  int
	Skipped    int
	Thresholds Thresholds
	KernelSize int
	Skips      []SkipRecord
}

// String renders the plain-text report stored as the last archive entry.
func (r BatchReport) String() string {
	var sb strings.Builder
	sb.WriteString("License plate blur report\n")
	sb.WriteString("=========================\n")
	fmt.Fprintf(&sb, "processed=%d\n", r.Processed)
	fmt.Fprintf(&sb, "skipped=%d\n", r.Skipped)
	fmt.Fprintf(&sb, "conf_threshold=%.2f\n", r.Thresholds.Confidence)
	fmt.Fprintf(&sb, "iou_threshold=%.2f\n", r.Thresholds.IoU)
	fmt.Fprintf(&sb, "blur_kernel=%d\n", r.KernelSize)
	if len(r.Skips) > 0 {
		sb.WriteString("\nSkipped entries:\n")
		for _, s := range r.Skips {
			fmt.Fprintf(&sb, "- %s: %s\n", s.Path, s.Reason)
		}
	}
	return sb.String()
}
