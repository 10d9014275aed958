package models

import (
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoxArea(t *testing.T) {
	tests := []struct {
		name string
		box  Box
		want float32
	}{
		{"regular", Box{X1: 10, Y1: 10, X2: 30, Y2: 20}, 200},
		{"zero width", Box{X1: 10, Y1: 10, X2: 10, Y2: 20}, 0},
		{"inverted", Box{X1: 30, Y1: 20, X2: 10, Y2: 10}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.box.Area())
		})
	}
}

func TestBoxRectCoversFractionalEdges(t *testing.T) {
	b := Box{X1: 10.2, Y1: 5.7, X2: 20.1, Y2: 9.0}
	assert.Equal(t, image.Rect(10, 5, 21, 9), b.Rect())
}

func TestDetectionRoundTripsBox(t *testing.T) {
	c := Candidate{Box: Box{X1: 1, Y1: 2, X2: 3, Y2: 4}, Confidence: 0.5}
	d := NewDetection(c)

	assert.Equal(t, [4]float32{1, 2, 3, 4}, d.BBox)
	assert.Equal(t, c.Box, d.Box())
	assert.Equal(t, float32(0.5), d.Confidence)
}

func TestThresholdsValidate(t *testing.T) {
	assert.NoError(t, Thresholds{Confidence: 0.25, IoU: 0.45}.Validate())
	assert.NoError(t, Thresholds{Confidence: 0, IoU: 1}.Validate())
	assert.Error(t, Thresholds{Confidence: -0.1, IoU: 0.5}.Validate())
	assert.Error(t, Thresholds{Confidence: 0.5, IoU: 1.5}.Validate())
}

func TestProcessingErrorMatchesKindAndCause(t *testing.T) {
	cause := errors.New("boom")

	err := Wrap(ErrInvalidInput, cause, "decode %s", "jpeg")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, "decode jpeg: boom", err.Error())

	tooLarge := WithSentinel(ErrArchiveTooLarge, cause)
	assert.ErrorIs(t, tooLarge, ErrArchiveTooLarge)
	assert.ErrorIs(t, tooLarge, ErrInvalidInput)
	assert.ErrorIs(t, tooLarge, cause)

	var pe *ProcessingError
	require.ErrorAs(t, error(tooLarge), &pe)
	assert.Equal(t, ErrArchiveTooLarge.Message, pe.Message)

	imageTooLarge := WithSentinel(ErrImageTooLarge, cause)
	assert.ErrorIs(t, imageTooLarge, ErrInvalidInput)
	assert.NotErrorIs(t, imageTooLarge, ErrArchiveTooLarge)
}

func TestBatchReportString(t *testing.T) {
	r := BatchReport{
		Processed:  1,
		Skipped:    2,
		Thresholds: Thresholds{Confidence: 0.25, IoU: 0.45},
		KernelSize: 91,
		Skips: []SkipRecord{
			{Path: "../evil.jpg", Reason: "unsafe path"},
			{Path: "notes.txt", Reason: "unsupported entry"},
		},
	}

	s := r.String()
	assert.Contains(t, s, "processed=1\n")
	assert.Contains(t, s, "skipped=2\n")
	assert.Contains(t, s, "conf_threshold=0.25\n")
	assert.Contains(t, s, "iou_threshold=0.45\n")
	assert.Contains(t, s, "blur_kernel=91\n")
	assert.Contains(t, s, "- ../evil.jpg: unsafe path\n")
	assert.Contains(t, s, "- notes.txt: unsupported entry\n")
}
