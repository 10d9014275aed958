package detections

import (
	"context"
)

// Engine runs the detector on a preprocessed [1, 3, S, S] tensor. Implementations must be
// safe for concurrent use.
type Engine interface {
	Infer(ctx context.Context, input []float32) (RawOutput, error)
	Close() error
}

// StaticCandidate is a prediction in model-input pixels.
type StaticCandidate struct {
	CX, CY, W, H float32
	Confidence   float32
}

// StaticEngine answers every request with the same predictions, laid out like a
// single-class YOLOv8 export ([1, 5, N]). It backs MODEL_MODE=mock.
type StaticEngine struct {
	candidates []StaticCandidate
}

func NewStaticEngine(candidates ...StaticCandidate) *StaticEngine {
	return &StaticEngine{candidates: candidates}
}

// NewMockPlateEngine reports one plate in the lower middle of the model input, where a
// plate usually sits in a front-facing vehicle photo.
func NewMockPlateEngine(size int) *StaticEngine {
	s := float32(size)
	return NewStaticEngine(StaticCandidate{
		CX:         0.5 * s,
		CY:         0.725 * s,
		W:          0.5 * s,
		H:          0.25 * s,
		Confidence: 0.87,
	})
}

func (e *StaticEngine) Infer(ctx context.Context, _ []float32) (RawOutput, error) {
	if err := ctx.Err(); err != nil {
		return RawOutput{}, err
	}

	n := len(e.candidates)
	data := make([]float32, 5*n)
	for i, c := range e.candidates {
		data[i] = c.CX
		data[n+i] = c.CY
		data[2*n+i] = c.W
		data[3*n+i] = c.H
		data[4*n+i] = c.Confidence
	}
	return RawOutput{Data: data, Shape: []int64{1, 5, int64(n)}}, nil
}

func (e *StaticEngine) Close() error {
	return nil
}
