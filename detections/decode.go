package detections

import (
	"fmt"

	"github.com/chewxy/math32"
	"gorgonia.org/tensor"

	"github.com/Tutortoise/plate-privacy-service/models"
)

// RawOutput is one output tensor as returned by an Engine.
type RawOutput struct {
	Data  []float32
	Shape []int64
}

type DecodeOptions struct {
	ConfThreshold float32
	// ExpectedAttributes is the per-candidate attribute count the model declares
	// (4 box values plus one score per class). Zero disables the check.
	ExpectedAttributes int
}

// DecodeOutput converts a raw [candidates x attributes] prediction tensor (either orientation)
// into candidates in original image coordinates. Malformed shapes produce no candidates.
func DecodeOutput(out RawOutput, lb *Letterbox, origW, origH int, opts DecodeOptions) ([]models.Candidate, error) {
	if lb == nil || lb.Scale <= 0 || origW <= 0 || origH <= 0 {
		return nil, nil
	}

	rows, cols, ok := matrixDims(out)
	if !ok {
		return nil, nil
	}

	data := out.Data
	if attributesFirst(rows, cols, opts.ExpectedAttributes) {
		transposed, err := transpose(data, rows, cols)
		if err != nil {
			return nil, nil
		}
		data = transposed
		rows, cols = cols, rows
	}

	if cols < 5 {
		return nil, nil
	}
	if opts.ExpectedAttributes > 0 && cols != opts.ExpectedAttributes {
		return nil, models.WithSentinel(models.ErrLayoutMismatch,
			fmt.Errorf("tensor has %d attributes per candidate, model declares %d", cols, opts.ExpectedAttributes))
	}

	maxX, maxY := float32(origW), float32(origH)
	candidates := make([]models.Candidate, 0, 16)

	for i := 0; i < rows; i++ {
		row := data[i*cols : (i+1)*cols]

		confidence := row[4]
		if cols > 5 {
			for _, s := range row[5:] {
				confidence = math32.Max(confidence, s)
			}
		}
		if math32.IsNaN(confidence) || confidence < opts.ConfThreshold {
			continue
		}

		cx, cy, w, h := row[0], row[1], row[2], row[3]
		x1, y1 := lb.ToOriginal(cx-w/2, cy-h/2)
		x2, y2 := lb.ToOriginal(cx+w/2, cy+h/2)

		box := models.Box{
			X1: clampF32(x1, 0, maxX),
			Y1: clampF32(y1, 0, maxY),
			X2: clampF32(x2, 0, maxX),
			Y2: clampF32(y2, 0, maxY),
		}
		if !(box.X2 > box.X1 && box.Y2 > box.Y1) {
			continue
		}

		candidates = append(candidates, models.Candidate{Box: box, Confidence: confidence})
	}

	return candidates, nil
}

// matrixDims drops leading singleton axes and returns the remaining two.
func matrixDims(out RawOutput) (int, int, bool) {
	dims := out.Shape
	for len(dims) > 2 && dims[0] == 1 {
		dims = dims[1:]
	}
	if len(dims) != 2 || dims[0] <= 0 || dims[1] <= 0 {
		return 0, 0, false
	}
	rows, cols := int(dims[0]), int(dims[1])
	if rows*cols != len(out.Data) {
		return 0, 0, false
	}
	return rows, cols, true
}

// attributesFirst reports whether the tensor is laid out [attributes, candidates]. A declared
// attribute count decides; otherwise the shorter axis is taken to be the attribute axis.
func attributesFirst(rows, cols, expected int) bool {
	if expected > 0 {
		if cols == expected {
			return false
		}
		if rows == expected {
			return true
		}
	}
	return rows < cols
}

func transpose(data []float32, rows, cols int) ([]float32, error) {
	backing := make([]float32, len(data))
	copy(backing, data)

	t := tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(backing))
	if err := t.T(); err != nil {
		return nil, fmt.Errorf("transpose output: %w", err)
	}
	if err := t.Transpose(); err != nil {
		return nil, fmt.Errorf("materialize transpose: %w", err)
	}

	transposed, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected tensor backing %T", t.Data())
	}
	return transposed, nil
}

// clampF32 maps NaN to lo so a corrupt coordinate can never survive the x2 > x1 check.
func clampF32(v, lo, hi float32) float32 {
	if math32.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
