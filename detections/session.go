package detections

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// ModelSession is one ONNX Runtime session with its preallocated input and output tensors.
// A session must not be run concurrently; callers hand sessions out through a pool.
type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

func NewModelSession(session *ort.AdvancedSession, input, output *ort.Tensor[float32]) *ModelSession {
	return &ModelSession{
		Session: session,
		Input:   input,
		Output:  output,
	}
}

// Run copies input into the session, runs the graph and returns a copy of the output.
func (m *ModelSession) Run(input []float32) (RawOutput, error) {
	dst := m.Input.GetData()
	if len(input) != len(dst) {
		return RawOutput{}, fmt.Errorf("input tensor holds %d floats, got %d", len(dst), len(input))
	}
	copy(dst, input)

	if err := m.Session.Run(); err != nil {
		return RawOutput{}, fmt.Errorf("model inference: %w", err)
	}

	src := m.Output.GetData()
	data := make([]float32, len(src))
	copy(data, src)

	return RawOutput{
		Data:  data,
		Shape: append([]int64(nil), m.Output.GetShape()...),
	}, nil
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}
