package detections

import (
	"context"
	"errors"
	"image/color"
	"io"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/plate-privacy-service/models"
)

type flakyEngine struct {
	failures int32
	calls    atomic.Int32
	next     Engine
}

func (e *flakyEngine) Infer(ctx context.Context, input []float32) (RawOutput, error) {
	if e.calls.Add(1) <= e.failures {
		return RawOutput{}, errors.New("session busy")
	}
	return e.next.Infer(ctx, input)
}

func (e *flakyEngine) Close() error { return nil }

type fixedEngine struct {
	out   RawOutput
	calls atomic.Int32
}

func (e *fixedEngine) Infer(context.Context, []float32) (RawOutput, error) {
	e.calls.Add(1)
	return e.out, nil
}

func (e *fixedEngine) Close() error { return nil }

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

var defaultThresholds = models.Thresholds{Confidence: DefaultConfThreshold, IoU: DefaultIoUThreshold}

func newTestPipeline(t *testing.T, engine Engine) *Pipeline {
	t.Helper()
	p, err := NewPipeline(engine, PipelineConfig{InputSize: 640, Thresholds: defaultThresholds, NumClasses: 1}, quietLogger())
	require.NoError(t, err)
	return p
}

func TestNewPipelineRequiresEngine(t *testing.T) {
	_, err := NewPipeline(nil, PipelineConfig{Thresholds: defaultThresholds}, nil)
	assert.ErrorIs(t, err, models.ErrModelUnavailable)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestNewPipelineRejectsBadThresholds(t *testing.T) {
	_, err := NewPipeline(NewStaticEngine(), PipelineConfig{Thresholds: models.Thresholds{Confidence: 2}}, nil)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestPipelineDetectMapsToOriginalImage(t *testing.T) {
	// 640x480 is padded by 80 rows on top, so model y = original y + 80.
	engine := NewStaticEngine(
		StaticCandidate{CX: 320, CY: 430, W: 320, H: 100, Confidence: 0.9},
		StaticCandidate{CX: 322, CY: 431, W: 320, H: 100, Confidence: 0.6},
		StaticCandidate{CX: 100, CY: 150, W: 40, H: 20, Confidence: 0.1},
	)
	p := newTestPipeline(t, engine)

	timings := &models.ProcessingTimings{RequestID: "test"}
	dets, err := p.Detect(context.Background(), solidImage(640, 480, color.NRGBA{A: 255}), p.Thresholds(), timings)
	require.NoError(t, err)
	require.Len(t, dets, 1)

	assert.InDeltaSlice(t, []float32{160, 300, 480, 400}, dets[0].BBox[:], 1e-3)
	assert.Equal(t, float32(0.9), dets[0].Confidence)
}

func TestPipelineDetectRequestThresholds(t *testing.T) {
	engine := NewStaticEngine(StaticCandidate{CX: 320, CY: 320, W: 50, H: 20, Confidence: 0.3})
	p := newTestPipeline(t, engine)
	img := solidImage(640, 640, color.NRGBA{A: 255})

	dets, err := p.Detect(context.Background(), img, models.Thresholds{Confidence: 0.25, IoU: 0.45}, nil)
	require.NoError(t, err)
	assert.Len(t, dets, 1)

	dets, err = p.Detect(context.Background(), img, models.Thresholds{Confidence: 0.5, IoU: 0.45}, nil)
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestPipelineRetriesTransientFailures(t *testing.T) {
	engine := &flakyEngine{failures: 1, next: NewMockPlateEngine(640)}
	p := newTestPipeline(t, engine)

	dets, err := p.Detect(context.Background(), solidImage(320, 240, color.NRGBA{A: 255}), p.Thresholds(), nil)
	require.NoError(t, err)
	assert.Len(t, dets, 1)
	assert.Equal(t, int32(2), engine.calls.Load())
}

func TestPipelineDoesNotRetryLayoutMismatch(t *testing.T) {
	engine := &fixedEngine{out: RawOutput{Data: make([]float32, 6*10), Shape: []int64{1, 6, 10}}}
	p := newTestPipeline(t, engine)

	_, err := p.Detect(context.Background(), solidImage(64, 64, color.NRGBA{A: 255}), p.Thresholds(), nil)
	assert.ErrorIs(t, err, models.ErrLayoutMismatch)
	assert.Equal(t, int32(1), engine.calls.Load())
}

func TestPipelineHonorsCancelledContext(t *testing.T) {
	p := newTestPipeline(t, NewMockPlateEngine(640))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Detect(ctx, solidImage(64, 64, color.NRGBA{A: 255}), p.Thresholds(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMockPlateEngineLayout(t *testing.T) {
	out, err := NewMockPlateEngine(640).Infer(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 5, 1}, out.Shape)
	assert.InDeltaSlice(t, []float32{320, 464, 320, 160, 0.87}, out.Data, 1e-3)
}
