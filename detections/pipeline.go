package detections

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/plate-privacy-service/models"
)

type PipelineConfig struct {
	InputSize  int
	Thresholds models.Thresholds
	// NumClasses is the class count declared for the exported model; the decoder
	// expects 4+NumClasses attributes per candidate. Zero skips the check.
	NumClasses int
}

// Pipeline runs preprocess -> inference -> decode -> suppress for one image. It holds no
// per-request state and is safe for concurrent use when its Engine is.
type Pipeline struct {
	engine       Engine
	preprocessor *Preprocessor
	thresholds   models.Thresholds
	numClasses   int
	log          logrus.FieldLogger
}

func NewPipeline(engine Engine, cfg PipelineConfig, log logrus.FieldLogger) (*Pipeline, error) {
	if engine == nil {
		return nil, models.ErrModelUnavailable
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, models.Wrap(models.ErrConfiguration, err, "pipeline thresholds")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pipeline{
		engine:       engine,
		preprocessor: NewPreprocessor(cfg.InputSize),
		thresholds:   cfg.Thresholds,
		numClasses:   cfg.NumClasses,
		log:          log,
	}, nil
}

// Thresholds returns the process-wide defaults.
func (p *Pipeline) Thresholds() models.Thresholds {
	return p.thresholds
}

func (p *Pipeline) InputSize() int {
	return p.preprocessor.Size()
}

// Detect finds plates in img. Inference failures are retried; layout errors are not.
func (p *Pipeline) Detect(ctx context.Context, img image.Image, th models.Thresholds, timings *models.ProcessingTimings) ([]models.Detection, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}

	var lastErr error
	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		dets, err := p.detectOnce(ctx, img, th, timings)
		if err == nil {
			return dets, nil
		}
		lastErr = err
		if errors.Is(err, models.ErrLayoutMismatch) || errors.Is(err, context.Canceled) {
			break
		}

		p.log.WithError(err).WithField("attempt", attempt).Warn("plate detection failed")
		if attempt < RetryAttempts {
			time.Sleep(time.Duration(attempt) * RetryDelayMs * time.Millisecond)
		}
	}

	return nil, models.Wrap(models.ErrInference, lastErr, "detect plates")
}

func (p *Pipeline) detectOnce(ctx context.Context, img image.Image, th models.Thresholds, timings *models.ProcessingTimings) ([]models.Detection, error) {
	prepStart := time.Now()
	lb := p.preprocessor.Letterbox(img)
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	out, err := p.engine.Infer(ctx, lb.Tensor)
	if err != nil {
		return nil, err
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	b := img.Bounds()
	expected := 0
	if p.numClasses > 0 {
		expected = 4 + p.numClasses
	}
	candidates, err := DecodeOutput(out, lb, b.Dx(), b.Dy(), DecodeOptions{
		ConfThreshold:      th.Confidence,
		ExpectedAttributes: expected,
	})
	if err != nil {
		return nil, err
	}
	timings.Postprocess = time.Since(postStart)

	nmsStart := time.Now()
	dets := Suppress(candidates, th.IoU)
	timings.Suppression = time.Since(nmsStart)

	p.log.WithFields(logrus.Fields{
		"request_id": timings.RequestID,
		"candidates": len(candidates),
		"detections": len(dets),
	}).Debug("decoded model output")

	return dets, nil
}
