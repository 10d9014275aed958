package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/plate-privacy-service/batch"
	"github.com/Tutortoise/plate-privacy-service/codec"
	"github.com/Tutortoise/plate-privacy-service/models"
	"github.com/Tutortoise/plate-privacy-service/redact"
)

// Service runs the single-image operations on top of a detector and owns the batch
// processor.
type Service struct {
	detector   batch.Detector
	batch      *batch.Processor
	blurKernel int
	quality    int
	maxImage   int64
	maxPixels  int64
	log        logrus.FieldLogger
}

type DetectResult struct {
	Image      image.Image
	Width      int
	Height     int
	Detections []models.Detection
}

func NewService(detector batch.Detector, processor *batch.Processor, blurKernel, quality int, maxImage, maxPixels int64, log logrus.FieldLogger) (*Service, error) {
	if detector == nil || processor == nil {
		return nil, models.ErrModelUnavailable
	}
	return &Service{
		detector:   detector,
		batch:      processor,
		blurKernel: blurKernel,
		quality:    quality,
		maxImage:   maxImage,
		maxPixels:  maxPixels,
		log:        log,
	}, nil
}

func (s *Service) Detect(ctx context.Context, data []byte, th models.Thresholds, timings *models.ProcessingTimings) (*DetectResult, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}
	if len(data) == 0 {
		return nil, models.Wrap(models.ErrInvalidInput, nil, "empty image")
	}
	if s.maxImage > 0 && int64(len(data)) > s.maxImage {
		return nil, models.WithSentinel(models.ErrImageTooLarge,
			fmt.Errorf("image is %d bytes, limit is %d", len(data), s.maxImage))
	}
	if err := th.Validate(); err != nil {
		return nil, models.Wrap(models.ErrInvalidInput, err, "thresholds")
	}

	decodeStart := time.Now()
	img, _, err := codec.DecodeLimit(data, s.maxPixels)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		return nil, err
	}

	dets, err := s.detector.Detect(ctx, img, th, timings)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	return &DetectResult{Image: img, Width: b.Dx(), Height: b.Dy(), Detections: dets}, nil
}

// DetectAndAnnotate returns the detections and a JPEG data URI of the image with boxes and
// labels drawn on it.
func (s *Service) DetectAndAnnotate(ctx context.Context, data []byte, th models.Thresholds, timings *models.ProcessingTimings) (*DetectResult, string, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}
	res, err := s.Detect(ctx, data, th, timings)
	if err != nil {
		return nil, "", err
	}

	start := time.Now()
	annotated := redact.Annotate(res.Image, res.Detections)
	timings.Redaction = time.Since(start)

	uri, err := s.dataURI(annotated, timings)
	if err != nil {
		return nil, "", err
	}
	return res, uri, nil
}

// DetectAndBlur returns the detections and a JPEG data URI of the image with every detected
// plate blurred.
func (s *Service) DetectAndBlur(ctx context.Context, data []byte, th models.Thresholds, timings *models.ProcessingTimings) (*DetectResult, string, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}
	res, err := s.Detect(ctx, data, th, timings)
	if err != nil {
		return nil, "", err
	}

	start := time.Now()
	blurred := redact.BlurRegions(res.Image, res.Detections, s.blurKernel)
	timings.Redaction = time.Since(start)

	uri, err := s.dataURI(blurred, timings)
	if err != nil {
		return nil, "", err
	}
	return res, uri, nil
}

func (s *Service) BatchBlur(ctx context.Context, archive []byte) (*batch.Result, error) {
	return s.batch.Process(ctx, archive)
}

func (s *Service) ArchiveLimit() int64 {
	return s.batch.SizeLimit()
}

func (s *Service) dataURI(img image.Image, timings *models.ProcessingTimings) (string, error) {
	start := time.Now()
	data, err := codec.Encode(img, codec.FormatJPEG, s.quality)
	timings.Encode = time.Since(start)
	if err != nil {
		return "", err
	}
	return "data:" + codec.FormatJPEG.MimeType() + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
