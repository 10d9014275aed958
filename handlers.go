package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/plate-privacy-service/batch"
	"github.com/Tutortoise/plate-privacy-service/config"
	"github.com/Tutortoise/plate-privacy-service/detections"
	"github.com/Tutortoise/plate-privacy-service/models"
)

// multipartOverhead is the slack allowed on top of an upload limit for form framing.
const multipartOverhead = 1 << 20

type AppState struct {
	Config   *config.Config
	Engine   detections.Engine
	Pipeline *detections.Pipeline
	Service  *Service
	Log      logrus.FieldLogger
}

type DetectResponse struct {
	ImageWidth  int                `json:"image_width"`
	ImageHeight int                `json:"image_height"`
	Detections  []models.Detection `json:"detections"`
	Message     string             `json:"message"`
	Annotated   string             `json:"image_annotated_base64,omitempty"`
	Blurred     string             `json:"image_blurred_base64,omitempty"`
}

type HealthResponse struct {
	Status      string   `json:"status"`
	ModelLoaded bool     `json:"model_loaded"`
	Mode        string   `json:"mode"`
	CPUFeatures []string `json:"cpu_features"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// NewAppState wires the detection pipeline, batch processor and service around engine.
func NewAppState(cfg *config.Config, engine detections.Engine, log logrus.FieldLogger) (*AppState, error) {
	pipeline, err := detections.NewPipeline(engine, detections.PipelineConfig{
		InputSize:  cfg.InputSize,
		Thresholds: cfg.Thresholds,
		NumClasses: cfg.NumClasses,
	}, log)
	if err != nil {
		return nil, err
	}

	processor, err := batch.NewProcessor(pipeline, batch.Config{
		Thresholds:    cfg.Thresholds,
		KernelSize:    cfg.BatchKernel,
		SizeLimit:     cfg.MaxArchive,
		MaxEntryBytes: cfg.MaxEntry,
		MaxPixels:     cfg.MaxPixels,
		Workers:       cfg.BatchWorkers,
		Quality:       cfg.JPEGQuality,
	}, log)
	if err != nil {
		return nil, err
	}

	service, err := NewService(pipeline, processor, cfg.BlurKernel, cfg.JPEGQuality, cfg.MaxImage, cfg.MaxPixels, log)
	if err != nil {
		return nil, err
	}

	return &AppState{
		Config:   cfg,
		Engine:   engine,
		Pipeline: pipeline,
		Service:  service,
		Log:      log,
	}, nil
}

func (s *AppState) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestLogger, corsMiddleware)

	r.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/detect-and-annotate", s.handleDetectAndAnnotate).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/detect-and-blur", s.handleDetectAndBlur).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/batch-blur", s.handleBatchBlur).Methods(http.MethodPost, http.MethodOptions)
	s.addMonitoringRoutes(r)

	return r
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
}

func (s *AppState) handleDetect(w http.ResponseWriter, r *http.Request) {
	s.serveDetection(w, r, func(ctx context.Context, data []byte, th models.Thresholds, t *models.ProcessingTimings) (*DetectResponse, error) {
		res, err := s.Service.Detect(ctx, data, th, t)
		if err != nil {
			return nil, err
		}
		return newDetectResponse(res), nil
	})
}

func (s *AppState) handleDetectAndAnnotate(w http.ResponseWriter, r *http.Request) {
	s.serveDetection(w, r, func(ctx context.Context, data []byte, th models.Thresholds, t *models.ProcessingTimings) (*DetectResponse, error) {
		res, uri, err := s.Service.DetectAndAnnotate(ctx, data, th, t)
		if err != nil {
			return nil, err
		}
		resp := newDetectResponse(res)
		resp.Annotated = uri
		return resp, nil
	})
}

func (s *AppState) handleDetectAndBlur(w http.ResponseWriter, r *http.Request) {
	s.serveDetection(w, r, func(ctx context.Context, data []byte, th models.Thresholds, t *models.ProcessingTimings) (*DetectResponse, error) {
		res, uri, err := s.Service.DetectAndBlur(ctx, data, th, t)
		if err != nil {
			return nil, err
		}
		resp := newDetectResponse(res)
		resp.Blurred = uri
		return resp, nil
	})
}

type detectFunc func(ctx context.Context, data []byte, th models.Thresholds, t *models.ProcessingTimings) (*DetectResponse, error)

func (s *AppState) serveDetection(w http.ResponseWriter, r *http.Request, run detectFunc) {
	startTotal := time.Now()
	ctx := r.Context()
	timings := &models.ProcessingTimings{RequestID: requestIDFrom(ctx)}

	th, err := thresholdsFromQuery(r, s.Pipeline.Thresholds())
	if err != nil {
		sendError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.Config.MaxImage+multipartOverhead)
	imgBytes, err := readImage(r, s.Config.MaxImage)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			sendError(w, uploadError(err, models.ErrImageTooLarge))
			return
		}
		sendError(w, models.Wrap(models.ErrInvalidInput, err, "read image"))
		return
	}

	resp, err := run(ctx, imgBytes, th, timings)
	if err != nil {
		sendError(w, err)
		return
	}

	timings.Total = time.Since(startTotal)
	logTimings(s.Log, timings)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *AppState) handleBatchBlur(w http.ResponseWriter, r *http.Request) {
	limit := s.Service.ArchiveLimit()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	archive, err := readArchive(r, limit)
	if err != nil {
		sendError(w, err)
		return
	}

	res, err := s.Service.BatchBlur(r.Context(), archive)
	if err != nil {
		sendError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", batch.DownloadName))
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Archive)))
	w.Header().Set("X-Processed-Count", strconv.Itoa(res.Report.Processed))
	w.Header().Set("X-Skipped-Count", strconv.Itoa(res.Report.Skipped))
	w.WriteHeader(http.StatusOK)
	w.Write(res.Archive)
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{
		Status:      "healthy",
		ModelLoaded: s.Config.Mode == config.ModeONNX && s.Engine != nil,
		Mode:        s.Config.Mode,
		CPUFeatures: detections.CPUFeatures(),
	})
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	response := map[string]interface{}{
		"mode": s.Config.Mode,
	}
	if pool, ok := s.Engine.(*ModelSessionPool); ok {
		response["pool"] = pool.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func newDetectResponse(res *DetectResult) *DetectResponse {
	return &DetectResponse{
		ImageWidth:  res.Width,
		ImageHeight: res.Height,
		Detections:  res.Detections,
		Message:     plateMessage(len(res.Detections)),
	}
}

// thresholdsFromQuery applies the optional conf and iou query parameters over defaults.
func thresholdsFromQuery(r *http.Request, defaults models.Thresholds) (models.Thresholds, error) {
	th := defaults
	q := r.URL.Query()
	for key, dst := range map[string]*float32{"conf": &th.Confidence, "iou": &th.IoU} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return th, models.Wrap(models.ErrInvalidInput, err, "query parameter %s", key)
		}
		*dst = float32(v)
	}
	if err := th.Validate(); err != nil {
		return th, models.Wrap(models.ErrInvalidInput, err, "thresholds")
	}
	return th, nil
}

func mediaType(r *http.Request) string {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mt
}

func readImage(r *http.Request, limit int64) ([]byte, error) {
	switch mediaType(r) {
	case "application/json":
		return handleJSONRequest(r)
	case "multipart/form-data":
		return handleMultipartRequest(r, limit)
	default:
		return handleRawRequest(r)
	}
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(req.Image)
}

func handleMultipartRequest(r *http.Request, limit int64) ([]byte, error) {
	if err := r.ParseMultipartForm(limit); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	return io.ReadAll(r.Body)
}

// readArchive streams the uploaded archive, from a multipart "file" field or the raw body,
// and stops as soon as it exceeds limit.
func readArchive(r *http.Request, limit int64) ([]byte, error) {
	if mediaType(r) != "multipart/form-data" {
		return readArchiveBody(r.Body, limit)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, models.Wrap(models.ErrInvalidInput, err, "read multipart form")
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, models.Wrap(models.ErrInvalidInput, nil, "multipart form has no file field")
		}
		if err != nil {
			return nil, uploadError(err, models.ErrArchiveTooLarge)
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		defer part.Close()
		return readArchiveBody(part, limit)
	}
}

func readArchiveBody(r io.Reader, limit int64) ([]byte, error) {
	data, err := batch.ReadArchive(r, limit)
	if err != nil {
		return nil, uploadError(err, models.ErrArchiveTooLarge)
	}
	return data, nil
}

// uploadError reports a body cut off by http.MaxBytesReader as tooLarge and returns any
// other error unchanged.
func uploadError(err error, tooLarge *models.ProcessingError) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return models.WithSentinel(tooLarge, err)
	}
	return err
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrArchiveTooLarge):
		return http.StatusRequestEntityTooLarge, "archive_too_large"
	case errors.Is(err, models.ErrImageTooLarge):
		return http.StatusRequestEntityTooLarge, "image_too_large"
	case errors.Is(err, models.ErrInvalidArchive):
		return http.StatusBadRequest, "invalid_archive"
	case errors.Is(err, models.ErrInvalidInput),
		errors.Is(err, models.ErrUnsafePath),
		errors.Is(err, models.ErrUnsupportedEntry):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, models.ErrConfiguration):
		return http.StatusServiceUnavailable, "model_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request_cancelled"
	case errors.Is(err, models.ErrEncoding):
		return http.StatusInternalServerError, "encoding_error"
	default:
		return http.StatusInternalServerError, "processing_error"
	}
}

func sendError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	sendErrorResponse(w, code, err.Error(), status)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
	})
}
