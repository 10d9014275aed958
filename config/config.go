package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/plate-privacy-service/codec"
	"github.com/Tutortoise/plate-privacy-service/models"
)

const (
	ModeONNX = "onnx"
	ModeMock = "mock"
)

type Config struct {
	Port         string
	WeightsPath  string
	OnnxRuntime  string
	Mode         string
	InputSize    int
	NumClasses   int
	Thresholds   models.Thresholds
	BlurKernel   int
	BatchKernel  int
	MaxArchive   int64
	MaxEntry     int64
	MaxImage     int64
	MaxPixels    int64
	JPEGQuality  int
	PoolSize     int
	BatchWorkers int
	Debug        bool
}

// Load reads .env (when present) and the process environment. Malformed or out-of-range
// values are reported as ErrConfiguration.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("could not load .env file")
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary lookup function.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	p := parser{lookup: lookup}

	cfg := &Config{
		Port:        p.str("PORT", "8000"),
		WeightsPath: p.str("YOLO_WEIGHTS_PATH", "./weights/best.onnx"),
		OnnxRuntime: p.str("ONNXRUNTIME_LIB", ""),
		Mode:        strings.ToLower(p.str("MODEL_MODE", ModeONNX)),
		InputSize:   p.integer("MODEL_INPUT_SIZE", 640),
		NumClasses:  p.integer("MODEL_NUM_CLASSES", 1),
		Thresholds: models.Thresholds{
			Confidence: p.float("CONFIDENCE_THRESHOLD", 0.25),
			IoU:        p.float("IOU_THRESHOLD", 0.45),
		},
		BlurKernel:   p.integer("BLUR_KERNEL", 41),
		BatchKernel:  p.integer("BLUR_KERNEL_BATCH", 91),
		MaxArchive:   int64(p.integer("MAX_ARCHIVE_BYTES", 100<<20)),
		MaxEntry:     int64(p.integer("MAX_ENTRY_BYTES", 50<<20)),
		MaxImage:     int64(p.integer("MAX_IMAGE_BYTES", 20<<20)),
		MaxPixels:    int64(p.integer("MAX_IMAGE_PIXELS", codec.DefaultMaxPixels)),
		JPEGQuality:  p.integer("JPEG_QUALITY", 90),
		PoolSize:     p.integer("POOL_SIZE", 4),
		BatchWorkers: p.integer("BATCH_WORKERS", runtime.NumCPU()),
		Debug:        p.boolean("DEBUG", false),
	}
	if p.err != nil {
		return nil, models.Wrap(models.ErrConfiguration, p.err, "parse environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, models.Wrap(models.ErrConfiguration, err, "validate configuration")
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	switch c.Mode {
	case ModeONNX, ModeMock:
	default:
		return errors.Errorf("MODEL_MODE must be %q or %q, got %q", ModeONNX, ModeMock, c.Mode)
	}
	if c.InputSize < 32 {
		return errors.Errorf("MODEL_INPUT_SIZE %d is too small", c.InputSize)
	}
	if c.NumClasses < 1 {
		return errors.Errorf("MODEL_NUM_CLASSES must be positive, got %d", c.NumClasses)
	}
	if c.BlurKernel < 1 || c.BatchKernel < 1 {
		return errors.New("blur kernels must be positive")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return errors.Errorf("JPEG_QUALITY %d outside [1,100]", c.JPEGQuality)
	}
	if c.MaxArchive <= 0 || c.MaxEntry <= 0 || c.MaxImage <= 0 || c.MaxPixels <= 0 {
		return errors.New("size limits must be positive")
	}
	if c.PoolSize < 1 || c.BatchWorkers < 1 {
		return errors.New("POOL_SIZE and BATCH_WORKERS must be positive")
	}
	return nil
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *parser) str(key, fallback string) string {
	if v, ok := p.lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func (p *parser) integer(key string, fallback int) int {
	raw, ok := p.lookup(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		p.fail(errors.Wrapf(err, "%s", key))
		return fallback
	}
	return v
}

func (p *parser) float(key string, fallback float32) float32 {
	raw, ok := p.lookup(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 32)
	if err != nil {
		p.fail(errors.Wrapf(err, "%s", key))
		return fallback
	}
	return float32(v)
}

func (p *parser) boolean(key string, fallback bool) bool {
	raw, ok := p.lookup(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		p.fail(errors.Wrapf(err, "%s", key))
		return fallback
	}
	return v
}

func (p *parser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}
