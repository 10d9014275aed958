package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/Tutortoise/plate-privacy-service/config"
	"github.com/Tutortoise/plate-privacy-service/detections"
	"github.com/Tutortoise/plate-privacy-service/models"
)

// sharedLibraryPath returns the configured ONNX Runtime library, or the platform's default
// library name so the dynamic loader searches its usual paths.
func sharedLibraryPath(configured string) string {
	if configured != "" {
		return configured
	}
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

// resolveWeights checks the weights file before any runtime setup so a bad path fails fast.
func resolveWeights(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", models.Wrap(models.ErrConfiguration, err, "resolve weights path %q", path)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", models.Wrap(models.ErrConfiguration, err, "model weights not found at %s", abs)
	}
	if info.IsDir() {
		return "", models.Wrap(models.ErrConfiguration, nil, "model weights path %s is a directory", abs)
	}
	return abs, nil
}

// newEngine builds the inference engine for the configured mode. The returned cleanup
// releases the ONNX Runtime environment and must run after the engine is closed.
func newEngine(cfg *config.Config, log logrus.FieldLogger) (detections.Engine, func(), error) {
	if cfg.Mode == config.ModeMock {
		log.Warn("MODEL_MODE=mock: detections are synthetic")
		return detections.NewMockPlateEngine(cfg.InputSize), func() {}, nil
	}

	weights, err := resolveWeights(cfg.WeightsPath)
	if err != nil {
		return nil, nil, err
	}

	libPath := sharedLibraryPath(cfg.OnnxRuntime)
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, nil, models.Wrap(models.ErrConfiguration, err, "initialize ONNX Runtime from %s", libPath)
	}
	cleanup := func() {
		if err := ort.DestroyEnvironment(); err != nil {
			log.WithError(err).Warn("destroy ONNX Runtime environment")
		}
	}

	layout, err := inspectModel(weights, cfg.InputSize, cfg.NumClasses)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	log.WithFields(logrus.Fields{
		"weights": weights,
		"input":   layout.inputName,
		"output":  layout.outputName,
		"shape":   layout.outputShape.String(),
	}).Info("model loaded")

	threads := runtime.NumCPU() / cfg.PoolSize
	if threads < 1 {
		threads = 1
	}
	factory := func() (sessionRunner, error) {
		session, err := initSession(weights, layout, threads)
		if err != nil {
			return nil, err
		}
		return session, nil
	}

	pool, err := NewModelSessionPool(factory, cfg.PoolSize, log)
	if err != nil {
		cleanup()
		return nil, nil, models.Wrap(models.ErrConfiguration, err, "create model session pool")
	}
	return pool, cleanup, nil
}

type modelLayout struct {
	inputName   string
	outputName  string
	inputShape  ort.Shape
	outputShape ort.Shape
}

// inspectModel reads tensor names from the model and fixes the dynamic output dimensions
// for a square input of the given size.
func inspectModel(weights string, size, numClasses int) (modelLayout, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(weights)
	if err != nil {
		return modelLayout{}, models.Wrap(models.ErrConfiguration, err, "read model inputs and outputs")
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return modelLayout{}, models.Wrap(models.ErrConfiguration, nil, "model declares %d inputs and %d outputs", len(inputs), len(outputs))
	}

	layout := modelLayout{
		inputName:   inputs[0].Name,
		outputName:  outputs[0].Name,
		inputShape:  ort.NewShape(1, 3, int64(size), int64(size)),
		outputShape: outputs[0].Dimensions.Clone(),
	}

	anchors := anchorCount(size)
	attributes := int64(4 + numClasses)
	if len(layout.outputShape) != 3 {
		layout.outputShape = ort.NewShape(1, attributes, anchors)
	}
	for i, d := range layout.outputShape {
		if d > 0 {
			continue
		}
		switch i {
		case 0:
			layout.outputShape[i] = 1
		case 1:
			layout.outputShape[i] = attributes
		default:
			layout.outputShape[i] = anchors
		}
	}
	return layout, nil
}

// anchorCount is the number of predictions a stride 8/16/32 YOLO head emits for a square
// input.
func anchorCount(size int) int64 {
	var n int64
	for _, stride := range []int{8, 16, 32} {
		g := int64(size / stride)
		n += g * g
	}
	return n
}

func initSession(modelPath string, layout modelLayout, threads int) (*detections.ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("error setting inter-op threads: %w", err)
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		return nil, fmt.Errorf("error setting graph optimization: %w", err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](layout.inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](layout.outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{layout.inputName},
		[]string{layout.outputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return detections.NewModelSession(session, inputTensor, outputTensor), nil
}
