package onnx

// package onnx runs YOLOv8 detection and segmentation models with ONNX Runtime

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/snapdetect/pkg/nn"
	ort "github.com/yalue/onnxruntime_go"
)

// Number of mask coefficients emitted by YOLOv8 segmentation heads
const NumMaskCoeffs = 32

// Letterbox padding value, as used during training
const padValue = 114

var initLock sync.Mutex
var isInitialized bool

// Initialize loads the ONNX Runtime shared library.
// This must be called once before creating any detectors.
// If sharedLibPath is empty, then we let onnxruntime_go pick its default.
func Initialize(sharedLibPath string) error {
	initLock.Lock()
	defer initLock.Unlock()
	if isInitialized {
		return nil
	}
	if sharedLibPath != "" {
		ort.SetSharedLibraryPath(sharedLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("Failed to initialize ONNX Runtime: %w", err)
	}
	isInitialized = true
	return nil
}

type Detector struct {
	config        nn.ModelConfig
	numAnchors    int
	numMaskCoeffs int
	protoWidth    int
	protoHeight   int

	// A session has fixed input/output tensors, so only one inference can run at a time
	lock    sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output0 *ort.Tensor[float32]
	output1 *ort.Tensor[float32] // segmentation prototypes, nil for detection models
}

func NewDetector(config *nn.ModelConfig, threadingMode nn.ThreadingMode, modelFile string) (*Detector, error) {
	if !isInitialized {
		return nil, errors.New("ONNX Runtime is not initialized")
	}
	if config.Width%32 != 0 || config.Height%32 != 0 {
		return nil, fmt.Errorf("Model size %v x %v is not a multiple of 32", config.Width, config.Height)
	}
	d := &Detector{
		config:     *config,
		numAnchors: NumAnchors(config.Width, config.Height),
	}
	isSeg := config.Task == nn.TaskSegmentation
	if isSeg {
		d.numMaskCoeffs = NumMaskCoeffs
		d.protoWidth = config.Width / 4
		d.protoHeight = config.Height / 4
	}

	var err error
	success := false
	defer func() {
		if !success {
			d.Close()
		}
	}()

	d.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(config.Height), int64(config.Width)))
	if err != nil {
		return nil, err
	}
	nOut := int64(4 + len(config.Classes) + d.numMaskCoeffs)
	d.output0, err = ort.NewEmptyTensor[float32](ort.NewShape(1, nOut, int64(d.numAnchors)))
	if err != nil {
		return nil, err
	}
	outputNames := []string{"output0"}
	outputs := []ort.Value{d.output0}
	if isSeg {
		d.output1, err = ort.NewEmptyTensor[float32](ort.NewShape(1, NumMaskCoeffs, int64(d.protoHeight), int64(d.protoWidth)))
		if err != nil {
			return nil, err
		}
		outputNames = append(outputNames, "output1")
		outputs = append(outputs, d.output1)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()
	if threadingMode == nn.ThreadingModeSingle {
		if err := options.SetIntraOpNumThreads(1); err != nil {
			return nil, err
		}
		if err := options.SetInterOpNumThreads(1); err != nil {
			return nil, err
		}
	}

	d.session, err = ort.NewAdvancedSession(modelFile, []string{"images"}, outputNames, []ort.Value{d.input}, outputs, options)
	if err != nil {
		return nil, err
	}
	success = true
	return d, nil
}

func (d *Detector) Close() {
	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	for _, t := range []*ort.Tensor[float32]{d.input, d.output0, d.output1} {
		if t != nil {
			t.Destroy()
		}
	}
	d.input = nil
	d.output0 = nil
	d.output1 = nil
}

func (d *Detector) Config() *nn.ModelConfig {
	return &d.config
}

func (d *Detector) DetectObjects(img nn.ImageCrop, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	if img.NChan != 3 {
		return nil, &nn.InferenceError{Err: fmt.Errorf("Expected 3 channels, but image has %v", img.NChan)}
	}
	if img.CropWidth == 0 || img.CropHeight == 0 {
		return nil, &nn.InferenceError{Err: errors.New("Image is empty")}
	}
	p := params.WithDefaults()

	d.lock.Lock()
	defer d.lock.Unlock()

	lb := MakeLetterbox(img.CropWidth, img.CropHeight, d.config.Width, d.config.Height)
	fillInput(d.input.GetData(), img, lb)
	if err := d.session.Run(); err != nil {
		return nil, &nn.InferenceError{Err: err}
	}

	cands := decodeYOLO(d.output0.GetData(), d.numAnchors, len(d.config.Classes), d.numMaskCoeffs, p.ProbabilityThreshold, lb)
	var protos []float32
	if d.output1 != nil {
		protos = d.output1.GetData()
	}
	return finishDetections(cands, protos, d.protoWidth, d.protoHeight, p, lb), nil
}

// Run NMS over the candidates, and decode masks for the survivors
func finishDetections(cands []candidate, protos []float32, protoWidth, protoHeight int, params nn.DetectionParams, lb Letterbox) []nn.ObjectDetection {
	objects := make([]nn.ObjectDetection, len(cands))
	for i := range cands {
		objects[i] = cands[i].obj
	}
	keep := nn.NonMaxSuppressionIndices(objects, &params)
	result := make([]nn.ObjectDetection, 0, len(keep))
	for _, idx := range keep {
		obj := objects[idx]
		if protos != nil && cands[idx].coeffs != nil {
			obj.Mask = decodeMask(cands[idx].coeffs, protos, protoWidth, protoHeight, obj.Box, lb)
		}
		result = append(result, obj)
	}
	return result
}

// Letterbox the image into the NCHW input tensor, with values in [0,1]
func fillInput(dst []float32, img nn.ImageCrop, lb Letterbox) {
	src := cimg.WrapImageStrided(img.CropWidth, img.CropHeight, cimg.PixelFormatRGB, img.Pixels[img.Offset(0, 0):], img.Stride())
	scaled := src
	if lb.ScaledWidth != img.CropWidth || lb.ScaledHeight != img.CropHeight {
		scaled = cimg.ResizeNew(src, lb.ScaledWidth, lb.ScaledHeight, nil)
	}
	plane := lb.ModelWidth * lb.ModelHeight
	pad := float32(padValue) / 255
	for i := range dst {
		dst[i] = pad
	}
	for y := 0; y < lb.ScaledHeight; y++ {
		row := scaled.Pixels[y*scaled.Stride:]
		out := (y+lb.PadY)*lb.ModelWidth + lb.PadX
		for x := 0; x < lb.ScaledWidth; x++ {
			dst[out+x] = float32(row[x*3]) / 255
			dst[plane+out+x] = float32(row[x*3+1]) / 255
			dst[2*plane+out+x] = float32(row[x*3+2]) / 255
		}
	}
}
