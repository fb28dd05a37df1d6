package nn

import (
	"encoding/json"
	"os"
	"strconv"
)

// Package nn is a Neural Network interface layer
// To load a model, use the nnload package.

const DefaultProbabilityThreshold = 0.4
const DefaultNmsIouThreshold = 0.45

// Tasks that a model can be trained for
const (
	TaskDetection    = "detection"
	TaskSegmentation = "segmentation"
)

// NN object detection parameters
type DetectionParams struct {
	ProbabilityThreshold float32 // Value between 0 and 1. Objects below this confidence are discarded. Zero value will use the default.
	NmsIouThreshold      float32 // Value between 0 and 1. Lower values will merge more objects together into one. Zero value will use the default.
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ProbabilityThreshold: DefaultProbabilityThreshold,
		NmsIouThreshold:      DefaultNmsIouThreshold,
	}
}

// Return a copy of the params, with zero values replaced by defaults
func (p *DetectionParams) WithDefaults() DetectionParams {
	c := DetectionParams{}
	if p != nil {
		c = *p
	}
	if c.ProbabilityThreshold == 0 {
		c.ProbabilityThreshold = DefaultProbabilityThreshold
	}
	if c.NmsIouThreshold == 0 {
		c.NmsIouThreshold = DefaultNmsIouThreshold
	}
	return c
}

// ImageCrop is a crop of an RGB image.
// To create an ImageCrop of an entire image, use WholeImage().
type ImageCrop struct {
	NChan       int    // Number of channels (eg 3 for RGB)
	Pixels      []byte // The whole image
	ImageWidth  int    // The width of the original image, held in Pixels
	ImageHeight int    // The height of the original image, held in Pixels
	CropX       int    // Origin of crop X
	CropY       int    // Origin of crop Y
	CropWidth   int    // The width of this crop
	CropHeight  int    // The height of this crop
}

func (c ImageCrop) Stride() int {
	return c.ImageWidth * c.NChan
}

// Return the byte offset of the pixel at (x, y), relative to the crop
func (c ImageCrop) Offset(x, y int) int {
	return (c.CropY+y)*c.Stride() + (c.CropX+x)*c.NChan
}

// Return a 'crop' of the entire image
func WholeImage(nchan int, pixels []byte, width, height int) ImageCrop {
	return ImageCrop{
		NChan:       nchan,
		Pixels:      pixels,
		ImageWidth:  width,
		ImageHeight: height,
		CropX:       0,
		CropY:       0,
		CropWidth:   width,
		CropHeight:  height,
	}
}

type ThreadingMode int

const (
	ThreadingModeSingle   ThreadingMode = iota // Force the NN library to run inference on a single thread
	ThreadingModeParallel                      // Allow the NN library to run multiple threads while executing a model
)

// ObjectDetector is given an image, and returns zero or more detected objects
type ObjectDetector interface {
	// Close releases the native resources of the detector
	Close()

	// DetectObjects returns a list of objects detected in the image, ordered by
	// descending confidence. Every returned object has a confidence of at least
	// params.ProbabilityThreshold.
	// nchan is expected to be 3, and image is a 24-bit RGB image.
	// You can create a default DetectionParams with NewDetectionParams()
	DetectObjects(img ImageCrop, params *DetectionParams) ([]ObjectDetection, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the detector has been created.
	Config() *ModelConfig
}

// ModelConfig is saved in a JSON file along with the weights of the NN model
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "yolov8"
	Task         string   `json:"task"`         // "detection" or "segmentation"
	Width        int      `json:"width"`        // eg 640
	Height       int      `json:"height"`       // eg 640
	Classes      []string `json:"classes"`      // eg ["person", "bicycle", "car", ...]
}

// Return the class name, or a placeholder if the class index is out of range
func (c *ModelConfig) ClassName(class int) string {
	if class >= 0 && class < len(c.Classes) {
		return c.Classes[class]
	}
	return "class " + strconv.Itoa(class)
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, err
	}
	if config.Task == "" {
		config.Task = TaskDetection
	}
	if len(config.Classes) == 0 {
		config.Classes = COCOClasses
	}
	return config, nil
}
