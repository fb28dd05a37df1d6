package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapdetect/pkg/iox"
	"github.com/cyclopcam/snapdetect/pkg/nn"
	"github.com/cyclopcam/snapdetect/pkg/nnload"
	"github.com/cyclopcam/snapdetect/pkg/onnx"
	"github.com/cyclopcam/snapdetect/pkg/render"
	"github.com/cyclopcam/snapdetect/server/config"
	"github.com/cyclopcam/snapdetect/server/sources"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

// Confidence is clamped to the same range as the web page's slider
func detectionParams(confidence int) *nn.DetectionParams {
	params := nn.NewDetectionParams()
	params.ProbabilityThreshold = config.ConfidenceToThreshold(confidence)
	return params
}

// predict runs one image through a model, and writes out the best detection
func main() {
	parser := argparse.NewParser("predict", "Find the most confident object in an image")
	input := parser.String("i", "input", &argparse.Options{Help: "Input image file", Required: true})
	output := parser.String("o", "output", &argparse.Options{Help: "Output JPEG file, with the best detection drawn on it", Required: true})
	modelFile := parser.String("n", "model", &argparse.Options{Help: "Path to ONNX model file. The JSON config must sit beside it.", Default: ""})
	remoteURL := parser.String("r", "remote", &argparse.Options{Help: "Base URL of a remote inference service, instead of a local model", Default: ""})
	onnxLib := parser.String("", "onnxlib", &argparse.Options{Help: "Path to the ONNX Runtime shared library", Default: ""})
	confidence := parser.Int("c", "confidence", &argparse.Options{Help: "Minimum confidence, in percent (25 to 100)", Default: 40})
	quality := parser.Int("q", "quality", &argparse.Options{Help: "JPEG quality", Default: 90})
	err := parser.Parse(os.Args)
	if err == nil && (*modelFile == "") == (*remoteURL == "") {
		err = errors.New("Exactly one of --model or --remote is required")
	}
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, _ := logs.NewLog()

	spec := nnload.ModelSpec{Backend: nnload.BackendONNX, Path: *modelFile, Threading: nn.ThreadingModeParallel}
	if *remoteURL != "" {
		spec = nnload.ModelSpec{Backend: nnload.BackendRemote, URL: *remoteURL}
	} else {
		check(onnx.Initialize(*onnxLib))
	}
	model, err := nnload.LoadModel(logger, spec)
	check(err)
	defer model.Close()

	img, err := sources.DecodeFile(*input, 0)
	check(err)

	objects, err := model.DetectObjects(sources.RGBCrop(img), detectionParams(*confidence))
	check(err)

	best, err := nn.Best(objects)
	if errors.Is(err, nn.ErrEmptyDetectionSet) {
		fmt.Println("No objects detected.")
		os.Exit(2)
	}

	label := model.Config().ClassName(best.Class)
	jpg, err := render.EncodeJPEG(render.Render(img, best, label), *quality)
	check(err)
	check(iox.WriteFileAtomic(*output, jpg))

	summary := map[string]any{
		"label":         label,
		"class":         best.Class,
		"confidence":    best.Confidence,
		"box":           best.Box,
		"numDetections": len(objects),
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	check(encoder.Encode(summary))
}
