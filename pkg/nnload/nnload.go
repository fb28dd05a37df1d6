package nnload

// Package nnload wraps up our 'nn' interface layer, and has concrete references to our
// neural network implementations (onnx, remote), so that you can just call one function to
// load a model, and not need to know about the implementation details.

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapdetect/pkg/nn"
	"github.com/cyclopcam/snapdetect/pkg/onnx"
	"github.com/cyclopcam/snapdetect/pkg/remotenn"
)

const (
	BackendONNX   = "onnx"
	BackendRemote = "remote"
)

// Timeout of a single request to a remote inference service
const RemoteTimeout = 60 * time.Second

// ModelSpec says where to find a model
type ModelSpec struct {
	Backend     string           `json:"backend"`               // "onnx" (default) or "remote"
	Path        string           `json:"path,omitempty"`        // eg "models/yolov8n.onnx". The config is read from "models/yolov8n.json"
	URL         string           `json:"url,omitempty"`         // Base URL of the remote inference service
	DownloadURL string           `json:"downloadUrl,omitempty"` // If Path does not exist, fetch the weights from here. The config is fetched from the same URL, with a .json extension.
	Threading   nn.ThreadingMode `json:"-"`
}

// Return the filename of the JSON config that sits beside the weights
func ConfigFilename(weightsFile string) string {
	return strings.TrimSuffix(weightsFile, filepath.Ext(weightsFile)) + ".json"
}

func downloadFile(srcUrl, targetFile string) error {
	tempFile := targetFile + ".tmp"
	if err := os.MkdirAll(filepath.Dir(targetFile), 0755); err != nil {
		return err
	}
	resp, err := http.DefaultClient.Get(srcUrl)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("HTTP error %v", resp.Status)
	}
	file, err := os.Create(tempFile)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(file, resp.Body)
	if err != nil {
		os.Remove(tempFile)
		return err
	}
	file.Close()
	return os.Rename(tempFile, targetFile)
}

// If the model files are not yet downloaded, then download them now.
// Returns immediately if the files are already on disk.
func DownloadModel(log logs.Log, spec ModelSpec) error {
	if spec.DownloadURL == "" {
		return nil
	}
	files := map[string]string{
		spec.Path:                 spec.DownloadURL,
		ConfigFilename(spec.Path): ConfigFilename(spec.DownloadURL),
	}
	for diskPath, networkUrl := range files {
		if _, err := os.Stat(diskPath); os.IsNotExist(err) {
			log.Infof("Downloading %v to %v", networkUrl, diskPath)
			if err := downloadFile(networkUrl, diskPath); err != nil {
				return fmt.Errorf("Download failed: %w", err)
			}
		} else if err != nil {
			return err
		}
	}
	return nil
}

// LoadModel loads a neural network, or connects to a remote one.
// Every failure is returned as an *nn.ModelLoadError.
func LoadModel(log logs.Log, spec ModelSpec) (nn.ObjectDetector, error) {
	switch spec.Backend {
	case "", BackendONNX:
		model, err := loadONNX(log, spec)
		if err != nil {
			return nil, &nn.ModelLoadError{Path: spec.Path, Err: err}
		}
		return model, nil
	case BackendRemote:
		var config *nn.ModelConfig
		if spec.Path != "" {
			var err error
			if config, err = nn.LoadModelConfig(ConfigFilename(spec.Path)); err != nil {
				return nil, &nn.ModelLoadError{Path: spec.Path, Err: err}
			}
		}
		model, err := remotenn.NewDetector(spec.URL, config, RemoteTimeout)
		if err != nil {
			return nil, &nn.ModelLoadError{Path: spec.URL, Err: err}
		}
		log.Infof("Connected to remote model at %v (%v)", spec.URL, model.Config().Task)
		return model, nil
	default:
		return nil, &nn.ModelLoadError{Path: spec.Path, Err: fmt.Errorf("Unrecognized NN backend '%v'", spec.Backend)}
	}
}

func loadONNX(log logs.Log, spec ModelSpec) (nn.ObjectDetector, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("No model path")
	}
	if err := DownloadModel(log, spec); err != nil {
		return nil, err
	}
	config, err := nn.LoadModelConfig(ConfigFilename(spec.Path))
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(spec.Path); err != nil {
		return nil, err
	}
	start := time.Now()
	model, err := onnx.NewDetector(config, spec.Threading, spec.Path)
	if err != nil {
		return nil, err
	}
	log.Infof("Loaded %v %v model %v (%v x %v) in %v ms", config.Architecture, config.Task, spec.Path, config.Width, config.Height, time.Since(start).Milliseconds())
	return model, nil
}
