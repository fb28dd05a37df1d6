package nnload

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapdetect/pkg/nn"
	"github.com/stretchr/testify/require"
)

func TestConfigFilename(t *testing.T) {
	require.Equal(t, "models/yolov8n-seg.json", ConfigFilename("models/yolov8n-seg.onnx"))
	require.Equal(t, "https://x.org/m/yolov8n.json", ConfigFilename("https://x.org/m/yolov8n.onnx"))
}

func TestLoadModelMissing(t *testing.T) {
	log := logs.NewTestingLog(t)
	_, err := LoadModel(log, ModelSpec{Path: filepath.Join(t.TempDir(), "nope.onnx")})
	var lerr *nn.ModelLoadError
	require.True(t, errors.As(err, &lerr))
	require.Contains(t, lerr.Path, "nope.onnx")

	_, err = LoadModel(log, ModelSpec{Backend: "tflite", Path: "x"})
	require.ErrorAs(t, err, &lerr)
}

func TestDownloadModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/m/yolov8n.onnx":
			w.Write([]byte("weights"))
		case "/m/yolov8n.json":
			w.Write([]byte(`{"architecture":"yolov8","width":640,"height":640}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	spec := ModelSpec{
		Path:        filepath.Join(dir, "sub", "yolov8n.onnx"),
		DownloadURL: srv.URL + "/m/yolov8n.onnx",
	}
	require.NoError(t, DownloadModel(logs.NewTestingLog(t), spec))
	b, err := os.ReadFile(spec.Path)
	require.NoError(t, err)
	require.Equal(t, "weights", string(b))
	cfg, err := nn.LoadModelConfig(ConfigFilename(spec.Path))
	require.NoError(t, err)
	require.Equal(t, nn.TaskDetection, cfg.Task)
	require.Equal(t, 80, len(cfg.Classes))

	spec.Path = filepath.Join(dir, "other.onnx")
	spec.DownloadURL = srv.URL + "/missing.onnx"
	require.Error(t, DownloadModel(logs.NewTestingLog(t), spec))
}
