package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapdetect/pkg/nn"
	"github.com/cyclopcam/snapdetect/pkg/nnload"
	"github.com/cyclopcam/snapdetect/server/config"
	"github.com/cyclopcam/snapdetect/server/pipeline"
	"github.com/stretchr/testify/require"
)

type fakeDetector struct {
	objects []nn.ObjectDetection
}

func (f *fakeDetector) Close() {}

func (f *fakeDetector) Config() *nn.ModelConfig {
	return &nn.ModelConfig{Architecture: "yolov8", Task: nn.TaskDetection, Width: 640, Height: 640, Classes: []string{"person", "dog"}}
}

func (f *fakeDetector) DetectObjects(img nn.ImageCrop, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	return nn.NonMaxSuppression(f.objects, params), nil
}

func pngBytes(t *testing.T) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 80, 60))
	for y := 0; y < 60; y++ {
		for x := 0; x < 80; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(x * 3), uint8(y * 4), 90, 255})
		}
	}
	buf := bytes.Buffer{}
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type testServer struct {
	s        *Server
	cfg      *config.Config
	detector *fakeDetector
}

func newTestServer(t *testing.T, profile string) *testServer {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Profile = profile
	cfg.Models = map[string]nnload.ModelSpec{nn.TaskDetection: {Path: "fake.onnx"}}
	cfg.DefaultImage = filepath.Join(dir, "default.png")
	cfg.DefaultDetectedImage = ""
	cfg.UploadDir = filepath.Join(dir, "uploads")
	cfg.InboxDir = filepath.Join(dir, "inbox")
	cfg.DBPath = filepath.Join(dir, "jobs.sqlite")
	cfg.Storage.Filesystem = &config.StorageConfigFS{Root: filepath.Join(dir, "results")}
	cfg.KeepJobsDays = 0
	require.NoError(t, cfg.Validate())
	require.NoError(t, os.WriteFile(cfg.DefaultImage, pngBytes(t), 0644))

	ts := &testServer{
		cfg: cfg,
		detector: &fakeDetector{
			objects: []nn.ObjectDetection{
				{Class: 0, Confidence: 0.5, Box: nn.Rect{X: 2, Y: 2, Width: 10, Height: 10}},
				{Class: 1, Confidence: 0.9, Box: nn.Rect{X: 30, Y: 20, Width: 20, Height: 20}},
			},
		},
	}
	load := func(log logs.Log, spec nnload.ModelSpec) (nn.ObjectDetector, error) {
		return ts.detector, nil
	}
	s, err := newServer(logs.NewTestingLog(t), cfg, load)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.bgCancel()
		s.bgWG.Wait()
		s.pipeline.Jobs().Close()
	})
	ts.s = s
	return ts
}

func (ts *testServer) do(t *testing.T, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.s.httpRouter.ServeHTTP(w, r)
	return w
}

func decodeOutcome(t *testing.T, w *httptest.ResponseRecorder) *pipeline.Outcome {
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := &pipeline.Outcome{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	return out
}

func uploadRequest(t *testing.T, url, filename string, content []byte) *http.Request {
	body := bytes.Buffer{}
	mw := multipart.NewWriter(&body)
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		part.Write(content)
	}
	require.NoError(t, mw.Close())
	r := httptest.NewRequest("POST", url, &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r
}

func TestUI(t *testing.T) {
	ts := newTestServer(t, config.ProfileImage)
	w := ts.do(t, httptest.NewRequest("GET", "/api/ui", nil))
	require.Equal(t, http.StatusOK, w.Code)
	ui := uiJSON{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ui))
	require.Equal(t, "Object Detection And Tracking using YOLOv8", ui.Title)
	require.Equal(t, []string{nn.TaskDetection}, ui.Tasks)
	require.Equal(t, 25, ui.Confidence.Min)
	require.Equal(t, 100, ui.Confidence.Max)
	require.Equal(t, 40, ui.Confidence.Default)
	require.False(t, ui.DeliveryEnabled)
}

func TestDetectDefault(t *testing.T) {
	ts := newTestServer(t, config.ProfileImage)
	out := decodeOutcome(t, ts.do(t, httptest.NewRequest("POST", "/api/detect/default?confidence=40", nil)))
	require.False(t, out.NoObjects)
	require.Equal(t, "Default Image", out.Source.Caption)
	require.Equal(t, 2, out.NumDetections)
	require.Equal(t, "dog", out.Best.Label)
	require.InDelta(t, 0.4, out.Threshold, 1e-6)

	w := ts.do(t, httptest.NewRequest("GET", "/api/image/result/"+out.ResultName, nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	require.NotEmpty(t, w.Body.Bytes())

	w = ts.do(t, httptest.NewRequest("GET", "/api/jobs/"+jsonInt(out.JobID), nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"bestLabel":"dog"`)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestDetectThresholdAboveAll(t *testing.T) {
	ts := newTestServer(t, config.ProfileImage)
	out := decodeOutcome(t, ts.do(t, httptest.NewRequest("POST", "/api/detect/default?confidence=95", nil)))
	require.True(t, out.NoObjects)
	require.Equal(t, pipeline.NoObjectsMessage, out.Message)
	require.Nil(t, out.Best)
	require.Empty(t, out.ResultName)
}

func TestDetectUpload(t *testing.T) {
	ts := newTestServer(t, config.ProfileImage)

	out := decodeOutcome(t, ts.do(t, uploadRequest(t, "/api/detect/upload", "street.png", pngBytes(t))))
	require.Equal(t, "Uploaded Image", out.Source.Caption)
	require.Equal(t, "street.png", out.Source.Origin)

	w := ts.do(t, httptest.NewRequest("GET", "/api/image/source/upload/"+out.Source.Name, nil))
	require.Equal(t, http.StatusOK, w.Code)

	// No file falls back to the default image
	out = decodeOutcome(t, ts.do(t, uploadRequest(t, "/api/detect/upload", "", nil)))
	require.Equal(t, "Default Image", out.Source.Caption)

	// Extension allow-list
	w = ts.do(t, uploadRequest(t, "/api/detect/upload", "anim.gif", []byte("GIF89a")))
	require.Equal(t, http.StatusBadRequest, w.Code)

	// Not an image
	w = ts.do(t, uploadRequest(t, "/api/detect/upload", "broken.jpg", []byte("not a jpeg")))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, httptest.NewRequest("POST", "/api/detect/default?task=tracking", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDetectUploadBadQueryKeepsNothing(t *testing.T) {
	ts := newTestServer(t, config.ProfileImage)
	w := ts.do(t, uploadRequest(t, "/api/detect/upload?task=tracking", "street.png", pngBytes(t)))
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, uploadRequest(t, "/api/detect/upload?confidence=high", "street.png", pngBytes(t)))
	require.Equal(t, http.StatusBadRequest, w.Code)

	entries, err := os.ReadDir(ts.cfg.UploadDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestResultImageErrors(t *testing.T) {
	ts := newTestServer(t, config.ProfileImage)
	w := ts.do(t, httptest.NewRequest("GET", "/api/image/result/a..b.jpg", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, httptest.NewRequest("GET", "/api/image/result/job-999.jpg", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDetectURL(t *testing.T) {
	img := pngBytes(t)
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/good.png" {
			w.Header().Set("Content-Type", "image/png")
			w.Write(img)
		} else {
			http.NotFound(w, r)
		}
	}))
	defer remote.Close()

	// Not available in the image profile
	ts := newTestServer(t, config.ProfileImage)
	w := ts.do(t, httptest.NewRequest("POST", "/api/detect/url", bytes.NewReader([]byte(`{"url":"`+remote.URL+`/good.png"}`))))
	require.Equal(t, http.StatusForbidden, w.Code)

	ts = newTestServer(t, config.ProfileURL)
	out := decodeOutcome(t, ts.do(t, httptest.NewRequest("POST", "/api/detect/url", bytes.NewReader([]byte(`{"url":"`+remote.URL+`/good.png"}`)))))
	require.Equal(t, "Uploaded Image from URL", out.Source.Caption)
	require.Equal(t, "dog", out.Best.Label)

	w = ts.do(t, httptest.NewRequest("POST", "/api/detect/url", bytes.NewReader([]byte(`{"url":"`+remote.URL+`/missing.png"}`))))
	require.Equal(t, http.StatusBadGateway, w.Code)

	jobs, err := ts.s.pipeline.Jobs().List(10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestInbox(t *testing.T) {
	ts := newTestServer(t, config.ProfileTelegram)

	w := ts.do(t, httptest.NewRequest("POST", "/api/inbox/check", nil))
	require.Equal(t, http.StatusOK, w.Code)
	check := inboxCheckJSON{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &check))
	require.False(t, check.Found)

	img := pngBytes(t)
	now := time.Now()
	require.NoError(t, os.MkdirAll(ts.cfg.InboxDir, 0755))
	a := filepath.Join(ts.cfg.InboxDir, "a.png")
	b := filepath.Join(ts.cfg.InboxDir, "b.png")
	require.NoError(t, os.WriteFile(a, img, 0644))
	require.NoError(t, os.WriteFile(b, img, 0644))
	require.NoError(t, os.Chtimes(a, now.Add(-time.Hour), now.Add(-time.Hour)))
	require.NoError(t, os.Chtimes(b, now, now))

	w = ts.do(t, httptest.NewRequest("POST", "/api/inbox/check", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &check))
	require.True(t, check.Found)
	require.Equal(t, "b.png", check.Image.Name)

	// Telegram isn't configured, so delivery fails, but the result is still produced
	out := decodeOutcome(t, ts.do(t, httptest.NewRequest("POST", "/api/detect/inbox?name=b.png", nil)))
	require.Equal(t, "Image from Telegram", out.Source.Caption)
	require.NotEmpty(t, out.ResultName)
	require.NotNil(t, out.Delivery)
	require.False(t, out.Delivery.Delivered)
	require.Equal(t, pipeline.ErrDeliveryDisabled.Error(), out.Delivery.Error)

	w = ts.do(t, httptest.NewRequest("POST", "/api/detect/inbox?name=nope.png", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStaticPage(t *testing.T) {
	ts := newTestServer(t, config.ProfileImage)
	w := ts.do(t, httptest.NewRequest("GET", "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "<html")
}

func TestPing(t *testing.T) {
	ts := newTestServer(t, config.ProfileImage)
	w := ts.do(t, httptest.NewRequest("GET", "/api/ping", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"version":`)
}
