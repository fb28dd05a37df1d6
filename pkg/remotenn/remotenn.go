package remotenn

// Package remotenn runs object detection on a separate inference service over HTTP.
// The service receives a JPEG in a multipart form, and replies with JSON.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/snapdetect/pkg/nn"
	"github.com/cyclopcam/snapdetect/pkg/requests"
)

// Quality of the JPEG images that we send to the service
const jpegQuality = 90

// Wire format of a detection
type remoteDetection struct {
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        nn.Rect `json:"box"`
	Mask       *struct {
		Width  int    `json:"width"`
		Height int    `json:"height"`
		Data   []byte `json:"data"` // base64 in JSON
	} `json:"mask,omitempty"`
}

type detectResponse struct {
	Detections []remoteDetection `json:"detections"`
}

type Detector struct {
	baseURL string
	client  *http.Client
	config  nn.ModelConfig
}

// Create a detector that talks to the service at baseURL.
// If config is nil, then we fetch it from the service.
func NewDetector(baseURL string, config *nn.ModelConfig, timeout time.Duration) (*Detector, error) {
	d := &Detector{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
	if config == nil {
		var err error
		config, err = d.fetchConfig()
		if err != nil {
			return nil, err
		}
	}
	d.config = *config
	return d, nil
}

func (d *Detector) fetchConfig() (*nn.ModelConfig, error) {
	config, err := requests.GetJSON[nn.ModelConfig](d.client, d.baseURL+"/config")
	if err != nil {
		return nil, fmt.Errorf("fetch config: %w", err)
	}
	if config.Task == "" {
		config.Task = nn.TaskDetection
	}
	if len(config.Classes) == 0 {
		config.Classes = nn.COCOClasses
	}
	return config, nil
}

func (d *Detector) Close() {
	d.client.CloseIdleConnections()
}

func (d *Detector) Config() *nn.ModelConfig {
	return &d.config
}

func (d *Detector) DetectObjects(img nn.ImageCrop, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	p := params.WithDefaults()
	jpg, err := encodeCrop(img)
	if err != nil {
		return nil, &nn.InferenceError{Err: err}
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "image.jpg")
	if err != nil {
		return nil, &nn.InferenceError{Err: err}
	}
	if _, err := io.Copy(part, bytes.NewReader(jpg)); err != nil {
		return nil, &nn.InferenceError{Err: err}
	}
	writer.WriteField("task", d.config.Task)
	writer.WriteField("confidence", fmt.Sprintf("%v", p.ProbabilityThreshold))
	writer.WriteField("iou", fmt.Sprintf("%v", p.NmsIouThreshold))
	writer.Close()

	req, err := http.NewRequest("POST", d.baseURL+"/detect", body)
	if err != nil {
		return nil, &nn.InferenceError{Err: err}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &nn.InferenceError{Err: fmt.Errorf("send request: %w", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &nn.InferenceError{Err: fmt.Errorf("inference failed with status: %v", resp.Status)}
	}

	result := detectResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &nn.InferenceError{Err: fmt.Errorf("decode response: %w", err)}
	}

	// The service may not honour our thresholds, so we apply them again.
	// NMS is idempotent on an already suppressed set.
	objects := make([]nn.ObjectDetection, 0, len(result.Detections))
	for _, r := range result.Detections {
		obj := nn.ObjectDetection{
			Class:      r.Class,
			Confidence: r.Confidence,
			Box:        r.Box.Clip(img.CropWidth, img.CropHeight),
		}
		if r.Mask != nil && r.Mask.Width == obj.Box.Width && r.Mask.Height == obj.Box.Height && len(r.Mask.Data) == r.Mask.Width*r.Mask.Height {
			obj.Mask = &nn.Mask{Width: r.Mask.Width, Height: r.Mask.Height, Data: r.Mask.Data}
		}
		objects = append(objects, obj)
	}
	return nn.NonMaxSuppression(objects, &p), nil
}

func encodeCrop(img nn.ImageCrop) ([]byte, error) {
	if img.NChan != 3 {
		return nil, fmt.Errorf("Expected 3 channels, but image has %v", img.NChan)
	}
	wrap := cimg.WrapImageStrided(img.CropWidth, img.CropHeight, cimg.PixelFormatRGB, img.Pixels[img.Offset(0, 0):], img.Stride())
	return cimg.Compress(wrap, cimg.MakeCompressParams(cimg.Sampling444, jpegQuality, 0))
}
