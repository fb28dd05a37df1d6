package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/snapdetect/pkg/gen"
	"github.com/cyclopcam/snapdetect/pkg/kibi"
	"github.com/cyclopcam/snapdetect/pkg/nn"
	"github.com/cyclopcam/snapdetect/pkg/nnload"
	"github.com/joho/godotenv"
)

// Image sources that the page can offer
const (
	SourceUpload = "upload" // File upload, falling back to the default image
	SourceInbox  = "inbox"  // Newest image in the Telegram inbox directory
	SourceURL    = "url"    // Fetch an image from a URL
)

// Names of the built-in profiles
const (
	ProfileImage    = "image"
	ProfileTelegram = "telegram"
	ProfileURL      = "url"
)

// Environment variables that override the config file
const (
	EnvProfile       = "SNAPDETECT_PROFILE"
	EnvListen        = "SNAPDETECT_LISTEN"
	EnvTelegramToken = "SNAPDETECT_TELEGRAM_TOKEN"
)

// Confidence slider range, in percent
const (
	ConfidenceMin = 25
	ConfidenceMax = 100
)

// A Profile is one flavour of the page
type Profile struct {
	Name              string   `json:"name"`
	Title             string   `json:"title"`
	Sources           []string `json:"sources"`           // Options of the source radio, in display order
	DefaultConfidence int      `json:"defaultConfidence"` // Initial slider position, in percent
	AutoDetect        bool     `json:"autoDetect"`        // Run detection as soon as an image is supplied, instead of waiting for a "Detect" click
	Deliver           bool     `json:"deliver"`           // Send results to the Telegram chat that supplied the image
}

var builtinProfiles = map[string]Profile{
	ProfileImage: {
		Name:              ProfileImage,
		Title:             "Object Detection And Tracking using YOLOv8",
		Sources:           []string{SourceUpload},
		DefaultConfidence: 40,
		AutoDetect:        true,
	},
	ProfileTelegram: {
		Name:              ProfileTelegram,
		Title:             "Object Detection from Telegram",
		Sources:           []string{SourceInbox, SourceUpload},
		DefaultConfidence: 40,
		AutoDetect:        false,
		Deliver:           true,
	},
	ProfileURL: {
		Name:              ProfileURL,
		Title:             "Object Detection from URL",
		Sources:           []string{SourceURL, SourceUpload},
		DefaultConfidence: 40,
		AutoDetect:        false,
	},
}

type Config struct {
	Profile              string                      `json:"profile"`              // One of the built-in profiles
	Listen               string                      `json:"listen"`               // eg ":8080"
	Models               map[string]nnload.ModelSpec `json:"models"`               // Keyed by task ("detection", "segmentation")
	OnnxLibrary          string                      `json:"onnxLibrary"`          // Path to the ONNX Runtime shared library. Empty to use the system default.
	DefaultImage         string                      `json:"defaultImage"`         // Shown and detected when nothing was uploaded
	DefaultDetectedImage string                      `json:"defaultDetectedImage"` // Pre-rendered result of DefaultImage
	UploadDir            string                      `json:"uploadDir"`            // Uploaded files are saved here
	InboxDir             string                      `json:"inboxDir"`             // Images received by the Telegram bot
	DBPath               string                      `json:"dbPath"`               // sqlite job log
	Storage              StorageConfig               `json:"storage"`              // Where result images are kept
	Telegram             TelegramConfig              `json:"telegram"`
	MaxImageBytes        kibi.Size                   `json:"maxImageBytes"`     // Limit on uploads and URL downloads, eg "20 MB"
	MaxImageDimension    int                         `json:"maxImageDimension"` // Larger images are downscaled before detection
	DetectPerMinute      int                         `json:"detectPerMinute"`   // Per-IP rate limit on the detection API
	JPEGQuality          int                         `json:"jpegQuality"`       // Quality of result images
	KeepJobsDays         int                         `json:"keepJobsDays"`      // Jobs and their result images are purged after this many days. Zero to keep forever.
	HotReloadWWW         bool                        `json:"-"`                 // Serve the page from server/www on disk, instead of the embedded copy
}

// Either Filesystem or GCS. If neither is set, we use a filesystem store in "results".
type StorageConfig struct {
	Filesystem *StorageConfigFS  `json:"filesystem,omitempty"`
	GCS        *StorageConfigGCS `json:"gcs,omitempty"`
}

type StorageConfigFS struct {
	Root string `json:"root"`
}

type StorageConfigGCS struct {
	Bucket string `json:"bucket"`
	Public bool   `json:"public"` // Serve result images straight from storage.googleapis.com
}

type TelegramConfig struct {
	Token string `json:"token"` // Bot token. Empty disables both the inbox bot and delivery.
}

func DefaultConfig() *Config {
	return &Config{
		Profile: ProfileImage,
		Listen:  ":8080",
		Models: map[string]nnload.ModelSpec{
			nn.TaskDetection:    {Backend: nnload.BackendONNX, Path: "weights/yolov8n.onnx"},
			nn.TaskSegmentation: {Backend: nnload.BackendONNX, Path: "weights/yolov8n-seg.onnx"},
		},
		DefaultImage:         "images/office_4.jpg",
		DefaultDetectedImage: "images/office_4_detected.jpg",
		UploadDir:            "uploads",
		InboxDir:             "telegram_images",
		DBPath:               "snapdetect.sqlite",
		MaxImageBytes:        20 * 1024 * 1024,
		MaxImageDimension:    4096,
		DetectPerMinute:      60,
		JPEGQuality:          90,
		KeepJobsDays:         30,
	}
}

// Load the config file, then apply .env and environment overrides.
// If filename does not exist, we start from the defaults.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		filename = "snapdetect.json"
	}
	cfg := DefaultConfig()
	raw, err := os.ReadFile(filename)
	if err == nil {
		// Models in the file replace the default models, instead of merging with them
		defaultModels := cfg.Models
		cfg.Models = nil
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
		}
		if len(cfg.Models) == 0 {
			cfg.Models = defaultModels
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}

	// A missing .env is normal
	godotenv.Load(filepath.Join(filepath.Dir(filename), ".env"))
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvProfile)); v != "" {
		c.Profile = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvListen)); v != "" {
		c.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTelegramToken)); v != "" {
		c.Telegram.Token = v
	}
}

func (c *Config) Validate() error {
	if _, ok := builtinProfiles[c.Profile]; !ok {
		return fmt.Errorf("Unknown profile '%v'. Valid profiles are %v, %v, %v", c.Profile, ProfileImage, ProfileTelegram, ProfileURL)
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("No models configured")
	}
	for task := range c.Models {
		if task != nn.TaskDetection && task != nn.TaskSegmentation {
			return fmt.Errorf("Unknown model task '%v'", task)
		}
	}
	if c.Storage.Filesystem != nil && c.Storage.GCS != nil {
		return fmt.Errorf("Only one of the storage options may be configured (i.e. either 'filesystem' or 'gcs')")
	}
	if c.MaxImageBytes <= 0 {
		return fmt.Errorf("maxImageBytes must be positive")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpegQuality must be between 1 and 100")
	}
	return nil
}

// Return the active profile
func (c *Config) ActiveProfile() Profile {
	return builtinProfiles[c.Profile]
}

// Return the tasks that have a model, in display order
func (c *Config) Tasks() []string {
	tasks := []string{}
	for _, t := range []string{nn.TaskDetection, nn.TaskSegmentation} {
		if _, ok := c.Models[t]; ok {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

// Convert a slider position in percent to a probability threshold
func ConfidenceToThreshold(percent int) float32 {
	percent = gen.Clamp(percent, ConfidenceMin, ConfidenceMax)
	return float32(percent) / 100
}
