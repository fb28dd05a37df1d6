package jobdb

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/snapdetect/pkg/nn"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// Job is one run of the detection pipeline
type Job struct {
	BaseModel
	CreatedAt      dbh.IntTime `json:"createdAt"`
	Profile        string      `json:"profile"`
	Task           string      `json:"task"`       // "detection" or "segmentation"
	SourceKind     string      `json:"sourceKind"` // "upload", "default", "inbox", "url"
	SourceName     string      `json:"sourceName"`
	SourceOrigin   string      `json:"sourceOrigin,omitempty"` // Uploaded filename or URL
	Threshold      float32     `json:"threshold"`
	NumDetections  int         `json:"numDetections"`
	BestLabel      string      `json:"bestLabel,omitempty"`
	BestClass      int         `json:"bestClass"`
	BestConfidence float32     `json:"bestConfidence,omitempty"`
	BestBox        *Box        `json:"bestBox,omitempty"`
	ResultName     string      `json:"resultName,omitempty"` // Name of the result image in blob storage
	Error          string      `json:"error,omitempty"`      // Set if the pipeline failed
	DurationMS     int64       `json:"durationMS"`
	Recipient      string      `json:"recipient,omitempty"`
	DeliveryError  string      `json:"deliveryError,omitempty"`
}

// Box is an nn.Rect that is stored as JSON in the DB
type Box nn.Rect

func (b *Box) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("Unable to scan %T into Box", src)
	}
	return json.Unmarshal(raw, b)
}

func (b Box) Value() (driver.Value, error) {
	raw, err := json.Marshal(nn.Rect(b))
	return string(raw), err
}
