package pipeline

// Package pipeline runs a source image through a model, picks the best detection,
// renders it, stores the result, logs the job, and optionally delivers the result.

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapdetect/pkg/nn"
	"github.com/cyclopcam/snapdetect/pkg/render"
	"github.com/cyclopcam/snapdetect/server/delivery"
	"github.com/cyclopcam/snapdetect/server/jobdb"
	"github.com/cyclopcam/snapdetect/server/sources"
	"github.com/cyclopcam/snapdetect/server/storage"
)

var ErrUnknownTask = errors.New("Unknown task")
var ErrDeliveryDisabled = errors.New("Telegram delivery is not configured")

// Message shown when the model finds nothing above the threshold
const NoObjectsMessage = "No objects detected."

// Request is one detection job
type Request struct {
	Task      string
	Threshold float32 // Probability threshold between 0 and 1
	Source    *sources.Image
	Deliver   bool // Send the result to the recipient of the source image
}

// Detection is the best detection, as shown in the "Detection Results" expander
type Detection struct {
	Class      int     `json:"class"`
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	Box        nn.Rect `json:"box"`
	MaskArea   int     `json:"maskArea,omitempty"` // Number of pixels inside the segmentation mask
}

type DeliveryOutcome struct {
	Recipient string `json:"recipient,omitempty"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// Outcome is the result of a job that ran to completion.
// NoObjects is an outcome, not an error.
type Outcome struct {
	JobID         int64            `json:"jobID"`
	Task          string           `json:"task"`
	Threshold     float32          `json:"threshold"`
	Source        *sources.Image   `json:"source"`
	NumDetections int              `json:"numDetections"`
	NoObjects     bool             `json:"noObjects"`
	Message       string           `json:"message,omitempty"`
	Best          *Detection       `json:"best,omitempty"`
	ResultName    string           `json:"resultName,omitempty"`
	Delivery      *DeliveryOutcome `json:"delivery,omitempty"`
}

// RenderFunc draws a detection onto a copy of an image
type RenderFunc func(src image.Image, det nn.ObjectDetection, label string) *image.RGBA

type Options struct {
	Profile     string
	JPEGQuality int
}

type Pipeline struct {
	log       logs.Log
	opt       Options
	models    *Models
	storage   storage.Storage
	jobs      *jobdb.JobDB
	deliverer *delivery.Deliverer // nil if delivery is not configured
	render    RenderFunc
}

func NewPipeline(log logs.Log, opt Options, models *Models, store storage.Storage, jobs *jobdb.JobDB, deliverer *delivery.Deliverer) *Pipeline {
	if opt.JPEGQuality == 0 {
		opt.JPEGQuality = 90
	}
	return &Pipeline{
		log:       logs.NewPrefixLogger(log, "pipeline:"),
		opt:       opt,
		models:    models,
		storage:   store,
		jobs:      jobs,
		deliverer: deliverer,
		render:    render.Render,
	}
}

func (p *Pipeline) Models() *Models {
	return p.models
}

func (p *Pipeline) Jobs() *jobdb.JobDB {
	return p.jobs
}

func (p *Pipeline) Storage() storage.Storage {
	return p.storage
}

func (p *Pipeline) DeliveryEnabled() bool {
	return p.deliverer != nil
}

// Name of the result image of a job, in blob storage
func ResultName(jobID int64) string {
	return fmt.Sprintf("job-%v.jpg", jobID)
}

// Run executes a job synchronously.
// Model and inference failures are returned as errors, and are also recorded in the job log.
// Delivery failures are reported inside the outcome.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Outcome, error) {
	start := time.Now()
	job := &jobdb.Job{
		Profile:      p.opt.Profile,
		Task:         req.Task,
		SourceKind:   string(req.Source.Kind),
		SourceName:   req.Source.Name,
		SourceOrigin: req.Source.Origin,
		Threshold:    req.Threshold,
	}
	if err := p.jobs.Create(job); err != nil {
		return nil, fmt.Errorf("Failed to create job: %w", err)
	}

	out, err := p.run(ctx, req, job)
	job.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		job.Error = err.Error()
	}
	if errSave := p.jobs.Save(job); errSave != nil {
		p.log.Errorf("Failed to save job %v: %v", job.ID, errSave)
	}
	if err != nil {
		p.log.Warnf("Job %v failed: %v", job.ID, err)
		return nil, err
	}
	p.log.Infof("Job %v: %v %v, %v detections, in %v ms", job.ID, req.Task, req.Source.Name, out.NumDetections, job.DurationMS)
	return out, nil
}

func (p *Pipeline) run(ctx context.Context, req Request, job *jobdb.Job) (*Outcome, error) {
	model, err := p.models.Get(req.Task)
	if err != nil {
		return nil, err
	}

	params := nn.NewDetectionParams()
	params.ProbabilityThreshold = req.Threshold
	inferStart := time.Now()
	objects, err := model.DetectObjects(sources.RGBCrop(req.Source.Img), params)
	p.models.AddInferenceTime(req.Task, time.Since(inferStart))
	if err != nil {
		var ierr *nn.InferenceError
		if !errors.As(err, &ierr) {
			err = &nn.InferenceError{Err: err}
		}
		return nil, err
	}

	out := &Outcome{
		JobID:         job.ID,
		Task:          req.Task,
		Threshold:     req.Threshold,
		Source:        req.Source,
		NumDetections: len(objects),
	}
	job.NumDetections = len(objects)

	best, err := nn.Best(objects)
	if errors.Is(err, nn.ErrEmptyDetectionSet) {
		out.NoObjects = true
		out.Message = NoObjectsMessage
		return out, nil
	}

	label := model.Config().ClassName(best.Class)
	out.Best = &Detection{
		Class:      best.Class,
		Label:      label,
		Confidence: best.Confidence,
		Box:        best.Box,
	}
	if best.Mask != nil {
		out.Best.MaskArea = best.Mask.Area()
	}
	job.BestClass = best.Class
	job.BestLabel = label
	job.BestConfidence = best.Confidence
	box := jobdb.Box(best.Box)
	job.BestBox = &box

	rendered := p.render(req.Source.Img, best, label)
	jpg, err := render.EncodeJPEG(rendered, p.opt.JPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("Failed to encode result: %w", err)
	}
	name := ResultName(job.ID)
	if err := storage.WriteBytes(p.storage, name, jpg); err != nil {
		return nil, fmt.Errorf("Failed to save result: %w", err)
	}
	out.ResultName = name
	job.ResultName = name

	if req.Deliver {
		out.Delivery = p.deliver(ctx, req.Source.Path, name, jpg)
		job.Recipient = out.Delivery.Recipient
		job.DeliveryError = out.Delivery.Error
	}
	return out, nil
}

func (p *Pipeline) deliver(ctx context.Context, sourcePath, resultName string, jpg []byte) *DeliveryOutcome {
	if p.deliverer == nil {
		return &DeliveryOutcome{Error: ErrDeliveryDisabled.Error()}
	}
	recipient, err := p.deliverer.Deliver(ctx, sourcePath, resultName, jpg)
	d := &DeliveryOutcome{
		Recipient: recipient,
		Delivered: err == nil,
	}
	if err != nil {
		d.Error = err.Error()
	}
	return d
}

// Purge deletes jobs, and their result images, that are older than maxAge
func (p *Pipeline) Purge(maxAge time.Duration) error {
	names, err := p.jobs.DeleteOlderThan(maxAge)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := p.storage.DeleteFile(name); err != nil {
			p.log.Warnf("Failed to delete %v: %v", name, err)
		}
	}
	if len(names) != 0 {
		p.log.Infof("Purged %v results older than %v", len(names), maxAge)
	}
	return nil
}
