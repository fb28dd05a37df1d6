package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/cyclopcam/snapdetect/pkg/nn"
	"github.com/cyclopcam/snapdetect/server/config"
	"github.com/cyclopcam/snapdetect/server/pipeline"
	"github.com/cyclopcam/snapdetect/server/sources"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// Room for the multipart envelope around an uploaded image
const multipartOverhead = 64 * 1024

// Read "task" and "confidence" from the query string.
// Task defaults to the first configured task, and confidence to the profile's slider position.
// This runs before the source is read, so that a bad query leaves nothing behind in the upload directory.
func (s *Server) detectRequest(r *http.Request) pipeline.Request {
	task := www.QueryValue(r, "task")
	if task == "" {
		tasks := s.config.Tasks()
		task = tasks[0]
	} else if _, ok := s.config.Models[task]; !ok {
		www.PanicBadRequestf("Unknown task '%v'", task)
	}
	confidence := s.profile.DefaultConfidence
	if v := www.QueryValue(r, "confidence"); v != "" {
		c, err := strconv.Atoi(v)
		if err != nil {
			www.PanicBadRequestf("Invalid confidence '%v'", v)
		}
		confidence = c
	}
	return pipeline.Request{
		Task:      task,
		Threshold: config.ConfidenceToThreshold(confidence),
	}
}

// Panic with the HTTP status that suits the kind of error
func checkDetectError(err error) {
	if err == nil {
		return
	}
	var decodeErr *sources.ImageDecodeError
	var netErr *sources.NetworkError
	var loadErr *nn.ModelLoadError
	var inferErr *nn.InferenceError
	switch {
	case errors.As(err, &decodeErr):
		www.Panic(http.StatusBadRequest, err.Error())
	case errors.As(err, &netErr):
		www.Panic(http.StatusBadGateway, err.Error())
	case errors.As(err, &loadErr), errors.As(err, &inferErr):
		www.Panic(http.StatusInternalServerError, err.Error())
	case errors.Is(err, sources.ErrInboxEmpty):
		www.Panic(http.StatusNotFound, err.Error())
	}
	www.Check(err)
}

func (s *Server) runDetect(w http.ResponseWriter, r *http.Request, req pipeline.Request, src *sources.Image) {
	req.Source = src
	out, err := s.pipeline.Run(r.Context(), req)
	checkDetectError(err)
	www.SendJSON(w, out)
}

// Detect objects in an uploaded file, or in the default image if no file was uploaded
func (s *Server) httpDetectUpload(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	req := s.detectRequest(r)
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.config.MaxImageBytes)+multipartOverhead)
	file, header, err := r.FormFile("file")
	var src *sources.Image
	if errors.Is(err, http.ErrMissingFile) {
		src, err = s.sources.Default()
	} else if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			www.PanicBadRequestf("Image is larger than %v", s.config.MaxImageBytes)
		}
		www.PanicBadRequestf("Invalid upload: %v", err)
	} else {
		defer file.Close()
		src, err = s.sources.FromUpload(header.Filename, file)
	}
	checkDetectError(err)
	s.runDetect(w, r, req, src)
}

func (s *Server) httpDetectDefault(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	req := s.detectRequest(r)
	src, err := s.sources.Default()
	checkDetectError(err)
	s.runDetect(w, r, req, src)
}

func (s *Server) httpDetectURL(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if !s.hasSource(config.SourceURL) {
		www.PanicForbiddenf("URL fetch is not enabled in the '%v' profile", s.profile.Name)
	}
	body := struct {
		URL string `json:"url"`
	}{}
	req := s.detectRequest(r)
	www.ReadJSON(w, r, &body, 64*1024)
	if body.URL == "" {
		www.PanicBadRequestf("url is required")
	}
	src, err := s.sources.FromURL(r.Context(), body.URL)
	checkDetectError(err)
	s.runDetect(w, r, req, src)
}

// Detect objects in an inbox image, and deliver the result if the profile asks for it.
// If "name" is omitted, we use the newest image in the inbox.
func (s *Server) httpDetectInbox(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if !s.hasSource(config.SourceInbox) {
		www.PanicForbiddenf("The inbox is not enabled in the '%v' profile", s.profile.Name)
	}
	req := s.detectRequest(r)
	req.Deliver = s.profile.Deliver
	var src *sources.Image
	var err error
	if name := www.QueryValue(r, "name"); name != "" {
		src, err = s.sources.Inbox(name)
		if errors.Is(err, os.ErrNotExist) {
			www.PanicNotFound()
		}
	} else {
		src, err = s.sources.NewestInbox()
	}
	checkDetectError(err)
	s.runDetect(w, r, req, src)
}

type inboxCheckJSON struct {
	Found   bool           `json:"found"`
	Message string         `json:"message,omitempty"`
	Image   *sources.Image `json:"image,omitempty"`
}

// Look for the newest image in the inbox. This is a single snapshot, taken when the user clicks "check for new images".
func (s *Server) httpInboxCheck(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if !s.hasSource(config.SourceInbox) {
		www.PanicForbiddenf("The inbox is not enabled in the '%v' profile", s.profile.Name)
	}
	name, err := s.sources.NewestInboxFile()
	if errors.Is(err, sources.ErrInboxEmpty) {
		www.SendJSON(w, &inboxCheckJSON{
			Found:   false,
			Message: fmt.Sprintf("No images found in %v", s.sources.InboxDir()),
		})
		return
	}
	www.Check(err)
	www.SendJSON(w, &inboxCheckJSON{
		Found: true,
		Image: &sources.Image{
			Kind:    sources.KindInbox,
			Name:    name,
			Caption: sources.CaptionInbox,
			Origin:  name,
		},
	})
}
