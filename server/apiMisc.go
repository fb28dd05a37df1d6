package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/cyclopcam/snapdetect/pkg/buildinfo"
	"github.com/cyclopcam/snapdetect/server/config"
	"github.com/cyclopcam/snapdetect/server/pipeline"
	"github.com/cyclopcam/snapdetect/server/sources"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
	"gorm.io/gorm"
)

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type pingJSON struct {
		Time    int64  `json:"time"`
		Version string `json:"version"`
	}
	ping := &pingJSON{
		Time:    time.Now().Unix(),
		Version: buildinfo.GetVersion(),
	}
	www.SendJSON(w, ping)
}

type sliderJSON struct {
	Min     int `json:"min"`
	Max     int `json:"max"`
	Default int `json:"default"`
}

// Everything the page needs to build its sidebar
type uiJSON struct {
	Profile         string                 `json:"profile"`
	Title           string                 `json:"title"`
	Tasks           []string               `json:"tasks"`
	Sources         []string               `json:"sources"`
	Confidence      sliderJSON             `json:"confidence"`
	Extensions      []string               `json:"extensions"`
	AutoDetect      bool                   `json:"autoDetect"`
	DeliveryEnabled bool                   `json:"deliveryEnabled"`
	MaxImageBytes   int64                  `json:"maxImageBytes"`
	Models          []pipeline.ModelStatus `json:"models"`
}

func (s *Server) httpUI(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, &uiJSON{
		Profile: s.profile.Name,
		Title:   s.profile.Title,
		Tasks:   s.config.Tasks(),
		Sources: s.profile.Sources,
		Confidence: sliderJSON{
			Min:     config.ConfidenceMin,
			Max:     config.ConfidenceMax,
			Default: s.profile.DefaultConfidence,
		},
		Extensions:      sources.Extensions,
		AutoDetect:      s.profile.AutoDetect,
		DeliveryEnabled: s.pipeline.DeliveryEnabled(),
		MaxImageBytes:   int64(s.config.MaxImageBytes),
		Models:          s.pipeline.Models().Status(),
	})
}

func (s *Server) httpJobs(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	limit := 100
	if r.URL.Query().Has("limit") {
		limit = www.QueryInt(r, "limit")
	}
	jobs, err := s.pipeline.Jobs().List(limit)
	www.Check(err)
	www.SendJSON(w, jobs)
}

func (s *Server) httpJob(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := www.ParseID(params.ByName("id"))
	job, err := s.pipeline.Jobs().Get(id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		www.PanicNotFound()
	}
	www.Check(err)
	www.SendJSON(w, job)
}
