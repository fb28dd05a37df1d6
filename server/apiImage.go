package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cyclopcam/snapdetect/server/sources"
	"github.com/cyclopcam/snapdetect/server/storage"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

func contentTypeOf(filename string) string {
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func checkNotFound(err error) {
	if os.IsNotExist(err) {
		www.PanicNotFound()
	}
	www.Check(err)
}

// Send one of our source images (upload, url, inbox, default)
func (s *Server) httpSourceImage(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	path, err := s.sources.Path(sources.Kind(params.ByName("kind")), params.ByName("name"))
	if err != nil {
		www.PanicBadRequestf("%v", err)
	}
	if _, err := os.Stat(path); err != nil {
		checkNotFound(err)
	}
	www.SendFile(w, r, path, contentTypeOf(path))
}

// Send a rendered result image, either by redirecting to a public URL, or by streaming it out of storage
func (s *Server) httpResultImage(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	store := s.pipeline.Storage()
	if url, err := store.URL(name); err == nil {
		http.Redirect(w, r, url, http.StatusFound)
		return
	}
	file, err := store.ReadFile(name)
	if errors.Is(err, storage.ErrInvalidName) {
		www.PanicBadRequestf("%v", err)
	}
	checkNotFound(err)
	defer file.Reader.Close()
	// Result names are never reused
	if www.IsNotModifiedEx(w, r, file.ModifiedAt, "public, max-age=2592000, immutable") {
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	io.Copy(w, file.Reader)
}

// Send the default image ("source"), or its pre-rendered detection ("detected")
func (s *Server) httpDefaultImage(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var path string
	switch params.ByName("which") {
	case "source":
		path = s.config.DefaultImage
	case "detected":
		path = s.config.DefaultDetectedImage
	default:
		www.PanicBadRequestf("Invalid default image '%v'. Valid values are 'source', 'detected'", params.ByName("which"))
	}
	if path == "" {
		www.PanicNotFound()
	}
	if _, err := os.Stat(path); err != nil {
		checkNotFound(err)
	}
	www.SendFile(w, r, path, contentTypeOf(path))
}
