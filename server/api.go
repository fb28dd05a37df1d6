package server

import (
	"embed"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/staticfiles"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

//go:embed www
var staticWWW embed.FS

func (s *Server) setupHttpRoutes() error {
	router := httprouter.New()

	handle := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, handle)
	}

	// All of the detection routes share one per-IP limiter, because they all run inference
	var limited func(http.Handler) http.Handler
	if s.config.DetectPerMinute > 0 {
		limited = httprate.Limit(s.config.DetectPerMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))
	}
	ratelimited := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			if limited == nil {
				handle(w, r, params)
				return
			}
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	handle("GET", "/api/ping", s.httpPing)
	handle("GET", "/api/ui", s.httpUI)

	ratelimited("POST", "/api/detect/upload", s.httpDetectUpload)
	ratelimited("POST", "/api/detect/default", s.httpDetectDefault)
	ratelimited("POST", "/api/detect/url", s.httpDetectURL)
	ratelimited("POST", "/api/detect/inbox", s.httpDetectInbox)
	handle("POST", "/api/inbox/check", s.httpInboxCheck)

	handle("GET", "/api/image/source/:kind/:name", s.httpSourceImage)
	handle("GET", "/api/image/result/:name", s.httpResultImage)
	handle("GET", "/api/image/default/:which", s.httpDefaultImage)

	handle("GET", "/api/jobs", s.httpJobs)
	handle("GET", "/api/jobs/:id", s.httpJob)

	isImmutable := true
	var fsys fs.FS
	fsysRoot := "www"
	fsys = staticWWW
	if s.config.HotReloadWWW {
		relRoot := "server/www"
		absRoot, err := filepath.Abs(relRoot)
		if err != nil {
			s.Log.Errorf("Failed to resolve static file directory %v: %v", relRoot, err)
			return errors.New("Failed to resolve static file directory for hot reload")
		}
		s.Log.Infof("Serving static files from %v, with hot reload", absRoot)
		fsys = os.DirFS(absRoot)
		fsysRoot = ""
		isImmutable = false
	}

	static, err := staticfiles.NewCachedStaticFileServer(fsys, fsysRoot, []string{"/api/"}, s.Log, isImmutable, nil)
	if err != nil {
		s.Log.Warnf("Error in static files: %v", err)
	}
	router.NotFound = static

	s.httpRouter = router
	return nil
}
