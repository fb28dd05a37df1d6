package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapdetect/pkg/buildinfo"
	"github.com/cyclopcam/snapdetect/pkg/nnload"
	"github.com/cyclopcam/snapdetect/pkg/onnx"
	"github.com/cyclopcam/snapdetect/server/config"
	"github.com/cyclopcam/snapdetect/server/delivery"
	"github.com/cyclopcam/snapdetect/server/jobdb"
	"github.com/cyclopcam/snapdetect/server/pipeline"
	"github.com/cyclopcam/snapdetect/server/sources"
	"github.com/cyclopcam/snapdetect/server/storage"
	"github.com/cyclopcam/snapdetect/server/telegram"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/julienschmidt/httprouter"
)

// How often we look for old jobs to purge
const purgeInterval = time.Hour

// Timeout of a single call to the Telegram bot API
const telegramTimeout = 60 * time.Second

type Server struct {
	Log              logs.Log
	ShutdownComplete chan struct{} // Closed when Shutdown has finished

	config   *config.Config
	profile  config.Profile
	sources  *sources.Sources
	pipeline *pipeline.Pipeline
	inbox    *telegram.InboxBot // nil if the profile has no inbox, or Telegram is not configured

	// Background tasks (inbox bot, purge) run until bgCancel is called
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup

	signalIn   chan os.Signal
	httpServer *http.Server
	httpRouter *httprouter.Router
}

// Create a new server. The server owns log, and closes it on Shutdown.
func NewServer(log logs.Log, cfg *config.Config) (*Server, error) {
	return newServer(log, cfg, nil)
}

func newServer(log logs.Log, cfg *config.Config, loadModel pipeline.LoadFunc) (*Server, error) {
	s := &Server{
		Log:              log,
		ShutdownComplete: make(chan struct{}),
		config:           cfg,
		profile:          cfg.ActiveProfile(),
	}
	log.Infof("snapdetect %v, profile '%v' (%v)", buildinfo.GetVersion(), s.profile.Name, s.profile.Title)

	if loadModel == nil && usesBackend(cfg, nnload.BackendONNX) {
		// Models load lazily, so a failure here surfaces as a model load error on the first job
		if err := onnx.Initialize(cfg.OnnxLibrary); err != nil {
			log.Errorf("%v", err)
		}
	}

	var bot *tgbotapi.BotAPI
	if cfg.Telegram.Token != "" {
		var err error
		// The client timeout must outlast the inbox bot's long poll
		bot, err = tgbotapi.NewBotAPIWithClient(cfg.Telegram.Token, tgbotapi.APIEndpoint, &http.Client{Timeout: telegramTimeout})
		if err != nil {
			log.Warnf("Telegram is disabled, because we failed to connect: %v", err)
			bot = nil
		} else {
			log.Infof("Connected to Telegram as %v", bot.Self.UserName)
		}
	}

	var err error
	s.sources, err = sources.NewSources(log, sources.Options{
		UploadDir:    cfg.UploadDir,
		InboxDir:     cfg.InboxDir,
		DefaultImage: cfg.DefaultImage,
		MaxBytes:     int64(cfg.MaxImageBytes),
		MaxDimension: cfg.MaxImageDimension,
	})
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(log, cfg.Storage, "results")
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0770); err != nil {
			return nil, err
		}
	}
	jobs, err := jobdb.NewJobDB(log, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	var deliverer *delivery.Deliverer
	if bot != nil && s.profile.Deliver {
		deliverer = delivery.NewDeliverer(log, delivery.NewTelegramMessenger(bot))
	}

	models := pipeline.NewModels(log, cfg.Models, loadModel)
	s.pipeline = pipeline.NewPipeline(log, pipeline.Options{
		Profile:     s.profile.Name,
		JPEGQuality: cfg.JPEGQuality,
	}, models, store, jobs, deliverer)

	if bot != nil && s.hasSource(config.SourceInbox) {
		s.inbox = telegram.NewInboxBot(log, bot, s.sources.InboxDir())
	}

	if err := s.setupHttpRoutes(); err != nil {
		jobs.Close()
		return nil, err
	}
	s.startBackground()
	return s, nil
}

func usesBackend(cfg *config.Config, backend string) bool {
	for _, spec := range cfg.Models {
		if spec.Backend == backend || spec.Backend == "" && backend == nnload.BackendONNX {
			return true
		}
	}
	return false
}

func (s *Server) hasSource(src string) bool {
	for _, x := range s.profile.Sources {
		if x == src {
			return true
		}
	}
	return false
}

func (s *Server) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	if s.inbox != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.inbox.Run(ctx)
		}()
	}

	if s.config.KeepJobsDays > 0 {
		maxAge := time.Duration(s.config.KeepJobsDays) * 24 * time.Hour
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			for {
				if err := s.pipeline.Purge(maxAge); err != nil {
					s.Log.Warnf("Purge failed: %v", err)
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(purgeInterval):
				}
			}
		}()
	}
}

// port example: ":8080"
func (s *Server) ListenHTTP(port string) error {
	s.Log.Infof("Listening on %v", port)
	s.httpServer = &http.Server{
		Addr:    port,
		Handler: s.httpRouter,
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) ListenForKillSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. Shutting down", sig.String())
			s.Shutdown()
		}
	}()
}

func (s *Server) Shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
		s.signalIn = nil
	}
	if s.httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.Log.Warnf("HTTP server shutdown error: %v", err)
		}
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.pipeline.Models().Close()
	s.pipeline.Jobs().Close()
	s.Log.Infof("Shutdown complete")
	s.Log.Close()
	close(s.ShutdownComplete)
}
