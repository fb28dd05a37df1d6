package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapdetect/server"
	"github.com/cyclopcam/snapdetect/server/config"
)

func main() {
	parser := argparse.NewParser("snapdetect", "Web page that finds the most confident object in an image")
	hotReloadWWW := parser.Flag("", "hot", &argparse.Options{Help: "Hot reload www instead of embedding into binary", Default: false})
	configFilePath := parser.String("c", "config", &argparse.Options{Help: "Config file path", Default: "snapdetect.json"})
	profile := parser.String("p", "profile", &argparse.Options{Help: "Profile (image, telegram, url). Overrides the config file"})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		panic(err)
	}

	if *profile != "" {
		os.Setenv(config.EnvProfile, *profile)
	}
	cfg, err := config.LoadConfig(*configFilePath)
	if err != nil {
		logger.Criticalf("%v", err)
		os.Exit(1)
	}

	cfg.HotReloadWWW = *hotReloadWWW

	s, err := server.NewServer(logger, cfg)
	if err != nil {
		logger.Criticalf("%v", err)
		os.Exit(1)
	}
	s.ListenForKillSignals()

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := s.ListenHTTP(cfg.Listen); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	<-s.ShutdownComplete
}
