package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vidfilter/server"
)

func main() {
	parser := argparse.NewParser("vidfilter", "Video upload server that applies per-frame filters")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Config file path. Defaults are used if the file does not exist", Default: server.DefaultConfigFile})
	listen := parser.String("l", "listen", &argparse.Options{Help: "Listen address, eg ':5000'. Overrides the config file", Default: ""})
	rejectUnknown := parser.Flag("", "strict-filter", &argparse.Options{Help: "Reject uploads that name an unknown filter, instead of passing frames through", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	cfg, err := server.LoadConfig(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *rejectUnknown {
		cfg.RejectUnknownFilter = true
	}

	srv, err := server.NewServer(logger, cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	err = srv.ListenHTTP(cfg.Listen)
	if errors.Is(err, http.ErrServerClosed) {
		<-srv.ShutdownComplete
	} else if err != nil {
		logger.Errorf("ListenHTTP returned: %v", err)
		os.Exit(1)
	}
}
