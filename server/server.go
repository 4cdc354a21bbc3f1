// nabud-go: a NABU Network Adaptor server. It feeds boot images,
// program cycles and the time of day to NABU PCs over serial lines and
// to emulators (like MAME) over TCP.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nabunet/nabud/adaptor"
	"github.com/nabunet/nabud/config"
	"github.com/nabunet/nabud/conn"
	"github.com/nabunet/nabud/control"
	"github.com/nabunet/nabud/image"
	"github.com/nabunet/nabud/nhacp"
	"github.com/nabunet/nabud/retronet"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("c", "nabud.yaml", "configuration file")
	debug := flag.Bool("d", false, "enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error loading configuration:", err)
		os.Exit(1)
	}

	conn.InitScratchPool(cfg.Pool.Size, cfg.Pool.Debug)

	images := image.NewProvider(cfg.ImageChannels(), log)

	ad := adaptor.New(images, log)
	ad.RetroNet = retronet.New(images.Fetcher(), log)
	ad.NHACP = nhacp.New(images.Fetcher(), "nabud-go-"+version, log)

	for _, cc := range cfg.Connections {
		args := &conn.AddArgs{
			Port:         cc.Port,
			FileRoot:     cc.FileRoot,
			SelectedFile: cc.SelectedFile,
			Channel:      cc.Channel,
			Baud:         cc.Baud,
			StopBits:     cc.StopBits,
			FlowControl:  cc.FlowControl,
		}

		switch cc.Type {
		case "serial":
			err = conn.AddSerial(args, images, log, ad.EventLoop)
		case "tcp":
			err = conn.AddTCP(args, images, log, ad.EventLoop)
		}
		if err != nil {
			log.Error().Str("port", cc.Port).Err(err).
				Msg("Unable to create connection.")
		}
	}

	if conn.Count() == 0 {
		log.Fatal().Msg("No connections could be created; nothing to do.")
	}

	var ctl *control.Server
	if cfg.ControlSocket != "" {
		ctl, err = control.Start(cfg.ControlSocket, images, log)
		if err != nil {
			log.Error().Err(err).Msg("Unable to start control interface.")
		}
	}

	log.Info().Str("version", version).Msg("nabud-go running.")

	// Wait for a shutdown signal, then cancel every connection and let
	// the workers drain.
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	<-signalChan

	log.Info().Msg("Shutting down...")
	if ctl != nil {
		ctl.Stop()
	}
	conn.Shutdown()
	log.Info().Msg("All connections drained.")
}
