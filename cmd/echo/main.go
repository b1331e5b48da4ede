package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"evloop"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	port := flag.Uint("p", 4840, "port to listen on")
	debug := flag.Bool("d", false, "enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	evloop.RaiseFdLimit(log.Logger)

	logger := log.Logger
	el := evloop.NewEventLoop(evloop.EventLoopConfig{Name: "echo", Logger: &logger})
	cm := evloop.NewTCPConnectionManager("tcp")
	cm.Params().Set(evloop.ParamListenPort, uint16(*port))
	cm.ConnectionCallback = func(cm *evloop.TCPConnectionManager, id uint64,
		ctx *interface{}, status error, params *evloop.KeyValueMap, msg []byte) {
		if status != nil {
			log.Info().Msgf("[%d] connection closed: %v", id, status)
			return
		}
		if len(msg) == 0 {
			remote, _ := params.GetString(evloop.ParamRemoteHostname)
			log.Info().Msgf("[%d] new connection from %s", id, remote)
			return
		}
		buf, err := cm.AllocNetworkBuffer(id, len(msg))
		if err != nil {
			log.Error().Msgf("[%d] can't allocate send buffer: %+v", id, err)
			return
		}
		copy(buf, msg)
		if err = cm.SendWithConnection(id, buf); err != nil {
			log.Error().Msgf("[%d] can't echo message: %+v", id, err)
		}
	}

	if err := el.RegisterEventSource(cm); err != nil {
		log.Fatal().Msgf("can't register connection manager: %+v", err)
	}
	if err := el.Start(); err != nil {
		log.Fatal().Msgf("can't start event loop: %+v", err)
	}
	log.Info().Msgf("echo server listening on port %d", *port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		el.AddDelayedCallback(&evloop.DelayedCallback{
			Callback: func(interface{}, interface{}) { el.Stop() },
		})
	}()

	for el.State() != evloop.EventLoopStopped {
		if _, err := el.Run(200 * time.Millisecond); err != nil {
			log.Error().Msgf("dispatch cycle failed: %+v", err)
			break
		}
	}
	if err := el.Free(); err != nil {
		log.Error().Msgf("can't free event loop: %+v", err)
	}
}
