// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

// This file contains the daemon launcher: it assembles the transports, the
// backend and the REST control surface into a runnable process.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	nearnet "github.com/nearnet/go-nearnet"
	"github.com/nearnet/go-nearnet/link"
	"github.com/nearnet/go-nearnet/link/lan"
	"github.com/nearnet/go-nearnet/link/loopback"
	"github.com/nearnet/go-nearnet/link/ws"
	"github.com/nearnet/go-nearnet/rest"

	// Shipped feature plugins register themselves on import
	_ "github.com/nearnet/go-nearnet/plugins/clipboard"
	_ "github.com/nearnet/go-nearnet/plugins/ping"
)

var (
	datadirFlag   = flag.String("datadir", ".", "Data directory for the backend")
	nameFlag      = flag.String("name", "", "Human readable device name (defaults to the hostname)")
	apiportFlag   = flag.Int("apiport", 4664, "TCP port to launch the API server on")
	lanportFlag   = flag.Int("lanport", 0, "TCP port for the LAN transport (0 = ephemeral)")
	wsportFlag    = flag.Int("wsport", 0, "TCP port for the WebSocket transport (0 = disabled)")
	loopbackFlag  = flag.Bool("loopback", false, "Surface the loopback echo device")
	verbosityFlag = flag.Int("verbosity", int(log.LvlInfo), "Log level to run with")
)

func main() {
	flag.Parse()

	// Enable colored terminal logging
	log.Root().SetHandler(log.LvlFilterHandler(log.Lvl(*verbosityFlag), log.StreamHandler(os.Stderr, log.TerminalFormat(true))))

	name := *nameFlag
	if name == "" {
		name, _ = os.Hostname()
	}
	// Assemble the configured transports
	providers := []link.Provider{
		lan.New(lan.Config{Port: *lanportFlag}),
	}
	if *wsportFlag > 0 {
		providers = append(providers, ws.New(ws.Config{Port: *wsportFlag}))
	}
	if *loopbackFlag {
		providers = append(providers, loopback.New(nil))
	}
	// Create a live backend and expose it via REST
	backend, err := nearnet.NewBackend(nearnet.Config{
		DataDir:    *datadirFlag,
		DeviceName: name,
		Hooks:      nearnet.Notifier{},
		Providers:  providers,
	})
	if err != nil {
		log.Crit("Failed to start backend", "err", err)
	}
	defer backend.Close()

	server := &http.Server{Addr: fmt.Sprintf("localhost:%d", *apiportFlag), Handler: rest.New(backend)}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Crit("API server failed", "err", err)
		}
	}()
	log.Info("Daemon running", "api", server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Info("Shutting down")
	server.Close()
}
