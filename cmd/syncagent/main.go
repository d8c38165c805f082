// Command syncagent runs the on-premises Sync Agent: it polls a fleet of
// BACnet/IP meters, replicates tenant/meter configuration down from the
// Client System, and uploads collected readings back up, exposing a small
// local HTTP API for an operator UI along the way.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Resinat/syncagent/internal/agent"
	"github.com/Resinat/syncagent/internal/buildinfo"
	"github.com/Resinat/syncagent/internal/config"
)

// shutdownGrace bounds the local API's graceful drain on the first signal.
const shutdownGrace = 10 * time.Second

// forceShutdownGrace bounds how long a second signal is given before the
// process is terminated unconditionally.
const forceShutdownGrace = 5 * time.Second

func main() {
	log.Printf("syncagent %s (commit %s, built %s)", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)

	cfg, err := config.LoadEnvConfig()
	if err != nil {
		fatalf("%v", err)
	}
	if cfg.LogLevel == "debug" {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	}

	a, err := agent.New(cfg, nil)
	if err != nil {
		fatalf("agent init: %v", err)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelStart()
	if err := a.Start(startCtx); err != nil {
		fatalf("agent start: %v", err)
	}
	log.Println("syncagent startup complete")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("received signal %s, shutting down...", sig)
	case err := <-a.RuntimeErrors():
		if err != nil {
			log.Printf("local API exited unexpectedly: %v, shutting down...", err)
		}
	}

	shutdownDone := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		a.Shutdown(ctx)
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		log.Println("syncagent stopped")
	case sig := <-quit:
		log.Printf("received second signal %s, forcing termination in %s", sig, forceShutdownGrace)
		select {
		case <-shutdownDone:
			log.Println("syncagent stopped")
		case <-time.After(forceShutdownGrace):
			log.Println("forced termination: shutdown did not complete in time")
			os.Exit(1)
		}
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(1)
}
