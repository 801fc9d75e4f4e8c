// Command labsim runs a local stand-in for the lab platform: the session
// REST API, the provisioning log stream and the interactive terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/lab-practice/labterm/internal/labsim"
)

func main() {
	configPath := flag.String("config", "labsim.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	scenario := flag.String("scenario", "", "Override provisioning scenario (steady, error, flaky, drop)")
	shell := flag.String("shell", "", "Run this command under a PTY for terminals instead of the echo shell")
	flag.Parse()

	cfg, err := labsim.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *scenario != "" {
		if !labsim.KnownScenario(*scenario) {
			log.Fatalf("Unknown scenario %q", *scenario)
		}
		cfg.Stream.Scenario = *scenario
	}
	if *shell != "" {
		cfg.Terminal.Shell = *shell
	}

	srv := labsim.NewServer(cfg, labsim.NewStore())
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown: %v", err)
		}
	}()

	log.Printf("labsim listening on http://%s (scenario %s)", addr, cfg.Stream.Scenario)
	fmt.Fprintf(os.Stderr, "Try: labterm start 1 --api http://%s/api --stream ws://%s --token dev --user 42\n", addr, addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}
}
