package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pulpfleet/reposync/pkg/health"
)

// serveHTTP serves liveness/readiness endpoints and blocks until SIGINT
// or SIGTERM, then drains in-flight requests and runs shutdown before
// returning. The HTTP service that exposes Tasks to end users is out of
// scope (§1); this surface exists only for orchestrator health probes.
// Shape grounded on the teacher framework's own Run(): listen, serve in
// a goroutine, select on a signal-aware context, then a timed Shutdown.
func serveHTTP(ctx context.Context, addr string, checks health.Checks, log *slog.Logger, shutdown func(context.Context) error) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", health.LivenessHandler())
	mux.HandleFunc("/readyz", health.ReadinessHandler(checks, health.WithTimeout(5*time.Second), health.WithLogger(log)))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server starting", "address", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if shutdown != nil {
		if err := shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
