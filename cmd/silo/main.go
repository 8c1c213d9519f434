package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"putsum/internal/auth"
	"putsum/internal/silo"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func Run(ctx context.Context) error {

	listen := flag.String("listen", getenv("SILO_LISTEN", ":9000"), "HTTP listen address")
	dataDir := flag.String("data-dir", getenv("SILO_DATA_DIR", "./data"), "directory to store object data")
	accessKey := flag.String("access-key", getenv("SILO_ACCESS_KEY", auth.DefaultAccessKeyID), "access key ID accepted by the server")
	secretKey := flag.String("secret-key", getenv("SILO_SECRET_KEY", auth.DefaultSecretAccessKey), "secret access key accepted by the server")
	region := flag.String("region", getenv("SILO_REGION", "us-east-1"), "region reported for buckets and used for signing")

	flag.Parse()

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.DebugLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	// Ensure data directory is absolute for easier debugging.
	absDataDir, err := filepath.Abs(*dataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := silo.NewConfig(
		silo.WithDataDir(absDataDir),
		silo.WithRegion(*region),
		silo.WithCredentials(*accessKey, *secretKey),
	)

	server, err := silo.NewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create silo server: %w", err)
	}

	defer server.Close()

	// Uploads stream bodies of arbitrary size, so only headers are bounded.
	httpServer := &http.Server{
		Addr:              *listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting Silo HTTP server", "listen", *listen, "region", server.Region(), "data_dir", absDataDir)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Silo Started")
	return eg.Wait()

}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Silo exited with error", "error", err)
		os.Exit(1)
	}
}
