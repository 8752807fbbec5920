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
	"syscall"
	"time"

	"haystack/internal/core"
	"haystack/internal/engine"
	"haystack/internal/index"
	"haystack/internal/mirror"
	"haystack/internal/storage"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

func Run(ctx context.Context) error {

	listen := flag.String("listen", "8000", "HTTP listen port")
	dataDir := flag.String("data-dir", "./data", "directory holding the volume, index, and delete log")
	indexKind := flag.String("index", "memory", "index backend: memory or sqlite")
	syncMode := flag.String("sync", "always", "volume flush policy: always or none")
	cacheEntries := flag.Int("cache-entries", 1024, "read cache size in objects, 0 disables it")
	maxObjectSize := flag.Int64("max-object-size", core.DefaultMaxObjectSize, "largest accepted payload in bytes")

	mirrorEndpoint := flag.String("mirror-endpoint", "", "S3 endpoint to mirror the index to, empty disables mirroring")
	mirrorBucket := flag.String("mirror-bucket", "", "bucket receiving index exports")
	mirrorPrefix := flag.String("mirror-prefix", "haystack/", "object name prefix for index exports")
	mirrorAccessKey := flag.String("mirror-access-key", "", "S3 access key ID")
	mirrorSecretKey := flag.String("mirror-secret-key", "", "S3 secret access key")
	mirrorSecure := flag.Bool("mirror-secure", true, "use HTTPS for the mirror endpoint")
	mirrorInterval := flag.Duration("mirror-interval", 5*time.Minute, "time between index exports")

	flag.Parse()

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.DebugLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	kind, err := index.ParseKind(*indexKind)
	if err != nil {
		return err
	}

	mode, err := storage.ParseSyncMode(*syncMode)
	if err != nil {
		return err
	}

	var m *mirror.Mirror
	if *mirrorEndpoint != "" {
		if *mirrorInterval <= 0 {
			return fmt.Errorf("-mirror-interval must be positive, got %s", *mirrorInterval)
		}

		m, err = mirror.New(mirror.Config{
			Endpoint:        *mirrorEndpoint,
			Bucket:          *mirrorBucket,
			Prefix:          *mirrorPrefix,
			AccessKeyID:     *mirrorAccessKey,
			SecretAccessKey: *mirrorSecretKey,
			Secure:          *mirrorSecure,
		}, nil)
		if err != nil {
			return fmt.Errorf("failed to configure index mirror: %w", err)
		}
	}

	e, err := engine.Open(ctx, engine.Config{
		DataDir:      *dataDir,
		IndexKind:    kind,
		SyncMode:     mode,
		CacheEntries: *cacheEntries,
	})
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}

	defer func() {
		if err := e.Close(); err != nil {
			slog.Error("Close engine", "err", err)
		}
	}()

	server, err := core.NewServer(core.NewConfig(
		core.WithEngine(e),
		core.WithMaxObjectSize(*maxObjectSize),
	))
	if err != nil {
		return fmt.Errorf("failed to create haystack server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", *listen),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting Haystack HTTP server", "port", *listen)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	eg.Go(func() error {
		if m == nil {
			slog.Debug("Skipping index mirror because no endpoint was provided")
			return nil
		}

		slog.Info("Mirroring index", "endpoint", *mirrorEndpoint, "bucket", *mirrorBucket, "interval", *mirrorInterval)
		return m.Run(ctx, *mirrorInterval, e.ExportIndex)
	})

	slog.Info("Haystack Started")
	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Haystack exited with error", "error", err)
		os.Exit(1)
	}
}
