// Command feedarchiver reads the stream, writes hourly gzip segments and
// archives the closed ones.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sampullara/feedarchiver/internal/archive"
	"github.com/sampullara/feedarchiver/internal/compact"
	"github.com/sampullara/feedarchiver/internal/config"
	"github.com/sampullara/feedarchiver/internal/database/boltstore"
	"github.com/sampullara/feedarchiver/internal/firehose"
	"github.com/sampullara/feedarchiver/internal/metrics"
	"github.com/sampullara/feedarchiver/internal/middleware"
	"github.com/sampullara/feedarchiver/internal/segment"
	"github.com/sampullara/feedarchiver/internal/tracing"
	"github.com/sampullara/feedarchiver/internal/workpool"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	setupLogging(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(ctx).Execute()
	stop()

	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	log.Error().Err(err).Msg("feedarchiver stopped")
	return 1
}

// run wires the pipeline and blocks until the stream finishes, fails for
// good, or ctx is cancelled. Cancellation is a clean stop and returns nil.
func run(ctx context.Context, cfg *config.Config) error {
	log.Info().Str("url", cfg.Stream.URL).Str("dir", cfg.Segment.Dir).Msg("Starting feedarchiver")

	if tracing.Enabled() {
		tp, err := tracing.Init(ctx)
		if err != nil {
			return fmt.Errorf("failed to init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Failed to flush traces")
			}
		}()
	}

	sink, err := segment.New(segment.Options{
		Dir:    cfg.Segment.Dir,
		Prefix: cfg.Segment.Prefix,
		Suffix: cfg.Segment.Suffix,
		Grace:  cfg.Segment.Grace,
		Level:  cfg.Segment.Level,
	})
	if err != nil {
		return err
	}
	if err := sink.Prime(); err != nil {
		return fmt.Errorf("failed to open first segment: %w", err)
	}

	pool := workpool.New(cfg.Stream.Workers)
	consumer := firehose.NewConsumer(cfg.StreamSettings(), pool)

	serializer := compact.NewSerializer(sink, compact.Options{
		ReportEvery: cfg.Segment.ReportEvery,
		MaxInFlight: cfg.Segment.MaxInFlight,
	})
	consumer.AddListener(serializer)

	var users *boltstore.Store
	if cfg.Users.Enabled {
		users, err = boltstore.Open(boltstore.Options{Path: cfg.Users.Path, NoSync: cfg.Users.NoSync})
		if err != nil {
			return err
		}
		consumer.AddListener(boltstore.NewUserListener(users.UserStore()))
		log.Info().Str("path", cfg.Users.Path).Int("users", users.UserStore().Count()).Msg("User store opened")
	}

	stopUploads := func() {}
	if cfg.Archive.Enabled {
		uploader, err := newUploader(cfg, sink.Open)
		if err != nil {
			return err
		}
		stopUploads = uploader.Start(ctx, cfg.Archive.Interval)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics.StartCollector(runCtx, metrics.StatsSource{
		Lines:      func() int64 { return consumer.Stats().Lines },
		Dropped:    func() int64 { s := consumer.Stats(); return s.GlobalDrops + s.ListenerDrops + serializer.Dropped() },
		InFlight:   func() int64 { return consumer.Stats().InFlight },
		QueueDepth: pool.Len,
		DispatchLatency: func() (time.Duration, bool) {
			s := consumer.Stats()
			return s.AvgDispatch, s.HasDispatchAvg
		},
		Connected: consumer.IsConnected,
	}, cfg.Metrics.CollectInterval)

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		err := consumer.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           adminHandler(consumer),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			log.Info().Str("address", cfg.Metrics.Addr).Msg("Starting metrics server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	runErr := g.Wait()

	shutdown(cfg.ShutdownTimeout, pool, sink, stopUploads, users)
	return runErr
}

// adminHandler serves /metrics and a /healthz probe that fails while the
// stream is disconnected.
func adminHandler(consumer *firehose.Consumer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if !consumer.IsConnected() {
			http.Error(w, "stream disconnected", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok\n"))
	})
	return middleware.LoggingMiddleware(log.Logger)(mux)
}

// shutdown drains queued work into the active segment, closes it, stops the
// uploader and closes the user store. Each wait is bounded by timeout.
func shutdown(timeout time.Duration, pool *workpool.Pool, sink *segment.Sink, stopUploads func(), users *boltstore.Store) {
	log.Info().Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := pool.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("Worker pool did not drain before timeout")
	}
	if err := sink.Close(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to close segments")
	}

	stopUploads()

	if users != nil {
		if err := users.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close user store")
		}
	}
	log.Info().Msg("Shutdown complete")
}

func newUploader(cfg *config.Config, busy func(name string) bool) (*archive.Uploader, error) {
	var store archive.ObjectStore
	switch cfg.Archive.Store {
	case "s3":
		s3, err := archive.NewS3Store(archive.S3Config{
			Bucket:       cfg.Archive.S3.Bucket,
			Region:       cfg.Archive.S3.Region,
			Endpoint:     cfg.Archive.S3.Endpoint,
			AccessKey:    cfg.Archive.S3.AccessKey,
			SecretKey:    cfg.Archive.S3.SecretKey,
			StorageClass: cfg.Archive.S3.StorageClass,
			PathStyle:    cfg.Archive.S3.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		store = s3
	default:
		dir, err := archive.NewDirStore(cfg.Archive.Dir)
		if err != nil {
			return nil, err
		}
		store = dir
	}

	loc, err := time.LoadLocation(cfg.Archive.Location)
	if err != nil {
		return nil, fmt.Errorf("invalid archive location: %w", err)
	}

	return archive.NewUploader(archive.Options{
		Dir:      cfg.Segment.Dir,
		Prefix:   cfg.Segment.Prefix,
		Suffix:   cfg.Segment.Suffix,
		Busy:     busy,
		Store:    store,
		Location: loc,
		MinAge:   cfg.Archive.MinAge,
	})
}
