package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	log "github.com/sirupsen/logrus"

	"github.com/aaronwang/live-auction/internal/announcer"
	"github.com/aaronwang/live-auction/internal/auction"
	"github.com/aaronwang/live-auction/internal/auth"
	"github.com/aaronwang/live-auction/internal/broadcast"
	"github.com/aaronwang/live-auction/internal/config"
	"github.com/aaronwang/live-auction/internal/handlers"
	"github.com/aaronwang/live-auction/internal/jobs"
	"github.com/aaronwang/live-auction/internal/ledger"
	natsArchive "github.com/aaronwang/live-auction/internal/nats"
	"github.com/aaronwang/live-auction/internal/pool"
	redisMirror "github.com/aaronwang/live-auction/internal/redis"
	"github.com/aaronwang/live-auction/internal/uploads"
)

func main() {
	setupLogging()
	log.Info("Starting Auction Server...")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	announcers := announcer.Multi{announcer.Logger{}}
	var mirrors []auction.Publisher

	if cfg.RedisEnabled {
		log.WithField("addr", cfg.RedisAddr).Info("Connecting to Redis...")
		rdb, err := redisMirror.Connect(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer rdb.Close()

		mirror := redisMirror.NewMirror(rdb, cfg.RedisChannel, cfg.ObserverBuffer)
		defer mirror.Close()
		mirrors = append(mirrors, mirror)
		log.WithField("channel", cfg.RedisChannel).Info("Redis mirror enabled")
	}

	if cfg.NatsEnabled {
		log.WithField("url", cfg.NatsURL).Info("Connecting to NATS...")
		nc, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to NATS")
		}
		defer nc.Close()

		js, err := jetstream.New(nc)
		if err != nil {
			log.WithError(err).Fatal("Failed to create JetStream context")
		}

		streamCtx, streamCancel := context.WithTimeout(ctx, 10*time.Second)
		err = natsArchive.EnsureStream(streamCtx, js, cfg.NatsStream, cfg.NatsSubjectPrefix)
		streamCancel()
		if err != nil {
			log.WithError(err).Fatal("Failed to prepare archive stream")
		}

		archiver := natsArchive.NewArchiver(js, cfg.NatsSubjectPrefix, cfg.ObserverBuffer)
		defer archiver.Close()
		mirrors = append(mirrors, archiver)
		announcers = append(announcers, announcer.NewNATS(nc, cfg.NatsAnnounceSubject))
		log.WithField("stream", cfg.NatsStream).Info("NATS archive enabled")
	}

	svc := auction.NewService(
		auction.Settings{
			BasePrice:      cfg.BasePrice,
			InitialCapital: cfg.InitialCapital,
			Window:         cfg.BidWindow,
		},
		ledger.New(),
		pool.New(nil),
		broadcast.NewManager(cfg.ObserverBuffer),
		announcers,
		mirrors...,
	)

	authSvc := auth.NewService(auth.Options{
		OperatorName:         cfg.OperatorName,
		OperatorPasswordHash: cfg.OperatorPasswordHash,
		BidderPrefix:         cfg.BidderPrefix,
		BidderPasswordHash:   cfg.BidderPasswordHash,
	})

	store, err := uploads.NewStore(cfg.UploadDir, cfg.UploadMaxBytes)
	if err != nil {
		log.WithError(err).Fatal("Failed to prepare upload store")
	}

	limiter := handlers.NewRateLimiter(cfg.BidRateLimit, cfg.BidRateWindow)
	defer limiter.Close()

	scheduler := jobs.NewScheduler(svc, cfg.DeadlineSweep, cfg.SnapshotSchedule)
	if err := scheduler.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start scheduler")
	}
	defer scheduler.Stop()

	handler := handlers.NewHandler(svc, authSvc, store, limiter)
	server := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     handler.SetupRoutes(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.ServerAddr).Info("Auction Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.WithField("signal", sig.String()).Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	// stop the round timer before the deferred mirror Close calls run
	svc.Close()
	cancel()

	log.Info("Server stopped gracefully")
}

func setupLogging() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)
}
