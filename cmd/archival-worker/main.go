package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	log "github.com/sirupsen/logrus"

	"github.com/aaronwang/live-auction/internal/archive"
	"github.com/aaronwang/live-auction/internal/config"
	natsArchive "github.com/aaronwang/live-auction/internal/nats"
)

func main() {
	setupLogging()
	log.Info("Starting Archival Worker...")

	cfg, err := config.LoadWorker()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	log.Info("Connecting to PostgreSQL...")
	db, err := archive.NewPostgresClient(cfg.PostgresURL)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to PostgreSQL")
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.InitSchema(ctx); err != nil {
		log.WithError(err).Fatal("Failed to initialize schema")
	}
	log.Info("Database schema initialized")

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

	// the worker may start before the server, so it prepares the stream too
	streamCtx, streamCancel := context.WithTimeout(ctx, 10*time.Second)
	err = natsArchive.EnsureStream(streamCtx, js, cfg.NatsStream, cfg.NatsSubject)
	streamCancel()
	if err != nil {
		log.WithError(err).Fatal("Failed to prepare archive stream")
	}

	consumer := archive.NewConsumer(js, db, archive.ConsumerConfig{
		Stream:        cfg.NatsStream,
		Durable:       cfg.NatsConsumer,
		FilterSubject: cfg.NatsSubject + ".>",
		MaxDeliver:    cfg.NatsMaxDeliver,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.Start(ctx); err != nil {
			log.WithError(err).Error("Consumer error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("Shutting down worker...")
	case <-done:
		log.Warn("Consumer exited, shutting down worker...")
	}
	cancel()
	<-done

	log.Info("Worker stopped gracefully")
}

func setupLogging() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)
}
