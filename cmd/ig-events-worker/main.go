package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/eventpulse/ig-events-worker/internal/api"
	"github.com/eventpulse/ig-events-worker/internal/config"
	"github.com/eventpulse/ig-events-worker/internal/store"
)

func main() {
	jc := config.ReadConfig()

	storage, err := store.Connect(jc.GetString("database_url", ""))
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	defer storage.Close()

	if err := storage.Migrate(jc.GetString("migrations_path", "file://internal/store/migrations")); err != nil {
		logrus.Fatalf("Failed to run migrations: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := api.Start(ctx, jc, storage); err != nil {
		logrus.Fatalf("Server stopped: %v", err)
	}
}
