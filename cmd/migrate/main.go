package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"note-summarizer/internal/config"
	"note-summarizer/internal/logger"
	"note-summarizer/internal/store"
)

func main() {
	command := flag.String("command", "up", "goose command: up, down, status, redo, reset, version")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Setup("info", "json").Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat).With("service", "migrate")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.MigrateCommand(ctx, *command); err != nil {
		log.Error("migration failed", "command", *command, "error", err)
		os.Exit(1)
	}
	log.Info("migration complete", "command", *command)
}
