package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fedimint-go/guardian/pkg/config"
	"github.com/fedimint-go/guardian/pkg/guardian"
	"github.com/fedimint-go/guardian/pkg/util"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "data/guardian.log"
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile, "self", cfg.Self)

	httpAddr := os.Getenv("GUARDIAN_HTTP_ADDR")
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := guardian.New(ctx, cfg, httpAddr, sugar)
	if err != nil {
		sugar.Fatalw("guardian_init_failed", "error", err)
	}
	defer srv.Close()

	sugar.Infow("guardian_starting", "self", cfg.Self, "peers", len(cfg.Peers), "single_node", cfg.SingleNode)
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		sugar.Fatalw("guardian_failed", "error", err)
	}
}
