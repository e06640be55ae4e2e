package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"simplyscript/cmd/simplyscript/cmd"
	"simplyscript/core/logger"

	"go.uber.org/zap"
)

func main() {
	ctx := logger.WithComponentName(context.Background(), "main")

	defer func() {
		// Sync fails on some terminals; nothing useful to do about it at exit.
		_ = logger.Logger.Sync()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info(ctx, "Received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	os.Exit(cmd.Execute(ctx))
}
