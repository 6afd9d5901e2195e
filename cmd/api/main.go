package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"post-scheduler/app"
)

func main() {
	runtime, err := app.Build(app.Options{
		LoadDotEnv:    true,
		RunMigrations: true,
	})
	if err != nil {
		os.Stderr.WriteString("bootstrap failed: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer runtime.Close()

	logger := runtime.Logger

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scannerDone := make(chan struct{})
	go func() {
		defer close(scannerDone)
		runtime.Scanner.Run(ctx)
	}()

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           runtime.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	logger.Info("server_start", map[string]any{"addr": server.Addr})

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server_failed", map[string]any{"error": err.Error()})
			stop()
			<-scannerDone
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutdown_requested", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server_shutdown_failed", map[string]any{"error": err.Error()})
		}
		<-scannerDone
	}
}
