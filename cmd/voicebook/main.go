package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"voicebook/engine/internal/api"
	"voicebook/engine/internal/audio"
	"voicebook/engine/internal/config"
	"voicebook/engine/internal/conversation"
	"voicebook/engine/internal/health"
	"voicebook/engine/internal/logging"
	"voicebook/engine/internal/transport"
)

func main() {
	// Load .env file if present (ignored if missing)
	_ = godotenv.Load()

	cfg := config.Load()

	log, err := logging.New(cfg.Server.LogLevel)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	var dev audio.Device
	switch cfg.Audio.Driver {
	case "ffmpeg":
		dev = audio.NewFFmpegDevice(cfg.Audio.MicInput, cfg.Audio.SampleRate, log)
	case "none":
		dev = audio.NullDevice{}
	default:
		log.Fatal("unknown audio driver", zap.String("driver", cfg.Audio.Driver))
	}

	// Startup probe only; a degraded backend is reported, not fatal.
	hctx, hcancel := context.WithTimeout(context.Background(), 5*time.Second)
	if st := health.CheckAll(hctx, cfg); st.OK {
		log.Info("startup health check passed")
	} else {
		log.Warn("startup health check failed\n" + st.String())
	}
	hcancel()

	client := transport.NewClient(cfg, log)
	sess := conversation.New(cfg, conversation.ClientBackend{Client: client}, dev, log)

	h := api.NewHandlers(cfg, sess, client, log)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(log, api.NewRouter(h)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Info("shutdown signal received; stopping server")
		// Release the mic and speaker before draining HTTP.
		sess.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	log.Info("server starting",
		zap.String("addr", addr),
		zap.String("backend", cfg.Backend.BaseURL),
		zap.String("audio_driver", cfg.Audio.Driver))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func logMiddleware(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}
