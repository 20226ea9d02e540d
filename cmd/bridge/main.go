package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qlsl-bridge/internal/link"
	"qlsl-bridge/internal/lsl"
	"qlsl-bridge/internal/platform/config"
	"qlsl-bridge/internal/platform/logger"
	"qlsl-bridge/internal/platform/metrics"
	"qlsl-bridge/internal/qtm"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	qtmHost := config.GetEnv("QTM_HOST", "127.0.0.1")
	qtmPort := config.GetEnvInt("QTM_PORT", qtm.DefaultPort)
	qtmVersion := config.GetEnv("QTM_VERSION", qtm.DefaultVersion)
	httpPort := config.GetEnv("HTTP_PORT", "8080")
	outletBuffer := config.GetEnvInt("OUTLET_BUFFER", lsl.DefaultBufferDepth)
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	met := metrics.New()
	hub := lsl.NewHub(log)

	lnk, err := link.Connect(context.Background(), link.Options{
		Host:    qtmHost,
		Port:    qtmPort,
		Version: qtmVersion,
		NewOutlet: func(meta *lsl.Metadata) (lsl.Outlet, error) {
			return hub.Open(meta, outletBuffer)
		},
		OnStateChanged: func(s link.State) {
			log.Info("link state changed", slog.String("state", s.String()))
		},
		OnError: func(err error) {
			log.Error("link error", slog.String("error", err.Error()))
		},
		Logger:  log,
		Metrics: met,
	})
	if err != nil {
		log.Error("connect failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Method(http.MethodGet, "/metrics", met.Handler())
	r.Get("/status", statusHandler(lnk))
	r.Method(http.MethodGet, "/outlet/stream", hub)

	addr := ":" + httpPort
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("bridge started",
		"qtm_host", qtmHost,
		"qtm_port", qtmPort,
		"qtm_version", qtmVersion,
		"http_port", httpPort,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received")

	lnk.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("bridge stopped")
}

// statusHandler reports the link state for progress display: current state,
// packet count, and elapsed seconds of the running stream.
func statusHandler(lnk *link.Link) http.HandlerFunc {
	type status struct {
		State     string  `json:"state"`
		Streaming bool    `json:"streaming"`
		Packets   uint64  `json:"packets"`
		ElapsedS  float64 `json:"elapsed_seconds"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		s := status{
			State:     lnk.State().String(),
			Streaming: lnk.IsStreaming(),
			Packets:   lnk.PacketCount(),
			ElapsedS:  lnk.ElapsedTime().Seconds(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}
}
