package main

import (
	"fmt"
	"log/slog"
	"net/http"
)

// startHealthServer exposes the liveness endpoint hosting platforms probe.
// It runs beside the poll loop and never takes the bot down with it.
func startHealthServer(logger *slog.Logger, bind string, port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Anna TG bot is running"))
	})

	addr := fmt.Sprintf("%s:%d", bind, port)
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("health_server_error", "addr", addr, "error", err.Error())
		}
	}()
	logger.Info("health_server_start", "addr", addr)
}
