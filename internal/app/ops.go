package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"condenser/pkg/api"
	"condenser/pkg/logger"
)

// startOps starts the operational HTTP listener (metrics, health, status)
// and returns a channel that receives any fatal server error.
func (a *App) startOps(_ context.Context) <-chan error {
	r := mux.NewRouter()
	api.Register(r, a.version, a.Status)

	a.srv = &http.Server{
		Addr:         a.cfg.Addr(),
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops_listening", "addr", a.srv.Addr)
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	return errCh
}

func (a *App) stopOps() {
	if a.srv == nil {
		return
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(shutCtx); err != nil {
		logger.Error("ops_shutdown_failed", "error", err)
	}
	a.srv = nil
}
