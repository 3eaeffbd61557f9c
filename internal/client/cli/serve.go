package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dmitrijs2005/msgvault/internal/client/metrics"
	"github.com/dmitrijs2005/msgvault/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// ServeMetrics exposes /metrics on addr until ctx is done.
func ServeMetrics(ctx context.Context, addr string, logger logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}
