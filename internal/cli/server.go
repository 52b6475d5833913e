package cli

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/roach88/pushdash/internal/metrics"
	"github.com/roach88/pushdash/internal/session"
)

const shutdownTimeout = 5 * time.Second

// health is the /healthz payload.
type health struct {
	Ready  bool              `json:"ready"`
	Faults map[string]string `json:"faults,omitempty"`
}

// newStatusRouter serves the session's metrics, readiness and dashboard.
func newStatusRouter(sess *session.Session, collector *metrics.Collector) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", collector.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		h := health{}
		select {
		case <-sess.Ready():
			h.Ready = true
		default:
		}
		for spec, err := range sess.Faults() {
			if h.Faults == nil {
				h.Faults = make(map[string]string)
			}
			h.Faults[spec] = err.Error()
		}
		status := http.StatusOK
		if !h.Ready || len(h.Faults) > 0 {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	}).Methods(http.MethodGet)
	r.HandleFunc("/dashboard", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, sess.Dashboard())
	}).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

// serveStatus runs handler on addr until ctx is done.
func serveStatus(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("status server listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("status server shutdown", "error", err)
	}
	return nil
}
