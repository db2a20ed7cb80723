package metrics

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Serve exposes a JSON snapshot of whatever snapshot returns under
// /metrics and blocks until the listener fails. Callers run it in its
// own goroutine; it's independent of the event loop, same as the
// teacher's dashboard stats API having nothing to do with its own
// envelope/transport event handling.
func Serve(addr string, snapshot func() any) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snapshot())
	})
	slog.Info("metrics listening", "addr", addr)
	return http.ListenAndServe(addr, mux)
}
