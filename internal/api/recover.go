package api

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/blueberrycongee/espgate/internal/observability"
)

// Recover converts a handler panic into a 500 so one bad call cannot take
// the server down. http.ErrAbortHandler is passed through.
func Recover(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			observability.WithRequestID(r.Context(), logger).Error("handler panic",
				"path", r.URL.Path,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			writeText(w, http.StatusInternalServerError, "Internal error.")
		}()
		next.ServeHTTP(w, r)
	})
}
