package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

const maxLoggedBody = 64 << 10

// requestLogger logs one line per request once the response is written.
// The level follows the status: 5xx error, 4xx warn, otherwise info.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
			}
			if id := middleware.GetReqID(r.Context()); id != "" {
				attrs = append(attrs, "req_id", id)
			}
			if r.URL.RawQuery != "" {
				attrs = append(attrs, "query", r.URL.RawQuery)
			}
			if r.Method != http.MethodGet {
				if keys := peekBodyKeys(r); len(keys) > 0 {
					attrs = append(attrs, "body_keys", keys)
				}
			}

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				attrs = append(attrs,
					"status", status,
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start))

				switch {
				case status >= 500:
					logger.Error("request", attrs...)
				case status >= 400:
					logger.Warn("request", attrs...)
				default:
					logger.Info("request", attrs...)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// peekBodyKeys returns the top-level keys of a JSON object body and restores
// the body for the handler. Values are never logged; they may carry message
// content.
func peekBodyKeys(r *http.Request) []string {
	if r.Body == nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxLoggedBody+1))
	rest := r.Body
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(data), rest), rest}
	if err != nil || len(data) > maxLoggedBody {
		return nil
	}

	var fields map[string]json.RawMessage
	if json.Unmarshal(data, &fields) != nil {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
