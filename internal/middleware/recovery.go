package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/example/meshgate/internal/errors"
	"github.com/example/meshgate/internal/logging"
)

// Recovery converts panics in downstream handlers into 500 responses.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logging.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()),
					)
					errors.ErrInternal.WriteJSON(w)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
