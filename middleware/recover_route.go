package middleware

import (
	"net/http"

	"go.uber.org/zap"
)

// RecoverRoute guards a read-only route such as /health or /status. A panic
// while rendering it is logged and answered with 500. Coordination state is
// never mutated through these routes, so the process keeps running.
func RecoverRoute(h http.HandlerFunc, logger *zap.Logger) http.HandlerFunc {
	return func(res http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("route panicked", zap.String("path", req.URL.Path), zap.Any("err", err))
				http.Error(res, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		h(res, req)
	}
}
