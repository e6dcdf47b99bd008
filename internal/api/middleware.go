package api

import (
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/pborman/uuid"
	"github.com/rs/zerolog"

	"github.com/ferux/trackercenter/internal/fcontext"
	"github.com/ferux/trackercenter/internal/model"
)

const (
	requestIDHeader = "x-request-id"
	originHeader    = "Origin"
)

func middlewareRequestID() func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			rid := r.Header.Get(requestIDHeader)
			if len(rid) == 0 {
				rid = uuid.New()
			}

			w.Header().Set(requestIDHeader, rid)
			r = r.WithContext(fcontext.WithRequestID(ctx, rid))

			h.ServeHTTP(w, r)
		})
	}
}

func middlewareLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			rid := fcontext.RequestID(ctx)
			lg := logger.With().Str("request_id", rid).Logger()
			r = r.WithContext(lg.WithContext(ctx))
			start := time.Now()
			lg.Debug().
				Str("method", r.Method).
				Str("request_uri", r.RequestURI).
				Msg("accepted")

			h.ServeHTTP(w, r)

			lg.Info().Str("took", time.Since(start).String()).Msg("served")
		})
	}
}

func middlewareCounter(api *HTTP) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt64(&api.requestCount, 1)
			h.ServeHTTP(w, r)
		})
	}
}

// middlewareDeviceID puts {id} route variable into context and logger.
func middlewareDeviceID() func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := mux.Vars(r)["id"]
			if !ok {
				h.ServeHTTP(w, r)
				return
			}

			ctx := fcontext.WithDeviceID(r.Context(), id)
			lg := zerolog.Ctx(ctx).With().Str("device_id", id).Logger()
			r = r.WithContext(lg.WithContext(ctx))

			h.ServeHTTP(w, r)
		})
	}
}

// middlewareCORS lets through requests without Origin, from dashboard own
// origin and from configured ones. Anything else is refused before routing.
func middlewareCORS(allowed func(r *http.Request) bool) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get(originHeader)
			if origin != "" {
				if !allowed(r) {
					zerolog.Ctx(r.Context()).Warn().Str("origin", origin).Msg("origin not allowed")
					asJSON(r.Context(), w, model.ServiceError{Message: "origin not allowed"}, http.StatusForbidden)

					return
				}

				headers := w.Header()
				headers.Set("Access-Control-Allow-Origin", origin)
				headers.Add("Vary", originHeader)
				headers.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				headers.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
				headers.Set("Access-Control-Expose-Headers", "X-Request-ID")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			h.ServeHTTP(w, r)
		})
	}
}

// originAllowed follows gorilla's same origin check and adds configured
// origins on top of it.
func (api *HTTP) originAllowed(r *http.Request) bool {
	origin := r.Header.Get(originHeader)
	if origin == "" {
		return true
	}

	if _, ok := api.origins[normalizeOrigin(origin)]; ok {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}

	return strings.EqualFold(u.Host, r.Host)
}

func normalizeOrigin(origin string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(origin), "/"))
}
