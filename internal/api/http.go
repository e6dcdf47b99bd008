package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ferux/trackercenter/internal/config"
	"github.com/ferux/trackercenter/internal/dashboard"
	"github.com/ferux/trackercenter/internal/detail"
	"github.com/ferux/trackercenter/internal/model"
)

const (
	maxHeaderBytes = 256 * (1 << 10) // 256 KiB
	contentType    = "content-type"
	contentJSON    = "application/json"
)

type HTTP struct {
	srv *http.Server

	tracker   Tracker
	hub       detail.Poller
	devices   *dashboard.View
	logger    zerolog.Logger
	notifier  *sentry.Client
	info      model.ApplicationInfo
	limit     int
	origins   map[string]struct{}
	liveMu    sync.Mutex
	liveConns map[*websocket.Conn]struct{}

	requestCount int64
	bootTime     time.Time
}

// NewHTTP prepares new http service. nClient may be nil. Allowed origins
// must be absolute, like https://ops.example.com.
func NewHTTP(
	cfg config.HTTP,
	tracker Tracker,
	hub detail.Poller,
	historyLimit int,
	logger zerolog.Logger,
	nClient *sentry.Client,
	appInfo model.ApplicationInfo,
) (*HTTP, error) {
	if tracker == nil || hub == nil {
		return nil, errors.New("api: tracker and poller are required")
	}

	to := cfg.Timeout.Std()
	srv := &http.Server{
		Addr:              cfg.Listen,
		ReadTimeout:       to,
		ReadHeaderTimeout: to,
		WriteTimeout:      to,
		IdleTimeout:       to,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	logger = logger.With().Str("pkg", "api").Logger()

	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		if origin = normalizeOrigin(origin); origin == "" || origin == "*" {
			logger.Warn().Str("origin", origin).Msg("ignoring allowed origin")
			continue
		}

		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("api: bad allowed origin %q", origin)
		}

		origins[origin] = struct{}{}
	}

	api := &HTTP{
		srv:       srv,
		tracker:   tracker,
		hub:       hub,
		devices:   dashboard.New(tracker, logger),
		logger:    logger,
		notifier:  nClient,
		info:      appInfo,
		limit:     historyLimit,
		origins:   origins,
		liveConns: make(map[*websocket.Conn]struct{}),
		bootTime:  time.Now(),
	}
	api.setupRoutes()

	return api, nil
}

// Handler serves the dashboard api.
func (api *HTTP) Handler() http.Handler { return api.srv.Handler }

// Serve connections
func (api *HTTP) Serve() {
	go func() {
		api.logger.Info().Str("listen", api.srv.Addr).Msg("serving http")
		err := api.srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			api.logger.Error().Err(err).Msg("interrupted")
			if api.notifier != nil {
				api.notifier.CaptureException(err, nil, sentry.NewScope())
			}
		}
	}()
}

// Shutdown the server and drop live views.
func (api *HTTP) Shutdown(ctx context.Context) error {
	err := api.srv.Shutdown(ctx)

	api.liveMu.Lock()
	for conn := range api.liveConns {
		_ = conn.Close()
	}
	api.liveMu.Unlock()

	return err
}

func asJSON(ctx context.Context, w http.ResponseWriter, obj interface{}, code int) {
	w.Header().Set(contentType, contentJSON)
	w.WriteHeader(code)

	err := json.NewEncoder(w).Encode(obj)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("encoding json")
	}
}
