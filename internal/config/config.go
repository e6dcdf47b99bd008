package config

import (
	"encoding/json"
	"io/ioutil"
	stdtime "time"

	"github.com/ferux/trackercenter/internal/time"
)

// DefaultBackendURL is the base path of the tracking backend REST service.
const DefaultBackendURL = "http://localhost:8080/api"

// Application settings.
type Application struct {
	Debug          bool           `json:"debug"`
	HTTP           HTTP           `json:"http"`
	Backend        Backend        `json:"backend"`
	Session        Session        `json:"session"`
	Poller         Poller         `json:"poller"`
	SentryDSN      string         `json:"sentry_dsn"`
	NotifyTelegram NotifyTelegram `json:"notify_telegram"`
	ServerName     string         `json:"server_name"`
}

// HTTP is the dashboard server.
type HTTP struct {
	Listen  string        `json:"listen"`
	Timeout time.Duration `json:"timeout"`
	// AllowedOrigins may call the api from a browser besides the dashboard
	// own origin, e.g. "https://ops.example.com". "*" is not accepted.
	AllowedOrigins []string `json:"allowed_origins"`
}

// Backend describes how to reach the tracking backend.
type Backend struct {
	BaseURL string `json:"base_url"`
	// Timeout bounds a single request. Zero means the request lives as long
	// as its context.
	Timeout time.Duration `json:"timeout"`
	// RateLimit is the number of outgoing requests per second. Zero disables
	// throttling.
	RateLimit float64 `json:"rate_limit"`
	Burst     int     `json:"burst"`
}

// Session stores the auth token between runs.
type Session struct {
	// Path of the token file. Empty keeps the token in memory only.
	Path string `json:"path"`
}

// Poller controls device history refresh.
type Poller struct {
	Interval     time.Duration `json:"interval"`
	MaxBackoff   time.Duration `json:"max_backoff"`
	Jitter       float64       `json:"jitter"`
	HistoryLimit int           `json:"history_limit"`
}

type NotifyTelegram struct {
	API    string `json:"api"`
	ChatID string `json:"chat_id"`
}

// Default returns settings used when nothing is configured.
func Default() Application {
	return Application{
		HTTP: HTTP{
			Listen:  ":3000",
			Timeout: time.Duration(stdtime.Second * 30),
		},
		Backend: Backend{
			BaseURL: DefaultBackendURL,
			Burst:   1,
		},
		Poller: DefaultPoller(),
	}
}

// DefaultPoller polls every two seconds and keeps the last four entries.
func DefaultPoller() Poller {
	return Poller{
		Interval:     time.Duration(stdtime.Millisecond * 2000),
		MaxBackoff:   time.Duration(stdtime.Second * 30),
		Jitter:       0.2,
		HistoryLimit: 4,
	}
}

// Parse parses config from file. Missing values are taken from Default.
func Parse(path string) (Application, error) {
	fileBytes, err := ioutil.ReadFile(path)
	if err != nil {
		return Application{}, err
	}

	app := Default()
	err = json.Unmarshal(fileBytes, &app)
	if err != nil {
		return Application{}, err
	}

	app.fillDefaults()

	return app, nil
}

// fillDefaults restores zero values that were explicitly blanked in file.
func (app *Application) fillDefaults() {
	def := Default()

	if app.Backend.BaseURL == "" {
		app.Backend.BaseURL = def.Backend.BaseURL
	}

	if app.Backend.Burst <= 0 {
		app.Backend.Burst = def.Backend.Burst
	}

	if app.HTTP.Listen == "" {
		app.HTTP.Listen = def.HTTP.Listen
	}

	if app.Poller.Interval <= 0 {
		app.Poller.Interval = def.Poller.Interval
	}

	if app.Poller.MaxBackoff < app.Poller.Interval {
		app.Poller.MaxBackoff = app.Poller.Interval
	}

	if app.Poller.Jitter < 0 || app.Poller.Jitter > 1 {
		app.Poller.Jitter = def.Poller.Jitter
	}

	if app.Poller.HistoryLimit <= 0 {
		app.Poller.HistoryLimit = def.Poller.HistoryLimit
	}
}
