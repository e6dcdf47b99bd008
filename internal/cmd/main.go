package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	"github.com/ferux/trackercenter"
	"github.com/ferux/trackercenter/internal/api"
	"github.com/ferux/trackercenter/internal/config"
	"github.com/ferux/trackercenter/internal/model"
	"github.com/ferux/trackercenter/internal/notify"
	"github.com/ferux/trackercenter/internal/poller"
	"github.com/ferux/trackercenter/internal/session"
	"github.com/ferux/trackercenter/internal/tracker"
)

const backendEnv = "TRACKERCENTER_BACKEND"

func main() {
	path := flag.String("config", "./config.json", "path to config")
	showRevision := flag.Bool("revision", false, "show version of the application")

	flag.Parse()

	if *showRevision {
		fmt.Println(trackercenter.Revision)
		return
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	cfg, err := config.Parse(*path)
	if err != nil {
		logger.
			Fatal().
			Err(err).
			Str("revision", trackercenter.Revision).
			Str("branch", trackercenter.Branch).
			Str("env", trackercenter.Env).
			Msg("parsing config file")
	}

	if backend := os.Getenv(backendEnv); backend != "" {
		cfg.Backend.BaseURL = backend
	}

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}

	logger = logger.Level(level)

	logger.
		Debug().
		Interface("config", cfg).
		Str("rev", trackercenter.Revision).
		Str("branch", trackercenter.Branch).
		Msg("starting application")

	sess, err := openSession(cfg.Session)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Session.Path).Msg("can't open session")
	}

	notifierClient, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Release:     trackercenter.Revision,
		Environment: trackercenter.Env,
		ServerName:  cfg.ServerName,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("can't create sentry client")
	}

	client := tracker.New(cfg.Backend, sess)
	hub := poller.New(client, cfg.Poller, logger)

	appInfo := model.ApplicationInfo{
		Revision:    trackercenter.Revision,
		Branch:      trackercenter.Branch,
		Environment: trackercenter.Env,
	}

	httpAPI, err := api.NewHTTP(cfg.HTTP, client, hub, cfg.Poller.HistoryLimit, logger, notifierClient, appInfo)
	if err != nil {
		logger.Fatal().Err(err).Msg("can't create http api")
	}

	httpAPI.Serve()

	tgclient := notify.New(cfg.NotifyTelegram)
	ctx := logger.WithContext(context.Background())

	go func() {
		sendCtx, cancel := context.WithTimeout(ctx, time.Second*15)
		defer cancel()

		if err := sendNotificationMessage(sendCtx, tgclient, "started"); err != nil {
			logger.Error().Err(err).Msg("can't notify telegram")
		}
	}()

	s := make(chan os.Signal, 1)
	signal.Notify(s, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT)
	<-s

	ctx, cancel := context.WithTimeout(ctx, time.Second*15)
	defer cancel()

	if errNotify := sendNotificationMessage(ctx, tgclient, "shutting down"); errNotify != nil {
		logger.Error().Err(errNotify).Msg("error notifying via tg")
	}

	if errShut := httpAPI.Shutdown(ctx); errShut != nil {
		logger.Error().Err(errShut).Msg("error shutting down server")
	}

	hub.Close()
	notifierClient.Flush(time.Second * 2)
}

func openSession(cfg config.Session) (session.Session, error) {
	if cfg.Path == "" {
		return session.NewMemory(""), nil
	}

	f, err := session.OpenFile(cfg.Path)
	if err != nil {
		return nil, err
	}

	return f, nil
}

func sendNotificationMessage(ctx context.Context, n notify.Notifier, state string) error {
	var b = trackercenter.Branch
	var e = trackercenter.Env
	var r = trackercenter.Revision
	message := fmt.Sprintf("trackercenter %s branch=%s env=%s revision=%s", state, b, e, r)
	return n.Notify(ctx, message)
}
