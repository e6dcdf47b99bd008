// Package notify sends dashboard lifecycle messages to a telegram chat.
package notify

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fastjson"

	"github.com/ferux/trackercenter/internal/config"
	"github.com/ferux/trackercenter/internal/model"
)

const (
	defaultBaseURL = "https://api.telegram.org"

	ErrRejected model.Error = "telegram rejected message"
)

// Notifier delivers short text messages.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type notifierNoop struct{}

func (notifierNoop) Notify(context.Context, string) error { return nil }

type telegram struct {
	c       *http.Client
	baseURL string
	apiKey  string
	chatID  string
}

// Option configures telegram notifier.
type Option func(*telegram)

// WithBaseURL points notifier to another bot api server.
func WithBaseURL(u string) Option {
	return func(t *telegram) { t.baseURL = strings.TrimSuffix(u, "/") }
}

// New creates notifier. Without api key or chat id it does nothing.
func New(cfg config.NotifyTelegram, opts ...Option) Notifier {
	if len(cfg.API) == 0 || len(cfg.ChatID) == 0 {
		return notifierNoop{}
	}

	t := &telegram{
		c:       &http.Client{Timeout: time.Second * 10},
		baseURL: defaultBaseURL,
		apiKey:  cfg.API,
		chatID:  cfg.ChatID,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *telegram) Notify(ctx context.Context, text string) error {
	logger := zerolog.Ctx(ctx).With().Str("pkg", "notify").Logger()

	if len(text) == 0 {
		return model.MissingError{"text"}
	}

	requestURL := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.apiKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return fmt.Errorf("making request: %w", err)
	}

	values := request.URL.Query()
	values.Set("chat_id", t.chatID)
	values.Set("text", text)

	request.URL.RawQuery = values.Encode()

	response, err := t.c.Do(request)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}

	responseData, err := ioutil.ReadAll(response.Body)
	_ = response.Body.Close()
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	v, err := fastjson.ParseBytes(responseData)
	if err != nil {
		logger.Error().Err(err).Msg("unable to parse response")
		return fmt.Errorf("parsing response: %w", err)
	}

	if !v.GetBool("ok") {
		return fmt.Errorf("%w: %s", ErrRejected, v.GetStringBytes("description"))
	}

	logger.Debug().Int("message_id", v.GetInt("result", "message_id")).Msg("response from telegram")

	return nil
}
