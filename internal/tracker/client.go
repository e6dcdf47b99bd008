// Package tracker is a client of the tracking backend REST service.
//
// Every method issues exactly one HTTP request. There are no retries and no
// request de-duplication; failures of any kind are returned as
// *model.APIError carrying a message fit for a human.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/valyala/fastjson"
	"golang.org/x/time/rate"

	"github.com/ferux/trackercenter/internal/config"
	"github.com/ferux/trackercenter/internal/fcontext"
	"github.com/ferux/trackercenter/internal/model"
	"github.com/ferux/trackercenter/internal/session"
)

const (
	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	headerRequestID     = "X-Request-ID"
	contentJSON         = "application/json"
)

// Client of the tracking backend.
type Client struct {
	baseURL string
	client  *http.Client
	session session.Session
	limiter *rate.Limiter
}

// Option tunes the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// New creates client for the backend described by cfg. The session is
// asked for a token before each authenticated request.
func New(cfg config.Backend, s session.Session, opts ...Option) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = config.DefaultBackendURL
	}

	c := &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: cfg.Timeout.Std()},
		session: s,
	}

	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}

		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BaseURL the client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

type authMode bool

const (
	public        authMode = false
	authenticated authMode = true
)

func devicePath(id string, rest ...string) string {
	parts := append([]string{"/devices", url.PathEscape(id)}, rest...)
	return strings.Join(parts, "/")
}

func (c *Client) performRequest(
	ctx context.Context,
	method, path string,
	auth authMode,
	data interface{},
	dst interface{},
) (err error) {
	logger := zerolog.Ctx(ctx).With().Str("pkg", "tracker").Str("method", method).Str("path", path).Logger()
	requrl := c.baseURL + path

	var reqbody io.Reader
	if data != nil {
		var reqdata []byte
		reqdata, err = json.Marshal(data)
		if err != nil {
			return transportError(fmt.Errorf("marshalling request data: %w", err))
		}

		reqbody = bytes.NewReader(reqdata)
	}

	req, err := http.NewRequestWithContext(ctx, method, requrl, reqbody)
	if err != nil {
		return transportError(fmt.Errorf("making new request: %w", err))
	}

	if data != nil {
		req.Header.Set(headerContentType, contentJSON)
	}

	if rid := fcontext.RequestID(ctx); rid != "" {
		req.Header.Set(headerRequestID, rid)
	}

	if auth == authenticated {
		// the request is sent anyway, backend decides what to do with it.
		if token := c.session.Token(); token != "" {
			req.Header.Set(headerAuthorization, "Bearer "+token)
		} else {
			logger.Debug().Msg("no auth token set")
		}
	}

	if c.limiter != nil {
		err = c.limiter.Wait(ctx)
		if err != nil {
			return transportError(fmt.Errorf("waiting for rate limiter: %w", err))
		}
	}

	logger.Debug().Msg("sending request")

	resp, err := c.client.Do(req)
	if err != nil {
		return transportError(fmt.Errorf("sending request: %w", err))
	}
	defer func() {
		errclose := resp.Body.Close()
		if errclose != nil {
			logger.Warn().Err(errclose).Msg("closing response body")
		}
	}()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return transportError(fmt.Errorf("reading body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := statusError(resp.StatusCode, body)
		logger.Debug().Int("status", resp.StatusCode).Str("message", apiErr.Message).Msg("backend error")

		return apiErr
	}

	logger.Debug().Int("status", resp.StatusCode).Int("size", len(body)).Msg("served")

	if dst == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	err = json.Unmarshal(body, dst)
	if err != nil {
		return &model.APIError{
			Status:  resp.StatusCode,
			Message: "malformed response: " + err.Error(),
			Cause:   err,
		}
	}

	return nil
}

func transportError(err error) *model.APIError {
	return &model.APIError{Message: err.Error(), Cause: err}
}

// statusError takes message from json {"message": "..."} body
// or falls back to generic one.
func statusError(status int, body []byte) *model.APIError {
	apiErr := &model.APIError{
		Status:  status,
		Message: fmt.Sprintf("API error: %d", status),
	}

	v, err := fastjson.ParseBytes(body)
	if err != nil || v.Type() != fastjson.TypeObject {
		return apiErr
	}

	if msg := v.GetStringBytes("message"); len(msg) > 0 {
		apiErr.Message = string(msg)
	}

	return apiErr
}

// ackFrom reads json body of acknowledge replies. Anything but an object
// with message is an empty ack.
func ackFrom(raw json.RawMessage) model.Ack {
	v, err := fastjson.ParseBytes(raw)
	if err != nil || v.Type() != fastjson.TypeObject {
		return model.Ack{}
	}

	return model.Ack{Message: string(v.GetStringBytes("message"))}
}
