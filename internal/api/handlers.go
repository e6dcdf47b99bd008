package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/ferux/trackercenter/internal/dashboard"
	"github.com/ferux/trackercenter/internal/detail"
	"github.com/ferux/trackercenter/internal/fcontext"
	"github.com/ferux/trackercenter/internal/model"
)

func (api *HTTP) handleInfo() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		api.liveMu.Lock()
		live := len(api.liveConns)
		api.liveMu.Unlock()

		asJSON(r.Context(), w, appInfo{
			Revision:     api.info.Revision,
			Branch:       api.info.Branch,
			Environment:  api.info.Environment,
			BootTime:     api.bootTime.String(),
			Uptime:       time.Since(api.bootTime).Seconds(),
			RequestCount: int(atomic.LoadInt64(&api.requestCount)),
			LiveViews:    live,
		}, http.StatusOK)
	}
}

func (api *HTTP) handleLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var creds model.Credentials
		if err := decodeBody(r, &creds); err != nil {
			api.serveError(ctx, w, r, err)
			return
		}

		if err := required("email", creds.Email, "password", creds.Password); err != nil {
			api.serveError(ctx, w, r, viewError(ctx, err, ""))
			return
		}

		login, err := api.tracker.Login(ctx, creds.Email, creds.Password)
		if err != nil {
			api.serveError(ctx, w, r, viewError(ctx, err, ""))
			return
		}

		asJSON(ctx, w, login, http.StatusOK)
	}
}

func (api *HTTP) handleRegister() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var reg model.Registration
		if err := decodeBody(r, &reg); err != nil {
			api.serveError(ctx, w, r, err)
			return
		}

		if err := required("name", reg.Name, "email", reg.Email, "password", reg.Password); err != nil {
			api.serveError(ctx, w, r, viewError(ctx, err, ""))
			return
		}

		user, err := api.tracker.Register(ctx, reg.Name, reg.Email, reg.Password)
		if err != nil {
			api.serveError(ctx, w, r, viewError(ctx, err, ""))
			return
		}

		asJSON(ctx, w, user, http.StatusCreated)
	}
}

func (api *HTTP) handleListDevices() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		query := r.URL.Query()

		if !api.devices.State().Loaded || query.Get("refresh") == "true" {
			if err := api.devices.Load(ctx); err != nil {
				api.serveError(ctx, w, r, viewError(ctx, err, dashboard.MessageLoadFailed))
				return
			}
		}

		state := api.devices.State()

		asJSON(ctx, w, deviceList{
			Loading: state.Loading,
			Error:   state.Error,
			Total:   len(state.Devices),
			Devices: dashboard.Filter(state.Devices, query.Get("q")),
		}, http.StatusOK)
	}
}

func (api *HTTP) handleAddDevice() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var in model.DeviceInput
		if err := decodeBody(r, &in); err != nil {
			api.serveError(ctx, w, r, err)
			return
		}

		device, err := api.devices.AddDevice(ctx, in)
		if err != nil {
			api.serveError(ctx, w, r, viewError(ctx, err, dashboard.MessageAddFailed))
			return
		}

		asJSON(ctx, w, device, http.StatusCreated)
	}
}

func (api *HTTP) handleDeleteDevice() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if err := api.devices.Delete(ctx, mux.Vars(r)["id"]); err != nil {
			api.serveError(ctx, w, r, viewError(ctx, err, dashboard.MessageDeleteFailed))
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func (api *HTTP) newView(deviceID string) *detail.View {
	return detail.New(api.tracker, api.hub, deviceID, api.logger, detail.WithHistoryLimit(api.limit))
}

func (api *HTTP) handleGetDevice() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		view := api.newView(mux.Vars(r)["id"])

		if err := view.Load(ctx); err != nil {
			api.serveError(ctx, w, r, viewError(ctx, err, detail.MessageLoadFailed))
			return
		}

		// history is best effort, same as in live view
		_ = view.RefreshHistory(ctx)

		showHistory := r.URL.Query().Get("history") == "true"

		asJSON(ctx, w, deviceView{
			State: view.State(),
			Scene: view.Scene(showHistory, nil),
		}, http.StatusOK)
	}
}

func (api *HTTP) handleUpdateDevice() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var in model.DeviceInput
		if err := decodeBody(r, &in); err != nil {
			api.serveError(ctx, w, r, err)
			return
		}

		view := api.newView(mux.Vars(r)["id"])
		view.SetEditForm(in)

		device, err := view.SubmitEdit(ctx)
		if err != nil {
			api.serveError(ctx, w, r, viewError(ctx, err, detail.MessageUpdateFailed))
			return
		}

		asJSON(ctx, w, device, http.StatusOK)
	}
}

func (api *HTTP) handleClearHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if err := api.newView(mux.Vars(r)["id"]).ClearHistory(ctx); err != nil {
			api.serveError(ctx, w, r, viewError(ctx, err, detail.MessageClearFailed))
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func (api *HTTP) handleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var msg model.Message
		if err := decodeBody(r, &msg); err != nil {
			api.serveError(ctx, w, r, err)
			return
		}

		if err := api.newView(mux.Vars(r)["id"]).SendMessage(ctx, msg.Message); err != nil {
			api.serveError(ctx, w, r, viewError(ctx, err, detail.MessageSendFailed))
			return
		}

		asJSON(ctx, w, model.Ack{Message: detail.MessageSent}, http.StatusOK)
	}
}

func (api *HTTP) handleUpdateLocation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var loc model.Location
		if err := decodeBody(r, &loc); err != nil {
			api.serveError(ctx, w, r, err)
			return
		}

		ack, err := api.tracker.UpdateLocation(ctx, mux.Vars(r)["id"], loc)
		if err != nil {
			api.serveError(ctx, w, r, viewError(ctx, err, ""))
			return
		}

		asJSON(ctx, w, ack, http.StatusOK)
	}
}

func decodeBody(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return model.ServiceError{
			Message:   "unable to unmarshal body",
			RequestID: fcontext.RequestID(r.Context()),
			Code:      http.StatusBadRequest,
		}
	}

	return nil
}

// required takes name, value pairs.
func required(pairs ...string) error {
	var missing model.MissingError

	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			missing = append(missing, pairs[i])
		}
	}

	if len(missing) > 0 {
		return missing
	}

	return nil
}

// viewError turns a failed operation into a response. banner is the text
// shown for the failure; empty banner keeps the backend message.
func viewError(ctx context.Context, err error, banner string) model.ServiceError {
	rid := fcontext.RequestID(ctx)

	if errors.Is(err, model.ErrMissingParameter) {
		return model.ServiceError{
			Message:   err.Error(),
			RequestID: rid,
			Code:      http.StatusUnprocessableEntity,
		}
	}

	code := http.StatusBadGateway

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusNotFound, http.StatusUnauthorized, http.StatusConflict:
			code = apiErr.Status
		}
	}

	if banner == "" {
		banner = err.Error()
	}

	return model.ServiceError{Message: banner, RequestID: rid, Code: code}
}

func (api *HTTP) serveError(ctx context.Context, w http.ResponseWriter, r *http.Request, err error) {
	var (
		logger     = zerolog.Ctx(ctx)
		rid        = fcontext.RequestID(ctx)
		eventLevel = sentry.LevelFatal

		responseError model.ServiceError
	)

	switch terr := err.(type) {
	case model.ServiceError:
		responseError = terr
		if terr.Code == 0 {
			responseError.Code = http.StatusInternalServerError
		}
	default:
		responseError.Code = http.StatusInternalServerError
		responseError.Message = err.Error()
		responseError.RequestID = rid
	}

	if responseError.Code != http.StatusInternalServerError {
		eventLevel = sentry.LevelError
	}

	logger.Error().Err(responseError).Int("code", responseError.Code).Msg("captured error")

	if api.notifier != nil && responseError.Code >= http.StatusInternalServerError {
		event := sentry.NewEvent()

		event.Exception = []sentry.Exception{{Stacktrace: sentry.NewStacktrace()}}
		event.Message = responseError.Message
		event.Environment = api.info.Environment
		event.Level = eventLevel
		event.Tags["request_id"] = rid
		event.Tags["device_id"] = fcontext.DeviceID(ctx)
		event.Request = sentry.NewRequest(r)

		api.notifier.CaptureEvent(event, &sentry.EventHint{
			OriginalException: err,
		}, sentry.NewScope())
	}

	asJSON(ctx, w, responseError, responseError.Code)
}
