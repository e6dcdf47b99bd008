// Package detail keeps a single device and its recent history in sync with
// the backend for as long as somebody looks at it.
package detail

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ferux/trackercenter/internal/config"
	"github.com/ferux/trackercenter/internal/fcontext"
	"github.com/ferux/trackercenter/internal/mapview"
	"github.com/ferux/trackercenter/internal/model"
	"github.com/ferux/trackercenter/internal/poller"
)

// Banners shown on failures.
const (
	MessageLoadFailed   = "Failed to load device data. Please try again."
	MessageUpdateFailed = "Failed to update device. Please try again."
	MessageClearFailed  = "Failed to delete device history. Please try again."
	MessageSendFailed   = "Failed to send message. Please try again."
	MessageSent         = "Message sent successfully!"
)

// DeviceAPI is the part of the tracker client the view needs.
type DeviceAPI interface {
	Device(ctx context.Context, deviceID string) (model.Device, error)
	DeviceHistory(ctx context.Context, deviceID string) ([]model.HistoryEntry, error)
	UpdateDevice(ctx context.Context, deviceID string, in model.DeviceInput) (model.Device, error)
	ClearHistory(ctx context.Context, deviceID string) (model.Ack, error)
	SendMessage(ctx context.Context, deviceID, text string) (model.Ack, error)
}

// Poller delivers history updates. poller.Hub implements it.
type Poller interface {
	Subscribe(deviceID string, h poller.Handler) (unsubscribe func())
	Latest(deviceID string) (poller.Update, bool)
	Invalidate(deviceID string)
}

// EditDialog is the device edit form.
type EditDialog struct {
	Open       bool              `json:"open"`
	Form       model.DeviceInput `json:"form"`
	Submitting bool              `json:"submitting"`
}

// MessageForm is the send message panel.
type MessageForm struct {
	Draft   string `json:"draft"`
	Sending bool   `json:"sending"`
	Success string `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

// State of the view. Device is nil until loaded or when loading failed.
type State struct {
	DeviceID  string               `json:"device_id"`
	Loading   bool                 `json:"loading"`
	Error     string               `json:"error,omitempty"`
	Device    *model.Device        `json:"device"`
	History   []model.HistoryEntry `json:"history"`
	HistoryAt time.Time            `json:"history_at"`
	MapCenter model.Location       `json:"map_center"`
	Edit      EditDialog           `json:"edit"`
	Message   MessageForm          `json:"message"`
}

func (s State) clone() State {
	if s.Device != nil {
		d := *s.Device
		s.Device = &d
	}

	s.History = append(make([]model.HistoryEntry, 0, len(s.History)), s.History...)

	return s
}

func initialState(deviceID string) State {
	return State{
		DeviceID:  deviceID,
		History:   []model.HistoryEntry{},
		MapCenter: mapview.FallbackCenter,
		Edit:      EditDialog{Form: formFrom(model.Device{})},
	}
}

func formFrom(d model.Device) model.DeviceInput {
	in := model.DeviceInput{
		Name:     d.Name,
		DeviceID: d.DeviceID,
		Type:     d.Type,
		Status:   d.Status,
	}

	if in.Type == "" {
		in.Type = model.DeviceVehicle
	}

	if in.Status == "" {
		in.Status = model.StatusActive
	}

	return in
}

// Option configures View.
type Option func(*View)

// WithHistoryLimit sets how many entries RefreshHistory keeps.
func WithHistoryLimit(n int) Option {
	return func(v *View) {
		if n > 0 {
			v.historyLimit = n
		}
	}
}

// View of one device. It is safe for concurrent use.
type View struct {
	api          DeviceAPI
	hub          Poller
	logger       zerolog.Logger
	historyLimit int

	mu          sync.Mutex
	gen         uint64
	state       State
	unsubscribe func()
	listeners   []func(State)
}

// New creates view of deviceID. Nothing is fetched before Open.
func New(api DeviceAPI, hub Poller, deviceID string, logger zerolog.Logger, opts ...Option) *View {
	v := &View{
		api:          api,
		hub:          hub,
		logger:       logger.With().Str("pkg", "detail").Logger(),
		historyLimit: config.DefaultPoller().HistoryLimit,
		state:        initialState(deviceID),
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// OnChange registers fn to get a snapshot after every change.
func (v *View) OnChange(fn func(State)) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.listeners = append(v.listeners, fn)
}

// State returns a snapshot.
func (v *View) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.state.clone()
}

// DeviceID the view is routed to.
func (v *View) DeviceID() string {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.state.DeviceID
}

// update applies fn if no Open, SetDeviceID or Close happened since gen
// was taken. It reports whether fn was applied.
func (v *View) update(gen uint64, fn func(s *State)) bool {
	v.mu.Lock()
	if gen != v.gen {
		v.mu.Unlock()
		return false
	}

	fn(&v.state)
	snapshot := v.state.clone()
	listeners := v.listeners
	v.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}

	return true
}

func (v *View) current() (uint64, string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.gen, v.state.DeviceID
}

// Open loads the device and starts following its history. Calling it again
// restarts both.
func (v *View) Open(ctx context.Context) error {
	v.mu.Lock()
	v.gen++
	gen := v.gen
	id := v.state.DeviceID
	prev := v.unsubscribe
	v.unsubscribe = nil
	v.mu.Unlock()

	if prev != nil {
		prev()
	}

	unsubscribe := v.hub.Subscribe(id, func(u poller.Update) { v.applyHistory(gen, u) })

	v.mu.Lock()
	if gen != v.gen {
		// closed or rerouted in the meantime
		v.mu.Unlock()
		unsubscribe()

		return model.ErrClosed
	}

	v.unsubscribe = unsubscribe
	v.mu.Unlock()

	if u, ok := v.hub.Latest(id); ok {
		v.applyHistory(gen, u)
	}

	return v.load(ctx, gen, id)
}

// Load fetches the device record once without following history.
func (v *View) Load(ctx context.Context) error {
	gen, id := v.current()
	return v.load(ctx, gen, id)
}

func (v *View) load(ctx context.Context, gen uint64, id string) error {
	ctx = fcontext.WithDeviceID(ctx, id)

	v.update(gen, func(s *State) {
		s.Loading = true
		s.Error = ""
	})

	device, err := v.api.Device(ctx, id)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("device_id", id).Msg("fetching device")

		v.update(gen, func(s *State) {
			s.Loading = false
			s.Device = nil
			s.Error = MessageLoadFailed
		})

		return err
	}

	applied := v.update(gen, func(s *State) {
		s.Loading = false
		s.Device = &device
		s.MapCenter = mapview.Center(&device)
		s.Edit.Form = formFrom(device)
	})
	if !applied {
		v.logger.Debug().Str("device_id", id).Msg("dropping stale device")
	}

	return nil
}

func (v *View) applyHistory(gen uint64, u poller.Update) {
	if u.Err != nil {
		v.logger.Warn().Err(u.Err).Str("device_id", u.DeviceID).Int("failures", u.Failures).Msg("history update failed")
		return
	}

	v.update(gen, func(s *State) {
		// HistoryAt is when the shown history was requested
		if u.Started.Before(s.HistoryAt) {
			return
		}

		s.History = u.History
		s.HistoryAt = u.Started
	})
}

// SetDeviceID routes the view to another device. Responses still in flight
// for the previous one are dropped.
func (v *View) SetDeviceID(ctx context.Context, deviceID string) error {
	v.mu.Lock()
	v.gen++
	v.state = initialState(deviceID)
	v.mu.Unlock()

	return v.Open(ctx)
}

// Close stops following history. Once it returns no update is applied.
func (v *View) Close() {
	v.mu.Lock()
	v.gen++
	unsubscribe := v.unsubscribe
	v.unsubscribe = nil
	v.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// RefreshHistory fetches history once, outside of regular polling.
func (v *View) RefreshHistory(ctx context.Context) error {
	gen, id := v.current()
	started := time.Now()

	history, err := v.api.DeviceHistory(fcontext.WithDeviceID(ctx, id), id)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("device_id", id).Msg("fetching history")
		return err
	}

	v.update(gen, func(s *State) {
		if started.Before(s.HistoryAt) {
			return
		}

		s.History = poller.Latest(history, v.historyLimit)
		s.HistoryAt = started
	})

	return nil
}

// Scene renders current state on a map.
func (v *View) Scene(showHistory bool, format mapview.DateFormatter) mapview.Scene {
	s := v.State()

	in := mapview.Input{
		History:     s.History,
		ShowHistory: showHistory,
		Center:      s.MapCenter,
		FormatDate:  format,
	}

	if s.Device != nil {
		in.Device = *s.Device
	}

	return mapview.Render(in)
}
