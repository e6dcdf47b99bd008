// Package dashboard keeps the device list in sync with the backend.
package dashboard

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ferux/trackercenter/internal/model"
)

// Banners shown on failures.
const (
	MessageLoadFailed   = "Failed to load devices. Please try again."
	MessageAddFailed    = "Failed to add device. Please try again."
	MessageDeleteFailed = "Failed to delete device. Please try again."
)

// DeviceAPI is the part of the tracker client the list needs.
type DeviceAPI interface {
	Devices(ctx context.Context) ([]model.Device, error)
	AddDevice(ctx context.Context, in model.DeviceInput) (model.Device, error)
	DeleteDevice(ctx context.Context, deviceID string) (model.Ack, error)
}

// AddDialog is the new device form.
type AddDialog struct {
	Open       bool              `json:"open"`
	Form       model.DeviceInput `json:"form"`
	Submitting bool              `json:"submitting"`
}

// State of the list. Devices is never nil.
type State struct {
	Loading   bool           `json:"loading"`
	Loaded    bool           `json:"loaded"`
	Error     string         `json:"error,omitempty"`
	Devices   []model.Device `json:"devices"`
	AddDialog AddDialog      `json:"add_dialog"`
}

func (s State) clone() State {
	s.Devices = append(make([]model.Device, 0, len(s.Devices)), s.Devices...)
	return s
}

func emptyForm() model.DeviceInput {
	return model.DeviceInput{Type: model.DeviceVehicle}
}

// View is a device list shared by its users. It is safe for concurrent use.
type View struct {
	api    DeviceAPI
	logger zerolog.Logger

	mu        sync.RWMutex
	state     State
	listeners []func(State)
}

// New creates empty, not yet loaded list.
func New(api DeviceAPI, logger zerolog.Logger) *View {
	return &View{
		api:    api,
		logger: logger.With().Str("pkg", "dashboard").Logger(),
		state: State{
			Devices:   []model.Device{},
			AddDialog: AddDialog{Form: emptyForm()},
		},
	}
}

// OnChange registers fn to get a snapshot after every change.
func (v *View) OnChange(fn func(State)) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.listeners = append(v.listeners, fn)
}

// State returns a snapshot.
func (v *View) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.state.clone()
}

func (v *View) update(fn func(s *State)) {
	v.mu.Lock()
	fn(&v.state)
	snapshot := v.state.clone()
	listeners := v.listeners
	v.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
}

// Load replaces the list with what backend has. On failure the list is kept.
func (v *View) Load(ctx context.Context) error {
	v.update(func(s *State) {
		s.Loading = true
		s.Error = ""
	})

	devices, err := v.api.Devices(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("fetching devices")

		v.update(func(s *State) {
			s.Loading = false
			s.Error = MessageLoadFailed
		})

		return err
	}

	if devices == nil {
		devices = []model.Device{}
	}

	v.update(func(s *State) {
		s.Loading = false
		s.Loaded = true
		s.Devices = devices
	})

	v.logger.Debug().Int("amount", len(devices)).Msg("devices loaded")

	return nil
}

func (v *View) OpenAddDialog() {
	v.update(func(s *State) { s.AddDialog.Open = true })
}

func (v *View) CloseAddDialog() {
	v.update(func(s *State) { s.AddDialog.Open = false })
}

// SetAddForm replaces new device form. Empty type means Vehicle.
func (v *View) SetAddForm(in model.DeviceInput) {
	if in.Type == "" {
		in.Type = model.DeviceVehicle
	}

	v.update(func(s *State) { s.AddDialog.Form = in })
}

// Add submits the form. The record returned by backend is appended to the
// list, the form is reset and the dialog closes. On failure nothing but
// the error banner changes.
func (v *View) Add(ctx context.Context) (model.Device, error) {
	v.mu.RLock()
	in := v.state.AddDialog.Form
	v.mu.RUnlock()

	return v.add(ctx, in, true)
}

// AddDevice is Add for callers without a dialog. The dialog is left alone.
func (v *View) AddDevice(ctx context.Context, in model.DeviceInput) (model.Device, error) {
	if in.Type == "" {
		in.Type = model.DeviceVehicle
	}

	return v.add(ctx, in, false)
}

func (v *View) add(ctx context.Context, in model.DeviceInput, dialog bool) (model.Device, error) {
	if err := in.Validate(); err != nil {
		return model.Device{}, err
	}

	v.update(func(s *State) {
		s.Loading = true
		s.Error = ""
		if dialog {
			s.AddDialog.Submitting = true
		}
	})

	device, err := v.api.AddDevice(ctx, in)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("device_id", in.DeviceID).Msg("adding device")

		v.update(func(s *State) {
			s.Loading = false
			s.Error = MessageAddFailed
			if dialog {
				s.AddDialog.Submitting = false
			}
		})

		return model.Device{}, err
	}

	v.update(func(s *State) {
		s.Loading = false
		s.Devices = append(s.Devices, device)
		if dialog {
			s.AddDialog = AddDialog{Form: emptyForm()}
		}
	})

	return device, nil
}

// Delete removes device with exactly this id.
func (v *View) Delete(ctx context.Context, deviceID string) error {
	v.update(func(s *State) {
		s.Loading = true
		s.Error = ""
	})

	_, err := v.api.DeleteDevice(ctx, deviceID)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("device_id", deviceID).Msg("deleting device")

		v.update(func(s *State) {
			s.Loading = false
			s.Error = MessageDeleteFailed
		})

		return err
	}

	v.update(func(s *State) {
		s.Loading = false

		kept := make([]model.Device, 0, len(s.Devices))
		for _, d := range s.Devices {
			if d.DeviceID != deviceID {
				kept = append(kept, d)
			}
		}

		s.Devices = kept
	})

	return nil
}

// Filtered applies Filter to the current list.
func (v *View) Filtered(query string) []model.Device {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return Filter(v.state.Devices, query)
}

// Filter keeps devices whose name or id contains query, ignoring case.
// Order is preserved; the input is not modified.
func Filter(devices []model.Device, query string) []model.Device {
	q := strings.ToLower(query)
	out := make([]model.Device, 0, len(devices))

	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), q) || strings.Contains(strings.ToLower(d.DeviceID), q) {
			out = append(out, d)
		}
	}

	return out
}
