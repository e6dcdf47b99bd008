package detail

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ferux/trackercenter/internal/fcontext"
	"github.com/ferux/trackercenter/internal/model"
)

func (v *View) OpenEditDialog() {
	gen, _ := v.current()
	v.update(gen, func(s *State) { s.Edit.Open = true })
}

func (v *View) CloseEditDialog() {
	gen, _ := v.current()
	v.update(gen, func(s *State) { s.Edit.Open = false })
}

// SetEditForm replaces edit form contents.
func (v *View) SetEditForm(in model.DeviceInput) {
	gen, _ := v.current()
	v.update(gen, func(s *State) { s.Edit.Form = in })
}

// SubmitEdit sends the edit form. The record backend replies with becomes
// the device; if the reply has no device id the form is merged into the
// current record instead. History keeps following the routed id.
func (v *View) SubmitEdit(ctx context.Context) (model.Device, error) {
	v.mu.Lock()
	gen := v.gen
	id := v.state.DeviceID
	in := v.state.Edit.Form
	var current model.Device
	if v.state.Device != nil {
		current = *v.state.Device
	}
	v.mu.Unlock()

	if err := in.Validate(); err != nil {
		return model.Device{}, err
	}

	ctx = fcontext.WithDeviceID(ctx, id)

	v.update(gen, func(s *State) {
		s.Edit.Submitting = true
		s.Error = ""
	})

	device, err := v.api.UpdateDevice(ctx, id, in)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("device_id", id).Msg("updating device")

		v.update(gen, func(s *State) {
			s.Edit.Submitting = false
			s.Error = MessageUpdateFailed
		})

		return model.Device{}, err
	}

	if device.DeviceID == "" {
		device = in.Apply(current)
	}

	v.update(gen, func(s *State) {
		s.Device = &device
		s.Edit = EditDialog{Form: formFrom(device)}
	})

	return device, nil
}

// ClearHistory deletes device history on backend and empties local one.
// History fetched before the deletion is not shown afterwards.
func (v *View) ClearHistory(ctx context.Context) error {
	gen, id := v.current()
	ctx = fcontext.WithDeviceID(ctx, id)

	if _, err := v.api.ClearHistory(ctx, id); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("device_id", id).Msg("clearing history")

		v.update(gen, func(s *State) { s.Error = MessageClearFailed })

		return err
	}

	v.hub.Invalidate(id)
	cleared := time.Now()

	v.update(gen, func(s *State) {
		s.Error = ""
		s.History = []model.HistoryEntry{}
		s.HistoryAt = cleared
	})

	return nil
}

// SendMessage delivers text to the device. The draft is cleared on success
// and kept on failure.
func (v *View) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return model.MissingError{"message"}
	}

	gen, id := v.current()
	ctx = fcontext.WithDeviceID(ctx, id)

	v.update(gen, func(s *State) {
		s.Message = MessageForm{Draft: text, Sending: true}
	})

	if _, err := v.api.SendMessage(ctx, id, text); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("device_id", id).Msg("sending message")

		v.update(gen, func(s *State) {
			s.Message = MessageForm{Draft: text, Error: MessageSendFailed}
		})

		return err
	}

	v.update(gen, func(s *State) {
		s.Message = MessageForm{Success: MessageSent}
	})

	return nil
}
