package tracker

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ferux/trackercenter/internal/model"
)

// Login exchanges credentials for a token and stores the token in session.
func (c *Client) Login(ctx context.Context, email, password string) (login model.Login, err error) {
	err = c.performRequest(ctx, http.MethodPost, "/login", public, model.Credentials{
		Email:    email,
		Password: password,
	}, &login)
	if err != nil {
		return model.Login{}, err
	}

	if login.Token != "" {
		err = c.session.SetToken(login.Token)
		if err != nil {
			return login, transportError(err)
		}
	}

	return login, nil
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, name, email, password string) (user model.User, err error) {
	err = c.performRequest(ctx, http.MethodPost, "/register", public, model.Registration{
		Name:     name,
		Email:    email,
		Password: password,
	}, &user)

	return user, err
}

// Devices lists all devices. A reply without body is an empty list.
func (c *Client) Devices(ctx context.Context) (devices []model.Device, err error) {
	err = c.performRequest(ctx, http.MethodGet, "/devices", authenticated, nil, &devices)
	if err != nil {
		return nil, err
	}

	if devices == nil {
		devices = []model.Device{}
	}

	return devices, nil
}

// Device gets single device.
func (c *Client) Device(ctx context.Context, deviceID string) (device model.Device, err error) {
	err = c.performRequest(ctx, http.MethodGet, devicePath(deviceID), authenticated, nil, &device)

	return device, err
}

// DeviceHistory returns all known location samples of device, oldest first.
func (c *Client) DeviceHistory(ctx context.Context, deviceID string) (history []model.HistoryEntry, err error) {
	err = c.performRequest(ctx, http.MethodGet, devicePath(deviceID, "history"), authenticated, nil, &history)
	if err != nil {
		return nil, err
	}

	if history == nil {
		history = []model.HistoryEntry{}
	}

	return history, nil
}

// AddDevice registers a new device and returns the record as stored.
func (c *Client) AddDevice(ctx context.Context, in model.DeviceInput) (device model.Device, err error) {
	err = c.performRequest(ctx, http.MethodPost, "/devices", authenticated, in, &device)

	return device, err
}

// UpdateDevice changes device metadata. Location can't be changed here.
func (c *Client) UpdateDevice(ctx context.Context, deviceID string, in model.DeviceInput) (device model.Device, err error) {
	err = c.performRequest(ctx, http.MethodPut, devicePath(deviceID), authenticated, in, &device)

	return device, err
}

// DeleteDevice removes device.
func (c *Client) DeleteDevice(ctx context.Context, deviceID string) (model.Ack, error) {
	return c.ack(ctx, http.MethodDelete, devicePath(deviceID), authenticated, nil)
}

// UpdateLocation reports device position. This route is public, devices
// report without a token.
func (c *Client) UpdateLocation(ctx context.Context, deviceID string, loc model.Location) (model.Ack, error) {
	return c.ack(ctx, http.MethodPut, devicePath(deviceID, "location"), public, loc)
}

// SendMessage delivers text to device.
func (c *Client) SendMessage(ctx context.Context, deviceID, text string) (model.Ack, error) {
	return c.ack(ctx, http.MethodPost, devicePath(deviceID, "message"), authenticated, model.Message{Message: text})
}

// ClearHistory deletes all location samples of device.
func (c *Client) ClearHistory(ctx context.Context, deviceID string) (model.Ack, error) {
	return c.ack(ctx, http.MethodDelete, devicePath(deviceID, "location"), authenticated, nil)
}

func (c *Client) ack(ctx context.Context, method, path string, auth authMode, data interface{}) (model.Ack, error) {
	var raw json.RawMessage

	err := c.performRequest(ctx, method, path, auth, data, &raw)
	if err != nil {
		return model.Ack{}, err
	}

	return ackFrom(raw), nil
}
