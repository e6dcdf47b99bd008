package api

import (
	"context"

	"github.com/ferux/trackercenter/internal/dashboard"
	"github.com/ferux/trackercenter/internal/detail"
	"github.com/ferux/trackercenter/internal/mapview"
	"github.com/ferux/trackercenter/internal/model"
)

// Tracker is the backend client the dashboard server works through.
// tracker.Client implements it.
type Tracker interface {
	dashboard.DeviceAPI
	detail.DeviceAPI

	Login(ctx context.Context, email, password string) (model.Login, error)
	Register(ctx context.Context, name, email, password string) (model.User, error)
	UpdateLocation(ctx context.Context, deviceID string, loc model.Location) (model.Ack, error)
}

type appInfo struct {
	Revision     string  `json:"revision"`
	Branch       string  `json:"branch"`
	Environment  string  `json:"environment"`
	BootTime     string  `json:"boot_time"`
	Uptime       float64 `json:"uptime"`
	RequestCount int     `json:"request_count"`
	LiveViews    int     `json:"live_views"`
}

type deviceList struct {
	Loading bool           `json:"loading"`
	Error   string         `json:"error,omitempty"`
	Total   int            `json:"total"`
	Devices []model.Device `json:"devices"`
}

// deviceView is sent both as a snapshot and as a live frame.
type deviceView struct {
	State detail.State  `json:"state"`
	Scene mapview.Scene `json:"scene"`
}

// liveCommand is read from live view clients.
type liveCommand struct {
	Action      string             `json:"action"`
	Form        *model.DeviceInput `json:"form,omitempty"`
	Text        string             `json:"text,omitempty"`
	DeviceID    string             `json:"device_id,omitempty"`
	ShowHistory bool               `json:"show_history,omitempty"`
}

const (
	actionRefresh      = "refresh"
	actionShowHistory  = "show_history"
	actionOpenEdit     = "open_edit"
	actionCloseEdit    = "close_edit"
	actionEdit         = "edit"
	actionClearHistory = "clear_history"
	actionSendMessage  = "send_message"
	actionRoute        = "route"
)
