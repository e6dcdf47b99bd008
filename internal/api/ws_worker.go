package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ferux/trackercenter/internal/detail"
)

const (
	pongWait   = time.Second * 15
	pingPeriod = pongWait * 9 / 10
	writeWait  = time.Second * 5
)

// handleLive mounts a detail view for the lifetime of websocket connection
// and streams its state. The view is closed when the client goes away.
func (api *HTTP) handleLive() http.Handler {
	upgrader := websocket.Upgrader{
		HandshakeTimeout: time.Second * 5,
		ReadBufferSize:   4 << 10, // 4 KiB
		WriteBufferSize:  4 << 10, // 4 KiB
		CheckOrigin:      api.originAllowed,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["id"]
		logger := zerolog.Ctx(r.Context())

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// upgrader has already replied
			logger.Warn().Err(err).Msg("unable to upgrade to websockets")
			return
		}

		api.liveMu.Lock()
		api.liveConns[conn] = struct{}{}
		api.liveMu.Unlock()

		defer func() {
			api.liveMu.Lock()
			delete(api.liveConns, conn)
			api.liveMu.Unlock()

			_ = conn.Close()
		}()

		ws := &wsConnection{
			conn:    conn,
			view:    api.newView(deviceID),
			changed: make(chan struct{}, 1),
			logger:  logger.With().Str("fn", "live").Logger(),
		}

		// request context ends together with this handler
		ws.serve(r.Context())
	})
}

type wsConnection struct {
	conn    *websocket.Conn
	view    *detail.View
	changed chan struct{}
	logger  zerolog.Logger

	mu          sync.Mutex
	showHistory bool
}

func (ws *wsConnection) notify() {
	select {
	case ws.changed <- struct{}{}:
	default:
	}
}

func (ws *wsConnection) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ws.writeLoop(ctx)
	}()

	defer func() {
		ws.view.Close()
		cancel()
		wg.Wait()
		ws.logger.Debug().Str("device_id", ws.view.DeviceID()).Msg("live view closed")
	}()

	ws.view.OnChange(func(detail.State) { ws.notify() })

	if err := ws.view.Open(ctx); err != nil {
		ws.logger.Debug().Err(err).Msg("opening view")
	}

	ws.notify()
	ws.readLoop(ctx)
}

func (ws *wsConnection) readLoop(ctx context.Context) {
	_ = ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd liveCommand
		if err := ws.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.logger.Debug().Err(err).Msg("reading command")
			}

			return
		}

		// any message proves the client is alive
		_ = ws.conn.SetReadDeadline(time.Now().Add(pongWait))

		if err := ws.dispatch(ctx, cmd); err != nil {
			ws.logger.Debug().Err(err).Str("action", cmd.Action).Msg("command failed")
		}
	}
}

// dispatch runs a command against the view. Failures are already reflected
// in view state, so they are only logged.
func (ws *wsConnection) dispatch(ctx context.Context, cmd liveCommand) error {
	switch cmd.Action {
	case actionRefresh:
		return ws.view.RefreshHistory(ctx)
	case actionShowHistory:
		ws.mu.Lock()
		ws.showHistory = cmd.ShowHistory
		ws.mu.Unlock()
		ws.notify()
	case actionOpenEdit:
		ws.view.OpenEditDialog()
	case actionCloseEdit:
		ws.view.CloseEditDialog()
	case actionEdit:
		if cmd.Form != nil {
			ws.view.SetEditForm(*cmd.Form)
		}

		_, err := ws.view.SubmitEdit(ctx)
		return err
	case actionClearHistory:
		return ws.view.ClearHistory(ctx)
	case actionSendMessage:
		return ws.view.SendMessage(ctx, cmd.Text)
	case actionRoute:
		if cmd.DeviceID == "" || cmd.DeviceID == ws.view.DeviceID() {
			return nil
		}

		return ws.view.SetDeviceID(ctx, cmd.DeviceID)
	default:
		ws.logger.Warn().Str("action", cmd.Action).Msg("unknown action")
	}

	return nil
}

func (ws *wsConnection) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(writeWait)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = ws.conn.WriteControl(websocket.CloseMessage, msg, deadline)

			return
		case <-ticker.C:
			if err := ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				ws.logger.Debug().Err(err).Msg("ping")
				_ = ws.conn.Close()

				return
			}
		case <-ws.changed:
			ws.mu.Lock()
			showHistory := ws.showHistory
			ws.mu.Unlock()

			frame := deviceView{
				State: ws.view.State(),
				Scene: ws.view.Scene(showHistory, nil),
			}

			_ = ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteJSON(frame); err != nil {
				ws.logger.Debug().Err(err).Msg("writing frame")
				_ = ws.conn.Close()

				return
			}
		}
	}
}
