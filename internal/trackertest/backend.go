// Package trackertest provides an in-memory tracking backend served over
// httptest for tests of packages talking to it.
package trackertest

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/ferux/trackercenter/internal/model"
)

// Route names, in form of "METHOD /path".
const (
	RouteLogin          = "POST /login"
	RouteRegister       = "POST /register"
	RouteDevices        = "GET /devices"
	RouteDevice         = "GET /devices/{id}"
	RouteHistory        = "GET /devices/{id}/history"
	RouteAddDevice      = "POST /devices"
	RouteUpdateDevice   = "PUT /devices/{id}"
	RouteDeleteDevice   = "DELETE /devices/{id}"
	RouteUpdateLocation = "PUT /devices/{id}/location"
	RouteSendMessage    = "POST /devices/{id}/message"
	RouteClearHistory   = "DELETE /devices/{id}/location"
)

// Request is what backend has seen.
type Request struct {
	Route         string
	Path          string
	Authorization string
	RequestID     string
	Body          string
}

type failure struct {
	status int
	body   string
}

type account struct {
	user     model.User
	password string
}

// Backend is a fake tracking backend. It is safe for concurrent use.
type Backend struct {
	srv *httptest.Server

	mu        sync.RWMutex
	devices   []model.Device
	history   map[string][]model.HistoryEntry
	messages  map[string][]string
	accounts  map[string]account
	tokens    map[string]string
	requests  []Request
	failures  map[string]failure
	hooks     map[string]func()
	tokenSeq  int
	nextToken string
	anonymous bool
	now       func() time.Time
}

// New starts backend and stops it when test ends.
func New(t testing.TB) *Backend {
	b := &Backend{
		history:  make(map[string][]model.HistoryEntry),
		messages: make(map[string][]string),
		accounts: make(map[string]account),
		tokens:   make(map[string]string),
		failures: make(map[string]failure),
		hooks:    make(map[string]func()),
		now:      time.Now,
	}

	b.srv = httptest.NewServer(b.router())
	t.Cleanup(b.srv.Close)

	return b
}

// URL is the base url to pass to the client.
func (b *Backend) URL() string { return b.srv.URL + "/api" }

func (b *Backend) router() http.Handler {
	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()
	api.Use(b.middlewareRecord, b.middlewareAuth)

	handle := func(name string, h http.HandlerFunc) {
		parts := strings.SplitN(name, " ", 2)
		api.HandleFunc(parts[1], h).Methods(parts[0]).Name(name)
	}

	handle(RouteLogin, b.handleLogin)
	handle(RouteRegister, b.handleRegister)
	handle(RouteDevices, b.handleDevices)
	handle(RouteAddDevice, b.handleAddDevice)
	handle(RouteDevice, b.handleDevice)
	handle(RouteUpdateDevice, b.handleUpdateDevice)
	handle(RouteDeleteDevice, b.handleDeleteDevice)
	handle(RouteHistory, b.handleHistory)
	handle(RouteUpdateLocation, b.handleUpdateLocation)
	handle(RouteClearHistory, b.handleClearHistory)
	handle(RouteSendMessage, b.handleSendMessage)

	return router
}

// AddUser registers account that may log in.
func (b *Backend) AddUser(name, email, password string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.accounts[email] = account{
		user:     model.User{ID: fmt.Sprintf("user-%d", len(b.accounts)+1), Name: name, Email: email},
		password: password,
	}
}

// IssueToken makes token valid without logging in.
func (b *Backend) IssueToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens[token] = ""
}

// AllowAnonymous disables token checks.
func (b *Backend) AllowAnonymous() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.anonymous = true
}

// NextToken sets token returned by the next successful login.
func (b *Backend) NextToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextToken = token
}

// PutDevice adds or replaces device.
func (b *Backend) PutDevice(d model.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if idx := b.indexOf(d.DeviceID); idx >= 0 {
		b.devices[idx] = d
		return
	}

	b.devices = append(b.devices, d)
}

// AppendHistory adds samples to device history.
func (b *Backend) AppendHistory(deviceID string, entries ...model.HistoryEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history[deviceID] = append(b.history[deviceID], entries...)
}

// Fail makes route answer with status and body until Recover is called.
func (b *Backend) Fail(route string, status int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures[route] = failure{status: status, body: body}
}

// Recover undoes Fail.
func (b *Backend) Recover(route string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.failures, route)
}

// Hook runs fn before route is served. fn may block.
func (b *Backend) Hook(route string, fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.hooks[route] = fn
}

// Devices currently stored.
func (b *Backend) Devices() []model.Device {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return append([]model.Device{}, b.devices...)
}

// History of device.
func (b *Backend) History(deviceID string) []model.HistoryEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return append([]model.HistoryEntry{}, b.history[deviceID]...)
}

// Messages sent to device.
func (b *Backend) Messages(deviceID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return append([]string{}, b.messages[deviceID]...)
}

// Requests seen so far.
func (b *Backend) Requests() []Request {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return append([]Request{}, b.requests...)
}

// Count requests to route.
func (b *Backend) Count(route string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var n int
	for _, r := range b.requests {
		if r.Route == route {
			n++
		}
	}

	return n
}

// LastRequest to route, false if there were none.
func (b *Backend) LastRequest(route string) (Request, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for i := len(b.requests) - 1; i >= 0; i-- {
		if b.requests[i].Route == route {
			return b.requests[i], true
		}
	}

	return Request{}, false
}

func (b *Backend) indexOf(deviceID string) int {
	for i := range b.devices {
		if b.devices[i].DeviceID == deviceID {
			return i
		}
	}

	return -1
}

func (b *Backend) middlewareRecord(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := mux.CurrentRoute(r).GetName()
		body, _ := ioutil.ReadAll(r.Body)
		r.Body = ioutil.NopCloser(strings.NewReader(string(body)))

		b.mu.Lock()
		b.requests = append(b.requests, Request{
			Route:         route,
			Path:          r.URL.EscapedPath(),
			Authorization: r.Header.Get("Authorization"),
			RequestID:     r.Header.Get("X-Request-ID"),
			Body:          string(body),
		})
		fail, failing := b.failures[route]
		hook := b.hooks[route]
		b.mu.Unlock()

		if hook != nil {
			hook()
		}

		if failing {
			w.WriteHeader(fail.status)
			_, _ = w.Write([]byte(fail.body))

			return
		}

		h.ServeHTTP(w, r)
	})
}

func public(route string) bool {
	return route == RouteLogin || route == RouteRegister || route == RouteUpdateLocation
}

func (b *Backend) middlewareAuth(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := mux.CurrentRoute(r).GetName()
		if public(route) {
			h.ServeHTTP(w, r)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		b.mu.RLock()
		_, ok := b.tokens[token]
		ok = ok || b.anonymous
		b.mu.RUnlock()

		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		h.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, obj interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(obj)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"message": message})
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds model.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	acc, ok := b.accounts[creds.Email]
	if !ok || acc.password != creds.Password {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token := b.nextToken
	if token == "" {
		b.tokenSeq++
		token = fmt.Sprintf("token-%d", b.tokenSeq)
	}

	b.nextToken = ""

	b.tokens[token] = creds.Email

	user := acc.user
	writeJSON(w, http.StatusOK, model.Login{Token: token, User: &user})
}

func (b *Backend) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg model.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.accounts[reg.Email]; ok {
		writeError(w, http.StatusConflict, "User already exists")
		return
	}

	user := model.User{ID: fmt.Sprintf("user-%d", len(b.accounts)+1), Name: reg.Name, Email: reg.Email}
	b.accounts[reg.Email] = account{user: user, password: reg.Password}

	writeJSON(w, http.StatusCreated, user)
}

func (b *Backend) handleDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, b.Devices())
}

func (b *Backend) handleDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	b.mu.RLock()
	defer b.mu.RUnlock()

	idx := b.indexOf(id)
	if idx < 0 {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}

	writeJSON(w, http.StatusOK, b.devices[idx])
}

func (b *Backend) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var in model.DeviceInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	if err := in.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.indexOf(in.DeviceID) >= 0 {
		writeError(w, http.StatusConflict, "Device already exists")
		return
	}

	d := in.Apply(model.Device{Status: model.StatusActive, Type: model.DeviceVehicle})
	d.LastUpdated = model.Timestamp{Time: b.now().UTC()}
	b.devices = append(b.devices, d)

	writeJSON(w, http.StatusCreated, d)
}

func (b *Backend) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var in model.DeviceInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.indexOf(id)
	if idx < 0 {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}

	if in.DeviceID == "" {
		in.DeviceID = id
	}

	if in.Name == "" {
		in.Name = b.devices[idx].Name
	}

	if other := b.indexOf(in.DeviceID); other >= 0 && other != idx {
		writeError(w, http.StatusConflict, "Device already exists")
		return
	}

	b.devices[idx] = in.Apply(b.devices[idx])

	writeJSON(w, http.StatusOK, b.devices[idx])
}

func (b *Backend) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.indexOf(id)
	if idx < 0 {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}

	b.devices = append(b.devices[:idx], b.devices[idx+1:]...)
	delete(b.history, id)

	writeJSON(w, http.StatusOK, model.Ack{Message: "Device deleted"})
}

func (b *Backend) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.indexOf(id) < 0 {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}

	writeJSON(w, http.StatusOK, append([]model.HistoryEntry{}, b.history[id]...))
}

func (b *Backend) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var loc model.Location
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.indexOf(id)
	if idx < 0 {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}

	now := model.Timestamp{Time: b.now().UTC()}
	b.devices[idx].Location = &loc
	b.devices[idx].LastUpdated = now
	b.history[id] = append(b.history[id], model.HistoryEntry{Timestamp: now, Location: loc})

	writeJSON(w, http.StatusOK, model.Ack{Message: "Location updated"})
}

func (b *Backend) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.history, id)

	writeJSON(w, http.StatusOK, model.Ack{Message: "Location history cleared"})
}

func (b *Backend) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var msg model.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.indexOf(id) < 0 {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}

	b.messages[id] = append(b.messages[id], msg.Message)

	writeJSON(w, http.StatusOK, model.Ack{Message: "Message sent"})
}
