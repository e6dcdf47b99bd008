package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (api *HTTP) setupRoutes() {
	router := mux.NewRouter()

	// api/v1 base path handlers
	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(middlewareCounter(api), middlewareRequestID(), middlewareLogger(api.logger), middlewareDeviceID())
	v1.HandleFunc("/info", api.handleInfo()).Methods(http.MethodGet)
	v1.HandleFunc("/login", api.handleLogin()).Methods(http.MethodPost)
	v1.HandleFunc("/register", api.handleRegister()).Methods(http.MethodPost)

	v1.HandleFunc("/devices", api.handleListDevices()).Methods(http.MethodGet)
	v1.HandleFunc("/devices", api.handleAddDevice()).Methods(http.MethodPost)
	v1.HandleFunc("/devices/{id}", api.handleGetDevice()).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{id}", api.handleUpdateDevice()).Methods(http.MethodPut)
	v1.HandleFunc("/devices/{id}", api.handleDeleteDevice()).Methods(http.MethodDelete)
	v1.HandleFunc("/devices/{id}/history", api.handleClearHistory()).Methods(http.MethodDelete)
	v1.HandleFunc("/devices/{id}/message", api.handleSendMessage()).Methods(http.MethodPost)
	v1.HandleFunc("/devices/{id}/location", api.handleUpdateLocation()).Methods(http.MethodPut)
	v1.Handle("/devices/{id}/live", api.handleLive()).Methods(http.MethodGet)

	// cors goes first so preflight and foreign requests never reach the router
	api.srv.Handler = middlewareCORS(api.originAllowed)(router)
}
