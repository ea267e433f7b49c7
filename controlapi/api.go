/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package controlapi exposes the agent console over a local HTTP API so a
// desktop shell or a script can drive the call session.
package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/tejzpr/dialer-console-go/callcontrol"
	"github.com/tejzpr/dialer-console-go/calling"
	"github.com/tejzpr/dialer-console-go/dialersdk"
)

// Console is the command surface the API drives. *calling.Console
// implements it.
type Console interface {
	Current() (calling.CallSession, bool)
	Status() calling.Status
	Registration() calling.RegistrationState
	Dial(ctx context.Context, number string, opts calling.DialOptions) (calling.CallSession, error)
	Hangup(ctx context.Context) error
	Answer(ctx context.Context) error
	Reject(ctx context.Context) error
	Mute(ctx context.Context, muted bool) error
	Hold(ctx context.Context, held bool) error
	Transfer(ctx context.Context, extension string) error
	Park(ctx context.Context) error
	SetDisposition(ctx context.Context, disposition, notes string) error
	StartRecording(ctx context.Context) (*callcontrol.RecordingStarted, error)
	StopRecording(ctx context.Context) error
	Refresh(ctx context.Context) error
}

// Line registers and unregisters the agent's softphone.
// *calling.Registerer implements it.
type Line interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// API serves the control routes.
type API struct {
	console Console
	line    Line
	metrics http.Handler
	logger  zerolog.Logger
	now     func() time.Time
}

// NewAPI creates a control API. metrics may be nil, in which case /metrics
// is not served.
func NewAPI(console Console, metrics http.Handler, logger zerolog.Logger) *API {
	return &API{
		console: console,
		metrics: metrics,
		logger:  logger.With().Str("component", "controlapi").Logger(),
		now:     time.Now,
	}
}

// SetLine sets the softphone line driven by the /line routes
func (api *API) SetLine(line Line) {
	api.line = line
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Registration calling.RegistrationState `json:"registration"`
	Status       calling.Status            `json:"status"`
	Session      *calling.CallSession      `json:"session,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// SetupRoutes configures HTTP routes
func (api *API) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", api.healthHandler).Methods("GET")
	router.HandleFunc("/status", api.statusHandler).Methods("GET")
	if api.metrics != nil {
		router.Handle("/metrics", api.metrics).Methods("GET")
	}

	router.HandleFunc("/line/register", api.lineHandler(true)).Methods("POST")
	router.HandleFunc("/line/unregister", api.lineHandler(false)).Methods("POST")

	router.HandleFunc("/call/dial", api.dialHandler).Methods("POST")
	router.HandleFunc("/call/hangup", api.simple(api.console.Hangup)).Methods("POST")
	router.HandleFunc("/call/answer", api.simple(api.console.Answer)).Methods("POST")
	router.HandleFunc("/call/reject", api.simple(api.console.Reject)).Methods("POST")
	router.HandleFunc("/call/mute", api.toggle(api.console.Mute, true)).Methods("POST")
	router.HandleFunc("/call/unmute", api.toggle(api.console.Mute, false)).Methods("POST")
	router.HandleFunc("/call/hold", api.toggle(api.console.Hold, true)).Methods("POST")
	router.HandleFunc("/call/resume", api.toggle(api.console.Hold, false)).Methods("POST")
	router.HandleFunc("/call/transfer", api.transferHandler).Methods("POST")
	router.HandleFunc("/call/park", api.simple(api.console.Park)).Methods("POST")
	router.HandleFunc("/call/disposition", api.dispositionHandler).Methods("POST")
	router.HandleFunc("/call/recording/start", api.startRecordingHandler).Methods("POST")
	router.HandleFunc("/call/recording/stop", api.simple(api.console.StopRecording)).Methods("POST")
	router.HandleFunc("/call/refresh", api.simple(api.console.Refresh)).Methods("POST")

	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
}

// Handler returns a router serving every route.
func (api *API) Handler() http.Handler {
	router := mux.NewRouter()
	api.SetupRoutes(router)
	return router
}

// Start serves the API on addr until ctx is cancelled.
func (api *API) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		api.logger.Info().Msg("shutting down control API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	api.logger.Info().Str("addr", addr).Msg("control API started")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (api *API) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   api.now().Format(time.RFC3339),
	})
}

func (api *API) statusHandler(w http.ResponseWriter, r *http.Request) {
	api.writeSession(w)
}

func (api *API) dialHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Number     string `json:"number"`
		ContactID  *int64 `json:"contact_id,omitempty"`
		CampaignID *int64 `json:"campaign_id,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}

	session, err := api.console.Dial(r.Context(), req.Number, calling.DialOptions{
		ContactID:  req.ContactID,
		CampaignID: req.CampaignID,
	})
	if err != nil {
		api.writeError(w, "dial", err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (api *API) transferHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Extension string `json:"extension"`
	}
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Extension) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "extension is required"})
		return
	}
	if err := api.console.Transfer(r.Context(), req.Extension); err != nil {
		api.writeError(w, "transfer", err)
		return
	}
	api.writeSession(w)
}

func (api *API) dispositionHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Disposition string `json:"disposition"`
		Notes       string `json:"notes,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Disposition) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "disposition is required"})
		return
	}
	if err := api.console.SetDisposition(r.Context(), req.Disposition, req.Notes); err != nil {
		api.writeError(w, "disposition", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "disposition recorded"})
}

func (api *API) startRecordingHandler(w http.ResponseWriter, r *http.Request) {
	started, err := api.console.StartRecording(r.Context())
	if err != nil {
		api.writeError(w, "recording", err)
		return
	}
	writeJSON(w, http.StatusOK, started)
}

func (api *API) lineHandler(register bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if api.line == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "softphone line not configured"})
			return
		}
		var err error
		if register {
			err = api.line.Connect(r.Context())
		} else {
			err = api.line.Disconnect(r.Context())
		}
		if err != nil {
			api.writeError(w, strings.TrimPrefix(r.URL.Path, "/line/"), err)
			return
		}
		api.writeSession(w)
	}
}

// simple adapts a command without arguments. The response is the session
// after the command.
func (api *API) simple(command func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := command(r.Context()); err != nil {
			api.writeError(w, commandName(r), err)
			return
		}
		api.writeSession(w)
	}
}

func (api *API) toggle(command func(context.Context, bool) error, on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := command(r.Context(), on); err != nil {
			api.writeError(w, commandName(r), err)
			return
		}
		api.writeSession(w)
	}
}

func (api *API) writeSession(w http.ResponseWriter) {
	resp := StatusResponse{
		Registration: api.console.Registration(),
		Status:       api.console.Status(),
	}
	if s, ok := api.console.Current(); ok {
		resp.Session = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *API) writeError(w http.ResponseWriter, command string, err error) {
	code := StatusCode(err)
	if code >= http.StatusInternalServerError {
		api.logger.Error().Err(err).Str("command", command).Msg("command failed")
	} else {
		api.logger.Debug().Err(err).Str("command", command).Msg("command rejected")
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

// StatusCode maps a console error to the HTTP status returned for it.
func StatusCode(err error) int {
	var apiErr *dialersdk.APIError
	switch {
	case errors.Is(err, calling.ErrInvalidNumber):
		return http.StatusBadRequest
	case errors.Is(err, calling.ErrNotRegistered):
		return http.StatusServiceUnavailable
	case errors.Is(err, calling.ErrAlreadyInCall),
		errors.Is(err, calling.ErrNoPendingCall),
		errors.Is(err, calling.ErrNoActiveCall),
		errors.Is(err, calling.ErrNoBackendCall):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}

func commandName(r *http.Request) string {
	return strings.TrimPrefix(r.URL.Path, "/call/")
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
