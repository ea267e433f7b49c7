/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tejzpr/dialer-console-go/callcontrol"
	"github.com/tejzpr/dialer-console-go/calling"
	"github.com/tejzpr/dialer-console-go/dialersdk"
	"github.com/tejzpr/dialer-console-go/metrics"
)

type fakeConsole struct {
	mu           sync.Mutex
	calls        []string
	err          error
	session      *calling.CallSession
	registration calling.RegistrationState
	dialOpts     calling.DialOptions
}

func (f *fakeConsole) record(format string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return f.err
}

func (f *fakeConsole) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeConsole) Current() (calling.CallSession, bool) {
	if f.session == nil {
		return calling.CallSession{}, false
	}
	return *f.session, true
}

func (f *fakeConsole) Status() calling.Status {
	if f.session == nil {
		return calling.StatusIdle
	}
	return f.session.EffectiveStatus()
}

func (f *fakeConsole) Registration() calling.RegistrationState { return f.registration }

func (f *fakeConsole) Dial(ctx context.Context, number string, opts calling.DialOptions) (calling.CallSession, error) {
	f.dialOpts = opts
	if err := f.record("dial:%s", number); err != nil {
		return calling.CallSession{}, err
	}
	f.session = &calling.CallSession{ID: "s-1", RemoteNumber: number, Direction: calling.DirectionOutbound, Status: calling.StatusDialing}
	return *f.session, nil
}

func (f *fakeConsole) Hangup(ctx context.Context) error { return f.record("hangup") }
func (f *fakeConsole) Answer(ctx context.Context) error { return f.record("answer") }
func (f *fakeConsole) Reject(ctx context.Context) error { return f.record("reject") }
func (f *fakeConsole) Park(ctx context.Context) error   { return f.record("park") }

func (f *fakeConsole) Mute(ctx context.Context, muted bool) error {
	return f.record("mute:%v", muted)
}

func (f *fakeConsole) Hold(ctx context.Context, held bool) error {
	return f.record("hold:%v", held)
}

func (f *fakeConsole) Transfer(ctx context.Context, extension string) error {
	return f.record("transfer:%s", extension)
}

func (f *fakeConsole) SetDisposition(ctx context.Context, disposition, notes string) error {
	return f.record("disposition:%s:%s", disposition, notes)
}

func (f *fakeConsole) StartRecording(ctx context.Context) (*callcontrol.RecordingStarted, error) {
	if err := f.record("recording:start"); err != nil {
		return nil, err
	}
	id := int64(99)
	return &callcontrol.RecordingStarted{Success: true, CallID: 42, RecordingID: &id}, nil
}

func (f *fakeConsole) StopRecording(ctx context.Context) error { return f.record("recording:stop") }
func (f *fakeConsole) Refresh(ctx context.Context) error       { return f.record("refresh") }

func setupTestAPI() (*fakeConsole, http.Handler) {
	console := &fakeConsole{registration: calling.RegistrationRegistered}
	api := NewAPI(console, metrics.New("test").Handler(), zerolog.Nop())
	return console, api.Handler()
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	_, h := setupTestAPI()

	w := do(h, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var body map[string]string
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "healthy" {
		t.Errorf("Expected status healthy, got %s", body["status"])
	}
}

func TestStatusHandler(t *testing.T) {
	console, h := setupTestAPI()

	t.Run("idle", func(t *testing.T) {
		w := do(h, http.MethodGet, "/status", "")
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
		var body map[string]interface{}
		_ = json.NewDecoder(w.Body).Decode(&body)
		if body["registration"] != "registered" || body["status"] != "idle" {
			t.Errorf("Unexpected status: %v", body)
		}
		if _, ok := body["session"]; ok {
			t.Error("Expected no session while idle")
		}
	})

	t.Run("on hold", func(t *testing.T) {
		console.session = &calling.CallSession{ID: "s-9", Status: calling.StatusAnswered, IsOnHold: true}
		w := do(h, http.MethodGet, "/status", "")
		var body StatusResponse
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if body.Status != calling.StatusOnHold {
			t.Errorf("Expected on_hold, got %s", body.Status)
		}
		if body.Session == nil || body.Session.ID != "s-9" {
			t.Errorf("Expected session s-9, got %+v", body.Session)
		}
	})
}

func TestDialHandler(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		console, h := setupTestAPI()
		w := do(h, http.MethodPost, "/call/dial", `{"number":"5551234","campaign_id":3}`)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var session calling.CallSession
		_ = json.NewDecoder(w.Body).Decode(&session)
		if session.RemoteNumber != "5551234" || session.Status != calling.StatusDialing {
			t.Errorf("Unexpected session: %+v", session)
		}
		if console.dialOpts.CampaignID == nil || *console.dialOpts.CampaignID != 3 {
			t.Errorf("Expected campaign 3, got %v", console.dialOpts.CampaignID)
		}
		if console.dialOpts.ContactID != nil {
			t.Errorf("Expected no contact, got %v", *console.dialOpts.ContactID)
		}
	})

	t.Run("invalid body", func(t *testing.T) {
		console, h := setupTestAPI()
		w := do(h, http.MethodPost, "/call/dial", `{not json`)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("Expected 400, got %d", w.Code)
		}
		if len(console.Calls()) != 0 {
			t.Error("Expected console not to be called")
		}
	})

	t.Run("already in call", func(t *testing.T) {
		console, h := setupTestAPI()
		console.err = calling.ErrAlreadyInCall
		w := do(h, http.MethodPost, "/call/dial", `{"number":"5551234"}`)
		if w.Code != http.StatusConflict {
			t.Fatalf("Expected 409, got %d", w.Code)
		}
		var body map[string]string
		_ = json.NewDecoder(w.Body).Decode(&body)
		if body["error"] != calling.ErrAlreadyInCall.Error() {
			t.Errorf("Expected error message, got %q", body["error"])
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		_, h := setupTestAPI()
		w := do(h, http.MethodGet, "/call/dial", "")
		if w.Code != http.StatusMethodNotAllowed {
			t.Fatalf("Expected 405, got %d", w.Code)
		}
	})
}

func TestMethodNotAllowed(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/call/hangup", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/call/recording/start", http.StatusMethodNotAllowed},
		{http.MethodGet, "/line/register", http.StatusMethodNotAllowed},
		{http.MethodPost, "/status", http.StatusMethodNotAllowed},
		{http.MethodPost, "/call/unknown", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			console, h := setupTestAPI()
			w := do(h, tt.method, tt.path, "")
			if w.Code != tt.want {
				t.Fatalf("Expected %d, got %d", tt.want, w.Code)
			}
			if calls := console.Calls(); len(calls) != 0 {
				t.Errorf("Expected no console calls, got %v", calls)
			}
			if tt.want != http.StatusMethodNotAllowed {
				return
			}
			var body map[string]string
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if body["error"] != "method not allowed" {
				t.Errorf("Expected method not allowed error, got %q", body["error"])
			}
		})
	}
}

func TestCommandRoutes(t *testing.T) {
	tests := []struct {
		path string
		body string
		want string
	}{
		{"/call/hangup", "", "hangup"},
		{"/call/answer", "", "answer"},
		{"/call/reject", "", "reject"},
		{"/call/mute", "", "mute:true"},
		{"/call/unmute", "", "mute:false"},
		{"/call/hold", "", "hold:true"},
		{"/call/resume", "", "hold:false"},
		{"/call/park", "", "park"},
		{"/call/transfer", `{"extension":"2002"}`, "transfer:2002"},
		{"/call/disposition", `{"disposition":"sale","notes":"renewal"}`, "disposition:sale:renewal"},
		{"/call/recording/start", "", "recording:start"},
		{"/call/recording/stop", "", "recording:stop"},
		{"/call/refresh", "", "refresh"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			console, h := setupTestAPI()
			w := do(h, http.MethodPost, tt.path, tt.body)
			if w.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
			}
			calls := console.Calls()
			if len(calls) != 1 || calls[0] != tt.want {
				t.Errorf("Expected %q, got %v", tt.want, calls)
			}
		})
	}
}

func TestRecordingStartResponse(t *testing.T) {
	_, h := setupTestAPI()
	w := do(h, http.MethodPost, "/call/recording/start", "")
	var started callcontrol.RecordingStarted
	if err := json.NewDecoder(w.Body).Decode(&started); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !started.Success || started.RecordingID == nil || *started.RecordingID != 99 {
		t.Errorf("Unexpected response: %+v", started)
	}
}

func TestRequiredFields(t *testing.T) {
	for _, tt := range []struct{ path, body string }{
		{"/call/transfer", `{"extension":"  "}`},
		{"/call/disposition", `{"notes":"x"}`},
	} {
		t.Run(tt.path, func(t *testing.T) {
			console, h := setupTestAPI()
			w := do(h, http.MethodPost, tt.path, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("Expected 400, got %d", w.Code)
			}
			if len(console.Calls()) != 0 {
				t.Errorf("Expected console not to be called, got %v", console.Calls())
			}
		})
	}
}

type fakeLine struct {
	connects    int
	disconnects int
	err         error
}

func (l *fakeLine) Connect(ctx context.Context) error {
	l.connects++
	return l.err
}

func (l *fakeLine) Disconnect(ctx context.Context) error {
	l.disconnects++
	return l.err
}

func TestLineRoutes(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		_, h := setupTestAPI()
		if w := do(h, http.MethodPost, "/line/register", ""); w.Code != http.StatusServiceUnavailable {
			t.Fatalf("Expected 503, got %d", w.Code)
		}
	})

	t.Run("register and unregister", func(t *testing.T) {
		line := &fakeLine{}
		api := NewAPI(&fakeConsole{registration: calling.RegistrationRegistering}, nil, zerolog.Nop())
		api.SetLine(line)
		h := api.Handler()

		w := do(h, http.MethodPost, "/line/register", "")
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
		var body StatusResponse
		_ = json.NewDecoder(w.Body).Decode(&body)
		if body.Registration != calling.RegistrationRegistering {
			t.Errorf("Expected registering, got %s", body.Registration)
		}
		if w := do(h, http.MethodPost, "/line/unregister", ""); w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
		if line.connects != 1 || line.disconnects != 1 {
			t.Errorf("Expected one connect and one disconnect, got %d and %d", line.connects, line.disconnects)
		}
	})

	t.Run("failure", func(t *testing.T) {
		api := NewAPI(&fakeConsole{}, nil, zerolog.Nop())
		api.SetLine(&fakeLine{err: errors.New("transport down")})
		if w := do(api.Handler(), http.MethodPost, "/line/register", ""); w.Code != http.StatusInternalServerError {
			t.Fatalf("Expected 500, got %d", w.Code)
		}
	})
}

func TestMetricsRoute(t *testing.T) {
	_, h := setupTestAPI()
	w := do(h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "test_") {
		t.Errorf("Expected namespaced metrics, got %s", w.Body.String())
	}

	api := NewAPI(&fakeConsole{}, nil, zerolog.Nop())
	if w := do(api.Handler(), http.MethodGet, "/metrics", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without metrics, got %d", w.Code)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid number", calling.ErrInvalidNumber, http.StatusBadRequest},
		{"not registered", fmt.Errorf("dial: %w", calling.ErrNotRegistered), http.StatusServiceUnavailable},
		{"already in call", calling.ErrAlreadyInCall, http.StatusConflict},
		{"no pending call", calling.ErrNoPendingCall, http.StatusConflict},
		{"no active call", calling.ErrNoActiveCall, http.StatusConflict},
		{"no backend call", calling.ErrNoBackendCall, http.StatusConflict},
		{"timeout", fmt.Errorf("failed to dial: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"backend", fmt.Errorf("failed to park: %w", &dialersdk.NotFoundError{APIError: &dialersdk.APIError{StatusCode: 404}}), http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusCode(tt.err); got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}
		})
	}
}
