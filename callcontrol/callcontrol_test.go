/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callcontrol

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tejzpr/dialer-console-go/dialersdk"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := dialersdk.DefaultConfig()
	cfg.BaseURL = server.URL + "/api"
	cfg.MaxRetries = 0
	core, err := dialersdk.NewClient("test-token", cfg)
	if err != nil {
		t.Fatalf("Failed to create core client: %v", err)
	}
	return New(core)
}

func TestDial(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/calls/dial" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if body["phone_number"] != "5551234" {
			t.Errorf("Expected phone_number '5551234', got %v", body["phone_number"])
		}
		if body["contact_id"] != float64(9) {
			t.Errorf("Expected contact_id 9, got %v", body["contact_id"])
		}
		if _, ok := body["campaign_id"]; ok {
			t.Errorf("Expected campaign_id to be omitted")
		}
		w.Write([]byte(`{"id":12,"phone_number":"5551234","direction":"outbound","status":"dialing","start_time":"2025-03-01T10:00:00.123456","duration":0,"contact_id":9}`))
	})

	contact := int64(9)
	call, err := client.Dial(context.Background(), DialRequest{PhoneNumber: "5551234", ContactID: &contact})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if call.ID != 12 || call.Status != StatusDialing || !call.Active() {
		t.Errorf("Unexpected call %+v", call)
	}
	started, ok := call.Started()
	if !ok || !started.Equal(time.Date(2025, 3, 1, 10, 0, 0, 123456000, time.UTC)) {
		t.Errorf("Unexpected start time %v (%v)", started, ok)
	}

	if _, err := client.Dial(context.Background(), DialRequest{}); err == nil {
		t.Errorf("Expected error for empty phone number")
	}
}

func TestCurrent(t *testing.T) {
	t.Run("Active call", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/calls/current" {
				t.Errorf("Unexpected path %s", r.URL.Path)
			}
			w.Write([]byte(`{"call":{"id":42,"phone_number":"5550000","direction":"inbound","status":"ringing","duration":0}}`))
		})
		call, err := client.Current(context.Background())
		if err != nil {
			t.Fatalf("Current failed: %v", err)
		}
		if call == nil || call.ID != 42 || call.Direction != "inbound" {
			t.Errorf("Unexpected call %+v", call)
		}
	})

	t.Run("No call", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"call":null}`))
		})
		call, err := client.Current(context.Background())
		if err != nil {
			t.Fatalf("Current failed: %v", err)
		}
		if call != nil {
			t.Errorf("Expected nil call, got %+v", call)
		}
	})
}

func TestActions(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		query string
		call  func(*Client) error
	}{
		{"Hangup", "/api/calls/hangup/5", "", func(c *Client) error { return c.Hangup(context.Background(), 5) }},
		{"Transfer", "/api/calls/transfer/5", "target_extension=1002", func(c *Client) error { return c.Transfer(context.Background(), 5, "1002") }},
		{"Park", "/api/calls/park/5", "", func(c *Client) error { return c.Park(context.Background(), 5) }},
		{"Mute", "/api/calls/5/mute", "", func(c *Client) error { return c.Mute(context.Background(), 5) }},
		{"Unmute", "/api/calls/5/unmute", "", func(c *Client) error { return c.Unmute(context.Background(), 5) }},
		{"Hold", "/api/calls/5/hold", "", func(c *Client) error { return c.Hold(context.Background(), 5) }},
		{"Unhold", "/api/calls/5/unhold", "", func(c *Client) error { return c.Unhold(context.Background(), 5) }},
		{"Answer inbound", "/api/calls/inbound/5/answer", "", func(c *Client) error { return c.AnswerInbound(context.Background(), 5) }},
		{"Reject inbound", "/api/calls/inbound/5/reject", "", func(c *Client) error { return c.RejectInbound(context.Background(), 5) }},
		{"Stop recording", "/api/calls/5/recording/stop", "", func(c *Client) error { return c.StopRecording(context.Background(), 5) }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("Expected POST, got %s", r.Method)
				}
				if r.URL.Path != tc.path {
					t.Errorf("Expected path %s, got %s", tc.path, r.URL.Path)
				}
				if r.URL.RawQuery != tc.query {
					t.Errorf("Expected query %q, got %q", tc.query, r.URL.RawQuery)
				}
				w.Write([]byte(`{"success":true}`))
			})
			if err := tc.call(client); err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestActionFailures(t *testing.T) {
	t.Run("Success false", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":false}`))
		})
		if err := client.Park(context.Background(), 1); err == nil {
			t.Errorf("Expected error when backend reports failure")
		}
	})

	t.Run("Not found", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"detail":"Call not found"}`))
		})
		err := client.Hangup(context.Background(), 1)
		if !dialersdk.IsNotFound(err) {
			t.Errorf("Expected not found error, got %v", err)
		}
	})

	t.Run("Empty transfer target", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("Request should not be sent")
		})
		if err := client.Transfer(context.Background(), 1, ""); err == nil {
			t.Errorf("Expected error for empty target")
		}
	})
}

func TestHistoryAndDisposition(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/calls/history":
			if r.URL.Query().Get("filter") != FilterInbound {
				t.Errorf("Expected inbound filter, got %q", r.URL.Query().Get("filter"))
			}
			w.Write([]byte(`[{"id":1,"phone_number":"1","direction":"inbound","status":"ended","duration":30},{"id":2,"phone_number":"2","direction":"inbound","status":"no_answer","duration":0}]`))
		case "/api/calls/7/disposition":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["disposition"] != "sale" || body["notes"] != "wants brochure" {
				t.Errorf("Unexpected disposition body %v", body)
			}
			w.Write([]byte(`{"message":"Disposition set successfully","call_id":7}`))
		default:
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
	})

	calls, err := client.History(context.Background(), FilterInbound)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(calls) != 2 || calls[1].Active() {
		t.Errorf("Unexpected history %+v", calls)
	}

	if err := client.SetDisposition(context.Background(), 7, "sale", "wants brochure"); err != nil {
		t.Errorf("SetDisposition failed: %v", err)
	}
	if err := client.SetDisposition(context.Background(), 7, "", ""); err == nil {
		t.Errorf("Expected error for empty disposition")
	}
}

func TestRecordings(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/calls/3/recording/start":
			w.Write([]byte(`{"success":true,"call_id":3,"recording_id":11}`))
		case "/api/calls/3/recordings":
			w.Write([]byte(`{"call_id":3,"recordings":[{"id":11,"file_path":"/var/spool/rec/3.wav","created_at":"2025-03-01T10:00:00+00:00"}]}`))
		default:
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
	})

	started, err := client.StartRecording(context.Background(), 3)
	if err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	if started.RecordingID == nil || *started.RecordingID != 11 {
		t.Errorf("Unexpected recording id %+v", started)
	}

	recs, err := client.Recordings(context.Background(), 3)
	if err != nil {
		t.Fatalf("Recordings failed: %v", err)
	}
	if len(recs) != 1 || recs[0].FilePath != "/var/spool/rec/3.wav" {
		t.Errorf("Unexpected recordings %+v", recs)
	}
}
