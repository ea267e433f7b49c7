/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package agents

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/tejzpr/dialer-console-go/dialersdk"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := dialersdk.DefaultConfig()
	cfg.BaseURL = server.URL + "/api"
	core, err := dialersdk.NewClient("test-token", cfg)
	if err != nil {
		t.Fatalf("Failed to create core client: %v", err)
	}
	return New(core)
}

func TestMeIsCached(t *testing.T) {
	var hits int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agents/me" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`{"id":7,"username":"agent7","phone_extension":"1007","status":"available","is_admin":0}`))
	})

	for i := 0; i < 2; i++ {
		me, err := client.Me(context.Background())
		if err != nil {
			t.Fatalf("Me failed: %v", err)
		}
		if me.ID != 7 || me.PhoneExtension != "1007" {
			t.Errorf("Unexpected agent %+v", me)
		}
	}
	if hits != 1 {
		t.Errorf("Expected one request, got %d", hits)
	}
}

func TestSetStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/agents/me":
			w.Write([]byte(`{"id":7,"username":"agent7","phone_extension":"1007","status":"available"}`))
		case "/api/agents/status":
			if r.Method != http.MethodPost {
				t.Errorf("Expected POST, got %s", r.Method)
			}
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["status"] != StatusOnBreak {
				t.Errorf("Expected on_break, got %q", body["status"])
			}
			w.Write([]byte(`{"success":true,"status":"on_break"}`))
		}
	})

	if _, err := client.Me(context.Background()); err != nil {
		t.Fatalf("Me failed: %v", err)
	}
	if err := client.SetStatus(context.Background(), StatusOnBreak); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	me, _ := client.Me(context.Background())
	if me.Status != StatusOnBreak {
		t.Errorf("Expected cached status to follow, got %q", me.Status)
	}

	if err := client.SetStatus(context.Background(), "lunch"); err == nil {
		t.Errorf("Expected error for unknown status")
	}
}

func TestSessionAndStats(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/agents/session":
			w.Write([]byte(`{"id":1,"agent_id":7,"session_id":"abc","status":"available","login_time":"2025-03-01T08:00:00","break_time":0,"login_duration":3600}`))
		case "/api/stats/today":
			w.Write([]byte(`{"inbound_calls":3,"outbound_calls":10,"abandoned_calls":1,"total_calls":13,"break_time":"00:05:00","login_time":"01:00:00","session_id":"abc"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	session, err := client.Session(context.Background())
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if session.SessionID != "abc" || session.LoginDuration != 3600 {
		t.Errorf("Unexpected session %+v", session)
	}

	stats, err := client.TodayStats(context.Background())
	if err != nil {
		t.Fatalf("TodayStats failed: %v", err)
	}
	if stats.TotalCalls != 13 || stats.LoginTime != "01:00:00" {
		t.Errorf("Unexpected stats %+v", stats)
	}
}
