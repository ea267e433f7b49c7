/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package dialer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/tejzpr/dialer-console-go/calling"
	"github.com/tejzpr/dialer-console-go/dialersdk"
	"github.com/tejzpr/dialer-console-go/events"
	"github.com/tejzpr/dialer-console-go/metrics"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *DialerClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := dialersdk.DefaultConfig()
	cfg.BaseURL = server.URL + "/api"
	cfg.MaxRetries = 0
	client, err := NewClient("test-token", cfg, opts...)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

func profileHandler(extension string, hits *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agents/me" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":7,"username":"alice","phone_extension":"` + extension + `","status":"available"}`))
	}
}

func sipConfig(password string) *calling.Config {
	cfg := calling.DefaultConfig()
	cfg.SIP.Server = "wss://pbx.example.com:8089/ws"
	cfg.SIP.Password = password
	return cfg
}

func TestNewClient(t *testing.T) {
	if _, err := NewClient("", nil); err == nil {
		t.Fatal("Expected error for empty token")
	}

	client, err := NewClient("test-token", nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if client.streamURL != "http://localhost:8000/api" {
		t.Errorf("Expected stream URL to default to the API URL, got %s", client.streamURL)
	}
	if client.Core() == nil {
		t.Error("Expected core client")
	}
	if client.Registerer() != nil {
		t.Error("Expected no registerer before Console")
	}

	m := metrics.New("test")
	client, err = NewClient("test-token", nil, WithEventStream("wss://events.example.com", nil), WithMetrics(m))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if client.streamURL != "wss://events.example.com" {
		t.Errorf("Expected custom stream URL, got %s", client.streamURL)
	}
	if client.Metrics() != m {
		t.Error("Expected metrics to be kept")
	}
}

func TestPluginsAreCached(t *testing.T) {
	client, err := NewClient("test-token", nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if client.Calls() != client.Calls() {
		t.Error("Expected Calls to return the same instance")
	}
	if client.Agents() != client.Agents() {
		t.Error("Expected Agents to return the same instance")
	}
	if client.EventStream() != client.EventStream() {
		t.Error("Expected EventStream to return the same instance")
	}
	if client.EventStream().IsConnected() {
		t.Error("Expected event stream not to be connected")
	}
}

func TestConsoleResolvesExtensionFromProfile(t *testing.T) {
	var hits int32
	client := newTestClient(t, profileHandler("1001", &hits))

	console, err := client.Console(context.Background(), sipConfig("per-agent-secret"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if console.Registration() != calling.RegistrationUnregistered {
		t.Errorf("Expected unregistered, got %s", console.Registration())
	}
	if client.Registerer() == nil {
		t.Fatal("Expected registerer to be built")
	}

	again, err := client.Console(context.Background(), nil)
	if err != nil {
		t.Fatalf("Expected no error from cached Console(), got: %v", err)
	}
	if again != console {
		t.Error("Expected Console() to return the cached instance")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("Expected one profile fetch, got %d", hits)
	}
}

func TestConsoleUsesEventStream(t *testing.T) {
	var hits int32
	client := newTestClient(t, profileHandler("1001", &hits))

	console, err := client.Console(context.Background(), sipConfig("secret"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	stream := client.EventStream().Events()
	before := stream.HandlerCount(events.KindCallUpdate)
	console.Start()
	defer console.Close()
	if stream.HandlerCount(events.KindCallUpdate) != before+1 {
		t.Error("Expected the console to subscribe to the event stream")
	}
}

func TestConsoleConfiguredExtension(t *testing.T) {
	var hits int32
	client := newTestClient(t, profileHandler("1001", &hits))

	cfg := sipConfig("secret")
	cfg.SIP.Extension = "2002"
	if _, err := client.Console(context.Background(), cfg); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Error("Expected no profile fetch when the extension is configured")
	}
}

func TestConsoleErrors(t *testing.T) {
	t.Run("no password", func(t *testing.T) {
		var hits int32
		client := newTestClient(t, profileHandler("1001", &hits))
		_, err := client.Console(context.Background(), sipConfig(""))
		if !errors.Is(err, ErrNoSIPCredentials) {
			t.Fatalf("Expected ErrNoSIPCredentials, got %v", err)
		}
		if client.Registerer() != nil {
			t.Error("Expected nothing to be cached after a failure")
		}
	})

	t.Run("profile without extension", func(t *testing.T) {
		var hits int32
		client := newTestClient(t, profileHandler("", &hits))
		if _, err := client.Console(context.Background(), sipConfig("secret")); err == nil {
			t.Fatal("Expected error for agent without extension")
		}
	})

	t.Run("profile unavailable", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"invalid token"}`))
		})
		_, err := client.Console(context.Background(), sipConfig("secret"))
		if !dialersdk.IsAuthError(err) {
			t.Fatalf("Expected auth error, got %v", err)
		}
	})

	t.Run("bad server", func(t *testing.T) {
		var hits int32
		client := newTestClient(t, profileHandler("1001", &hits))
		cfg := sipConfig("secret")
		cfg.SIP.Server = "sip:pbx.example.com"
		if _, err := client.Console(context.Background(), cfg); err == nil {
			t.Fatal("Expected error for a non-WebSocket server")
		}
	})
}
