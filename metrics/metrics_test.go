/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.SetTransportUp(true)
	m.IncReconnect()
	m.IncMalformedFrame()
	m.SetRegistrationState("registered")
	m.ObserveCall("outbound", "ended", time.Second, nil)
	m.IncCommandError("dial")
}

func TestCollectors(t *testing.T) {
	m := New("test")

	m.SetTransportUp(true)
	if v := testutil.ToFloat64(m.TransportUp); v != 1 {
		t.Errorf("Expected transport up 1, got %v", v)
	}

	m.IncReconnect()
	m.IncReconnect()
	if v := testutil.ToFloat64(m.TransportReconnects); v != 2 {
		t.Errorf("Expected 2 reconnects, got %v", v)
	}

	m.SetRegistrationState("registering")
	m.SetRegistrationState("registered")
	if v := testutil.ToFloat64(m.RegistrationState.WithLabelValues("registered")); v != 1 {
		t.Errorf("Expected registered=1, got %v", v)
	}
	if n := testutil.CollectAndCount(m.RegistrationState); n != 1 {
		t.Errorf("Expected a single active registration series, got %d", n)
	}

	talk := 10 * time.Second
	m.ObserveCall("outbound", "ended", 3*time.Second, &talk)
	m.ObserveCall("outbound", "failed", 5*time.Second, nil)
	if v := testutil.ToFloat64(m.CallsTotal.WithLabelValues("outbound", "failed")); v != 1 {
		t.Errorf("Expected 1 failed call, got %v", v)
	}
	if n := testutil.CollectAndCount(m.TalkDuration); n != 1 {
		t.Errorf("Expected talk histogram to be collected, got %d", n)
	}
}

func TestHandler(t *testing.T) {
	m := New("dialer")
	m.IncMalformedFrame()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "dialer_event_stream_malformed_frames_total 1") {
		t.Errorf("Expected malformed frame counter in output, got:\n%s", body)
	}
}
