/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestCallSessionDurations(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("ringing call measures to now", func(t *testing.T) {
		s := CallSession{CreatedAt: base, RingStartedAt: base.Add(time.Second)}
		if got := s.RingDuration(base.Add(5 * time.Second)); got != 4*time.Second {
			t.Errorf("Expected 4s, got %v", got)
		}
		if _, ok := s.TalkDuration(base.Add(5 * time.Second)); ok {
			t.Error("Expected no talk duration before answer")
		}
	})

	t.Run("dialing call measures from creation", func(t *testing.T) {
		s := CallSession{CreatedAt: base, EndedAt: base.Add(2 * time.Second)}
		if got := s.RingDuration(base.Add(time.Hour)); got != 2*time.Second {
			t.Errorf("Expected 2s, got %v", got)
		}
	})

	t.Run("clock skew clamps to zero", func(t *testing.T) {
		s := CallSession{
			CreatedAt:     base,
			RingStartedAt: base.Add(10 * time.Second),
			AnsweredAt:    base.Add(5 * time.Second),
			EndedAt:       base.Add(time.Second),
		}
		if got := s.RingDuration(base); got != 0 {
			t.Errorf("Expected ring 0, got %v", got)
		}
		if got, ok := s.TalkDuration(base); !ok || got != 0 {
			t.Errorf("Expected talk 0, got %v (ok=%v)", got, ok)
		}
	})
}

func TestEffectiveStatus(t *testing.T) {
	s := CallSession{Status: StatusAnswered, IsOnHold: true}
	if s.EffectiveStatus() != StatusOnHold {
		t.Errorf("Expected on_hold, got %s", s.EffectiveStatus())
	}
	s.Status = StatusEnded
	if s.EffectiveStatus() != StatusEnded {
		t.Errorf("Expected ended, got %s", s.EffectiveStatus())
	}
	if !StatusFailed.Terminal() || StatusOnHold.Terminal() {
		t.Error("Unexpected terminal classification")
	}
}

func TestCallSessionJSON(t *testing.T) {
	s := CallSession{ID: "abc", RemoteNumber: "100", Direction: DirectionOutbound, Status: StatusDialing, Phase: PhaseProposed, Version: 1}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	out := string(data)
	for _, want := range []string{`"status":"dialing"`, `"phase":"proposed"`, `"version":1`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in %s", want, out)
		}
	}
	if strings.Contains(out, "call_id") || strings.Contains(out, "end_reason") {
		t.Errorf("Expected unset identities to be omitted, got %s", out)
	}
}

func TestCallSessionJSONTimestamps(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s := CallSession{ID: "abc", Status: StatusRinging, CreatedAt: created, RingStartedAt: created.Add(time.Second)}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "0001-01-01") {
		t.Errorf("Expected no zero timestamps, got %s", out)
	}
	for _, absent := range []string{"answered_at", "ended_at"} {
		if strings.Contains(out, absent) {
			t.Errorf("Expected %s to be omitted, got %s", absent, out)
		}
	}
	if !strings.Contains(out, `"ring_started_at":"2025-03-01T10:00:01Z"`) {
		t.Errorf("Expected ring_started_at, got %s", out)
	}

	var back CallSession
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !back.RingStartedAt.Equal(s.RingStartedAt) || !back.AnsweredAt.IsZero() || back.ID != "abc" {
		t.Errorf("Expected timestamps to survive decoding, got %+v", back)
	}

	data, err = json.Marshal(&s)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if strings.Contains(string(data), "answered_at") {
		t.Errorf("Expected pointer marshaling to omit answered_at, got %s", data)
	}
}
