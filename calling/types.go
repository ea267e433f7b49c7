/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"encoding/json"
	"errors"
	"time"
)

// ---- Enums / Constants ----

// Direction indicates whether a call is inbound or outbound
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Status is the lifecycle status of a call session
type Status string

const (
	StatusIdle     Status = "idle"
	StatusDialing  Status = "dialing"
	StatusRinging  Status = "ringing"
	StatusAnswered Status = "answered"
	// StatusOnHold is only ever reported by EffectiveStatus.
	StatusOnHold Status = "on_hold"
	StatusEnded  Status = "ended"
	StatusFailed Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// rank orders statuses so that transitions only move forward.
func (s Status) rank() int {
	switch s {
	case StatusDialing:
		return 1
	case StatusRinging:
		return 2
	case StatusAnswered, StatusOnHold:
		return 3
	case StatusEnded, StatusFailed:
		return 4
	}
	return 0
}

// Phase distinguishes an optimistic local state from one confirmed by signaling.
type Phase string

const (
	PhaseProposed  Phase = "proposed"
	PhaseConfirmed Phase = "confirmed"
)

// RegistrationState is the state of the agent's SIP registration
type RegistrationState string

const (
	RegistrationUnregistered RegistrationState = "unregistered"
	RegistrationRegistering  RegistrationState = "registering"
	RegistrationRegistered   RegistrationState = "registered"
	RegistrationFailed       RegistrationState = "registration_failed"
)

// End reasons recorded on terminal sessions.
const (
	ReasonLocalHangup   = "local_hangup"
	ReasonRemoteHangup  = "remote_hangup"
	ReasonRejected      = "rejected"
	ReasonCancelled     = "cancelled"
	ReasonRingTimeout   = "ring_timeout"
	ReasonTransportLost = "transport_lost"
	ReasonDialFailed    = "dial_failed"
	ReasonBackendEnded  = "backend_ended"
	ReasonSuperseded    = "superseded"
)

// UnknownNumber is shown when an inbound call carries no caller identity.
const UnknownNumber = "Unknown"

// ---- Errors ----

var (
	ErrNotRegistered = errors.New("softphone not registered")
	ErrAlreadyInCall = errors.New("already in a call")
	ErrNoPendingCall = errors.New("no pending inbound call")
	ErrNoActiveCall  = errors.New("no active call")
	ErrNoBackendCall = errors.New("call is not known to the backend")
	ErrInvalidNumber = errors.New("phone number is required")
	ErrUnknownDialog = errors.New("unknown dialog")
)

// ---- Session ----

// CallSession is a snapshot of the agent's current call.
type CallSession struct {
	ID       string `json:"id"`
	CallID   int64  `json:"call_id,omitempty"`
	DialogID string `json:"dialog_id,omitempty"`

	RemoteNumber string    `json:"remote_number"`
	Direction    Direction `json:"direction"`
	Status       Status    `json:"status"`
	Phase        Phase     `json:"phase"`

	IsMuted  bool `json:"is_muted"`
	IsOnHold bool `json:"is_on_hold"`
	Stale    bool `json:"stale,omitempty"`

	ContactID  *int64 `json:"contact_id,omitempty"`
	CampaignID *int64 `json:"campaign_id,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	RingStartedAt time.Time `json:"ring_started_at,omitempty"`
	AnsweredAt    time.Time `json:"answered_at,omitempty"`
	EndedAt       time.Time `json:"ended_at,omitempty"`
	EndReason     string    `json:"end_reason,omitempty"`

	Version uint64 `json:"version"`
}

// MarshalJSON omits timestamps that have not been reached yet.
func (s CallSession) MarshalJSON() ([]byte, error) {
	type session CallSession
	return json.Marshal(struct {
		session
		RingStartedAt *time.Time `json:"ring_started_at,omitempty"`
		AnsweredAt    *time.Time `json:"answered_at,omitempty"`
		EndedAt       *time.Time `json:"ended_at,omitempty"`
	}{
		session:       session(s),
		RingStartedAt: optionalTime(s.RingStartedAt),
		AnsweredAt:    optionalTime(s.AnsweredAt),
		EndedAt:       optionalTime(s.EndedAt),
	})
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// EffectiveStatus folds the hold modifier into the status.
func (s CallSession) EffectiveStatus() Status {
	if s.Status == StatusAnswered && s.IsOnHold {
		return StatusOnHold
	}
	return s.Status
}

// RingDuration is the time from ring start to answer, end or now.
// Sessions that never rang measure from creation.
func (s CallSession) RingDuration(now time.Time) time.Duration {
	start := s.RingStartedAt
	if start.IsZero() {
		start = s.CreatedAt
	}
	end := now
	switch {
	case !s.AnsweredAt.IsZero():
		end = s.AnsweredAt
	case !s.EndedAt.IsZero():
		end = s.EndedAt
	}
	return clamp(end.Sub(start))
}

// TalkDuration is the time from answer to end or now. ok is false for
// sessions that were never answered.
func (s CallSession) TalkDuration(now time.Time) (d time.Duration, ok bool) {
	if s.AnsweredAt.IsZero() {
		return 0, false
	}
	end := now
	if !s.EndedAt.IsZero() {
		end = s.EndedAt
	}
	return clamp(end.Sub(s.AnsweredAt)), true
}

func clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// DialOptions associates an outbound call with dialer records.
type DialOptions struct {
	ContactID  *int64
	CampaignID *int64
}

// ---- Signaling ----

// SignalKind is the kind of a signaling notification from the phone
type SignalKind string

const (
	SignalProgress   SignalKind = "progress"
	SignalRinging    SignalKind = "ringing"
	SignalAnswered   SignalKind = "answered"
	SignalRejected   SignalKind = "rejected"
	SignalTerminated SignalKind = "terminated"
	SignalIncoming   SignalKind = "incoming"
)

// Signal is a confirmed signaling event for one dialog.
type Signal struct {
	Kind         SignalKind
	DialogID     string
	RemoteNumber string
	Code         int
	Reason       string
}
