/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tejzpr/dialer-console-go/callcontrol"
	"github.com/tejzpr/dialer-console-go/events"
	"github.com/tejzpr/dialer-console-go/metrics"
)

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// retiredLimit bounds how many finished identities are remembered.
const retiredLimit = 64

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the time source for session timestamps.
func WithClock(c Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithDispatcher makes the machine publish to d instead of its own dispatcher.
func WithDispatcher(d *events.Dispatcher) Option {
	return func(m *Machine) { m.dispatcher = d }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

// WithMetrics sets the collectors updated on terminal transitions.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// Outbound describes a locally originated call.
type Outbound struct {
	RemoteNumber string
	// DialogID is the SIP Call-ID chosen before the INVITE is sent, empty
	// when the backend originates.
	DialogID string
	Options  DialOptions
}

// Inbound describes an offered call. Either identity may be empty.
type Inbound struct {
	DialogID     string
	CallID       int64
	RemoteNumber string
}

// Machine owns the agent's single current call session. Every mutation is
// serialized under its lock; notifications are emitted after the lock is
// released and carry the session Version so subscribers can drop stale ones.
type Machine struct {
	mu         sync.Mutex
	config     *Config
	clock      Clock
	dispatcher *events.Dispatcher
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	session    *CallSession
	last       *CallSession
	version    uint64
	ringTimer  *time.Timer
	clearTimer *time.Timer

	retired    []string
	retiredSet map[string]struct{}
}

// NewMachine creates a state machine with no session.
func NewMachine(config *Config, opts ...Option) *Machine {
	if config == nil {
		config = DefaultConfig()
	}
	m := &Machine{
		config:     config,
		clock:      time.Now,
		logger:     zerolog.Nop(),
		retiredSet: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "machine").Logger()
	if m.dispatcher == nil {
		m.dispatcher = events.NewDispatcher(m.logger)
	}
	return m
}

// Events returns the dispatcher session notifications are published to.
func (m *Machine) Events() *events.Dispatcher {
	return m.dispatcher
}

// Current returns the session, including a terminal one still in its grace period.
func (m *Machine) Current() (CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return CallSession{}, false
	}
	return *m.session, true
}

// Last returns the current session or, when idle, the most recently cleared one.
func (m *Machine) Last() (CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.session != nil:
		return *m.session, true
	case m.last != nil:
		return *m.last, true
	}
	return CallSession{}, false
}

// Status returns the effective status, StatusIdle without a session.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return StatusIdle
	}
	return m.session.EffectiveStatus()
}

// Active reports whether a non-terminal session exists.
func (m *Machine) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

// BeginOutbound creates an optimistic dialing session.
func (m *Machine) BeginOutbound(o Outbound) (CallSession, error) {
	var out []events.Event
	m.mu.Lock()
	if m.activeLocked() {
		m.mu.Unlock()
		return CallSession{}, ErrAlreadyInCall
	}
	if m.session != nil {
		m.clearLocked(&out)
	}

	m.session = &CallSession{
		ID:           uuid.NewString(),
		DialogID:     o.DialogID,
		RemoteNumber: o.RemoteNumber,
		Direction:    DirectionOutbound,
		Status:       StatusDialing,
		Phase:        PhaseProposed,
		ContactID:    o.Options.ContactID,
		CampaignID:   o.Options.CampaignID,
		CreatedAt:    m.clock(),
	}
	m.startRingTimerLocked()
	m.touchLocked(&out)
	snap := *m.session
	m.mu.Unlock()

	m.logger.Info().Str("session", snap.ID).Str("number", snap.RemoteNumber).Msg("outbound call started")
	m.emit(out)
	return snap, nil
}

// BeginInbound creates a ringing session for an offered call. An offer for
// the call already ringing (the SIP INVITE and the backend notification of
// the same call) is merged into that session.
func (m *Machine) BeginInbound(in Inbound) (CallSession, error) {
	var out []events.Event
	m.mu.Lock()
	if m.retiredLocked(in.DialogID, in.CallID) {
		m.mu.Unlock()
		return CallSession{}, ErrUnknownDialog
	}

	if m.activeLocked() {
		s := m.session
		if !sameCall(s, in) {
			m.mu.Unlock()
			return CallSession{}, ErrAlreadyInCall
		}
		changed := false
		if s.DialogID == "" && in.DialogID != "" {
			s.DialogID = in.DialogID
			changed = true
		}
		if s.CallID == 0 && in.CallID != 0 {
			s.CallID = in.CallID
			changed = true
		}
		if s.RemoteNumber == UnknownNumber && in.RemoteNumber != "" {
			s.RemoteNumber = in.RemoteNumber
			changed = true
		}
		if changed {
			m.touchLocked(&out)
		}
		snap := *s
		m.mu.Unlock()
		m.emit(out)
		return snap, nil
	}
	if m.session != nil {
		m.clearLocked(&out)
	}

	number := strings.TrimSpace(in.RemoteNumber)
	if number == "" {
		number = UnknownNumber
	}
	now := m.clock()
	m.session = &CallSession{
		ID:            uuid.NewString(),
		CallID:        in.CallID,
		DialogID:      in.DialogID,
		RemoteNumber:  number,
		Direction:     DirectionInbound,
		Status:        StatusRinging,
		Phase:         PhaseConfirmed,
		CreatedAt:     now,
		RingStartedAt: now,
	}
	m.startRingTimerLocked()
	m.touchLocked(&out)
	snap := *m.session
	m.mu.Unlock()

	m.logger.Info().Str("session", snap.ID).Str("number", snap.RemoteNumber).Msg("inbound call ringing")
	m.emit(out)
	return snap, nil
}

func sameCall(s *CallSession, in Inbound) bool {
	if in.DialogID != "" && s.DialogID == in.DialogID {
		return true
	}
	if in.CallID != 0 && s.CallID == in.CallID {
		return true
	}
	if s.Direction != DirectionInbound || s.Status != StatusRinging {
		return false
	}
	// one side knows the dialog, the other the backend id
	return (in.DialogID != "" && s.DialogID == "" && in.CallID == 0) ||
		(in.CallID != 0 && s.CallID == 0 && in.DialogID == "")
}

// Apply feeds a signaling event for a dialog into the machine. It reports
// whether the session changed. Signals for unknown or finished dialogs and
// signals that would move the session backwards are ignored.
func (m *Machine) Apply(sig Signal) bool {
	if sig.DialogID == "" {
		return false
	}

	var out []events.Event
	m.mu.Lock()
	s := m.session
	if s == nil || s.DialogID != sig.DialogID || s.Status.Terminal() {
		m.mu.Unlock()
		m.logger.Debug().Str("dialog", sig.DialogID).Str("signal", string(sig.Kind)).Msg("ignoring signal")
		return false
	}

	now := m.clock()
	switch sig.Kind {
	case SignalProgress:
		if s.Phase == PhaseProposed {
			s.Phase = PhaseConfirmed
			m.touchLocked(&out)
		}
	case SignalRinging:
		if s.Status.rank() < StatusRinging.rank() {
			s.Status = StatusRinging
			s.Phase = PhaseConfirmed
			if s.RingStartedAt.IsZero() {
				s.RingStartedAt = now
			}
			m.touchLocked(&out)
		}
	case SignalAnswered:
		if s.Status.rank() < StatusAnswered.rank() {
			m.answerLocked(now)
			m.touchLocked(&out)
		}
	case SignalRejected, SignalTerminated:
		reason := sig.Reason
		if reason == "" {
			reason = ReasonRemoteHangup
			if sig.Kind == SignalRejected {
				reason = ReasonRejected
			}
		}
		m.terminateLocked(remoteOutcome(s), reason, &out)
	}
	m.mu.Unlock()

	m.emit(out)
	return len(out) > 0
}

// remoteOutcome is ended for an answered call and failed before answer.
func remoteOutcome(s *CallSession) Status {
	if s.Status == StatusAnswered {
		return StatusEnded
	}
	return StatusFailed
}

// Answer marks the session answered after a confirmed local or backend answer.
func (m *Machine) Answer(id string) bool {
	return m.mutate(id, func(s *CallSession, out *[]events.Event) {
		if s.Status.rank() < StatusAnswered.rank() {
			m.answerLocked(m.clock())
			m.touchLocked(out)
		}
	})
}

// End moves the session to ended after a confirmed local hangup or reject.
func (m *Machine) End(id, reason string) bool {
	return m.mutate(id, func(s *CallSession, out *[]events.Event) {
		m.terminateLocked(StatusEnded, reason, out)
	})
}

// Fail moves the session to failed, typically when the dial itself failed.
func (m *Machine) Fail(id, reason string) bool {
	return m.mutate(id, func(s *CallSession, out *[]events.Event) {
		m.terminateLocked(StatusFailed, reason, out)
	})
}

// SetMute sets the mute modifier. Setting the current value is a no-op.
func (m *Machine) SetMute(id string, muted bool) bool {
	return m.mutate(id, func(s *CallSession, out *[]events.Event) {
		if s.IsMuted != muted {
			s.IsMuted = muted
			m.touchLocked(out)
		}
	})
}

// SetHold sets the hold modifier of an answered session. Setting the current
// value is a no-op.
func (m *Machine) SetHold(id string, held bool) bool {
	return m.mutate(id, func(s *CallSession, out *[]events.Event) {
		if s.Status == StatusAnswered && s.IsOnHold != held {
			s.IsOnHold = held
			m.touchLocked(out)
		}
	})
}

// BindCallID attaches the backend identifier, confirming a backend originate.
func (m *Machine) BindCallID(id string, callID int64) bool {
	return m.mutate(id, func(s *CallSession, out *[]events.Event) {
		if s.CallID == 0 && callID != 0 {
			s.CallID = callID
			s.Phase = PhaseConfirmed
			m.touchLocked(out)
		}
	})
}

// BindDialog attaches the SIP dialog carrying the session's audio.
func (m *Machine) BindDialog(id, dialogID string) bool {
	return m.mutate(id, func(s *CallSession, out *[]events.Event) {
		if s.DialogID == "" && dialogID != "" {
			s.DialogID = dialogID
			m.touchLocked(out)
		}
	})
}

// MarkStale flags the active session as unverified until the next Reconcile.
func (m *Machine) MarkStale() bool {
	var out []events.Event
	m.mu.Lock()
	if m.activeLocked() && !m.session.Stale {
		m.session.Stale = true
		m.touchLocked(&out)
	}
	m.mu.Unlock()
	m.emit(out)
	return len(out) > 0
}

// Reconcile folds the backend's view of the agent's current call into the
// session. A nil call means the backend has no active call for the agent.
func (m *Machine) Reconcile(call *callcontrol.Call) {
	var out []events.Event
	m.mu.Lock()
	defer func() {
		m.mu.Unlock()
		m.emit(out)
	}()

	active := m.activeLocked()
	if call == nil {
		if active && (m.session.Stale || m.session.CallID != 0) {
			m.terminateLocked(remoteOutcome(m.session), ReasonBackendEnded, &out)
		}
		return
	}
	if m.retiredLocked("", call.ID) {
		return
	}

	if active {
		s := m.session
		if s.CallID == call.ID || (s.CallID == 0 && sameNumber(s.RemoteNumber, call.PhoneNumber)) {
			m.applyBackendLocked(call, &out)
			return
		}
		if !s.Stale {
			m.logger.Warn().Int64("call_id", call.ID).Str("session", s.ID).Msg("backend reports a different call, keeping local session")
			return
		}
		m.terminateLocked(remoteOutcome(s), ReasonSuperseded, &out)
	}
	m.adoptLocked(call, &out)
}

// applyBackendLocked advances the matched session to the backend status.
func (m *Machine) applyBackendLocked(call *callcontrol.Call, out *[]events.Event) {
	s := m.session
	changed := false
	if s.CallID == 0 {
		s.CallID = call.ID
		changed = true
	}
	if s.Stale {
		s.Stale = false
		changed = true
	}
	if s.Phase == PhaseProposed {
		s.Phase = PhaseConfirmed
		changed = true
	}

	target, ok := backendStatus(call.Status)
	if ok && target.Terminal() {
		m.terminateLocked(target, call.Status, out)
		return
	}
	if ok && target.rank() > s.Status.rank() {
		now := m.clock()
		switch target {
		case StatusRinging:
			s.Status = StatusRinging
			if s.RingStartedAt.IsZero() {
				s.RingStartedAt = now
			}
		case StatusAnswered:
			m.answerLocked(now)
		}
		changed = true
	}

	// a SIP dialog owns its own modifiers
	if s.DialogID == "" {
		if s.IsMuted != call.IsMuted {
			s.IsMuted = call.IsMuted
			changed = true
		}
		if s.Status == StatusAnswered && s.IsOnHold != call.IsOnHold {
			s.IsOnHold = call.IsOnHold
			changed = true
		}
	}
	if changed {
		m.touchLocked(out)
	}
}

// adoptLocked creates a session for a backend call the console did not start.
func (m *Machine) adoptLocked(call *callcontrol.Call, out *[]events.Event) {
	status, ok := backendStatus(call.Status)
	if !ok || status.Terminal() {
		return
	}
	if m.session != nil {
		m.clearLocked(out)
	}

	now := m.clock()
	created := now
	if t, ok := call.Started(); ok && !t.After(now) {
		created = t
	}
	number := call.PhoneNumber
	if number == "" {
		number = UnknownNumber
	}
	direction := DirectionOutbound
	if call.Direction == string(DirectionInbound) {
		direction = DirectionInbound
	}

	s := &CallSession{
		ID:            uuid.NewString(),
		CallID:        call.ID,
		RemoteNumber:  number,
		Direction:     direction,
		Status:        status,
		Phase:         PhaseConfirmed,
		IsMuted:       call.IsMuted,
		ContactID:     call.ContactID,
		CampaignID:    call.CampaignID,
		CreatedAt:     created,
		RingStartedAt: created,
	}
	if status == StatusAnswered {
		s.AnsweredAt = created
		s.IsOnHold = call.IsOnHold
	}
	m.session = s
	if status != StatusAnswered {
		m.startRingTimerLocked()
	}
	m.touchLocked(out)
	m.logger.Info().Str("session", s.ID).Int64("call_id", call.ID).Msg("adopted backend call")
}

// backendStatus maps a backend call status onto a session status.
func backendStatus(status string) (Status, bool) {
	switch status {
	case callcontrol.StatusDialing:
		return StatusDialing, true
	case callcontrol.StatusRinging:
		return StatusRinging, true
	case callcontrol.StatusAnswered, callcontrol.StatusConnected:
		return StatusAnswered, true
	case callcontrol.StatusEnded, callcontrol.StatusTransferred, callcontrol.StatusParked:
		return StatusEnded, true
	case callcontrol.StatusFailed, callcontrol.StatusBusy, callcontrol.StatusNoAnswer:
		return StatusFailed, true
	}
	return "", false
}

func sameNumber(a, b string) bool {
	return a != "" && strings.TrimSpace(a) == strings.TrimSpace(b)
}

// Close stops the machine's timers.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopRingTimerLocked()
	if m.clearTimer != nil {
		m.clearTimer.Stop()
		m.clearTimer = nil
	}
}

// mutate runs fn on the session identified by id if it is still active.
func (m *Machine) mutate(id string, fn func(s *CallSession, out *[]events.Event)) bool {
	var out []events.Event
	m.mu.Lock()
	if !m.activeLocked() || m.session.ID != id {
		m.mu.Unlock()
		return false
	}
	fn(m.session, &out)
	m.mu.Unlock()

	m.emit(out)
	return len(out) > 0
}

func (m *Machine) activeLocked() bool {
	return m.session != nil && !m.session.Status.Terminal()
}

func (m *Machine) answerLocked(now time.Time) {
	s := m.session
	s.Status = StatusAnswered
	s.Phase = PhaseConfirmed
	s.AnsweredAt = now
	m.stopRingTimerLocked()
}

func (m *Machine) terminateLocked(status Status, reason string, out *[]events.Event) {
	s := m.session
	now := m.clock()
	s.Status = status
	s.EndReason = reason
	s.EndedAt = now
	m.stopRingTimerLocked()
	m.touchLocked(out)

	ring := s.RingDuration(now)
	var talk *time.Duration
	if d, ok := s.TalkDuration(now); ok {
		talk = &d
	}
	m.metrics.ObserveCall(string(s.Direction), string(status), ring, talk)
	m.logger.Info().Str("session", s.ID).Str("status", string(status)).Str("reason", reason).Msg("call session finished")

	m.retireLocked(s)
	if m.config.EndedGracePeriod <= 0 {
		m.clearLocked(out)
		return
	}
	id := s.ID
	m.clearTimer = time.AfterFunc(m.config.EndedGracePeriod, func() { m.clearExpired(id) })
}

func (m *Machine) clearExpired(id string) {
	var out []events.Event
	m.mu.Lock()
	if m.session != nil && m.session.ID == id && m.session.Status.Terminal() {
		m.clearLocked(&out)
	}
	m.mu.Unlock()
	m.emit(out)
}

func (m *Machine) clearLocked(out *[]events.Event) {
	if m.clearTimer != nil {
		m.clearTimer.Stop()
		m.clearTimer = nil
	}
	m.stopRingTimerLocked()
	s := m.session
	m.session = nil
	m.version++
	s.Version = m.version
	m.last = s
	*out = append(*out, events.Event{Type: events.KindSessionCleared, Payload: *s})
}

func (m *Machine) touchLocked(out *[]events.Event) {
	m.version++
	m.session.Version = m.version
	*out = append(*out, events.Event{Type: events.KindSessionUpdate, Payload: *m.session})
}

func (m *Machine) startRingTimerLocked() {
	m.stopRingTimerLocked()
	if m.config.RingTimeout <= 0 {
		return
	}
	id := m.session.ID
	m.ringTimer = time.AfterFunc(m.config.RingTimeout, func() { m.expireRing(id) })
}

func (m *Machine) stopRingTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

func (m *Machine) expireRing(id string) {
	var out []events.Event
	m.mu.Lock()
	s := m.session
	if s != nil && s.ID == id && !s.Status.Terminal() && s.Status != StatusAnswered {
		m.terminateLocked(StatusFailed, ReasonRingTimeout, &out)
	}
	m.mu.Unlock()
	m.emit(out)
}

func (m *Machine) retireLocked(s *CallSession) {
	if s.DialogID != "" {
		m.rememberLocked("d:" + s.DialogID)
	}
	if s.CallID != 0 {
		m.rememberLocked("c:" + strconv.FormatInt(s.CallID, 10))
	}
}

func (m *Machine) rememberLocked(key string) {
	if _, ok := m.retiredSet[key]; ok {
		return
	}
	m.retired = append(m.retired, key)
	m.retiredSet[key] = struct{}{}
	if len(m.retired) > retiredLimit {
		delete(m.retiredSet, m.retired[0])
		m.retired = m.retired[1:]
	}
}

func (m *Machine) retiredLocked(dialogID string, callID int64) bool {
	if dialogID != "" {
		if _, ok := m.retiredSet["d:"+dialogID]; ok {
			return true
		}
	}
	if callID != 0 {
		if _, ok := m.retiredSet["c:"+strconv.FormatInt(callID, 10)]; ok {
			return true
		}
	}
	return false
}

func (m *Machine) emit(out []events.Event) {
	for _, e := range out {
		m.dispatcher.Emit(e)
	}
}
