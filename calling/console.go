/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tejzpr/dialer-console-go/callcontrol"
	"github.com/tejzpr/dialer-console-go/events"
	"github.com/tejzpr/dialer-console-go/eventstream"
	"github.com/tejzpr/dialer-console-go/metrics"
)

// Backend is the call-control API the console drives. *callcontrol.Client
// implements it.
type Backend interface {
	Dial(ctx context.Context, req callcontrol.DialRequest) (*callcontrol.Call, error)
	Hangup(ctx context.Context, callID int64) error
	Transfer(ctx context.Context, callID int64, targetExtension string) error
	Park(ctx context.Context, callID int64) error
	Current(ctx context.Context) (*callcontrol.Call, error)
	SetDisposition(ctx context.Context, callID int64, disposition, notes string) error
	Mute(ctx context.Context, callID int64) error
	Unmute(ctx context.Context, callID int64) error
	Hold(ctx context.Context, callID int64) error
	Unhold(ctx context.Context, callID int64) error
	AnswerInbound(ctx context.Context, callID int64) error
	RejectInbound(ctx context.Context, callID int64) error
	StartRecording(ctx context.Context, callID int64) (*callcontrol.RecordingStarted, error)
	StopRecording(ctx context.Context, callID int64) error
}

// ConsoleOptions wires a Console to its collaborators.
type ConsoleOptions struct {
	Machine    *Machine
	Registerer *Registerer
	Phone      Phone
	Backend    Backend
	// Stream is the dispatcher of the backend event stream
	Stream  *events.Dispatcher
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type subscription struct {
	dispatcher *events.Dispatcher
	kind       string
	handler    events.Handler
}

// Console is the command surface of the agent console. It turns commands
// into signaling and backend actions and feeds their outcome, together with
// the backend event stream, into the state machine.
type Console struct {
	config     *Config
	machine    *Machine
	registerer *Registerer
	phone      Phone
	backend    Backend
	stream     *events.Dispatcher
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	mu            sync.Mutex
	started       bool
	subscriptions []subscription
	// backend originate waiting for the PBX to ring the softphone
	originate   string
	originLeg   string
	lossTimer   *time.Timer
	lossSession string
}

// NewConsole creates a console. Start must be called before events flow.
func NewConsole(config *Config, opts ConsoleOptions) *Console {
	if config == nil {
		config = DefaultConfig()
	}
	c := &Console{
		config:     config,
		machine:    opts.Machine,
		registerer: opts.Registerer,
		phone:      opts.Phone,
		backend:    opts.Backend,
		stream:     opts.Stream,
		logger:     opts.Logger.With().Str("component", "console").Logger(),
		metrics:    opts.Metrics,
	}
	if c.machine == nil {
		c.machine = NewMachine(config, WithLogger(opts.Logger), WithMetrics(opts.Metrics))
	}
	return c
}

// Events returns the dispatcher carrying session_update and session_cleared.
func (c *Console) Events() *events.Dispatcher {
	return c.machine.Events()
}

// Machine returns the underlying state machine.
func (c *Console) Machine() *Machine {
	return c.machine
}

// Start subscribes the console to the event stream, the phone and the registerer.
func (c *Console) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	if c.stream != nil {
		c.subscribe(c.stream, events.KindCallUpdate, c.onCallUpdate)
		c.subscribe(c.stream, events.KindIncomingCall, c.onIncomingCall)
		c.subscribe(c.stream, events.KindConnected, c.onConnected)
		c.subscribe(c.stream, events.KindDisconnected, c.onDisconnected)
		c.subscribe(c.stream, events.KindStatsUpdate, c.onStatsUpdate)
		c.subscribe(c.stream, events.KindAgentStatus, c.onAgentStatus)
	}
	c.subscribe(c.machine.Events(), events.KindSessionUpdate, c.onSessionUpdate)
	if c.registerer != nil {
		c.subscribe(c.registerer.Events(), events.KindRegistrationState, c.onRegistrationState)
		c.registerer.OnDisconnect(c.hangupBeforeDisconnect)
	}
	if c.phone != nil {
		c.phone.OnSignal(c.onSignal)
	}
}

// Close releases every subscription and timer held by the console.
func (c *Console) Close() {
	c.mu.Lock()
	subs := c.subscriptions
	c.subscriptions = nil
	c.started = false
	c.stopLossTimerLocked()
	c.mu.Unlock()

	for _, s := range subs {
		s.dispatcher.Off(s.kind, s.handler)
	}
	if c.phone != nil {
		c.phone.OnSignal(nil)
	}
	if c.registerer != nil {
		c.registerer.OnDisconnect(nil)
	}
}

func (c *Console) subscribe(d *events.Dispatcher, kind string, fn func(events.Event)) {
	h := events.Func(fn)
	d.On(kind, h)
	c.mu.Lock()
	c.subscriptions = append(c.subscriptions, subscription{dispatcher: d, kind: kind, handler: h})
	c.mu.Unlock()
}

// ---- Queries ----

// Current returns the current session.
func (c *Console) Current() (CallSession, bool) {
	return c.machine.Current()
}

// Status returns the effective status of the current session.
func (c *Console) Status() Status {
	return c.machine.Status()
}

// Registration returns the softphone registration state.
func (c *Console) Registration() RegistrationState {
	if c.registerer == nil {
		return RegistrationUnregistered
	}
	return c.registerer.State()
}

// ---- Commands ----

// Dial places an outbound call. It fails with ErrNotRegistered while the
// softphone is not registered and with ErrAlreadyInCall while a call is up.
func (c *Console) Dial(ctx context.Context, number string, opts DialOptions) (CallSession, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return CallSession{}, ErrInvalidNumber
	}
	if c.Registration() != RegistrationRegistered {
		return CallSession{}, c.fail("dial", ErrNotRegistered)
	}

	var dialogID string
	if c.config.DialMode != DialModeBackend {
		dialogID = uuid.NewString()
	}
	session, err := c.machine.BeginOutbound(Outbound{RemoteNumber: number, DialogID: dialogID, Options: opts})
	if err != nil {
		return CallSession{}, c.fail("dial", err)
	}

	if c.config.DialMode == DialModeBackend {
		call, err := c.backend.Dial(ctx, callcontrol.DialRequest{
			PhoneNumber: number,
			CampaignID:  opts.CampaignID,
			ContactID:   opts.ContactID,
		})
		if err != nil {
			c.machine.Fail(session.ID, ReasonDialFailed)
			return CallSession{}, c.fail("dial", fmt.Errorf("failed to dial %s: %w", number, err))
		}
		c.mu.Lock()
		c.originate = session.ID
		c.mu.Unlock()
		c.machine.BindCallID(session.ID, call.ID)
	} else if err := c.phone.Invite(ctx, dialogID, number); err != nil {
		c.machine.Fail(session.ID, ReasonDialFailed)
		return CallSession{}, c.fail("dial", fmt.Errorf("failed to dial %s: %w", number, err))
	}

	if current, ok := c.machine.Current(); ok && current.ID == session.ID {
		session = current
	}
	return session, nil
}

// Hangup ends the current call. Without a call it does nothing.
func (c *Console) Hangup(ctx context.Context) error {
	s, ok := c.machine.Current()
	if !ok || s.Status.Terminal() {
		return nil
	}

	var err error
	switch {
	case s.DialogID != "":
		err = c.phone.Hangup(ctx, s.DialogID)
		if errors.Is(err, ErrUnknownDialog) {
			err = nil
		}
	case s.CallID != 0:
		err = c.backend.Hangup(ctx, s.CallID)
	}

	// the local side is gone even if the far end never confirms
	c.machine.End(s.ID, ReasonLocalHangup)
	if err != nil {
		return c.fail("hangup", fmt.Errorf("failed to hang up: %w", err))
	}
	return nil
}

// Answer accepts the pending inbound call.
func (c *Console) Answer(ctx context.Context) error {
	s, ok := c.pendingInbound()
	if !ok {
		return c.fail("answer", ErrNoPendingCall)
	}

	if s.DialogID != "" {
		// answered is confirmed by the phone's signal
		if err := c.phone.Accept(ctx, s.DialogID); err != nil {
			return c.fail("answer", fmt.Errorf("failed to answer: %w", err))
		}
		return nil
	}
	if err := c.backend.AnswerInbound(ctx, s.CallID); err != nil {
		return c.fail("answer", fmt.Errorf("failed to answer call %d: %w", s.CallID, err))
	}
	c.machine.Answer(s.ID)
	return nil
}

// Reject declines the pending inbound call.
func (c *Console) Reject(ctx context.Context) error {
	s, ok := c.pendingInbound()
	if !ok {
		return c.fail("reject", ErrNoPendingCall)
	}

	var err error
	if s.DialogID != "" {
		err = c.phone.Decline(ctx, s.DialogID)
		if errors.Is(err, ErrUnknownDialog) {
			err = nil
		}
	} else {
		err = c.backend.RejectInbound(ctx, s.CallID)
	}
	if err != nil {
		return c.fail("reject", fmt.Errorf("failed to reject: %w", err))
	}
	c.machine.End(s.ID, ReasonRejected)
	return nil
}

func (c *Console) pendingInbound() (CallSession, bool) {
	s, ok := c.machine.Current()
	if !ok || s.Direction != DirectionInbound || s.Status != StatusRinging {
		return CallSession{}, false
	}
	return s, true
}

// Mute mutes or unmutes the agent. Without a call, or when the call already
// has the requested state, it does nothing.
func (c *Console) Mute(ctx context.Context, muted bool) error {
	s, ok := c.machine.Current()
	if !ok || s.Status.Terminal() || s.IsMuted == muted {
		return nil
	}

	var err error
	switch {
	case s.DialogID != "":
		err = c.phone.SetMute(s.DialogID, muted)
	case s.CallID != 0 && muted:
		err = c.backend.Mute(ctx, s.CallID)
	case s.CallID != 0:
		err = c.backend.Unmute(ctx, s.CallID)
	}
	if err != nil {
		return c.fail("mute", fmt.Errorf("failed to set mute: %w", err))
	}
	c.machine.SetMute(s.ID, muted)
	return nil
}

// Hold holds or resumes an answered call. Without an answered call, or when
// the call already has the requested state, it does nothing.
func (c *Console) Hold(ctx context.Context, held bool) error {
	s, ok := c.machine.Current()
	if !ok || s.Status != StatusAnswered || s.IsOnHold == held {
		return nil
	}

	var err error
	switch {
	case s.DialogID != "":
		err = c.phone.SetHold(ctx, s.DialogID, held)
	case s.CallID != 0 && held:
		err = c.backend.Hold(ctx, s.CallID)
	case s.CallID != 0:
		err = c.backend.Unhold(ctx, s.CallID)
	}
	if err != nil {
		return c.fail("hold", fmt.Errorf("failed to set hold: %w", err))
	}
	c.machine.SetHold(s.ID, held)
	return nil
}

// Transfer blind-transfers the call to an extension through the backend.
func (c *Console) Transfer(ctx context.Context, extension string) error {
	extension = strings.TrimSpace(extension)
	if extension == "" {
		return errors.New("target extension is required")
	}
	s, err := c.backendCall()
	if err != nil {
		return c.fail("transfer", err)
	}
	if err := c.backend.Transfer(ctx, s.CallID, extension); err != nil {
		return c.fail("transfer", fmt.Errorf("failed to transfer call %d: %w", s.CallID, err))
	}
	return c.Refresh(ctx)
}

// Park parks the call through the backend.
func (c *Console) Park(ctx context.Context) error {
	s, err := c.backendCall()
	if err != nil {
		return c.fail("park", err)
	}
	if err := c.backend.Park(ctx, s.CallID); err != nil {
		return c.fail("park", fmt.Errorf("failed to park call %d: %w", s.CallID, err))
	}
	return c.Refresh(ctx)
}

// SetDisposition records the outcome of the current or last call.
func (c *Console) SetDisposition(ctx context.Context, disposition, notes string) error {
	if strings.TrimSpace(disposition) == "" {
		return errors.New("disposition is required")
	}
	s, ok := c.machine.Last()
	if !ok {
		return c.fail("disposition", ErrNoActiveCall)
	}
	if s.CallID == 0 {
		return c.fail("disposition", ErrNoBackendCall)
	}
	if err := c.backend.SetDisposition(ctx, s.CallID, disposition, notes); err != nil {
		return c.fail("disposition", fmt.Errorf("failed to set disposition of call %d: %w", s.CallID, err))
	}
	return nil
}

// StartRecording starts recording the current call.
func (c *Console) StartRecording(ctx context.Context) (*callcontrol.RecordingStarted, error) {
	s, err := c.backendCall()
	if err != nil {
		return nil, c.fail("recording", err)
	}
	started, err := c.backend.StartRecording(ctx, s.CallID)
	if err != nil {
		return nil, c.fail("recording", err)
	}
	return started, nil
}

// StopRecording stops recording the current call.
func (c *Console) StopRecording(ctx context.Context) error {
	s, err := c.backendCall()
	if err != nil {
		return c.fail("recording", err)
	}
	if err := c.backend.StopRecording(ctx, s.CallID); err != nil {
		return c.fail("recording", err)
	}
	return nil
}

func (c *Console) backendCall() (CallSession, error) {
	s, ok := c.machine.Current()
	if !ok || s.Status.Terminal() {
		return CallSession{}, ErrNoActiveCall
	}
	if s.CallID == 0 {
		return CallSession{}, ErrNoBackendCall
	}
	return s, nil
}

// Refresh re-derives the session from the backend's current call.
func (c *Console) Refresh(ctx context.Context) error {
	call, err := c.backend.Current(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch current call: %w", err)
	}
	c.machine.Reconcile(call)
	return nil
}

func (c *Console) fail(command string, err error) error {
	c.metrics.IncCommandError(command)
	c.logger.Debug().Err(err).Str("command", command).Msg("command failed")
	return err
}

func (c *Console) commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.config.CommandTimeout)
}

// ---- Phone signals ----

func (c *Console) onSignal(sig Signal) {
	if sig.Kind == SignalIncoming {
		c.onIncomingDialog(sig)
		return
	}

	c.mu.Lock()
	leg := c.originLeg
	c.mu.Unlock()
	if leg != "" && sig.DialogID == leg && sig.Kind != SignalTerminated && sig.Kind != SignalRejected {
		// the backend reports progress of an originated call
		return
	}
	c.machine.Apply(sig)
}

func (c *Console) onIncomingDialog(sig Signal) {
	if c.claimOriginate(sig.DialogID) {
		return
	}

	_, err := c.machine.BeginInbound(Inbound{DialogID: sig.DialogID, RemoteNumber: sig.RemoteNumber})
	if err == nil {
		return
	}
	c.logger.Info().Err(err).Str("dialog", sig.DialogID).Msg("declining incoming call")
	go func() {
		ctx, cancel := c.commandContext()
		defer cancel()
		if err := c.phone.Decline(ctx, sig.DialogID); err != nil && !errors.Is(err, ErrUnknownDialog) {
			c.logger.Warn().Err(err).Str("dialog", sig.DialogID).Msg("failed to decline incoming call")
		}
	}()
}

// claimOriginate binds the PBX leg of a backend originate to the session
// and answers it.
func (c *Console) claimOriginate(dialogID string) bool {
	c.mu.Lock()
	id := c.originate
	c.originate = ""
	c.mu.Unlock()
	if id == "" {
		return false
	}

	s, ok := c.machine.Current()
	if !ok || s.ID != id || s.Status.Terminal() || s.DialogID != "" {
		return false
	}
	c.machine.BindDialog(id, dialogID)
	c.mu.Lock()
	c.originLeg = dialogID
	c.mu.Unlock()

	go func() {
		ctx, cancel := c.commandContext()
		defer cancel()
		if err := c.phone.Accept(ctx, dialogID); err != nil {
			c.logger.Warn().Err(err).Str("dialog", dialogID).Msg("failed to answer originate leg")
			c.machine.Fail(id, ReasonDialFailed)
		}
	}()
	return true
}

// ---- Session and registration events ----

func (c *Console) onSessionUpdate(e events.Event) {
	s, ok := e.Payload.(CallSession)
	if !ok || !s.Status.Terminal() {
		return
	}

	c.mu.Lock()
	if c.originLeg == s.DialogID {
		c.originLeg = ""
	}
	if c.originate == s.ID {
		c.originate = ""
	}
	if c.lossSession == s.ID {
		c.stopLossTimerLocked()
	}
	c.mu.Unlock()

	switch s.EndReason {
	case ReasonLocalHangup, ReasonRemoteHangup, ReasonRejected, ReasonCancelled, ReasonDialFailed:
		// signaling is already down
	case ReasonRingTimeout, ReasonTransportLost:
		go c.abandon(s)
	default:
		// ended by the backend's view of the call; the dialog may still carry audio
		if s.DialogID != "" {
			go c.releaseDialog(s.DialogID)
		}
	}
}

// abandon releases the signaling and backend side of a call the machine
// ended on its own.
func (c *Console) abandon(s CallSession) {
	if s.DialogID != "" && c.phone != nil {
		c.releaseDialog(s.DialogID)
		return
	}

	ctx, cancel := c.commandContext()
	defer cancel()
	if s.CallID != 0 && c.backend != nil {
		if err := c.backend.Hangup(ctx, s.CallID); err != nil {
			c.logger.Debug().Err(err).Int64("call_id", s.CallID).Msg("backend hangup of abandoned call failed")
		}
	}
}

// releaseDialog hangs up a dialog whose session has already ended.
func (c *Console) releaseDialog(dialogID string) {
	if c.phone == nil {
		return
	}
	ctx, cancel := c.commandContext()
	defer cancel()
	if err := c.phone.Hangup(ctx, dialogID); err != nil && !errors.Is(err, ErrUnknownDialog) {
		c.logger.Debug().Err(err).Str("dialog", dialogID).Msg("hangup of abandoned call failed")
	}
}

func (c *Console) onRegistrationState(e events.Event) {
	state, ok := e.Payload.(RegistrationState)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if state == RegistrationRegistered || state == RegistrationRegistering {
		c.stopLossTimerLocked()
		return
	}

	s, active := c.machine.Current()
	if !active || s.Status.Terminal() || s.DialogID == "" || c.lossTimer != nil {
		return
	}
	if c.config.TransportLossTimeout <= 0 {
		return
	}
	id := s.ID
	c.lossSession = id
	c.lossTimer = time.AfterFunc(c.config.TransportLossTimeout, func() {
		c.logger.Warn().Str("session", id).Msg("signaling transport lost, ending call")
		c.machine.End(id, ReasonTransportLost)
	})
}

func (c *Console) stopLossTimerLocked() {
	if c.lossTimer != nil {
		c.lossTimer.Stop()
		c.lossTimer = nil
	}
	c.lossSession = ""
}

func (c *Console) hangupBeforeDisconnect(ctx context.Context) {
	if err := c.Hangup(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("hangup before disconnect failed")
	}
}

// ---- Event stream ----

func (c *Console) onCallUpdate(e events.Event) {
	var update events.CallUpdate
	if err := e.Decode(&update); err != nil {
		c.logger.Warn().Err(err).Msg("malformed call_update")
	}
	c.logger.Debug().Int64("call_id", update.CallID).Str("status", update.Status).Msg("call update")
	c.refreshFromEvent()
}

func (c *Console) onIncomingCall(e events.Event) {
	var incoming events.IncomingCall
	if err := e.Decode(&incoming); err != nil || incoming.CallID == 0 {
		c.logger.Warn().Err(err).Msg("malformed incoming_call")
		return
	}
	if incoming.Direction != "" && incoming.Direction != string(DirectionInbound) {
		return
	}

	ctx, cancel := c.commandContext()
	defer cancel()

	var number string
	if call, err := c.backend.Current(ctx); err != nil {
		c.logger.Warn().Err(err).Int64("call_id", incoming.CallID).Msg("failed to fetch incoming call")
	} else if call != nil && call.ID == incoming.CallID {
		number = call.PhoneNumber
	}

	if _, err := c.machine.BeginInbound(Inbound{CallID: incoming.CallID, RemoteNumber: number}); err != nil {
		c.logger.Info().Err(err).Int64("call_id", incoming.CallID).Msg("incoming call not offered")
	}
}

func (c *Console) onConnected(e events.Event) {
	conn, _ := e.Payload.(eventstream.Connection)
	if !conn.Reconnected {
		return
	}
	if c.machine.MarkStale() {
		c.logger.Info().Msg("event stream reconnected, refreshing call state")
	}
	c.refreshFromEvent()
}

func (c *Console) onDisconnected(events.Event) {
	c.logger.Warn().Msg("event stream lost")
}

func (c *Console) onStatsUpdate(events.Event) {
	c.logger.Debug().Msg("stats update")
}

func (c *Console) onAgentStatus(e events.Event) {
	var status events.AgentStatus
	if err := e.Decode(&status); err != nil {
		return
	}
	c.logger.Info().Str("status", status.Status).Msg("agent status changed")
}

// refreshFromEvent reconciles with the backend on the dispatching goroutine; the
// event stream delivers frames in order, so a refresh is never overtaken by
// an older one.
func (c *Console) refreshFromEvent() {
	if c.backend == nil {
		return
	}
	ctx, cancel := c.commandContext()
	defer cancel()
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("call state refresh failed")
	}
}
