/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tejzpr/dialer-console-go/calling"
	"github.com/tejzpr/dialer-console-go/events"
)

const defaultBuffer = 64

// MirrorOptions configures a SessionMirror.
type MirrorOptions struct {
	// Prefix is the first topic level, e.g. "dialer".
	Prefix string
	// Agent identifies the agent in topics, typically the agent id or extension.
	Agent  string
	Logger zerolog.Logger
	// Buffer is the number of transitions queued before new ones are dropped.
	Buffer int
	// Clock stamps payloads. Defaults to time.Now.
	Clock func() time.Time
	// PublishTimeout bounds a single publish. Defaults to five seconds.
	PublishTimeout time.Duration
}

// SessionMirror publishes every status transition of the agent's call
// session. Transitions are queued and published in order by one goroutine,
// so a slow broker never blocks the state machine.
type SessionMirror struct {
	pub     Publisher
	opts    MirrorOptions
	logger  zerolog.Logger
	handler events.Handler

	mu         sync.Mutex
	dispatcher *events.Dispatcher
	queue      chan published
	done       chan struct{}
	// last status published per session, and the newest version seen
	status  map[string]calling.Status
	version map[string]uint64
}

type published struct {
	topic   string
	payload []byte
}

// SessionPayload is the JSON document published for a transition.
type SessionPayload struct {
	Event        string   `json:"event"`
	SessionID    string   `json:"session_id"`
	CallID       int64    `json:"call_id,omitempty"`
	Direction    string   `json:"direction"`
	RemoteNumber string   `json:"remote_number"`
	Phase        string   `json:"phase"`
	IsMuted      bool     `json:"is_muted"`
	IsOnHold     bool     `json:"is_on_hold"`
	EndReason    string   `json:"end_reason,omitempty"`
	Timestamp    string   `json:"timestamp"`
	Version      uint64   `json:"version"`
	RingDuration *float64 `json:"ring_duration_seconds,omitempty"`
	TalkDuration *float64 `json:"talk_duration_seconds,omitempty"`
}

// NewSessionMirror creates a mirror publishing through pub.
func NewSessionMirror(pub Publisher, opts MirrorOptions) *SessionMirror {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	m := &SessionMirror{
		pub:     pub,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "mirror").Logger(),
		status:  make(map[string]calling.Status),
		version: make(map[string]uint64),
	}
	m.handler = events.Func(m.onEvent)
	return m
}

// Topic returns the topic a session transition is published to.
func (m *SessionMirror) Topic(sessionID string, status calling.Status) string {
	return fmt.Sprintf("%s/agent/%s/call/%s/%s", m.opts.Prefix, m.opts.Agent, sessionID, status)
}

// Start subscribes to the session events of d and starts publishing.
func (m *SessionMirror) Start(d *events.Dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queue != nil {
		return
	}
	m.dispatcher = d
	m.queue = make(chan published, m.opts.Buffer)
	m.done = make(chan struct{})
	d.On(events.KindSessionUpdate, m.handler)
	d.On(events.KindSessionCleared, m.handler)
	go m.run(m.queue, m.done)
}

// Stop unsubscribes and waits for queued transitions to be published.
func (m *SessionMirror) Stop() {
	m.mu.Lock()
	d, queue, done := m.dispatcher, m.queue, m.done
	m.dispatcher, m.queue, m.done = nil, nil, nil
	m.mu.Unlock()
	if queue == nil {
		return
	}

	d.Off(events.KindSessionUpdate, m.handler)
	d.Off(events.KindSessionCleared, m.handler)
	close(queue)
	<-done
}

func (m *SessionMirror) run(queue <-chan published, done chan<- struct{}) {
	defer close(done)
	for msg := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.PublishTimeout)
		err := m.pub.Publish(ctx, msg.topic, msg.payload)
		cancel()
		if err != nil {
			m.logger.Warn().Err(err).Str("topic", msg.topic).Msg("publish failed")
			continue
		}
		m.logger.Debug().Str("topic", msg.topic).Msg("published")
	}
}

func (m *SessionMirror) onEvent(e events.Event) {
	s, ok := e.Payload.(calling.CallSession)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queue == nil {
		return
	}

	if e.Type == events.KindSessionCleared {
		delete(m.status, s.ID)
		delete(m.version, s.ID)
		return
	}
	if s.Version <= m.version[s.ID] {
		return
	}
	m.version[s.ID] = s.Version

	status := s.EffectiveStatus()
	if m.status[s.ID] == status {
		return
	}
	m.status[s.ID] = status

	data, err := json.Marshal(m.payload(s, status))
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to encode session")
		return
	}
	select {
	case m.queue <- published{topic: m.Topic(s.ID, status), payload: data}:
	default:
		m.logger.Warn().Str("session", s.ID).Str("status", string(status)).Msg("publish queue full, dropping transition")
	}
}

func (m *SessionMirror) payload(s calling.CallSession, status calling.Status) SessionPayload {
	now := m.opts.Clock()
	p := SessionPayload{
		Event:        string(status),
		SessionID:    s.ID,
		CallID:       s.CallID,
		Direction:    string(s.Direction),
		RemoteNumber: s.RemoteNumber,
		Phase:        string(s.Phase),
		IsMuted:      s.IsMuted,
		IsOnHold:     s.IsOnHold,
		EndReason:    s.EndReason,
		Timestamp:    now.UTC().Format(time.RFC3339),
		Version:      s.Version,
	}

	// ring time is reported once ringing has stopped
	if s.Status == calling.StatusAnswered || s.Status.Terminal() {
		ring := s.RingDuration(now).Seconds()
		p.RingDuration = &ring
	}
	if talk, ok := s.TalkDuration(now); ok {
		secs := talk.Seconds()
		p.TalkDuration = &secs
	}
	return p
}
