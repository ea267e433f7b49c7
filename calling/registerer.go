/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tejzpr/dialer-console-go/events"
	"github.com/tejzpr/dialer-console-go/metrics"
)

// defaultRefresh is used when the registrar grants no lifetime.
const defaultRefresh = 240 * time.Second

// Registerer keeps the agent's line registered. The initial REGISTER is
// never retried automatically; callers retry with Connect.
type Registerer struct {
	mu         sync.Mutex
	registrar  Registrar
	dispatcher *events.Dispatcher
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	state   RegistrationState
	lastErr error

	beforeDisconnect func(ctx context.Context)

	// Refresh loop
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegisterer creates a registerer publishing registration_state events to d.
func NewRegisterer(registrar Registrar, d *events.Dispatcher, logger zerolog.Logger, m *metrics.Metrics) *Registerer {
	logger = logger.With().Str("component", "registerer").Logger()
	if d == nil {
		d = events.NewDispatcher(logger)
	}
	r := &Registerer{
		registrar:  registrar,
		dispatcher: d,
		logger:     logger,
		metrics:    m,
		state:      RegistrationUnregistered,
	}
	m.SetRegistrationState(string(r.state))
	return r
}

// Events returns the dispatcher registration_state events are published to.
func (r *Registerer) Events() *events.Dispatcher {
	return r.dispatcher
}

// OnDisconnect sets a hook run first on Disconnect, while the line is still
// registered. The console uses it to hang up the active call.
func (r *Registerer) OnDisconnect(hook func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeDisconnect = hook
}

// Connect starts the user agent and registers asynchronously. The outcome is
// published as a registration_state event.
func (r *Registerer) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.state == RegistrationRegistering || r.state == RegistrationRegistered {
		r.mu.Unlock()
		return nil
	}
	r.state = RegistrationRegistering
	r.lastErr = nil
	r.mu.Unlock()
	r.publish(RegistrationRegistering)

	if err := r.registrar.Start(ctx); err != nil {
		r.setState(RegistrationFailed, err)
		return fmt.Errorf("failed to start user agent: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.mu.Lock()
	if r.cancel != nil {
		// loop of a previous failed attempt, already exited
		r.cancel()
	}
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go r.run(loopCtx, done)
	return nil
}

// run registers once and then refreshes the binding before it expires.
func (r *Registerer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	expires, err := r.registrar.Register(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("registration failed")
			r.setState(RegistrationFailed, err)
		}
		return
	}
	r.setState(RegistrationRegistered, nil)

	for {
		timer := time.NewTimer(refreshInterval(expires))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		expires, err = r.registrar.Register(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("registration refresh failed")
				r.setState(RegistrationFailed, err)
			}
			return
		}
		r.logger.Debug().Dur("expires", expires).Msg("registration refreshed")
	}
}

// refreshInterval re-registers at 80% of the granted lifetime.
func refreshInterval(expires time.Duration) time.Duration {
	if expires <= 0 {
		return defaultRefresh
	}
	return expires * 4 / 5
}

// Disconnect hangs up through the OnDisconnect hook, unregisters, stops the
// user agent and resets the state to unregistered.
func (r *Registerer) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	hook := r.beforeDisconnect
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	wasRegistered := r.state == RegistrationRegistered
	idle := cancel == nil && r.state == RegistrationUnregistered
	r.mu.Unlock()

	if idle {
		return nil
	}

	if hook != nil {
		hook(ctx)
	}
	if cancel != nil {
		cancel()
		<-done
	}

	var firstErr error
	if wasRegistered {
		if err := r.registrar.Unregister(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("unregister failed")
			firstErr = fmt.Errorf("failed to unregister: %w", err)
		}
	}
	if err := r.registrar.Stop(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to stop user agent: %w", err)
	}

	r.setState(RegistrationUnregistered, nil)
	return firstErr
}

// State returns the current registration state
func (r *Registerer) State() RegistrationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsRegistered returns true if the line is currently registered
func (r *Registerer) IsRegistered() bool {
	return r.State() == RegistrationRegistered
}

// LastError returns the error behind the latest registration_failed state.
func (r *Registerer) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func (r *Registerer) setState(state RegistrationState, err error) {
	r.mu.Lock()
	if r.state == state {
		r.mu.Unlock()
		return
	}
	r.state = state
	r.lastErr = err
	r.mu.Unlock()
	r.publish(state)
}

func (r *Registerer) publish(state RegistrationState) {
	r.metrics.SetRegistrationState(string(state))
	r.logger.Info().Str("state", string(state)).Msg("registration state changed")
	r.dispatcher.Emit(events.Event{Type: events.KindRegistrationState, Payload: state})
}
