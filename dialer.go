/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package dialer is the top-level client of the agent console. It owns the
// backend API client and hands out the plugins built on it.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tejzpr/dialer-console-go/agents"
	"github.com/tejzpr/dialer-console-go/callcontrol"
	"github.com/tejzpr/dialer-console-go/calling"
	"github.com/tejzpr/dialer-console-go/dialersdk"
	"github.com/tejzpr/dialer-console-go/eventstream"
	"github.com/tejzpr/dialer-console-go/metrics"
)

// ErrNoSIPCredentials is returned when the agent has no softphone password.
// Every agent registers with its own secret; there is no shared fallback.
var ErrNoSIPCredentials = errors.New("no softphone credentials configured for this agent")

// Option configures a DialerClient.
type Option func(*DialerClient)

// WithEventStream sets the event stream URL and configuration. The URL
// defaults to the API base URL.
func WithEventStream(baseURL string, config *eventstream.Config) Option {
	return func(c *DialerClient) {
		c.streamURL = baseURL
		c.streamConfig = config
	}
}

// WithMetrics sets the collectors shared by every plugin.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *DialerClient) { c.metrics = m }
}

// DialerClient is the top-level client for the dialer backend
type DialerClient struct {
	// Core client for the dialer API
	core    *dialersdk.Client
	metrics *metrics.Metrics

	streamURL    string
	streamConfig *eventstream.Config

	mu           sync.Mutex
	callsClient  *callcontrol.Client
	agentsClient *agents.Client
	streamClient *eventstream.Client

	// Built by Console
	consoleMu  sync.Mutex
	console    *calling.Console
	registerer *calling.Registerer
}

// NewClient creates a new dialer client with the given access token and optional configuration
func NewClient(accessToken string, config *dialersdk.Config, opts ...Option) (*DialerClient, error) {
	core, err := dialersdk.NewClient(accessToken, config)
	if err != nil {
		return nil, err
	}

	client := &DialerClient{
		core: core,
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.streamURL == "" {
		client.streamURL = core.BaseURL.String()
	}
	return client, nil
}

// Calls returns the call-control plugin
func (c *DialerClient) Calls() *callcontrol.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callsClient == nil {
		c.callsClient = callcontrol.New(c.core)
	}
	return c.callsClient
}

// Agents returns the agents plugin
func (c *DialerClient) Agents() *agents.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.agentsClient == nil {
		c.agentsClient = agents.New(c.core)
	}
	return c.agentsClient
}

// EventStream returns the backend event stream client. It is not connected;
// call Connect with the access token.
func (c *DialerClient) EventStream() *eventstream.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamClient == nil {
		c.streamClient = eventstream.New(c.streamURL, c.streamConfig,
			eventstream.WithLogger(c.core.Config.Logger),
			eventstream.WithMetrics(c.metrics),
		)
	}
	return c.streamClient
}

// Console returns a fully-wired agent console.
//
// This is a convenience method that abstracts away the setup of the
// softphone, its registerer and the backend event stream. When config has no
// SIP extension, the extension of the agent's profile is used. The console is
// built on first call and cached for subsequent calls.
//
// Simple usage:
//
//	console, err := client.Console(ctx, cfg)
//	console.Start()
//	client.Registerer().Connect(ctx)
//	client.EventStream().Connect(token)
//
// The console is not started and nothing is connected.
func (c *DialerClient) Console(ctx context.Context, config *calling.Config) (*calling.Console, error) {
	c.consoleMu.Lock()
	defer c.consoleMu.Unlock()

	if c.console != nil {
		return c.console, nil
	}
	if config == nil {
		config = calling.DefaultConfig()
	}
	cfg := *config

	if cfg.SIP.Extension == "" {
		me, err := c.Agents().Me(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve extension: %w", err)
		}
		if me.PhoneExtension == "" {
			return nil, fmt.Errorf("agent %s has no phone extension", me.Username)
		}
		cfg.SIP.Extension = me.PhoneExtension
	}
	if cfg.SIP.Password == "" {
		return nil, ErrNoSIPCredentials
	}

	logger := c.core.Config.Logger
	phone, err := calling.NewSIPUserAgent(&cfg.SIP, cfg.Media, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create softphone: %w", err)
	}
	registerer := calling.NewRegisterer(phone, nil, logger, c.metrics)

	c.console = calling.NewConsole(&cfg, calling.ConsoleOptions{
		Registerer: registerer,
		Phone:      phone,
		Backend:    c.Calls(),
		Stream:     c.EventStream().Events(),
		Logger:     logger,
		Metrics:    c.metrics,
	})
	c.registerer = registerer
	return c.console, nil
}

// Registerer returns the registerer of the console's softphone, or nil
// before Console has succeeded.
func (c *DialerClient) Registerer() *calling.Registerer {
	c.consoleMu.Lock()
	defer c.consoleMu.Unlock()
	return c.registerer
}

// Metrics returns the collectors passed with WithMetrics.
func (c *DialerClient) Metrics() *metrics.Metrics {
	return c.metrics
}

// Core returns the core dialer client
func (c *DialerClient) Core() *dialersdk.Client {
	return c.core
}
