/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package calling implements the agent's call-session core: SIP registration,
// the call session state machine and the command facade used by the console.
package calling

import "time"

// Dial modes.
const (
	// DialModeSIP originates calls with an INVITE from the agent's softphone.
	DialModeSIP = "sip"
	// DialModeBackend asks the backend to originate; the PBX then rings the
	// softphone and the console answers that leg automatically.
	DialModeBackend = "backend"
)

// Config holds the configuration for the calling core
type Config struct {
	// RingTimeout fails a call that is not answered in time
	RingTimeout time.Duration
	// EndedGracePeriod keeps a terminal session visible before it is cleared.
	// Zero clears synchronously.
	EndedGracePeriod time.Duration
	// TransportLossTimeout ends the active call after the SIP line has been
	// unregistered for this long
	TransportLossTimeout time.Duration
	// CommandTimeout bounds backend calls made from event handlers
	CommandTimeout time.Duration
	// DialMode is DialModeSIP or DialModeBackend
	DialMode string

	SIP   SIPConfig
	Media *MediaConfig
}

// SIPConfig holds the softphone account of one agent.
type SIPConfig struct {
	// Server is the PBX SIP-over-WebSocket URI, e.g. wss://pbx.example.com:8089/ws
	Server string
	// Extension is the agent's SIP user. Empty means the agent profile's extension.
	Extension string
	// Password is the per-agent digest secret. There is no default.
	Password    string
	DisplayName string
	UserAgent   string
	// Expires is the registration lifetime requested from the registrar
	Expires time.Duration
}

// DefaultConfig returns the default calling configuration
func DefaultConfig() *Config {
	return &Config{
		RingTimeout:          60 * time.Second,
		EndedGracePeriod:     time.Second,
		TransportLossTimeout: 30 * time.Second,
		CommandTimeout:       10 * time.Second,
		DialMode:             DialModeSIP,
		SIP: SIPConfig{
			UserAgent: "dialer-console-go",
			Expires:   300 * time.Second,
		},
		Media: DefaultMediaConfig(),
	}
}
