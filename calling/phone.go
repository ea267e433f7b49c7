/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"time"
)

// Phone places and controls calls over SIP dialogs.
type Phone interface {
	// Invite sends an INVITE for target using dialogID as the Call-ID. It
	// returns once the request is on the wire; progress arrives as signals.
	Invite(ctx context.Context, dialogID, target string) error
	// Accept answers an offered inbound dialog.
	Accept(ctx context.Context, dialogID string) error
	// Decline rejects an offered inbound dialog.
	Decline(ctx context.Context, dialogID string) error
	// Hangup cancels an unanswered dialog or ends an established one.
	Hangup(ctx context.Context, dialogID string) error
	// SetHold renegotiates the dialog's media direction.
	SetHold(ctx context.Context, dialogID string, held bool) error
	// SetMute stops or resumes sending local audio.
	SetMute(dialogID string, muted bool) error
	// OnSignal sets the handler receiving confirmed signaling events.
	OnSignal(handler func(Signal))
}

// Registrar maintains the SIP registration of the agent's line.
type Registrar interface {
	// Start opens the signaling transport.
	Start(ctx context.Context) error
	// Register sends a REGISTER and returns the lifetime granted.
	Register(ctx context.Context) (time.Duration, error)
	// Unregister removes the binding.
	Unregister(ctx context.Context) error
	// Stop closes the signaling transport.
	Stop() error
}
