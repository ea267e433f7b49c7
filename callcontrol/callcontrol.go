/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package callcontrol is the client of the dialer backend's call-control API.
// The backend drives the PBX; these operations act on calls it tracks.
package callcontrol

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tejzpr/dialer-console-go/dialersdk"
)

// Backend call statuses.
const (
	StatusDialing     = "dialing"
	StatusRinging     = "ringing"
	StatusConnected   = "connected"
	StatusAnswered    = "answered"
	StatusEnded       = "ended"
	StatusFailed      = "failed"
	StatusBusy        = "busy"
	StatusNoAnswer    = "no_answer"
	StatusParked      = "parked"
	StatusTransferred = "transferred"
)

// History filters accepted by the backend.
const (
	FilterToday    = "today"
	FilterInbound  = "inbound"
	FilterOutbound = "outbound"
	FilterAll      = "all"
)

// Call is a call as tracked by the backend.
type Call struct {
	ID           int64   `json:"id"`
	AgentID      *int64  `json:"agent_id,omitempty"`
	CampaignID   *int64  `json:"campaign_id,omitempty"`
	ContactID    *int64  `json:"contact_id,omitempty"`
	PhoneNumber  string  `json:"phone_number"`
	Direction    string  `json:"direction"`
	Status       string  `json:"status"`
	StartTime    string  `json:"start_time,omitempty"`
	EndTime      *string `json:"end_time,omitempty"`
	Duration     int     `json:"duration"`
	CallUniqueID string  `json:"call_unique_id,omitempty"`
	IsMuted      bool    `json:"is_muted"`
	IsOnHold     bool    `json:"is_on_hold"`
	Disposition  *string `json:"disposition,omitempty"`
	Notes        *string `json:"notes,omitempty"`
}

// Active reports whether the backend still considers the call in progress.
func (c *Call) Active() bool {
	switch c.Status {
	case StatusDialing, StatusRinging, StatusConnected, StatusAnswered:
		return true
	}
	return false
}

// Started parses StartTime. The backend emits ISO-8601 with or without a zone.
func (c *Call) Started() (time.Time, bool) {
	return parseTimestamp(c.StartTime)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// DialRequest is the body of a dial request.
type DialRequest struct {
	PhoneNumber string `json:"phone_number"`
	CampaignID  *int64 `json:"campaign_id,omitempty"`
	ContactID   *int64 `json:"contact_id,omitempty"`
}

// Recording is one recording file of a call.
type Recording struct {
	ID        int64  `json:"id"`
	FilePath  string `json:"file_path"`
	FileSize  *int64 `json:"file_size,omitempty"`
	Duration  *int   `json:"duration,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// RecordingStarted is the response of a recording start request.
type RecordingStarted struct {
	Success     bool   `json:"success"`
	CallID      int64  `json:"call_id"`
	RecordingID *int64 `json:"recording_id,omitempty"`
}

type successResponse struct {
	Success bool `json:"success"`
}

// Client is the call-control API client
type Client struct {
	core *dialersdk.Client
}

// New creates a new call-control client
func New(core *dialersdk.Client) *Client {
	return &Client{core: core}
}

// Dial asks the backend to originate a call to req.PhoneNumber.
func (c *Client) Dial(ctx context.Context, req DialRequest) (*Call, error) {
	if req.PhoneNumber == "" {
		return nil, fmt.Errorf("phone number is required")
	}

	var call Call
	if err := c.core.Do(ctx, http.MethodPost, "calls/dial", nil, req, &call); err != nil {
		return nil, fmt.Errorf("dial %s: %w", req.PhoneNumber, err)
	}
	return &call, nil
}

// Hangup ends a call.
func (c *Client) Hangup(ctx context.Context, callID int64) error {
	return c.action(ctx, "hangup", "calls/hangup/"+id(callID), nil)
}

// Transfer blind-transfers a call to another extension.
func (c *Client) Transfer(ctx context.Context, callID int64, targetExtension string) error {
	if targetExtension == "" {
		return fmt.Errorf("target extension is required")
	}
	params := url.Values{}
	params.Set("target_extension", targetExtension)
	return c.action(ctx, "transfer", "calls/transfer/"+id(callID), params)
}

// Park parks a call.
func (c *Client) Park(ctx context.Context, callID int64) error {
	return c.action(ctx, "park", "calls/park/"+id(callID), nil)
}

// Current returns the agent's current call, or nil when there is none.
func (c *Client) Current(ctx context.Context) (*Call, error) {
	var resp struct {
		Call *Call `json:"call"`
	}
	if err := c.core.Do(ctx, http.MethodGet, "calls/current", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch current call: %w", err)
	}
	return resp.Call, nil
}

// History lists the agent's recent calls (at most 100, newest first).
func (c *Client) History(ctx context.Context, filter string) ([]Call, error) {
	params := url.Values{}
	if filter != "" {
		params.Set("filter", filter)
	}

	var calls []Call
	if err := c.core.Do(ctx, http.MethodGet, "calls/history", params, nil, &calls); err != nil {
		return nil, fmt.Errorf("fetch call history: %w", err)
	}
	return calls, nil
}

// SetDisposition records the outcome of a call. The backend also ends the
// call if it is still in progress.
func (c *Client) SetDisposition(ctx context.Context, callID int64, disposition, notes string) error {
	if disposition == "" {
		return fmt.Errorf("disposition is required")
	}
	body := map[string]string{"disposition": disposition, "notes": notes}
	if err := c.core.Do(ctx, http.MethodPost, "calls/"+id(callID)+"/disposition", nil, body, nil); err != nil {
		return fmt.Errorf("set disposition of call %d: %w", callID, err)
	}
	return nil
}

// Mute mutes the agent leg on the PBX.
func (c *Client) Mute(ctx context.Context, callID int64) error {
	return c.action(ctx, "mute", "calls/"+id(callID)+"/mute", nil)
}

// Unmute unmutes the agent leg on the PBX.
func (c *Client) Unmute(ctx context.Context, callID int64) error {
	return c.action(ctx, "unmute", "calls/"+id(callID)+"/unmute", nil)
}

// Hold puts the customer leg on hold on the PBX.
func (c *Client) Hold(ctx context.Context, callID int64) error {
	return c.action(ctx, "hold", "calls/"+id(callID)+"/hold", nil)
}

// Unhold resumes a held call on the PBX.
func (c *Client) Unhold(ctx context.Context, callID int64) error {
	return c.action(ctx, "unhold", "calls/"+id(callID)+"/unhold", nil)
}

// AnswerInbound answers a queued inbound call.
func (c *Client) AnswerInbound(ctx context.Context, callID int64) error {
	return c.action(ctx, "answer", "calls/inbound/"+id(callID)+"/answer", nil)
}

// RejectInbound rejects a queued inbound call.
func (c *Client) RejectInbound(ctx context.Context, callID int64) error {
	return c.action(ctx, "reject", "calls/inbound/"+id(callID)+"/reject", nil)
}

// StartRecording starts recording an answered call.
func (c *Client) StartRecording(ctx context.Context, callID int64) (*RecordingStarted, error) {
	var resp RecordingStarted
	if err := c.core.Do(ctx, http.MethodPost, "calls/"+id(callID)+"/recording/start", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("start recording of call %d: %w", callID, err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("start recording of call %d: backend reported failure", callID)
	}
	return &resp, nil
}

// StopRecording stops recording a call.
func (c *Client) StopRecording(ctx context.Context, callID int64) error {
	return c.action(ctx, "stop recording", "calls/"+id(callID)+"/recording/stop", nil)
}

// Recordings lists the recordings of a call, newest first.
func (c *Client) Recordings(ctx context.Context, callID int64) ([]Recording, error) {
	var resp struct {
		Recordings []Recording `json:"recordings"`
	}
	if err := c.core.Do(ctx, http.MethodGet, "calls/"+id(callID)+"/recordings", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("list recordings of call %d: %w", callID, err)
	}
	return resp.Recordings, nil
}

// action posts to path and checks the success flag when the backend sends one.
func (c *Client) action(ctx context.Context, name, path string, params url.Values) error {
	var resp struct {
		Success *bool `json:"success"`
	}
	if err := c.core.Do(ctx, http.MethodPost, path, params, nil, &resp); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if resp.Success != nil && !*resp.Success {
		return fmt.Errorf("%s: backend reported failure", name)
	}
	return nil
}

func id(callID int64) string {
	return strconv.FormatInt(callID, 10)
}
