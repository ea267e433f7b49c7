/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package agents

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/tejzpr/dialer-console-go/dialersdk"
)

// Agent statuses understood by the backend.
const (
	StatusAvailable = "available"
	StatusPaused    = "paused"
	StatusInCall    = "in_call"
	StatusOnBreak   = "on_break"
	StatusLoggedOut = "logged_out"
)

// Agent is the authenticated agent's profile.
type Agent struct {
	ID             int64  `json:"id"`
	Username       string `json:"username"`
	PhoneExtension string `json:"phone_extension"`
	FullName       string `json:"full_name,omitempty"`
	Status         string `json:"status"`
	IsAdmin        int    `json:"is_admin"`
	CreatedAt      string `json:"created_at,omitempty"`
}

// Session is the agent's login session.
type Session struct {
	ID            int64  `json:"id"`
	AgentID       int64  `json:"agent_id"`
	CampaignID    *int64 `json:"campaign_id,omitempty"`
	SessionID     string `json:"session_id"`
	Status        string `json:"status"`
	LoginTime     string `json:"login_time"`
	BreakTime     int    `json:"break_time"`
	LoginDuration int    `json:"login_duration"`
}

// Stats are the agent's counters for the current day.
type Stats struct {
	InboundCalls   int     `json:"inbound_calls"`
	OutboundCalls  int     `json:"outbound_calls"`
	AbandonedCalls int     `json:"abandoned_calls"`
	TotalCalls     int     `json:"total_calls"`
	BreakTime      string  `json:"break_time"`
	LoginTime      string  `json:"login_time"`
	SessionID      *string `json:"session_id,omitempty"`
}

// Client is the agents API client
type Client struct {
	core *dialersdk.Client

	mu sync.Mutex
	me *Agent
}

// New creates a new agents client
func New(core *dialersdk.Client) *Client {
	return &Client{core: core}
}

// Me returns the authenticated agent. The profile is fetched once and cached.
func (c *Client) Me(ctx context.Context) (*Agent, error) {
	c.mu.Lock()
	me := c.me
	c.mu.Unlock()
	if me != nil {
		return me, nil
	}

	var agent Agent
	if err := c.core.Do(ctx, http.MethodGet, "agents/me", nil, nil, &agent); err != nil {
		return nil, fmt.Errorf("fetch agent profile: %w", err)
	}

	c.mu.Lock()
	c.me = &agent
	c.mu.Unlock()
	return &agent, nil
}

// Session returns the agent's active login session.
func (c *Client) Session(ctx context.Context) (*Session, error) {
	var session Session
	if err := c.core.Do(ctx, http.MethodGet, "agents/session", nil, nil, &session); err != nil {
		return nil, fmt.Errorf("fetch agent session: %w", err)
	}
	return &session, nil
}

// SetStatus changes the agent's availability.
func (c *Client) SetStatus(ctx context.Context, status string) error {
	switch status {
	case StatusAvailable, StatusPaused, StatusInCall, StatusOnBreak, StatusLoggedOut:
	default:
		return fmt.Errorf("unknown agent status %q", status)
	}

	body := map[string]string{"status": status}
	if err := c.core.Do(ctx, http.MethodPost, "agents/status", nil, body, nil); err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}

	c.mu.Lock()
	if c.me != nil {
		updated := *c.me
		updated.Status = status
		c.me = &updated
	}
	c.mu.Unlock()
	return nil
}

// TodayStats returns the agent's counters for today.
func (c *Client) TodayStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.core.Do(ctx, http.MethodGet, "stats/today", nil, nil, &stats); err != nil {
		return nil, fmt.Errorf("fetch agent stats: %w", err)
	}
	return &stats, nil
}
