/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package dialersdk

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestNewAPIError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		check   func(error) bool
		message string
	}{
		{"Unauthorized", 401, `{"detail":"Invalid token"}`, IsAuthError, "Invalid token"},
		{"Forbidden", 403, `{"detail":"Not an admin"}`, IsForbidden, "Not an admin"},
		{"Not found", 404, `{"detail":"Call not found"}`, IsNotFound, "Call not found"},
		{"Conflict", 409, `{"detail":"Agent already in a call"}`, IsConflict, "Agent already in a call"},
		{"Validation list", 422, `{"detail":[{"loc":["body","phone_number"],"msg":"field required"}]}`, IsValidation, `[{"loc":["body","phone_number"],"msg":"field required"}]`},
		{"Rate limited", 429, ``, IsRateLimited, ""},
		{"Server error", 503, `not json`, IsServerError, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: tc.status, Status: http.StatusText(tc.status), Header: http.Header{}}
			err := NewAPIError(resp, []byte(tc.body))
			if !tc.check(err) {
				t.Errorf("Expected typed error for status %d, got %T", tc.status, err)
			}

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("Expected errors.As to find *APIError")
			}
			if apiErr.StatusCode != tc.status {
				t.Errorf("Expected status %d, got %d", tc.status, apiErr.StatusCode)
			}
			if apiErr.Message != tc.message {
				t.Errorf("Expected message %q, got %q", tc.message, apiErr.Message)
			}
		})
	}
}

func TestAPIErrorRetryAfter(t *testing.T) {
	resp := &http.Response{StatusCode: 429, Header: http.Header{}}
	resp.Header.Set("Retry-After", "5")
	err := NewAPIError(resp, nil)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *APIError")
	}
	if apiErr.RetryAfter != 5*time.Second {
		t.Errorf("Expected RetryAfter 5s, got %v", apiErr.RetryAfter)
	}
	if apiErr.Error() != "API error: 429" {
		t.Errorf("Unexpected error string %q", apiErr.Error())
	}
}
