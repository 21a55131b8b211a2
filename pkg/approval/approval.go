// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package approval holds pending human decisions for gated tool calls.
//
// An approval blocks exactly one dispatcher invocation. It resolves once,
// from pending to approved or denied, either in-band (elicitation over the
// session transport) or out-of-band (the resolve RPC). Denials surface to
// the sandbox behind a sentinel prefix so it can map them to the denied
// task status.
package approval

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status of one approval.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// Approval is one pending decision. (TaskID, CallID) is unique.
type Approval struct {
	ID          string         `json:"approvalId"`
	WorkspaceID string         `json:"workspaceId"`
	TaskID      string         `json:"taskId"`
	CallID      string         `json:"callId"`
	ToolPath    string         `json:"toolPath"`
	Input       map[string]any `json:"input,omitempty"`
	Status      Status         `json:"status"`
	ReviewerID  string         `json:"reviewerId,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	ResolvedAt  *time.Time     `json:"resolvedAt,omitempty"`
}

// New creates a pending approval for one tool call.
func New(workspaceID, taskID, callID, toolPath string, input map[string]any) *Approval {
	return &Approval{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		TaskID:      taskID,
		CallID:      callID,
		ToolPath:    toolPath,
		Input:       input,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
}

// DeniedPrefix is the sentinel the sandbox uses to tell a denial apart from
// an ordinary tool failure.
const DeniedPrefix = "APPROVAL_DENIED: "

// deniedError is the error kind for denied calls.
type deniedError struct {
	reason string
}

func (e *deniedError) Error() string {
	return DeniedPrefix + e.reason
}

// Denied builds the sentinel-prefixed error for a denial.
func Denied(reason string) error {
	if reason == "" {
		reason = "approval denied"
	}
	return &deniedError{reason: reason}
}

// IsDenied reports whether err is a denial, by kind or by prefix (errors
// that crossed a serialization boundary keep only the message).
func IsDenied(err error) bool {
	if err == nil {
		return false
	}
	var de *deniedError
	if errors.As(err, &de) {
		return true
	}
	return strings.HasPrefix(err.Error(), DeniedPrefix)
}

// DeniedReason strips the sentinel and returns the human reason.
func DeniedReason(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimPrefix(err.Error(), DeniedPrefix)
}
