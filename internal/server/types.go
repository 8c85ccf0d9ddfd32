// Package server defines the wire frame types exchanged over chat
// connections and shared helpers reused across client, hub, and router.
package server

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Frame type discriminators. Inbound frames are "direct" or "workspace";
// the server additionally emits "ack" and "error" frames.
const (
	FrameDirect    = "direct"
	FrameWorkspace = "workspace"
	FrameAck       = "ack"
	FrameError     = "error"
)

// Error codes carried in ErrorFrame. Only authentication failures close the
// connection; every other code leaves the session open.
const (
	CodeProtocol         = "protocol_error"
	CodeAuthorization    = "authorization_error"
	CodeUnknownRecipient = "unknown_recipient"
	CodePersistence      = "persistence_error"
	CodeRateLimited      = "rate_limited"
	CodeInternal         = "internal_error"
)

// InboundFrame is the JSON payload a client sends. RecipientID is required
// for direct frames; workspace frames are implicitly scoped to the workspace
// the connection was opened for.
type InboundFrame struct {
	Type            string `json:"type" validate:"required,oneof=direct workspace"`
	RecipientID     int64  `json:"recipientId,omitempty" validate:"required_if=Type direct"`
	Body            string `json:"body" validate:"required"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// DeliveredFrame is the payload fanned out to recipient connections.
type DeliveredFrame struct {
	Type            string    `json:"type"`
	ID              uuid.UUID `json:"id"`
	SenderID        int64     `json:"senderId"`
	RecipientID     int64     `json:"recipientId,omitempty"`
	WorkspaceID     int64     `json:"workspaceId,omitempty"`
	Body            string    `json:"body"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// AckFrame confirms durable acceptance of a message to its sender.
type AckFrame struct {
	Type            string    `json:"type"`
	ID              uuid.UUID `json:"id"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// ErrorFrame reports a recoverable failure back to the sender.
type ErrorFrame struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
