// Package server routes inbound chat frames: classification, authorization,
// durable persistence, and hand-off to fan-out.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/hivedesk/hivechat/internal/store"
)

// MessageStore persists chat messages and serves their history. Save calls
// must be durable when they return; the router does not acknowledge or fan
// out a message whose write failed.
type MessageStore interface {
	SaveDirect(msg store.DirectMessage) error
	SaveWorkspace(msg store.WorkspaceMessage) error
	DirectHistory(userA, userB int64, limit int, cursor *string) ([]store.DirectMessage, *string, error)
	WorkspaceHistory(workspaceID int64, limit int, cursor *string) ([]store.WorkspaceMessage, *string, error)
}

// Router processes inbound frames from authenticated connections. A frame
// travels: parse -> authorize -> persist -> deliver -> ack. Failures are
// reported to the sender as error frames and never affect other sessions.
type Router struct {
	messages  MessageStore
	directory Directory
	hub       *Hub
	validate  *validator.Validate
	maxBody   int
	log       *slog.Logger
}

// NewRouter wires the router against its store, directory, and hub.
func NewRouter(messages MessageStore, directory Directory, hub *Hub, cfg Config, log *slog.Logger) *Router {
	return &Router{
		messages:  messages,
		directory: directory,
		hub:       hub,
		validate:  validator.New(),
		maxBody:   cfg.MaxBodyLength,
		log:       log,
	}
}

// HandleInbound processes one raw frame from c. Malformed input yields a
// protocol error frame to the sender only; the connection stays open.
func (r *Router) HandleInbound(ctx context.Context, c *Client, raw []byte) {
	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.sendError(CodeProtocol, "malformed frame")
		return
	}
	if err := r.validate.Struct(frame); err != nil {
		c.sendError(CodeProtocol, fmt.Sprintf("invalid frame: %v", err))
		return
	}
	if len(frame.Body) > r.maxBody {
		c.sendError(CodeProtocol, fmt.Sprintf("body exceeds %d bytes", r.maxBody))
		return
	}

	switch frame.Type {
	case FrameDirect:
		if !c.scope.Personal() {
			c.sendError(CodeProtocol, "direct messages are only accepted on the personal endpoint")
			return
		}
		r.handleDirect(ctx, c, frame)
	case FrameWorkspace:
		if c.scope.Personal() {
			c.sendError(CodeProtocol, "workspace messages are only accepted on a workspace endpoint")
			return
		}
		r.handleWorkspace(ctx, c, frame)
	}
}

func (r *Router) handleDirect(ctx context.Context, c *Client, frame InboundFrame) {
	exists, err := r.directory.UserExists(ctx, frame.RecipientID)
	if err != nil {
		c.log.Error("recipient lookup failed", "recipient", frame.RecipientID, "error", err)
		c.sendError(CodeInternal, "recipient lookup failed")
		return
	}
	if !exists {
		c.sendError(CodeUnknownRecipient, fmt.Sprintf("unknown recipient %d", frame.RecipientID))
		return
	}

	msg := store.DirectMessage{
		ID:          uuid.New(),
		SenderID:    c.userID,
		RecipientID: frame.RecipientID,
		Body:        frame.Body,
		CreatedAt:   time.Now().UTC(),
	}

	// Durability precedes visibility: nothing is delivered or acknowledged
	// until the write has returned.
	if err := r.messages.SaveDirect(msg); err != nil {
		c.log.Error("persisting direct message failed", "error", err)
		c.sendError(CodePersistence, "message could not be stored, retry")
		return
	}

	payload, err := json.Marshal(DeliveredFrame{
		Type:            FrameDirect,
		ID:              msg.ID,
		SenderID:        msg.SenderID,
		RecipientID:     msg.RecipientID,
		Body:            msg.Body,
		ClientMessageID: frame.ClientMessageID,
		Timestamp:       msg.CreatedAt,
	})
	if err != nil {
		c.log.Error("marshaling delivered frame failed", "error", err)
		c.sendError(CodeInternal, "delivery encoding failed")
		return
	}

	// Direct traffic lands on the recipient's personal-endpoint connections.
	targets := lo.Filter(r.hub.ConnectionsOf(msg.RecipientID), func(t *Client, _ int) bool {
		return t.scope.Personal()
	})
	r.hub.Deliver(payload, targets)

	c.sendFrame(AckFrame{
		Type:            FrameAck,
		ID:              msg.ID,
		ClientMessageID: frame.ClientMessageID,
		Timestamp:       msg.CreatedAt,
	})
}

func (r *Router) handleWorkspace(ctx context.Context, c *Client, frame InboundFrame) {
	workspaceID := c.scope.WorkspaceID

	// Authorization comes before persistence: a message from a non-member is
	// dropped without leaving a trace in the store.
	member, err := r.directory.IsMember(ctx, workspaceID, c.userID)
	if err != nil {
		c.log.Error("membership lookup failed", "workspace", workspaceID, "error", err)
		c.sendError(CodeInternal, "membership lookup failed")
		return
	}
	if !member {
		c.sendError(CodeAuthorization, fmt.Sprintf("not a member of workspace %d", workspaceID))
		return
	}

	msg := store.WorkspaceMessage{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		SenderID:    c.userID,
		Body:        frame.Body,
		CreatedAt:   time.Now().UTC(),
	}

	if err := r.messages.SaveWorkspace(msg); err != nil {
		c.log.Error("persisting workspace message failed", "error", err)
		c.sendError(CodePersistence, "message could not be stored, retry")
		return
	}

	payload, err := json.Marshal(DeliveredFrame{
		Type:            FrameWorkspace,
		ID:              msg.ID,
		SenderID:        msg.SenderID,
		WorkspaceID:     msg.WorkspaceID,
		Body:            msg.Body,
		ClientMessageID: frame.ClientMessageID,
		Timestamp:       msg.CreatedAt,
	})
	if err != nil {
		c.log.Error("marshaling delivered frame failed", "error", err)
		c.sendError(CodeInternal, "delivery encoding failed")
		return
	}

	targets, err := r.hub.ConnectionsOfWorkspaceMembers(ctx, workspaceID)
	if err != nil {
		// The message is durable; the sender still gets its ack and members
		// can read it from history. Only live fan-out was lost.
		c.log.Error("resolving workspace connections failed", "workspace", workspaceID, "error", err)
		targets = nil
	}

	// The sender reads its own message from the ack, not from fan-out.
	targets = lo.Filter(targets, func(t *Client, _ int) bool {
		return t.userID != c.userID
	})
	r.hub.Deliver(payload, targets)

	c.sendFrame(AckFrame{
		Type:            FrameAck,
		ID:              msg.ID,
		ClientMessageID: frame.ClientMessageID,
		Timestamp:       msg.CreatedAt,
	})
}
