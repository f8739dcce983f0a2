// Package service implements the realtime core on top of the connection
// registry: message fanout with durable persistence, typing and read-receipt
// routing, and presence broadcasting.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"e2ee-chat/internal/authz"
	"e2ee-chat/internal/domain"
	"e2ee-chat/internal/dto"
	"e2ee-chat/internal/observability/metrics"
	"e2ee-chat/internal/registry"
	"e2ee-chat/internal/store"

	"github.com/google/uuid"
)

var (
	ErrInvalidRequest = errors.New("service: invalid request")
	ErrPersistence    = errors.New("service: message persistence failed")
)

// Fanout persists accepted messages and forwards each to every open
// connection of its recipient. Persistence always completes before any
// forwarding is attempted; per-connection delivery is best effort.
type Fanout struct {
	store  *store.Store
	reg    *registry.Registry
	router *Router
	now    func() time.Time
}

func NewFanout(st *store.Store, reg *registry.Registry, router *Router) *Fanout {
	return &Fanout{store: st, reg: reg, router: router, now: time.Now}
}

// Send persists the ciphertext as a new message and fans it out. The blob is
// carried byte-for-byte; it is never decoded or validated here. origin, when
// non-nil, receives an echo of the persisted message so multi-tab senders
// stay in sync. A nil origin (HTTP send path) skips the echo.
func (f *Fanout) Send(ctx context.Context, sender authz.Principal, recipientID uuid.UUID, ciphertext string, origin registry.Conn) (dto.Message, error) {
	if sender.ID == uuid.Nil || recipientID == uuid.Nil || ciphertext == "" {
		return dto.Message{}, ErrInvalidRequest
	}

	msg := domain.Message{
		ID:          uuid.New(),
		SenderID:    sender.ID,
		RecipientID: recipientID,
		Ciphertext:  []byte(ciphertext),
		CreatedAt:   f.now().UTC(),
	}
	if err := f.store.Messages().Create(ctx, &msg); err != nil {
		metrics.MessagesPersistedTotal.WithLabelValues("failure").Inc()
		return dto.Message{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	metrics.MessagesPersistedTotal.WithLabelValues("success").Inc()

	out := dto.Message{
		ID:             msg.ID.String(),
		SenderID:       msg.SenderID.String(),
		SenderUsername: sender.Username,
		RecipientID:    msg.RecipientID.String(),
		Ciphertext:     string(msg.Ciphertext),
		CreatedAt:      msg.CreatedAt,
		IsRead:         msg.IsRead,
	}
	evt := dto.Event{Type: dto.EventMessage, Payload: out}

	for _, conn := range f.reg.ConnectionsOf(recipientID) {
		if err := conn.Send(evt); err != nil {
			metrics.MessageDeliveriesTotal.WithLabelValues("dropped").Inc()
			slog.Warn("message delivery failed",
				"message_id", out.ID,
				"recipient_id", out.RecipientID,
				"conn_id", conn.ID(),
				"error", err,
			)
			continue
		}
		metrics.MessageDeliveriesTotal.WithLabelValues("recipient").Inc()
	}

	if origin != nil {
		if err := origin.Send(evt); err != nil {
			metrics.MessageDeliveriesTotal.WithLabelValues("dropped").Inc()
			slog.Warn("sender echo failed", "message_id", out.ID, "conn_id", origin.ID(), "error", err)
		} else {
			metrics.MessageDeliveriesTotal.WithLabelValues("echo").Inc()
		}
	}

	return out, nil
}

// MarkAsRead flips the message's read flag when reader is its recipient and
// routes an advisory read receipt to the original sender's connections. Any
// other reader, and unknown message ids, are a silent no-op.
func (f *Fanout) MarkAsRead(ctx context.Context, messageID uuid.UUID, reader authz.Principal) error {
	msg, err := f.store.Messages().GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			slog.Debug("mark as read for unknown message", "message_id", messageID)
			return nil
		}
		return err
	}
	if msg.RecipientID != reader.ID {
		return nil
	}

	if _, err := f.store.Messages().MarkAsRead(ctx, messageID, reader.ID); err != nil {
		return err
	}

	f.router.RouteReadReceipt(msg.SenderID, messageID, reader.ID)
	return nil
}
