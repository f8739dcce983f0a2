package service

import (
	"sync"

	"e2ee-chat/internal/authz"
	"e2ee-chat/internal/dto"
	"e2ee-chat/internal/observability/metrics"
	"e2ee-chat/internal/registry"

	"github.com/google/uuid"
)

type pairKey struct {
	sender    uuid.UUID
	recipient uuid.UUID
}

// Router delivers ephemeral typing signals and read receipts between the
// open connection sets of a conversation pair. Nothing here is persisted;
// a signal with no recipient connections is dropped, never queued.
type Router struct {
	reg *registry.Registry

	mu    sync.Mutex
	state map[pairKey]bool // last known typing signal per ordered pair
}

func NewRouter(reg *registry.Registry) *Router {
	return &Router{reg: reg, state: make(map[pairKey]bool)}
}

// RouteTyping overwrites the pair's typing slot and forwards the signal to
// every open connection of the recipient.
func (r *Router) RouteTyping(sender authz.Principal, recipientID uuid.UUID, isTyping bool) {
	r.mu.Lock()
	r.state[pairKey{sender: sender.ID, recipient: recipientID}] = isTyping
	r.mu.Unlock()

	conns := r.reg.ConnectionsOf(recipientID)
	if len(conns) == 0 {
		metrics.TypingEventsTotal.WithLabelValues("dropped").Inc()
		return
	}

	evt := dto.Event{Type: dto.EventTyping, Payload: dto.TypingPayload{
		SenderID:       sender.ID.String(),
		SenderUsername: sender.Username,
		IsTyping:       isTyping,
	}}
	for _, conn := range conns {
		_ = conn.Send(evt)
	}
	metrics.TypingEventsTotal.WithLabelValues("routed").Inc()
}

// TypingState returns the last signal recorded for the ordered pair.
func (r *Router) TypingState(senderID, recipientID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state[pairKey{sender: senderID, recipient: recipientID}]
}

// RouteReadReceipt forwards a read acknowledgement to the original sender's
// open connections. Advisory only; delivery failures are ignored.
func (r *Router) RouteReadReceipt(senderID, messageID, readerID uuid.UUID) {
	evt := dto.Event{Type: dto.EventMessageRead, Payload: dto.MessageReadPayload{
		MessageID: messageID.String(),
		ReaderID:  readerID.String(),
	}}
	for _, conn := range r.reg.ConnectionsOf(senderID) {
		_ = conn.Send(evt)
	}
}
