package service

import (
	"log/slog"

	"e2ee-chat/internal/authz"
	"e2ee-chat/internal/dto"
	"e2ee-chat/internal/observability/metrics"
	"e2ee-chat/internal/registry"

	"github.com/google/uuid"
)

// Presence owns the register/unregister flow around the connection registry
// and turns its empty<->non-empty transitions into broadcast events.
type Presence struct {
	reg *registry.Registry
}

func NewPresence(reg *registry.Registry) *Presence {
	return &Presence{reg: reg}
}

// ConnectionOpened registers the connection, broadcasts the online
// transition when this was the identity's first connection, and sends the
// new connection its initial online-identities snapshot.
func (p *Presence) ConnectionOpened(identity authz.Principal, conn registry.Conn) {
	tr := p.reg.Register(identity.ID, conn)
	if tr == registry.WentOnline {
		metrics.PresenceEventsTotal.WithLabelValues("online").Inc()
		p.broadcastExcept(identity.ID, dto.Event{Type: dto.EventUserOnline, Payload: dto.PresencePayload{
			IdentityID: identity.ID.String(),
			Username:   identity.Username,
		}})
	}

	ids := make([]string, 0)
	for _, id := range p.reg.OnlineIdentities() {
		if id == identity.ID {
			continue
		}
		ids = append(ids, id.String())
	}
	if err := conn.Send(dto.Event{Type: dto.EventOnlineUsers, Payload: dto.OnlineUsersPayload{IdentityIDs: ids}}); err != nil {
		slog.Warn("presence snapshot send failed", "identity_id", identity.ID, "conn_id", conn.ID(), "error", err)
	}
}

// ConnectionClosed unregisters the connection and broadcasts the offline
// transition when that emptied the identity's connection set.
func (p *Presence) ConnectionClosed(identityID, connID uuid.UUID) {
	tr := p.reg.Unregister(identityID, connID)
	if tr != registry.WentOffline {
		return
	}
	metrics.PresenceEventsTotal.WithLabelValues("offline").Inc()
	p.broadcastExcept(identityID, dto.Event{Type: dto.EventUserOffline, Payload: dto.PresencePayload{
		IdentityID: identityID.String(),
	}})
}

func (p *Presence) broadcastExcept(except uuid.UUID, evt dto.Event) {
	for _, id := range p.reg.OnlineIdentities() {
		if id == except {
			continue
		}
		for _, conn := range p.reg.ConnectionsOf(id) {
			_ = conn.Send(evt)
		}
	}
}
