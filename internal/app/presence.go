package app

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/Beacon/internal/core"
	"github.com/dkeye/Beacon/internal/domain"
	"github.com/dkeye/Beacon/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Presence recomputes and pushes online-friends snapshots. Each push fully
// replaces the previous view at the receiver and travels over the same
// ordered channel as relayed frames.
type Presence struct {
	registry *Registry
	friends  core.FriendGraph
	metrics  *metrics.Metrics
	policy   Policy
}

func NewPresence(reg *Registry, friends core.FriendGraph, m *metrics.Metrics, p Policy) *Presence {
	if p == nil {
		p = DropPolicy{}
	}
	return &Presence{registry: reg, friends: friends, metrics: m, policy: p}
}

// NotifyAll pushes a fresh snapshot to every connected user. Runs after
// every registry change. Recomputing for everyone rather than only the
// changed user's friends costs O(users x friends) per event.
func (p *Presence) NotifyAll(ctx context.Context) {
	for _, snap := range p.registry.Online() {
		p.push(ctx, snap.ID, snap.Conn)
	}
}

// NotifyOne pushes a fresh snapshot to a single connected user.
func (p *Presence) NotifyOne(ctx context.Context, id domain.UserID) {
	conn, ok := p.registry.Lookup(id)
	if !ok {
		return
	}
	p.push(ctx, id, conn)
}

func (p *Presence) push(ctx context.Context, id domain.UserID, conn core.SignalConnection) {
	update := struct {
		Type    string              `json:"type"`
		Payload []core.FriendStatus `json:"payload"`
	}{
		Type:    "online-friends-update",
		Payload: p.snapshot(ctx, id),
	}
	b, err := json.Marshal(update)
	if err != nil {
		log.Error().Err(err).Str("module", "app.presence").Msg("marshal snapshot")
		return
	}
	if err := conn.TrySend(b); err != nil {
		// One broken recipient must not fail the others.
		p.metrics.Inc(metrics.PresencePushError)
		log.Warn().Err(err).Str("module", "app.presence").Str("user_id", string(id)).Msg("snapshot push failed")
		if errors.Is(err, core.ErrBackpressure) && p.policy.OnBackpressure(id, conn) == CloseConn {
			conn.Close()
		}
	}
}

// snapshot builds the friend statuses for one user. A friend-graph failure
// degrades to an empty list, never an error.
func (p *Presence) snapshot(ctx context.Context, id domain.UserID) []core.FriendStatus {
	friends, err := p.friends.FriendsOf(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("module", "app.presence").Str("user_id", string(id)).Msg("friend graph lookup failed")
		return []core.FriendStatus{}
	}
	out := make([]core.FriendStatus, 0, len(friends))
	for _, f := range friends {
		out = append(out, core.FriendStatus{
			ID:         f.ID,
			FullName:   f.FullName,
			ProfilePic: f.ProfilePic,
			IsOnline:   p.registry.IsOnline(f.ID),
		})
	}
	return out
}
