package app

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Beacon/internal/core"
	"github.com/dkeye/Beacon/internal/domain"
	"github.com/dkeye/Beacon/internal/metrics"
	"github.com/rs/zerolog/log"
)

// ErrMalformedMessage marks an inbound frame the router cannot parse.
// Sessions treat it as fatal; all other routing failures are absorbed.
var ErrMalformedMessage = errors.New("malformed signal message")

// Relay routes one user's signaling frames to the addressed recipient.
// Payload contents stay opaque; only target_id and sender_id are control
// fields, and sender_id is always stamped server-side.
type Relay struct {
	registry *Registry
	metrics  *metrics.Metrics
	policy   Policy
}

func NewRelay(reg *Registry, m *metrics.Metrics, p Policy) *Relay {
	if p == nil {
		p = DropPolicy{}
	}
	return &Relay{registry: reg, metrics: m, policy: p}
}

// Route delivers one inbound frame from sender. Returns ErrMalformedMessage
// when the frame is not a JSON object with a string (or absent) target_id;
// the caller treats that as fatal to the session. Every other failure mode
// is absorbed here: an offline target gets exactly one error reply to the
// sender, a broken recipient handle is logged and dropped.
//
// Only target_id is interpreted and only sender_id is rewritten. All other
// fields keep their exact bytes, so numbers the server cannot represent
// (timestamps, 64-bit sequence counters) survive the trip untouched.
func (rl *Relay) Route(sender domain.UserID, from core.SignalConnection, data core.Frame) error {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg == nil {
		rl.metrics.Inc(metrics.RelayMalformed)
		return fmt.Errorf("%w: not a JSON object", ErrMalformedMessage)
	}

	target, err := targetOf(msg)
	if err != nil {
		rl.metrics.Inc(metrics.RelayMalformed)
		return err
	}
	if target == "" {
		// Frames without a recipient are tolerated and dropped.
		log.Debug().Str("module", "app.relay").Str("sender_id", string(sender)).Msg("frame without target dropped")
		return nil
	}

	sid, err := json.Marshal(string(sender))
	if err != nil {
		rl.metrics.Inc(metrics.RelayMalformed)
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	msg["sender_id"] = sid
	out, err := json.Marshal(msg)
	if err != nil {
		rl.metrics.Inc(metrics.RelayMalformed)
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	dst, ok := rl.registry.Lookup(target)
	if !ok {
		rl.metrics.Inc(metrics.RelayUnroutable)
		log.Info().Str("module", "app.relay").Str("sender_id", string(sender)).Str("target_id", string(target)).Msg("target not online")
		rl.replyTargetOffline(from, target)
		return nil
	}

	if err := dst.TrySend(out); err != nil {
		// Best effort only. The target's own session notices the broken
		// handle and closes; the sender is not told.
		rl.metrics.Inc(metrics.RelayForwardError)
		log.Error().Err(err).Str("module", "app.relay").Str("sender_id", string(sender)).Str("target_id", string(target)).Msg("forward failed")
		if errors.Is(err, core.ErrBackpressure) && rl.policy.OnBackpressure(target, dst) == CloseConn {
			dst.Close()
		}
	}
	return nil
}

// targetOf pulls target_id out of a decoded frame. Absent, empty and null
// all mean "no recipient"; any other non-string value is a protocol error.
// Unmarshaling null into a string is a no-op, which folds the null case
// into the empty one.
func targetOf(msg map[string]json.RawMessage) (domain.UserID, error) {
	raw, ok := msg["target_id"]
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: target_id is not a string", ErrMalformedMessage)
	}
	return domain.UserID(s), nil
}

func (rl *Relay) replyTargetOffline(from core.SignalConnection, target domain.UserID) {
	reply := struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{
		Type:    "error",
		Message: fmt.Sprintf("User %s is not online.", target),
	}
	b, err := json.Marshal(reply)
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("marshal error reply")
		return
	}
	if err := from.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Msg("error reply not delivered")
	}
}
