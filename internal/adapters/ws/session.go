package ws

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dkeye/Beacon/internal/app"
	"github.com/dkeye/Beacon/internal/core"
	"github.com/dkeye/Beacon/internal/domain"
	"github.com/dkeye/Beacon/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Session states. Closed is terminal.
const (
	stateConnecting int32 = iota
	stateActive
	stateClosing
	stateClosed
)

// Controller owns the WebSocket side of Beacon: one session per live
// connection, driving the registry, relay and presence components.
type Controller struct {
	Registry *app.Registry
	Relay    *app.Relay
	Presence *app.Presence
	Verifier core.IdentityVerifier
	Store    core.PresenceStore
	Metrics  *metrics.Metrics
	Limiter  *ConnRateLimiter // nil disables connect throttling

	ReadLimit  int64
	PingPeriod time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleConnect upgrades the transport and hands the connection to a new
// session. Identity checks happen after the upgrade so rejections reach
// the client as a policy-violation close instead of a bare HTTP error.
func (ctl *Controller) HandleConnect(ctx context.Context, c *gin.Context) {
	rawID := c.Param("user_id")
	credential := c.GetString("credential")
	log.Info().Str("module", "adapters.ws").Str("user_id", rawID).Msg("new WS connection")

	if ctl.Limiter != nil && !ctl.Limiter.Allow(rawID) {
		ctl.Metrics.Inc(metrics.ConnectThrottled)
		log.Warn().Str("module", "adapters.ws").Str("user_id", rawID).Msg("connection attempts throttled")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return
	}

	wsc, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.ws").Msg("ws upgrade")
		return
	}
	wsc.SetReadLimit(ctl.ReadLimit)

	sess := &session{
		ctl:      ctl,
		conn:     newConn(wsc, ctl.SendBuffer),
		declared: rawID,
		state:    stateConnecting,
	}
	go sess.run(ctx, credential)
}

type session struct {
	ctl      *Controller
	conn     *Conn
	declared string
	id       domain.UserID
	state    int32 // accessed atomically
}

// run drives the session from Connecting to Closed. It owns the read side;
// the write pump runs alongside until the connection dies.
func (s *session) run(ctx context.Context, credential string) {
	declared, err := domain.ParseUserID(s.declared)
	if err != nil {
		s.ctl.Metrics.Inc(metrics.AuthFailure)
		s.reject("invalid identity", err)
		return
	}
	id, err := s.ctl.Verifier.Verify(ctx, credential)
	if err != nil {
		s.ctl.Metrics.Inc(metrics.AuthFailure)
		s.reject("invalid credentials", err)
		return
	}
	if id != declared {
		s.ctl.Metrics.Inc(metrics.AuthFailure)
		s.reject("identity mismatch", nil)
		return
	}
	s.id = id

	s.activate(ctx)

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		s.writePump(pumpCtx)
	}()
	s.readPump(pumpCtx)

	// The write pump must be gone before teardown marks the user offline,
	// or a late ping tick could re-assert the online flag.
	cancel()
	<-pumpDone
	s.teardown(context.WithoutCancel(ctx))
}

// reject ends a session that never became Active. No registry mutation has
// happened yet, so none is undone.
func (s *session) reject(reason string, err error) {
	atomic.StoreInt32(&s.state, stateClosed)
	log.Warn().Err(err).Str("module", "adapters.ws").Str("user_id", s.declared).Str("reason", reason).Msg("connection rejected")
	s.conn.closeWith(websocket.ClosePolicyViolation, reason, s.ctl.WriteWait)
}

// activate moves Connecting to Active: bind in the registry, close any
// previous connection of the same identity, persist the online flag and
// push fresh snapshots to everyone.
func (s *session) activate(ctx context.Context) {
	atomic.StoreInt32(&s.state, stateActive)
	if prev := s.ctl.Registry.Register(s.id, s.conn); prev != nil {
		s.ctl.Metrics.Inc(metrics.SessionEvicted)
		if pc, ok := prev.(*Conn); ok {
			pc.closeWith(websocket.ClosePolicyViolation, "session superseded", s.ctl.WriteWait)
		} else {
			prev.Close()
		}
	}
	if err := s.ctl.Store.MarkOnline(ctx, s.id, true); err != nil {
		log.Warn().Err(err).Str("module", "adapters.ws").Str("user_id", string(s.id)).Msg("mark online failed")
	}
	s.ctl.Presence.NotifyAll(ctx)
	log.Info().Str("module", "adapters.ws").Str("user_id", string(s.id)).Str("conn_id", s.conn.ID()).Msg("session active")
}

// teardown runs at most once per active session. Deregistration must pass
// the handle-equality check before the offline flag or snapshots go out,
// so a superseded session cannot mark its successor offline.
func (s *session) teardown(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&s.state, stateActive, stateClosing) {
		return
	}
	removed := s.ctl.Registry.Deregister(s.id, s.conn)
	s.conn.Close()
	if removed {
		if err := s.ctl.Store.MarkOnline(ctx, s.id, false); err != nil {
			log.Warn().Err(err).Str("module", "adapters.ws").Str("user_id", string(s.id)).Msg("mark offline failed")
		}
		s.ctl.Presence.NotifyAll(ctx)
	}
	atomic.StoreInt32(&s.state, stateClosed)
	log.Info().Str("module", "adapters.ws").Str("user_id", string(s.id)).Str("conn_id", s.conn.ID()).Msg("session closed")
}

func (s *session) readPump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "adapters.ws").Str("user_id", string(s.id)).Msg("readPump ctx done")
			return
		default:
			_, data, err := s.conn.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "adapters.ws").Str("user_id", string(s.id)).Msg("readPump read error")
				return
			}
			if err := s.ctl.Relay.Route(s.id, s.conn, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.ws").Str("user_id", string(s.id)).Msg("fatal protocol error")
				s.conn.closeWith(websocket.CloseUnsupportedData, "malformed message", s.ctl.WriteWait)
				return
			}
		}
	}
}

func (s *session) writePump(ctx context.Context) {
	ticker := time.NewTicker(s.ctl.PingPeriod)
	defer ticker.Stop()
	defer s.conn.Close()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "adapters.ws").Str("user_id", string(s.id)).Msg("writePump ctx done")
			return
		case data, ok := <-s.conn.send:
			if !ok {
				return
			}
			if err := s.conn.conn.SetWriteDeadline(time.Now().Add(s.ctl.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "adapters.ws").Msg("writePump set deadline")
				return
			}
			if err := s.conn.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.ws").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := s.conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.ctl.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "adapters.ws").Msg("writePump ping error")
				return
			}
			// Keep the persisted online flag from expiring mid-session.
			if err := s.ctl.Store.MarkOnline(ctx, s.id, true); err != nil {
				log.Debug().Err(err).Str("module", "adapters.ws").Str("user_id", string(s.id)).Msg("presence refresh failed")
			}
		}
	}
}
