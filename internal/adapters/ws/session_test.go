package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Beacon/internal/app"
	"github.com/dkeye/Beacon/internal/auth"
	"github.com/dkeye/Beacon/internal/domain"
	"github.com/dkeye/Beacon/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type fakeUsers map[domain.UserID]bool

func (u fakeUsers) UserExists(_ context.Context, id domain.UserID) (bool, error) {
	return u[id], nil
}

type fakeFriends map[domain.UserID][]domain.Friend

func (f fakeFriends) FriendsOf(_ context.Context, id domain.UserID) ([]domain.Friend, error) {
	return f[id], nil
}

type fakeStore struct {
	mu    sync.Mutex
	marks map[domain.UserID][]bool
}

func (s *fakeStore) MarkOnline(_ context.Context, id domain.UserID, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.marks == nil {
		s.marks = make(map[domain.UserID][]bool)
	}
	s.marks[id] = append(s.marks[id], online)
	return nil
}

func (s *fakeStore) count(id domain.UserID, online bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.marks[id] {
		if v == online {
			n++
		}
	}
	return n
}

func (s *fakeStore) last(id domain.UserID) (online, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.marks[id]
	if len(ms) == 0 {
		return false, false
	}
	return ms[len(ms)-1], true
}

type testEnv struct {
	srv    *httptest.Server
	ctl    *Controller
	reg    *app.Registry
	m      *metrics.Metrics
	store  *fakeStore
	tokens *auth.TokenService
}

func newTestEnv(t *testing.T, users fakeUsers, friends fakeFriends) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m := metrics.New()
	reg := app.NewRegistry()
	store := &fakeStore{}
	tokens := auth.NewTokenService("test-secret")

	ctl := &Controller{
		Registry: reg,
		Relay:    app.NewRelay(reg, m, nil),
		Presence: app.NewPresence(reg, friends, m, nil),
		Verifier: auth.NewVerifier(tokens, users),
		Store:    store,
		Metrics:  m,

		ReadLimit:  32768,
		PingPeriod: time.Second,
		WriteWait:  time.Second,
		SendBuffer: 32,
	}

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("credential", c.Query("token"))
		c.Next()
	})
	r.GET("/api/ws/:user_id", func(c *gin.Context) {
		ctl.HandleConnect(context.Background(), c)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, ctl: ctl, reg: reg, m: m, store: store, tokens: tokens}
}

func (e *testEnv) token(t *testing.T, id string) string {
	t.Helper()
	tok, err := e.tokens.GenerateToken(id)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return tok
}

func (e *testEnv) dial(t *testing.T, userID, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/ws/" + userID + "?token=" + url.QueryEscape(token)
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) []byte {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

func expectClose(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, code) {
		t.Fatalf("read err=%v, want close code %d", err, code)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type presenceFrame struct {
	Type    string `json:"type"`
	Payload []struct {
		ID         string `json:"id"`
		FullName   string `json:"full_name"`
		ProfilePic string `json:"profile_pic"`
		IsOnline   bool   `json:"is_online"`
	} `json:"payload"`
}

func decodePresence(t *testing.T, data []byte) presenceFrame {
	t.Helper()
	var p presenceFrame
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode presence frame %s: %v", data, err)
	}
	if p.Type != "online-friends-update" {
		t.Fatalf("frame type=%q, want online-friends-update (frame: %s)", p.Type, data)
	}
	return p
}

func TestSession_EndToEndRelayAndPresence(t *testing.T) {
	users := fakeUsers{"alice": true, "bob": true}
	friends := fakeFriends{
		"alice": {{ID: "bob", FullName: "Bob Ross", ProfilePic: "bob.png"}},
		"bob":   {{ID: "alice", FullName: "Alice Smith", ProfilePic: "alice.png"}},
	}
	env := newTestEnv(t, users, friends)

	bob := env.dial(t, "bob", env.token(t, "bob"))
	bobView := decodePresence(t, readFrame(t, bob))
	if len(bobView.Payload) != 1 || bobView.Payload[0].ID != "alice" || bobView.Payload[0].IsOnline {
		t.Fatalf("bob's first snapshot=%v, want alice offline", bobView.Payload)
	}

	alice := env.dial(t, "alice", env.token(t, "alice"))
	aliceView := decodePresence(t, readFrame(t, alice))
	if len(aliceView.Payload) != 1 || aliceView.Payload[0].ID != "bob" || !aliceView.Payload[0].IsOnline {
		t.Fatalf("alice's snapshot=%v, want bob online", aliceView.Payload)
	}
	bobView = decodePresence(t, readFrame(t, bob))
	if !bobView.Payload[0].IsOnline {
		t.Fatalf("bob's snapshot after alice connected=%v, want alice online", bobView.Payload)
	}

	// Relay with a spoofed sender_id; the router must overwrite it.
	send := `{"target_id":"bob","sender_id":"mallory","text":"hi"}`
	if err := alice.WriteMessage(websocket.TextMessage, []byte(send)); err != nil {
		t.Fatalf("alice write: %v", err)
	}
	var relayed map[string]any
	if err := json.Unmarshal(readFrame(t, bob), &relayed); err != nil {
		t.Fatalf("decode relayed frame: %v", err)
	}
	if relayed["sender_id"] != "alice" {
		t.Fatalf("sender_id=%v, want alice", relayed["sender_id"])
	}
	if relayed["target_id"] != "bob" || relayed["text"] != "hi" {
		t.Fatalf("relayed frame=%v, want original fields preserved", relayed)
	}

	// Bob drops. Alice sees him go offline, and her next send bounces.
	_ = bob.Close()
	offlineView := decodePresence(t, readFrame(t, alice))
	if offlineView.Payload[0].IsOnline {
		t.Fatalf("alice's snapshot after bob left=%v, want bob offline", offlineView.Payload)
	}

	if err := alice.WriteMessage(websocket.TextMessage, []byte(`{"target_id":"bob","text":"again"}`)); err != nil {
		t.Fatalf("alice write: %v", err)
	}
	var reply struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(readFrame(t, alice), &reply); err != nil {
		t.Fatalf("decode error reply: %v", err)
	}
	if reply.Type != "error" || reply.Message != "User bob is not online." {
		t.Fatalf("reply=%+v, want error/User bob is not online.", reply)
	}

	// Exactly one reply, nothing else in flight for alice.
	_ = alice.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, extra, err := alice.ReadMessage(); err == nil {
		t.Fatalf("unexpected extra frame for alice: %s", extra)
	}

	waitFor(t, "bob's offline flag", func() bool { return env.store.count("bob", false) == 1 })
	waitFor(t, "registry shrink", func() bool { return env.reg.Count() == 1 })
}

// Frames between two fixed parties arrive in send order even when presence
// pushes land on the same channel in between.
func TestSession_DeliveryIsFIFOPerDirection(t *testing.T) {
	users := fakeUsers{"alice": true, "bob": true, "carol": true}
	env := newTestEnv(t, users, fakeFriends{})

	alice := env.dial(t, "alice", env.token(t, "alice"))
	_ = readFrame(t, alice)
	bob := env.dial(t, "bob", env.token(t, "bob"))
	_ = readFrame(t, bob)
	_ = readFrame(t, alice) // snapshot pushed when bob joined

	send := func(seq int) {
		t.Helper()
		frame := fmt.Sprintf(`{"target_id":"bob","seq":%d}`, seq)
		if err := alice.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("alice write %d: %v", seq, err)
		}
	}

	for i := 0; i < 4; i++ {
		send(i)
	}
	// A registry change mid-stream drops a presence frame onto bob's channel.
	carol := env.dial(t, "carol", env.token(t, "carol"))
	_ = readFrame(t, carol)
	for i := 4; i < 8; i++ {
		send(i)
	}

	var seqs []int
	for len(seqs) < 8 {
		var msg struct {
			Type string `json:"type"`
			Seq  *int   `json:"seq"`
		}
		if err := json.Unmarshal(readFrame(t, bob), &msg); err != nil {
			t.Fatalf("decode bob frame: %v", err)
		}
		if msg.Type == "online-friends-update" {
			continue
		}
		if msg.Seq == nil {
			t.Fatalf("frame without seq, type=%q", msg.Type)
		}
		seqs = append(seqs, *msg.Seq)
	}
	for i, got := range seqs {
		if got != i {
			t.Fatalf("relay order=%v, want 0..7 in send order", seqs)
		}
	}
}

func TestSession_RejectsBadIdentity(t *testing.T) {
	users := fakeUsers{"alice": true, "bob": true}
	env := newTestEnv(t, users, fakeFriends{})

	cases := []struct {
		name  string
		path  string
		token string
	}{
		{"garbage token", "alice", "not-a-jwt"},
		{"unknown user", "mallory", env.token(t, "mallory")},
		{"identity mismatch", "bob", env.token(t, "alice")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := env.dial(t, tc.path, tc.token)
			expectClose(t, c, websocket.ClosePolicyViolation)
			if got := env.reg.Count(); got != 0 {
				t.Fatalf("registry count=%d, want 0 after rejection", got)
			}
		})
	}
	if got := env.m.Get(metrics.AuthFailure); got != uint64(len(cases)) {
		t.Fatalf("auth_failure=%d, want %d", got, len(cases))
	}
}

func TestSession_SecondConnectionEvictsFirst(t *testing.T) {
	users := fakeUsers{"alice": true, "bob": true}
	env := newTestEnv(t, users, fakeFriends{})

	tok := env.token(t, "alice")
	c1 := env.dial(t, "alice", tok)
	_ = readFrame(t, c1) // initial snapshot; the session is active now

	c2 := env.dial(t, "alice", tok)
	_ = readFrame(t, c2)

	expectClose(t, c1, websocket.ClosePolicyViolation)

	if got := env.reg.Count(); got != 1 {
		t.Fatalf("registry count=%d, want 1", got)
	}
	// Let the evicted session finish its (no-op) teardown.
	time.Sleep(100 * time.Millisecond)
	if !env.reg.IsOnline("alice") {
		t.Fatal("alice offline after eviction; stale deregister must not unbind the successor")
	}
	if got := env.store.count("alice", false); got != 0 {
		t.Fatalf("offline writes=%d, want 0 while a live session remains", got)
	}
	if got := env.m.Get(metrics.SessionEvicted); got != 1 {
		t.Fatalf("session_evicted=%d, want 1", got)
	}

	// The surviving connection still relays both ways.
	bob := env.dial(t, "bob", env.token(t, "bob"))
	_ = readFrame(t, bob)
	if err := c2.WriteMessage(websocket.TextMessage, []byte(`{"target_id":"bob","n":1}`)); err != nil {
		t.Fatalf("write on surviving conn: %v", err)
	}
	var relayed map[string]any
	if err := json.Unmarshal(readFrame(t, bob), &relayed); err != nil {
		t.Fatalf("decode relayed frame: %v", err)
	}
	if relayed["sender_id"] != "alice" {
		t.Fatalf("sender_id=%v, want alice", relayed["sender_id"])
	}
}

func TestSession_ConnectThrottled(t *testing.T) {
	env := newTestEnv(t, fakeUsers{"alice": true}, fakeFriends{})
	env.ctl.Limiter = NewConnRateLimiter(1, time.Hour)

	c := env.dial(t, "alice", env.token(t, "alice"))
	_ = readFrame(t, c)

	// The second attempt inside the window is refused before the upgrade.
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/ws/alice?token=" + url.QueryEscape(env.token(t, "alice"))
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("throttled dial succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("handshake response=%+v, want 429", resp)
	}
	if got := env.m.Get(metrics.ConnectThrottled); got != 1 {
		t.Fatalf("connect_throttled=%d, want 1", got)
	}

	// The established session is untouched.
	if !env.reg.IsOnline("alice") {
		t.Fatal("existing session dropped by throttling")
	}
}

func TestSession_MalformedMessageClosesSession(t *testing.T) {
	env := newTestEnv(t, fakeUsers{"alice": true}, fakeFriends{})

	c := env.dial(t, "alice", env.token(t, "alice"))
	_ = readFrame(t, c)

	if err := c.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, c, websocket.CloseUnsupportedData)

	waitFor(t, "session teardown", func() bool { return !env.reg.IsOnline("alice") })
	waitFor(t, "offline flag", func() bool { return env.store.count("alice", false) == 1 })
	if got := env.m.Get(metrics.RelayMalformed); got != 1 {
		t.Fatalf("relay_malformed=%d, want 1", got)
	}
}

// The offline write is the last word on the store: the refresh ticker is
// drained before teardown, so no late tick can re-assert the online flag.
func TestSession_OfflineMarkIsFinal(t *testing.T) {
	env := newTestEnv(t, fakeUsers{"alice": true}, fakeFriends{})
	env.ctl.PingPeriod = 5 * time.Millisecond

	c := env.dial(t, "alice", env.token(t, "alice"))
	_ = readFrame(t, c)
	time.Sleep(50 * time.Millisecond) // let several refresh ticks land
	_ = c.Close()

	waitFor(t, "offline flag", func() bool { return env.store.count("alice", false) == 1 })
	time.Sleep(50 * time.Millisecond)
	if online, ok := env.store.last("alice"); !ok || online {
		t.Fatalf("last mark online=%v ok=%v, want a final offline write", online, ok)
	}
	if got := env.store.count("alice", false); got != 1 {
		t.Fatalf("offline writes=%d, want exactly 1", got)
	}
}
