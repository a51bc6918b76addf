package ws_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/pong-engine/internal/auth"
	"github.com/koopa0/pong-engine/internal/game"
	"github.com/koopa0/pong-engine/internal/ratelimit"
	"github.com/koopa0/pong-engine/internal/ws"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	server     *httptest.Server
	hub        *ws.Hub
	registry   *game.Registry
	matchmaker *game.Matchmaker
	verifier   *auth.Verifier
}

func newTestEnv(t *testing.T, limiter ratelimit.Limiter) *testEnv {
	t.Helper()

	verifier, err := auth.NewVerifier("test-secret", "pong")
	require.NoError(t, err)
	roster := auth.NewRoster()

	hub := ws.NewHub(verifier, roster, limiter, testLogger())
	registry := game.NewRegistry(hub, nil, testLogger(), game.Options{
		TickInterval: 5 * time.Millisecond,
		Directory:    roster,
	})
	matchmaker := game.NewMatchmaker(registry, hub, testLogger())
	hub.Bind(registry, matchmaker)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", hub.ServeWS)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		registry.Stop()
		hub.Stop()
		server.Close()
	})

	return &testEnv{
		server:     server,
		hub:        hub,
		registry:   registry,
		matchmaker: matchmaker,
		verifier:   verifier,
	}
}

func (e *testEnv) url(token string) string {
	u := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

// dial 以指定玩家身份連線，並等待連線完成註冊
func (e *testEnv) dial(t *testing.T, id game.PlayerID, name string) *websocket.Conn {
	t.Helper()

	token, err := e.verifier.Issue(auth.Identity{PlayerID: id, Name: name}, time.Hour)
	require.NoError(t, err)

	before := e.hub.ConnectionCount()
	conn, _, err := websocket.DefaultDialer.Dial(e.url(token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool {
		return e.hub.ConnectionCount() > before
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	msg := map[string]any{"event": event}
	if data != nil {
		msg["data"] = data
	}
	require.NoError(t, conn.WriteJSON(msg))
}

// readUntil 讀取直到收到指定事件，略過其他事件
func readUntil(t *testing.T, conn *websocket.Conn, event string) ws.Envelope {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "等待 %s 事件", event)

		var env ws.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Event == event {
			return env
		}
	}
}

func readError(t *testing.T, conn *websocket.Conn) game.ErrorPayload {
	t.Helper()
	env := readUntil(t, conn, game.EventError)
	var payload game.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	return payload
}

func TestServeWS_RequiresToken(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name  string
		token string
	}{
		{name: "missing token", token: ""},
		{name: "garbage token", token: "not-a-jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(env.url(tt.token), nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestHub_FullLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	host := env.dial(t, 1, "alice")
	guest := env.dial(t, 2, "bob")

	created, err := env.registry.CreateSession(ctx, 1, game.Overrides{})
	require.NoError(t, err)
	assert.Equal(t, "alice", created.Player1.Name)

	// 房主訂閱自己的對局
	send(t, host, ws.InJoin, map[string]any{"session_id": created.ID})
	readUntil(t, host, game.EventState)

	send(t, guest, ws.InJoin, map[string]any{"session_id": created.ID})
	joined := readUntil(t, host, game.EventJoined)
	var jp game.JoinedPayload
	require.NoError(t, json.Unmarshal(joined.Data, &jp))
	assert.Equal(t, game.PlayerID(2), jp.PlayerID)
	assert.Equal(t, "bob", jp.Name)

	send(t, host, ws.InSetReady, map[string]any{"session_id": created.ID, "ready": true})
	send(t, guest, ws.InSetReady, map[string]any{"session_id": created.ID, "ready": true})

	for _, conn := range []*websocket.Conn{host, guest} {
		started := readUntil(t, conn, game.EventStarted)
		var sp game.StartedPayload
		require.NoError(t, json.Unmarshal(started.Data, &sp))
		assert.Equal(t, created.ID, sp.SessionID)
	}

	send(t, guest, ws.InMovePaddle, map[string]any{"session_id": created.ID, "direction": -1})
	require.Eventually(t, func() bool {
		st, err := env.registry.GetState(created.ID)
		return err == nil && st.Player2.Y < created.Player1.Y
	}, 2*time.Second, 5*time.Millisecond)

	state := readUntil(t, guest, game.EventState)
	var snap game.State
	require.NoError(t, json.Unmarshal(state.Data, &snap))
	assert.Equal(t, game.StatusPlaying, snap.Status)

	send(t, host, ws.InLeave, nil)
	left := readUntil(t, guest, game.EventLeft)
	var lp game.LeftPayload
	require.NoError(t, json.Unmarshal(left.Data, &lp))
	assert.Equal(t, game.PlayerID(1), lp.PlayerID)
	assert.Equal(t, game.ReasonLeft, lp.Reason)

	ended := readUntil(t, guest, game.EventEnded)
	var ep game.EndedPayload
	require.NoError(t, json.Unmarshal(ended.Data, &ep))
	assert.Equal(t, "player 1 left", ep.Reason)
}

func TestHub_ErrorReplies(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, 7, "")

	tests := []struct {
		name     string
		raw      string
		wantCode string
	}{
		{name: "malformed json", raw: `{not json`, wantCode: "INVALID_INPUT"},
		{name: "missing event", raw: `{"data":{}}`, wantCode: "INVALID_INPUT"},
		{name: "unknown event", raw: `{"event":"teleport"}`, wantCode: "INVALID_INPUT"},
		{name: "join without data", raw: `{"event":"join"}`, wantCode: "INVALID_INPUT"},
		{name: "join unknown session", raw: `{"event":"join","data":{"session_id":"nope"}}`, wantCode: "NOT_FOUND"},
		{name: "move in unknown session", raw: `{"event":"movePaddle","data":{"session_id":"nope","direction":1}}`, wantCode: "NOT_FOUND"},
		{name: "invalid direction", raw: `{"event":"movePaddle","data":{"session_id":"nope","direction":3}}`, wantCode: "INVALID_INPUT"},
		{name: "leave without session", raw: `{"event":"leave"}`, wantCode: "NOT_IN_SESSION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.raw)))
			payload := readError(t, conn)
			assert.Equal(t, tt.wantCode, payload.Code)
			assert.NotEmpty(t, payload.Message)
		})
	}
}

func TestHub_PingPong(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, 1, "")

	send(t, conn, ws.InPing, nil)
	readUntil(t, conn, ws.OutPong)
}

func TestHub_DisconnectEndsSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	host := env.dial(t, 1, "")
	guest := env.dial(t, 2, "")

	created, err := env.registry.CreateSession(ctx, 1, game.Overrides{})
	require.NoError(t, err)
	_, err = env.registry.JoinSession(ctx, created.ID, 2)
	require.NoError(t, err)
	_, err = env.registry.SetReady(created.ID, 1, true)
	require.NoError(t, err)
	_, err = env.registry.SetReady(created.ID, 2, true)
	require.NoError(t, err)
	readUntil(t, host, game.EventStarted)

	require.NoError(t, guest.Close())

	left := readUntil(t, host, game.EventLeft)
	var lp game.LeftPayload
	require.NoError(t, json.Unmarshal(left.Data, &lp))
	assert.Equal(t, game.ReasonDisconnected, lp.Reason)

	ended := readUntil(t, host, game.EventEnded)
	var ep game.EndedPayload
	require.NoError(t, json.Unmarshal(ended.Data, &ep))
	assert.Equal(t, "player 2 disconnected", ep.Reason)

	_, busy := env.registry.IsPlayerInGame(1)
	assert.False(t, busy)

	st, err := env.registry.GetState(created.ID)
	require.NoError(t, err)
	assert.Equal(t, game.StatusFinished, st.Status)
}

func TestHub_DisconnectLeavesQueue(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, 3, "")

	require.NoError(t, env.matchmaker.Enqueue(3))
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return env.matchmaker.Position(3) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHub_ReplacesConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	created, err := env.registry.CreateSession(ctx, 1, game.Overrides{})
	require.NoError(t, err)

	first := env.dial(t, 1, "")

	token, err := env.verifier.Issue(auth.Identity{PlayerID: 1}, time.Hour)
	require.NoError(t, err)
	second, _, err := websocket.DefaultDialer.Dial(env.url(token), nil)
	require.NoError(t, err)
	defer second.Close()

	// 新連線會收到目前的對局狀態
	readUntil(t, second, game.EventState)

	// 舊連線被關閉
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	assert.Equal(t, 1, env.hub.ConnectionCount())
	id, busy := env.registry.IsPlayerInGame(1)
	assert.True(t, busy, "被取代的連線不應結束對局")
	assert.Equal(t, created.ID, id)
}

func TestHub_RateLimited(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := ratelimit.NewLocalWithClock(1, 2, func() time.Time { return now })
	env := newTestEnv(t, limiter)
	conn := env.dial(t, 1, "")

	send(t, conn, ws.InPing, nil)
	readUntil(t, conn, ws.OutPong)
	send(t, conn, ws.InPing, nil)
	readUntil(t, conn, ws.OutPong)

	send(t, conn, ws.InPing, nil)
	payload := readError(t, conn)
	assert.Equal(t, "RATE_LIMITED", payload.Code)
}

func TestHub_MatchedEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	c1 := env.dial(t, 1, "")
	c2 := env.dial(t, 2, "")

	require.NoError(t, env.matchmaker.Enqueue(1))
	require.NoError(t, env.matchmaker.Enqueue(2))
	pairing, err := env.matchmaker.TryMatch(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pairing)

	for _, tc := range []struct {
		conn     *websocket.Conn
		opponent game.PlayerID
	}{
		{conn: c1, opponent: 2},
		{conn: c2, opponent: 1},
	} {
		env := readUntil(t, tc.conn, game.EventMatched)
		var mp game.MatchedPayload
		require.NoError(t, json.Unmarshal(env.Data, &mp))
		assert.Equal(t, pairing.SessionID, mp.SessionID)
		assert.Equal(t, tc.opponent, mp.OpponentID)
	}
}

func TestHub_StopClosesConnections(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, 1, "")

	env.hub.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, env.hub.ConnectionCount())

	token, err := env.verifier.Issue(auth.Identity{PlayerID: 2}, time.Hour)
	require.NoError(t, err)
	_, resp, err := websocket.DefaultDialer.Dial(env.url(token), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
