package events_test

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/koopa0/pong-engine/internal/events"
	"github.com/koopa0/pong-engine/internal/game"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject: subject, data: data})
	return nil
}

type countingGateway struct {
	mu     sync.Mutex
	states int
	events []string
}

func (g *countingGateway) PublishState(string, game.State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states++
}

func (g *countingGateway) PublishEvent(_ game.Target, event string, _ any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, event)
}

func TestRelay_ForwardsLifecycleEvents(t *testing.T) {
	pub := &fakePublisher{}
	next := &countingGateway{}
	relay := events.NewRelay(next, pub, "arcade.pong", testLogger())

	winner := game.PlayerID(1)
	relay.PublishState("s1", game.State{ID: "s1"})
	relay.PublishEvent(game.SessionTarget("s1"), game.EventJoined, game.JoinedPayload{SessionID: "s1", PlayerID: 2})
	relay.PublishEvent(game.SessionTarget("s1"), game.EventStarted, game.StartedPayload{SessionID: "s1"})
	relay.PublishEvent(game.SessionTarget("s1"), game.EventEnded, game.EndedPayload{
		SessionID:  "s1",
		WinnerID:   &winner,
		FinalScore: game.Score{Player1: 5, Player2: 3},
		Reason:     game.ReasonCompleted,
	})

	// 所有事件都交給下一層
	assert.Equal(t, 1, next.states)
	assert.Equal(t, []string{game.EventJoined, game.EventStarted, game.EventEnded}, next.events)

	// 只有 started 與 ended 進入匯流排
	require.Len(t, pub.msgs, 2)
	assert.Equal(t, "arcade.pong.started", pub.msgs[0].subject)
	assert.Equal(t, "arcade.pong.ended", pub.msgs[1].subject)

	var msg struct {
		Event     string `json:"event"`
		SessionID string `json:"session_id"`
		Payload   struct {
			WinnerID   int64 `json:"winner_id"`
			FinalScore struct {
				Player1 int `json:"player1"`
				Player2 int `json:"player2"`
			} `json:"final_score"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(pub.msgs[1].data, &msg))
	assert.Equal(t, game.EventEnded, msg.Event)
	assert.Equal(t, "s1", msg.SessionID)
	assert.Equal(t, int64(1), msg.Payload.WinnerID)
	assert.Equal(t, 5, msg.Payload.FinalScore.Player1)
}

func TestRelay_PublisherFailureDoesNotPropagate(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	next := &countingGateway{}
	relay := events.NewRelay(next, pub, "", testLogger())

	assert.NotPanics(t, func() {
		relay.PublishEvent(game.SessionTarget("s1"), game.EventEnded, game.EndedPayload{SessionID: "s1"})
	})
	assert.Equal(t, []string{game.EventEnded}, next.events)
	assert.Equal(t, "pong.ended", relay.Subject(game.EventEnded))
}
