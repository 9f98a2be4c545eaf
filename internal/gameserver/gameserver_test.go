package gameserver_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/gemhunt/internal/config"
	"github.com/cory-johannsen/gemhunt/internal/game/gemhunt"
	"github.com/cory-johannsen/gemhunt/internal/gameserver"
	"github.com/cory-johannsen/gemhunt/internal/protocol"
	"github.com/cory-johannsen/gemhunt/internal/storage/postgres"
	"github.com/cory-johannsen/gemhunt/internal/testutil"
)

const readTimeout = 2 * time.Second

type stack struct {
	app         *gameserver.App
	matchmaking string
	game        string
	api         string
}

func newStack(t *testing.T, archive gameserver.Archiver) *stack {
	t.Helper()
	cfg := config.Default()
	app := gameserver.NewApp(cfg, archive, zaptest.NewLogger(t))

	mm := httptest.NewServer(app.MatchmakingHandler())
	game := httptest.NewServer(app.GameHandler())
	api := httptest.NewServer(app.APIHandler())
	t.Cleanup(func() {
		api.Close()
		game.Close()
		mm.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	app.Start(ctx)
	t.Cleanup(func() {
		app.Stop()
		cancel()
	})

	return &stack{
		app:         app,
		matchmaking: wsURL(mm.URL),
		game:        wsURL(game.URL),
		api:         api.URL,
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

type fakeArchive struct {
	recorded  chan gemhunt.Result
	results   []postgres.MatchResult
	err       error
	healthErr error
}

func (f *fakeArchive) Health(context.Context) error { return f.healthErr }

func (f *fakeArchive) Record(_ context.Context, res gemhunt.Result) error {
	f.recorded <- res
	return nil
}

func (f *fakeArchive) Recent(_ context.Context, limit int) ([]postgres.MatchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.results) {
		return f.results[:limit], nil
	}
	return f.results, nil
}

// formRoomMatch creates room ABCDEF as alice, joins bob, and starts the game.
func formRoomMatch(t *testing.T, s *stack) (alice, bob *testutil.WSClient) {
	t.Helper()
	alice = testutil.NewWSClient(t, s.matchmaking)
	bob = testutil.NewWSClient(t, s.matchmaking+"/matchmaking")

	alice.Send(map[string]any{"type": "create_room", "username": "alice", "room_code": "ABCDEF"})
	created := alice.ReadUntil(protocol.TypeRoomCreated, readTimeout)
	require.Equal(t, "ABCDEF", created["room_code"])

	bob.Send(map[string]any{"type": "join_match", "username": "bob", "room_code": "abcdef"})
	update := bob.ReadUntil(protocol.TypeQueueUpdate, readTimeout)
	require.EqualValues(t, 2, update["players_needed"])
	update = alice.ReadUntil(protocol.TypeQueueUpdate, readTimeout)
	require.Equal(t, []any{"alice", "bob"}, update["players"])

	alice.Send(map[string]any{"type": "start_game", "username": "alice", "room_code": "ABCDEF"})
	return alice, bob
}

func TestEndToEnd_RoomToGame(t *testing.T) {
	s := newStack(t, nil)
	alice, bob := formRoomMatch(t, s)

	for _, c := range []*testutil.WSClient{alice, bob} {
		found := c.ReadUntil(protocol.TypeMatchFound, readTimeout)
		assert.EqualValues(t, 1, found["match_id"])
		assert.Equal(t, "ws://localhost:9001/game/1", found["game_server"])
		assert.Equal(t, "alice", found["host"])
		assert.Equal(t, []any{"alice", "bob"}, found["players"])
	}
	require.Equal(t, 1, s.app.Sessions.Len())

	ga := testutil.NewWSClient(t, s.game+"/game/1")
	gb := testutil.NewWSClient(t, s.game+"/game/1")

	ga.Send(map[string]any{"type": "join", "username": "alice"})
	ack := ga.ReadUntil(protocol.TypeJoinAck, readTimeout)
	assert.Equal(t, "success", ack["status"])
	assert.Equal(t, "alice", ack["player_id"])

	gb.Send(map[string]any{"type": "join", "username": "bob"})
	gb.ReadUntil(protocol.TypeJoinAck, readTimeout)
	joined := ga.ReadUntil(protocol.TypePlayerEvent, readTimeout)
	assert.Equal(t, protocol.EventPlayerJoined, joined["event"])
	assert.Equal(t, "bob", joined["player_id"])

	session, err := s.app.Sessions.Get(1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return session.State() == gemhunt.Running }, readTimeout, 10*time.Millisecond)

	ga.Send(map[string]any{"type": "move", "direction": "down"})
	require.Eventually(t, func() bool {
		return session.Snapshot().Players["alice"].Position == protocol.Position{X: 0, Y: 1}
	}, readTimeout, 10*time.Millisecond)

	ga.Send(map[string]any{"type": "move", "direction": "sideways"})
	bad := ga.ReadUntil(protocol.TypeError, readTimeout)
	assert.Contains(t, bad["message"], "invalid direction")

	gb.Send(map[string]any{"type": "get_state"})
	state := gb.ReadUntil(protocol.TypeGameState, readTimeout)["state"].(map[string]any)
	assert.Len(t, state["grid"], 10)
	assert.Contains(t, state["players"], "alice")
	assert.Contains(t, state["players"], "bob")
	assert.Equal(t, false, state["game_over"])

	gb.Close()
	left := ga.ReadUntil(protocol.TypePlayerEvent, readTimeout)
	assert.Equal(t, protocol.EventPlayerLeft, left["event"])
	assert.Equal(t, "bob", left["player_id"])
}

func TestEndToEnd_UnknownMatchClosesConnection(t *testing.T) {
	s := newStack(t, nil)
	for _, path := range []string{"/game/99", "/game/abc"} {
		c := testutil.NewWSClient(t, s.game+path)
		msg := c.ReadUntil(protocol.TypeError, readTimeout)
		assert.Equal(t, gemhunt.ErrMatchNotFound.Error(), msg["message"])
		c.ExpectClosed(readTimeout)
	}
}

func TestEndToEnd_ProtocolErrorsKeepConnection(t *testing.T) {
	s := newStack(t, nil)
	c := testutil.NewWSClient(t, s.matchmaking)

	c.SendRaw([]byte("not json"))
	msg := c.ReadUntil(protocol.TypeError, readTimeout)
	assert.Equal(t, "invalid JSON format", msg["message"])

	c.Send(map[string]any{"type": "teleport", "username": "alice"})
	msg = c.ReadUntil(protocol.TypeError, readTimeout)
	assert.Contains(t, msg["message"], "unknown message type")

	c.Send(map[string]any{"type": "join_match", "username": "alice"})
	update := c.ReadUntil(protocol.TypeQueueUpdate, readTimeout)
	assert.EqualValues(t, 3, update["players_needed"])
}

func TestEndToEnd_StateErrorsReported(t *testing.T) {
	s := newStack(t, nil)
	alice := testutil.NewWSClient(t, s.matchmaking)
	bob := testutil.NewWSClient(t, s.matchmaking)

	bob.Send(map[string]any{"type": "join_match", "username": "bob", "room_code": "NOROOM"})
	assert.Equal(t, "room not found", bob.ReadUntil(protocol.TypeError, readTimeout)["message"])

	alice.Send(map[string]any{"type": "create_room", "username": "alice", "room_code": "ABCDEF"})
	alice.ReadUntil(protocol.TypeRoomCreated, readTimeout)
	alice.Send(map[string]any{"type": "start_game", "username": "alice", "room_code": "ABCDEF"})
	assert.Equal(t, "need at least 2 players to start", alice.ReadUntil(protocol.TypeError, readTimeout)["message"])

	bob.Send(map[string]any{"type": "join_match", "username": "alice", "room_code": "ABCDEF"})
	assert.Equal(t, "username already taken in this room", bob.ReadUntil(protocol.TypeError, readTimeout)["message"])

	bob.Send(map[string]any{"type": "join_match", "username": "bob", "room_code": "ABCDEF"})
	bob.ReadUntil(protocol.TypeQueueUpdate, readTimeout)
	bob.Send(map[string]any{"type": "start_game", "username": "bob", "room_code": "ABCDEF"})
	assert.Equal(t, "only the host can start the game", bob.ReadUntil(protocol.TypeError, readTimeout)["message"])
}

func TestEndToEnd_HostDisconnectReassignsHost(t *testing.T) {
	s := newStack(t, nil)
	alice := testutil.NewWSClient(t, s.matchmaking)
	bob := testutil.NewWSClient(t, s.matchmaking)

	alice.Send(map[string]any{"type": "create_room", "username": "alice", "room_code": "ABCDEF"})
	alice.ReadUntil(protocol.TypeRoomCreated, readTimeout)
	bob.Send(map[string]any{"type": "join_match", "username": "bob", "room_code": "ABCDEF"})
	bob.ReadUntil(protocol.TypeQueueUpdate, readTimeout)

	alice.Close()

	update := bob.ReadUntil(protocol.TypeQueueUpdate, readTimeout)
	assert.Equal(t, "bob", update["host"])
	assert.Equal(t, "alice", update["player_left"])
	assert.Equal(t, []any{"bob"}, update["players"])

	host, ok := s.app.Coordinator.Host("ABCDEF")
	require.True(t, ok)
	assert.Equal(t, "bob", host)
}

func TestEndToEnd_GameOverIsArchived(t *testing.T) {
	archive := &fakeArchive{recorded: make(chan gemhunt.Result, 1)}
	s := newStack(t, archive)
	alice, bob := formRoomMatch(t, s)
	alice.ReadUntil(protocol.TypeMatchFound, readTimeout)
	bob.ReadUntil(protocol.TypeMatchFound, readTimeout)

	ga := testutil.NewWSClient(t, s.game+"/game/1")
	gb := testutil.NewWSClient(t, s.game+"/game/1")
	ga.Send(map[string]any{"type": "join", "username": "alice"})
	ga.ReadUntil(protocol.TypeJoinAck, readTimeout)
	gb.Send(map[string]any{"type": "join", "username": "bob"})
	gb.ReadUntil(protocol.TypeJoinAck, readTimeout)

	// Both players leaving a running game ends it.
	ga.Close()
	gb.Close()

	select {
	case res := <-archive.recorded:
		assert.Equal(t, int64(1), res.MatchID)
	case <-time.After(readTimeout):
		t.Fatal("result was not archived")
	}
	require.Eventually(t, func() bool { return s.app.Sessions.Len() == 0 }, readTimeout, 10*time.Millisecond)
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestAPI_Health(t *testing.T) {
	s := newStack(t, nil)
	q := testutil.NewWSClient(t, s.matchmaking)
	q.Send(map[string]any{"type": "join_match", "username": "alice"})
	q.ReadUntil(protocol.TypeQueueUpdate, readTimeout)

	resp, err := http.Get(s.api + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["queued"])
	assert.EqualValues(t, 0, body["rooms"])
	assert.EqualValues(t, 0, body["sessions"])
	assert.Equal(t, "disabled", body["archive"])
}

func TestAPI_HealthReportsArchive(t *testing.T) {
	up := newStack(t, &fakeArchive{})
	resp, err := http.Get(up.api + "/health")
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["archive"])

	down := newStack(t, &fakeArchive{healthErr: errors.New("db down")})
	resp, err = http.Get(down.api + "/health")
	require.NoError(t, err)
	body = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "unavailable", body["archive"])
}

func TestAPI_CreateRoomMintsUsableCode(t *testing.T) {
	s := newStack(t, nil)
	resp, body := postJSON(t, s.api+"/create_room", `{"username":"alice"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	code, ok := body["room_code"].(string)
	require.True(t, ok)
	assert.Regexp(t, `^[0-9A-F]{6}$`, code)

	c := testutil.NewWSClient(t, s.matchmaking)
	c.Send(map[string]any{"type": "create_room", "username": "alice", "room_code": code})
	assert.Equal(t, code, c.ReadUntil(protocol.TypeRoomCreated, readTimeout)["room_code"])
}

func TestAPI_RejectsBadRequests(t *testing.T) {
	s := newStack(t, nil)

	resp, body := postJSON(t, s.api+"/create_room", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Missing username", body["message"])

	resp, body = postJSON(t, s.api+"/join", `{"username":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid JSON data", body["message"])

	r, err := http.Post(s.api+"/join", "text/plain", strings.NewReader(`{"username":"a"}`))
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)

	resp, body = postJSON(t, s.api+"/join", `{"username":"bob"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Join successful", body["message"])
}

func TestAPI_ResultsDisabled(t *testing.T) {
	s := newStack(t, nil)
	resp, err := http.Get(s.api + "/results")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_Results(t *testing.T) {
	archive := &fakeArchive{
		recorded: make(chan gemhunt.Result, 1),
		results: []postgres.MatchResult{
			{ID: 2, MatchID: 2, Players: []postgres.PlayerScore{{Player: "carol", Score: 1}}},
			{ID: 1, MatchID: 1, Winner: "alice", Players: []postgres.PlayerScore{{Player: "alice", Score: 3}}},
		},
	}
	s := newStack(t, archive)

	resp, err := http.Get(s.api + "/results?limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body, 1)
	assert.EqualValues(t, 2, body[0]["match_id"])
	assert.NotContains(t, body[0], "winner")

	bad, err := http.Get(s.api + "/results?limit=zero")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	broken := newStack(t, &fakeArchive{err: errors.New("db down")})
	failed, err := http.Get(broken.api + "/results")
	require.NoError(t, err)
	failed.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, failed.StatusCode)
}
