package protocol

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Outbound message type tags.
const (
	TypeRoomCreated = "room_created"
	TypeQueueUpdate = "queue_update"
	TypeMatchFound  = "match_found"
	TypeError       = "error"
	TypeJoinAck     = "join_ack"
	TypeGameState   = "game_state"
	TypePlayerEvent = "player_event"
)

// Player event names carried by PlayerEvent.
const (
	EventPlayerJoined = "player_joined"
	EventPlayerLeft   = "player_left"
)

// RoomCreated confirms a new room to its host.
type RoomCreated struct {
	Type          string   `json:"type"`
	RoomCode      string   `json:"room_code"`
	Host          string   `json:"host"`
	Players       []string `json:"players"`
	PlayersNeeded int      `json:"players_needed"`
}

// NewRoomCreated builds a room_created message.
func NewRoomCreated(code, host string, players []string, needed int) RoomCreated {
	return RoomCreated{Type: TypeRoomCreated, RoomCode: code, Host: host, Players: players, PlayersNeeded: needed}
}

// QueueUpdate reports the current roster of a room or of the queue.
// RoomCode and Host are empty for the queue.
type QueueUpdate struct {
	Type          string   `json:"type"`
	PlayersNeeded int      `json:"players_needed"`
	Players       []string `json:"players"`
	RoomCode      string   `json:"room_code,omitempty"`
	Host          string   `json:"host,omitempty"`
	PlayerLeft    string   `json:"player_left,omitempty"`
}

// NewQueueUpdate builds a queue_update message.
func NewQueueUpdate(needed int, players []string) QueueUpdate {
	if players == nil {
		players = []string{}
	}
	return QueueUpdate{Type: TypeQueueUpdate, PlayersNeeded: needed, Players: players}
}

// MatchFound tells a matched client where its game session lives.
type MatchFound struct {
	Type       string   `json:"type"`
	MatchID    int64    `json:"match_id"`
	GameServer string   `json:"game_server"`
	Players    []string `json:"players"`
	Host       string   `json:"host"`
}

// NewMatchFound builds a match_found message.
func NewMatchFound(matchID int64, gameServer string, players []string, host string) MatchFound {
	return MatchFound{Type: TypeMatchFound, MatchID: matchID, GameServer: gameServer, Players: players, Host: host}
}

// Error reports a failed request to its sender.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewError builds an error message from err.
func NewError(err error) Error {
	return Error{Type: TypeError, Message: err.Error()}
}

// JoinAck acknowledges a successful game join.
type JoinAck struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	PlayerID string `json:"player_id"`
	MatchID  int64  `json:"match_id"`
}

// NewJoinAck builds a successful join_ack message.
func NewJoinAck(playerID string, matchID int64) JoinAck {
	return JoinAck{Type: TypeJoinAck, Status: "success", PlayerID: playerID, MatchID: matchID}
}

// PlayerEvent announces a roster change to the other players.
type PlayerEvent struct {
	Type     string `json:"type"`
	Event    string `json:"event"`
	PlayerID string `json:"player_id"`
}

// NewPlayerEvent builds a player_event message.
func NewPlayerEvent(event, playerID string) PlayerEvent {
	return PlayerEvent{Type: TypePlayerEvent, Event: event, PlayerID: playerID}
}

// Position is a grid cell. It is encoded as a two-element [x, y] array.
type Position struct {
	X int
	Y int
}

// MarshalJSON encodes p as [x, y].
func (p Position) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{p.X, p.Y})
}

// UnmarshalJSON decodes [x, y].
func (p *Position) UnmarshalJSON(data []byte) error {
	var xy []int
	if err := json.Unmarshal(data, &xy); err != nil {
		return err
	}
	if len(xy) != 2 {
		return fmt.Errorf("position must have 2 coordinates, got %d", len(xy))
	}
	p.X, p.Y = xy[0], xy[1]
	return nil
}

// PlayerView is one roster entry inside a game state.
type PlayerView struct {
	Position Position `json:"position"`
	Score    int      `json:"score"`
}

// StateView is the full game state broadcast to a session.
// Grid is indexed Grid[y][x]; 1 marks a gem.
type StateView struct {
	Grid          [][]int               `json:"grid"`
	Players       map[string]PlayerView `json:"players"`
	TimeRemaining int                   `json:"time_remaining"`
	GameOver      bool                  `json:"game_over"`
	Winner        *string               `json:"winner"`
}

// GameState wraps a StateView for the wire.
type GameState struct {
	Type  string    `json:"type"`
	State StateView `json:"state"`
}

// NewGameState builds a game_state message.
func NewGameState(state StateView) GameState {
	return GameState{Type: TypeGameState, State: state}
}

// Encode serialises an outbound message.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return data, nil
}
