// Package protocol defines the JSON documents exchanged on the matchmaking and
// game endpoints. Inbound documents are decoded into a closed set of variants
// and validated at the boundary; anything else is a protocol error.
package protocol

import (
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// Inbound message type tags.
const (
	TypeCreateRoom = "create_room"
	TypeJoinMatch  = "join_match"
	TypeStartGame  = "start_game"
	TypeJoin       = "join"
	TypeMove       = "move"
	TypeGetState   = "get_state"
)

var (
	// ErrMalformed is returned for input that is not a JSON object.
	ErrMalformed = errors.New("invalid JSON format")
	// ErrUnknownType is returned for a type tag the endpoint does not accept.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMissingField is returned when a required field is absent or blank.
	ErrMissingField = errors.New("missing required field")
	// ErrInvalidDirection is returned for a move direction outside up/down/left/right.
	ErrInvalidDirection = errors.New("invalid direction")
)

// Direction is one of the four grid-axis directions.
type Direction string

// Valid directions.
const (
	Up    Direction = "up"
	Down  Direction = "down"
	Left  Direction = "left"
	Right Direction = "right"
)

// Delta returns the (dx, dy) step for d. Up decreases y.
func (d Direction) Delta() (dx, dy int) {
	switch d {
	case Up:
		return 0, -1
	case Down:
		return 0, 1
	case Left:
		return -1, 0
	case Right:
		return 1, 0
	}
	return 0, 0
}

// Valid reports whether d is one of the four directions.
func (d Direction) Valid() bool {
	switch d {
	case Up, Down, Left, Right:
		return true
	}
	return false
}

// Inbound is a decoded client document. The concrete type is one of
// CreateRoom, JoinMatch, StartGame, Join, Move, or GetState.
type Inbound interface {
	inbound()
	// Kind returns the wire type tag.
	Kind() string
}

// CreateRoom asks for a new room hosted by Username. RoomCode is optional and
// carries a code minted by the HTTP API.
type CreateRoom struct {
	Username string
	RoomCode string
}

// JoinMatch joins the room RoomCode, or the queue when RoomCode is empty.
type JoinMatch struct {
	Username string
	RoomCode string
}

// StartGame asks to start room RoomCode early; only the host may.
type StartGame struct {
	Username string
	RoomCode string
}

// Join enters a game session as Username.
type Join struct {
	Username string
}

// Move steps the sender one cell in Direction.
type Move struct {
	Direction Direction
}

// GetState requests a game_state for the sender only.
type GetState struct{}

func (CreateRoom) inbound() {}
func (JoinMatch) inbound()  {}
func (StartGame) inbound()  {}
func (Join) inbound()       {}
func (Move) inbound()       {}
func (GetState) inbound()   {}

// Kind returns "create_room".
func (CreateRoom) Kind() string { return TypeCreateRoom }

// Kind returns "join_match".
func (JoinMatch) Kind() string { return TypeJoinMatch }

// Kind returns "start_game".
func (StartGame) Kind() string { return TypeStartGame }

// Kind returns "join".
func (Join) Kind() string { return TypeJoin }

// Kind returns "move".
func (Move) Kind() string { return TypeMove }

// Kind returns "get_state".
func (GetState) Kind() string { return TypeGetState }

// envelope is the union of every inbound field.
type envelope struct {
	Type      string `json:"type"`
	Username  string `json:"username"`
	RoomCode  string `json:"room_code"`
	Direction string `json:"direction"`
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, ErrMalformed
	}
	env.Type = strings.TrimSpace(env.Type)
	env.Username = strings.TrimSpace(env.Username)
	env.RoomCode = strings.ToUpper(strings.TrimSpace(env.RoomCode))
	env.Direction = strings.ToLower(strings.TrimSpace(env.Direction))
	return env, nil
}

func requireField(value, name string) error {
	if value == "" {
		return fmt.Errorf("%w: %s", ErrMissingField, name)
	}
	return nil
}

// DecodeMatchmaking parses a document received on the matchmaking endpoint.
//
// Postcondition: Returns one of CreateRoom, JoinMatch, StartGame, or a
// protocol error.
func DecodeMatchmaking(data []byte) (Inbound, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeCreateRoom:
		if err := requireField(env.Username, "username"); err != nil {
			return nil, err
		}
		return CreateRoom{Username: env.Username, RoomCode: env.RoomCode}, nil
	case TypeJoinMatch:
		if err := requireField(env.Username, "username"); err != nil {
			return nil, err
		}
		return JoinMatch{Username: env.Username, RoomCode: env.RoomCode}, nil
	case TypeStartGame:
		if err := requireField(env.Username, "username"); err != nil {
			return nil, err
		}
		if err := requireField(env.RoomCode, "room_code"); err != nil {
			return nil, err
		}
		return StartGame{Username: env.Username, RoomCode: env.RoomCode}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

// DecodeGame parses a document received on the game endpoint.
//
// Postcondition: Returns one of Join, Move, GetState, or a protocol error.
func DecodeGame(data []byte) (Inbound, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeJoin:
		if err := requireField(env.Username, "username"); err != nil {
			return nil, err
		}
		return Join{Username: env.Username}, nil
	case TypeMove:
		if err := requireField(env.Direction, "direction"); err != nil {
			return nil, err
		}
		d := Direction(env.Direction)
		if !d.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDirection, env.Direction)
		}
		return Move{Direction: d}, nil
	case TypeGetState:
		return GetState{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}
