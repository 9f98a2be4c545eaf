// Package gameserver wires the matchmaking coordinator and the game session
// registry to their websocket endpoints and serves the HTTP API.
package gameserver

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gemhunt/internal/broadcast"
	"github.com/cory-johannsen/gemhunt/internal/frontend/ws"
	"github.com/cory-johannsen/gemhunt/internal/matchmaking"
	"github.com/cory-johannsen/gemhunt/internal/protocol"
)

// MatchmakingHandler runs the read loop for one matchmaking client.
type MatchmakingHandler struct {
	coord  *matchmaking.Coordinator
	router *broadcast.Router
	logger *zap.Logger
}

// NewMatchmakingHandler creates a handler dispatching to coord.
//
// Precondition: coord, router, and logger must be non-nil.
func NewMatchmakingHandler(coord *matchmaking.Coordinator, router *broadcast.Router, logger *zap.Logger) *MatchmakingHandler {
	return &MatchmakingHandler{coord: coord, router: router, logger: logger}
}

// HandleSession reads requests until the client goes away, then removes the
// client from its room or the queue.
//
// Postcondition: The connection belongs to no room or queue on return.
func (h *MatchmakingHandler) HandleSession(_ context.Context, conn *ws.Conn) error {
	defer h.coord.Leave(conn)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return readError(err)
		}

		msg, err := protocol.DecodeMatchmaking(data)
		if err != nil {
			h.logger.Debug("rejecting matchmaking message", zap.String("conn", conn.ID()), zap.Error(err))
			h.router.Reply(conn, protocol.NewError(err))
			continue
		}
		if err := h.dispatch(conn, msg); err != nil {
			h.logger.Debug("matchmaking request failed",
				zap.String("conn", conn.ID()),
				zap.String("type", msg.Kind()),
				zap.Error(err),
			)
			h.router.Reply(conn, protocol.NewError(err))
		}
	}
}

func (h *MatchmakingHandler) dispatch(conn *ws.Conn, msg protocol.Inbound) error {
	switch m := msg.(type) {
	case protocol.CreateRoom:
		_, err := h.coord.CreateRoom(conn, m.Username, m.RoomCode)
		return err
	case protocol.JoinMatch:
		if m.RoomCode != "" {
			return h.coord.JoinRoom(conn, m.RoomCode, m.Username)
		}
		return h.coord.JoinQueue(conn, m.Username)
	case protocol.StartGame:
		return h.coord.StartGame(conn, m.RoomCode, m.Username)
	}
	return protocol.ErrUnknownType
}

// readError hides the errors that mean the peer simply went away.
func readError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}
