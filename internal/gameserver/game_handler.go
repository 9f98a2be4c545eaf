package gameserver

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gemhunt/internal/broadcast"
	"github.com/cory-johannsen/gemhunt/internal/frontend/ws"
	"github.com/cory-johannsen/gemhunt/internal/game/gemhunt"
	"github.com/cory-johannsen/gemhunt/internal/protocol"
)

// MatchIDParam is the path variable naming the match on the game endpoint.
const MatchIDParam = "match_id"

// GameHandler runs the read loop for one client of a game session.
type GameHandler struct {
	sessions *gemhunt.Registry
	router   *broadcast.Router
	logger   *zap.Logger
}

// NewGameHandler creates a handler dispatching to the sessions in reg.
//
// Precondition: reg, router, and logger must be non-nil.
func NewGameHandler(reg *gemhunt.Registry, router *broadcast.Router, logger *zap.Logger) *GameHandler {
	return &GameHandler{sessions: reg, router: router, logger: logger}
}

// HandleSession binds the client to the session named in its URL and reads
// requests until the client goes away or the session is torn down.
//
// Postcondition: An unknown match id gets one error message and the
// connection is closed. Otherwise the client has left the roster on return.
func (h *GameHandler) HandleSession(_ context.Context, conn *ws.Conn) error {
	session, err := h.lookup(conn.Param(MatchIDParam))
	if err != nil {
		h.router.Reply(conn, protocol.NewError(err))
		return err
	}
	defer session.Leave(conn)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return readError(err)
		}

		msg, err := protocol.DecodeGame(data)
		if err != nil {
			h.router.Reply(conn, protocol.NewError(err))
			continue
		}

		switch m := msg.(type) {
		case protocol.Join:
			err = session.Join(conn, m.Username)
		case protocol.Move:
			err = session.Move(conn, m.Direction)
		case protocol.GetState:
			session.SendState(conn)
		}
		if err != nil {
			h.logger.Debug("game request failed",
				zap.Int64("match_id", session.ID()),
				zap.String("conn", conn.ID()),
				zap.String("type", msg.Kind()),
				zap.Error(err),
			)
			h.router.Reply(conn, protocol.NewError(err))
		}
	}
}

func (h *GameHandler) lookup(raw string) (*gemhunt.Session, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, gemhunt.ErrMatchNotFound
	}
	return h.sessions.Get(id)
}
