// Package broadcast fans encoded messages out to the connections of a scope.
package broadcast

import (
	"go.uber.org/zap"

	"github.com/cory-johannsen/gemhunt/internal/protocol"
	"github.com/cory-johannsen/gemhunt/internal/registry"
)

// Router encodes a message once and delivers it to many connections.
//
// A failed delivery closes the failing connection; the connection's own
// handler then runs the disconnect path. Failures never stop delivery to
// the remaining recipients and are never reported to them.
type Router struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewRouter creates a Router over reg.
//
// Precondition: reg and logger must be non-nil.
func NewRouter(reg *registry.Registry, logger *zap.Logger) *Router {
	return &Router{registry: reg, logger: logger}
}

// Send delivers msg to every member of scope except the member registered as
// exclude (pass "" to exclude nobody).
//
// Postcondition: Returns the number of successful deliveries.
func (r *Router) Send(scope registry.Scope, msg any, exclude string) int {
	members := r.registry.Members(scope)
	if exclude != "" {
		kept := members[:0]
		for _, m := range members {
			if m.Identity != exclude {
				kept = append(kept, m)
			}
		}
		members = kept
	}
	return r.SendTo(members, msg)
}

// SendTo delivers msg to an explicit member list.
//
// Postcondition: Returns the number of successful deliveries.
func (r *Router) SendTo(members []registry.Member, msg any) int {
	if len(members) == 0 {
		return 0
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		r.logger.Error("dropping broadcast", zap.Error(err))
		return 0
	}

	delivered := 0
	for _, m := range members {
		if r.deliver(m.Conn, m.Identity, data) {
			delivered++
		}
	}
	return delivered
}

// Reply delivers msg to a single connection.
//
// Postcondition: Returns true if the message was enqueued.
func (r *Router) Reply(conn registry.Conn, msg any) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		r.logger.Error("dropping reply", zap.Error(err))
		return false
	}
	identity, _ := r.registry.IdentityOf(conn)
	return r.deliver(conn, identity, data)
}

func (r *Router) deliver(conn registry.Conn, identity string, data []byte) bool {
	if err := conn.Send(data); err != nil {
		r.logger.Debug("delivery failed, closing connection",
			zap.String("conn", conn.ID()),
			zap.String("identity", identity),
			zap.Error(err),
		)
		_ = conn.Close()
		return false
	}
	return true
}
