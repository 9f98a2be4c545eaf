// Package match defines the immutable record produced when a room or the
// queue resolves into a game.
package match

import (
	"fmt"
	"strings"
)

// Match binds a match id to its ordered players, host, and session endpoint.
type Match struct {
	ID         int64
	Players    []string
	Host       string
	GameServer string
}

// Endpoint returns the session URL for matchID under base. A trailing slash
// on base is optional.
//
// Postcondition: Returns base + "/" + matchID with exactly one separator.
func Endpoint(base string, matchID int64) string {
	return fmt.Sprintf("%s/%d", strings.TrimRight(base, "/"), matchID)
}
