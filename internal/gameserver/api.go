package gameserver

import (
	"context"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gemhunt/internal/game/gemhunt"
	"github.com/cory-johannsen/gemhunt/internal/matchmaking"
	"github.com/cory-johannsen/gemhunt/internal/storage/postgres"
)

const (
	defaultResultsLimit = 20
	maxResultsLimit     = 100
)

// Client-facing API messages.
const (
	msgNotJSON         = "Content-Type must be application/json"
	msgInvalidJSON     = "Invalid JSON data"
	msgMissingUsername = "Missing username"
	msgInvalidLimit    = "limit must be a positive integer"
	msgArchiveDisabled = "match archive is disabled"
)

// requestError carries a client-facing message for a rejected request.
type requestError string

func (e requestError) Error() string { return string(e) }

// ResultStore lists archived matches for the results endpoint and reports
// whether the archive is reachable.
type ResultStore interface {
	Recent(ctx context.Context, limit int) ([]postgres.MatchResult, error)
	Health(ctx context.Context) error
}

// API serves the HTTP lookup surface: health, room-code minting, join
// validation, and archived results.
type API struct {
	coord    *matchmaking.Coordinator
	sessions *gemhunt.Registry
	results  ResultStore
	logger   *zap.Logger
}

// NewAPI creates the HTTP API. results may be nil when the archive is disabled.
//
// Precondition: coord, sessions, and logger must be non-nil.
func NewAPI(coord *matchmaking.Coordinator, sessions *gemhunt.Registry, results ResultStore, logger *zap.Logger) *API {
	return &API{coord: coord, sessions: sessions, results: results, logger: logger}
}

// Router returns the API routes.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(a.cors, a.logRequests)
	r.HandleFunc("/health", a.health).Methods(http.MethodGet)
	r.HandleFunc("/create_room", a.createRoom).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/join", a.join).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/results", a.listResults).Methods(http.MethodGet)
	return r
}

type usernameRequest struct {
	Username string `json:"username"`
}

type apiResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	RoomCode string `json:"room_code,omitempty"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Rooms    int    `json:"rooms"`
	Queued   int    `json:"queued"`
	Sessions int    `json:"sessions"`
	Archive  string `json:"archive"`
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	stats := a.coord.Stats()
	resp := healthResponse{
		Status:   "ok",
		Rooms:    stats.Rooms,
		Queued:   stats.Queued,
		Sessions: a.sessions.Len(),
		Archive:  "disabled",
	}
	if a.results != nil {
		resp.Archive = "ok"
		if err := a.results.Health(r.Context()); err != nil {
			a.logger.Warn("archive health check failed", zap.Error(err))
			resp.Status = "degraded"
			resp.Archive = "unavailable"
		}
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// createRoom mints a room code. The room itself is created when the host
// sends create_room with the code on the matchmaking endpoint.
func (a *API) createRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	username, err := decodeUsername(r)
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, apiResponse{Message: err.Error()})
		return
	}
	code := a.coord.MintCode()
	a.logger.Info("room code minted", zap.String("room_code", code), zap.String("username", username))
	a.writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "Room created successfully", RoomCode: code})
}

func (a *API) join(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if _, err := decodeUsername(r); err != nil {
		a.writeJSON(w, http.StatusBadRequest, apiResponse{Message: err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "Join successful"})
}

func (a *API) listResults(w http.ResponseWriter, r *http.Request) {
	if a.results == nil {
		a.writeJSON(w, http.StatusNotFound, apiResponse{Message: msgArchiveDisabled})
		return
	}

	limit := defaultResultsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			a.writeJSON(w, http.StatusBadRequest, apiResponse{Message: msgInvalidLimit})
			return
		}
		limit = min(n, maxResultsLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	results, err := a.results.Recent(ctx, limit)
	if err != nil {
		a.logger.Error("listing match results", zap.Error(err))
		a.writeJSON(w, http.StatusInternalServerError, apiResponse{Message: "could not load results"})
		return
	}
	if results == nil {
		results = []postgres.MatchResult{}
	}
	a.writeJSON(w, http.StatusOK, results)
}

func decodeUsername(r *http.Request) (string, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return "", requestError(msgNotJSON)
	}
	var req usernameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", requestError(msgInvalidJSON)
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return "", requestError(msgMissingUsername)
	}
	return username, nil
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Debug("writing response", zap.Error(err))
	}
}

func (a *API) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		next.ServeHTTP(w, r)
	})
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("api request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
